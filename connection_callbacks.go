package mqttsession

import "context"

// Callback receives asynchronous notifications for one Connection.
// Methods run on the connection's dispatcher goroutine, in engine order.
type Callback interface {
	// ConnectionLost is called with a *ConnectionLostError.
	ConnectionLost(err error)

	// MessageArrived is called for messages no per-topic handler matched.
	// messageID is empty when the message was not persisted.
	MessageArrived(messageID string, msg *Message)

	// DeliveryComplete is called once the engine confirmed a publish.
	DeliveryComplete(tok *Token)
}

// ConnectCompleteCallback is an optional extension of Callback, invoked
// after every successful connect.
type ConnectCompleteCallback interface {
	Callback
	ConnectComplete(reconnect bool, serverURI string)
}

// MessageHandler handles messages matching a subscription filter.
type MessageHandler func(messageID string, msg *Message)

// engineHandler routes engine callbacks into the Connection.
type engineHandler struct {
	c *Connection
}

func (h engineHandler) ConnectionLost(cause error)                { h.c.connectionLost(cause) }
func (h engineHandler) MessageArrived(topic string, msg *Message) { h.c.messageArrived(topic, msg) }
func (h engineHandler) DeliveryComplete(id DeliveryID)            { h.c.deliveryComplete(id) }

// emit publishes an event on the bus through the dispatcher.
func (c *Connection) emit(kind EventKind, payload any) {
	c.dispatch.submit(func() {
		c.bus.Publish(c.handle, kind, payload)
	})
}

func (c *Connection) currentCallback() Callback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback
}

// notifyArrived hands a message to the application: the bus always,
// matching per-topic handlers, or the Callback when none matched.
func (c *Connection) notifyArrived(messageID string, msg *Message, redelivered bool) {
	c.dispatch.submit(func() {
		c.bus.Publish(c.handle, EventMessageArrived, &MessageArrivedEvent{
			MessageID:   messageID,
			Message:     msg,
			Redelivered: redelivered,
		})

		handlers := c.handlers.match(msg.Topic)
		for _, h := range handlers {
			h(messageID, msg)
		}
		if len(handlers) > 0 {
			return
		}
		if cb := c.currentCallback(); cb != nil {
			cb.MessageArrived(messageID, msg)
		}
	})
}

func (c *Connection) notifyConnectionLost(err *ConnectionLostError) {
	c.dispatch.submit(func() {
		c.bus.Publish(c.handle, EventConnectionLost, err)
		if cb := c.currentCallback(); cb != nil {
			cb.ConnectionLost(err)
		}
	})
}

func (c *Connection) notifyConnected(evt *ConnectedEvent) {
	c.dispatch.submit(func() {
		c.bus.Publish(c.handle, EventConnectSuccess, evt)
		if cb, ok := c.currentCallback().(ConnectCompleteCallback); ok {
			cb.ConnectComplete(evt.Reconnect, evt.ServerURI)
		}
	})
}

func (c *Connection) notifyDelivered(tok *Token) {
	c.dispatch.submit(func() {
		c.bus.Publish(c.handle, EventDeliveryComplete, &DeliveryCompleteEvent{
			TokenID: tok.ID(),
			Message: tok.Message(),
		})
		if cb := c.currentCallback(); cb != nil {
			cb.DeliveryComplete(tok)
		}
	})
}

func (c *Connection) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.options.storeTimeout)
}
