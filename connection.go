package mqttsession

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"
)

// pendingDelivery tracks a publish handed to the engine until it is confirmed.
type pendingDelivery struct {
	tokenID    uint64
	outboundID string
	qos        byte
}

// Connection owns one Engine and turns each operation into an engine call
// plus token and persistence bookkeeping.
//
// All operations return a Token immediately. Engine callbacks and caller
// operations are serialized by the connection mutex; application
// notifications run on a per-connection dispatcher goroutine.
type Connection struct {
	handle    Handle
	serverURI string
	clientID  string

	options   *connectionOptions
	engine    Engine
	tokens    *TokenTracker
	store     MessageStore
	guard     *ResourceGuard
	reconnect *ReconnectManager
	handlers  *handlerTable
	dispatch  *dispatcher
	logger    Logger
	metrics   *SessionMetrics
	bus       EventBus

	mu                 sync.Mutex
	state              State
	connectOpts        ConnectOptions
	connectToken       *Token
	connectLease       *Lease
	disconnectToken    *Token
	disconnectLease    *Lease
	explicitDisconnect bool
	live               bool
	buffer             *outboundBuffer
	deliveries         map[DeliveryID]*pendingDelivery
	earlyDeliveries    map[DeliveryID]struct{}
	resumable          map[string]uint64 // outbound id to token id, cut off by a connection loss
	callback           Callback
	closed             bool
}

// NewConnection creates a Connection for (serverURI, clientID, appID) and
// builds its engine with factory. An empty clientID is generated.
func NewConnection(serverURI, clientID, appID string, factory EngineFactory, opts ...Option) (*Connection, error) {
	if factory == nil {
		return nil, ErrNoEngine
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if clientID == "" {
		clientID = GenerateClientID()
	}

	engine, err := factory(serverURI, clientID)
	if err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, ErrNoEngine
	}

	handle := NewHandle(serverURI, clientID, appID)
	logger := options.logger.WithFields(LogFields{
		LogFieldHandle:   handle.String(),
		LogFieldClientID: clientID,
	})

	c := &Connection{
		handle:          handle,
		serverURI:       serverURI,
		clientID:        clientID,
		options:         options,
		engine:          engine,
		tokens:          NewTokenTracker(handle),
		store:           options.store,
		guard:           options.guard,
		handlers:        newHandlerTable(),
		dispatch:        newDispatcher(logger),
		logger:          logger,
		metrics:         NewSessionMetrics(options.metrics),
		bus:             options.eventBus,
		state:           StateNone,
		connectOpts:     DefaultConnectOptions(),
		buffer:          newOutboundBuffer(options.bufferCapacity, options.bufferPolicy),
		deliveries:      make(map[DeliveryID]*pendingDelivery),
		earlyDeliveries: make(map[DeliveryID]struct{}),
		resumable:       make(map[string]uint64),
		callback:        options.callback,
	}

	if c.guard == nil {
		c.guard = NewResourceGuard(nil, WithGuardLogger(logger))
	}

	c.tokens.notify = c.dispatch.submit
	c.tokens.metrics = c.metrics

	c.reconnect = newReconnectManager(options.reconnect, reconnectHooks{
		attempt: c.reconnectAttempt,
		emit:    c.emit,
	}, logger, c.metrics)

	engine.SetHandler(engineHandler{c: c})

	return c, nil
}

// Handle returns the connection handle.
func (c *Connection) Handle() Handle { return c.handle }

// ClientID returns the client identifier.
func (c *Connection) ClientID() string { return c.clientID }

// ServerURI returns the broker address.
func (c *Connection) ServerURI() string { return c.serverURI }

// Tokens returns the tracker of this connection.
func (c *Connection) Tokens() *TokenTracker { return c.tokens }

// ReconnectManager returns the reconnect manager of this connection.
func (c *Connection) ReconnectManager() *ReconnectManager { return c.reconnect }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is in StateConnected.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Buffered returns the number of publishes waiting for a connection.
func (c *Connection) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.len()
}

// SetCallback replaces the application callback. Nil removes it.
func (c *Connection) SetCallback(cb Callback) {
	c.mu.Lock()
	c.callback = cb
	c.mu.Unlock()
}

// Connect starts a connect. A connected connection resolves the token
// immediately; a connect already in flight returns its token.
func (c *Connection) Connect(opts ConnectOptions, tokOpts ...TokenOption) *Token {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return c.failed(TokenConnect, ErrConnectionClosed, tokOpts)
	}

	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		tok := c.tokens.Issue(TokenConnect, tokOpts...)
		c.tokens.Resolve(tok.ID())
		return tok
	case StateConnecting:
		tok := c.connectToken
		c.mu.Unlock()
		return tok
	case StateDisconnecting:
		c.mu.Unlock()
		return c.failed(TokenConnect, ErrDisconnectInProgress, tokOpts)
	}

	c.reconnect.Resume()
	c.connectOpts = opts
	return c.startConnectLocked(false, tokOpts)
}

// startConnectLocked is called with c.mu held and releases it.
func (c *Connection) startConnectLocked(reconnect bool, tokOpts []TokenOption) *Token {
	opts := c.connectOpts

	c.state = StateConnecting
	c.explicitDisconnect = false

	tok := c.tokens.Issue(TokenConnect, tokOpts...)
	lease := c.guard.Acquire("connect")
	c.connectToken = tok
	c.connectLease = lease
	c.mu.Unlock()

	c.metrics.ConnectStarted()
	c.logger.Info("connecting", LogFields{
		LogFieldServerURI: c.serverURI,
		"clean_session":   opts.CleanSession,
		"reconnect":       reconnect,
	})

	started := time.Now()
	c.engine.Connect(opts, func(sessionPresent bool, err error) {
		c.connectDone(tok, lease, reconnect, started, sessionPresent, err)
	})

	return tok
}

func (c *Connection) connectDone(tok *Token, lease *Lease, reconnect bool, started time.Time, sessionPresent bool, err error) {
	defer lease.Release()

	c.mu.Lock()
	if c.connectToken != tok {
		c.mu.Unlock()
		c.tokens.Fail(tok.ID(), ErrConnectionClosed)
		return
	}
	c.connectToken = nil
	c.connectLease = nil

	if c.state != StateConnecting {
		// A disconnect overtook the connect.
		c.mu.Unlock()
		if err == nil {
			c.logger.Info("closing session established after disconnect", nil)
			c.engine.Disconnect(0, func(err error) {
				if err != nil {
					c.logger.Warn("late session disconnect failed", LogFields{LogFieldError: err.Error()})
				}
			})
		}
		c.tokens.Fail(tok.ID(), ErrConnectionClosed)
		return
	}

	if err != nil {
		c.state = StateError
		c.mu.Unlock()

		connErr := NewConnectionError(c.handle, err)
		c.metrics.ConnectFailed()
		c.logger.Warn("connect failed", LogFields{LogFieldError: err.Error()})

		c.tokens.Fail(tok.ID(), connErr)
		c.emit(EventConnectFailure, connErr)
		if reconnect {
			c.reconnect.AttemptFailed(connErr)
		}
		return
	}

	c.state = StateConnected
	c.live = true
	clean := c.connectOpts.CleanSession
	c.mu.Unlock()

	c.metrics.Connected(time.Since(started))
	c.logger.Info("connected", LogFields{
		LogFieldServerURI: c.serverURI,
		"session_present": sessionPresent,
	})

	if clean {
		c.purge()
	}

	c.reconnect.Succeeded()
	c.tokens.Resolve(tok.ID())
	c.notifyConnected(&ConnectedEvent{
		ServerURI:      c.serverURI,
		SessionPresent: sessionPresent,
		Reconnect:      reconnect,
	})

	c.redeliver(clean)
}

// reconnectAttempt is driven by the ReconnectManager.
func (c *Connection) reconnectAttempt(attempt int) bool {
	c.mu.Lock()
	if c.closed || c.explicitDisconnect || !c.state.canConnect() {
		state := c.state
		c.mu.Unlock()
		if state == StateConnected {
			c.reconnect.Succeeded()
		}
		return false
	}

	c.logger.Info("reconnecting", LogFields{LogFieldAttempt: attempt})
	c.startConnectLocked(true, nil)
	return true
}

// redeliver runs after every successful connect: persisted outbound messages
// from earlier runs, then buffered publishes in FIFO order, then the inbound
// backlog of arrived but unacknowledged messages.
func (c *Connection) redeliver(clean bool) {
	if clean {
		c.failResumable(ErrConnectionLost)
	} else {
		c.resumeOutbound()
	}
	c.flushBuffer()
	c.deliverBacklog()
}

func (c *Connection) resumeOutbound() {
	if c.store == nil {
		return
	}

	c.mu.Lock()
	tracked := c.buffer.outboundIDs()
	for _, d := range c.deliveries {
		if d.outboundID != "" {
			tracked[d.outboundID] = struct{}{}
		}
	}
	interrupted := c.resumable
	c.resumable = make(map[string]uint64)
	c.mu.Unlock()

	ctx, cancel := c.storeContext()
	rows, err := CollectStored(c.store.AllOutbound(ctx, c.handle))
	cancel()
	if err != nil {
		c.persistenceFailed(OpAllOutbound, "", err)
	}

	for _, sm := range rows {
		if _, ok := tracked[sm.ID]; ok {
			continue
		}
		msg := sm.Message()
		msg.Duplicate = true

		tok := c.resumeToken(interrupted, sm.ID, msg)
		c.logger.Debug("resuming outbound message", LogFields{
			LogFieldMessageID: sm.ID,
			LogFieldTopic:     sm.Topic,
			LogFieldTokenID:   tok.ID(),
		})
		if !c.sendPublish(tok, msg, sm.ID) {
			// Rows stay persisted and tokens pending until the next connect.
			interrupted[sm.ID] = tok.ID()
			c.mu.Lock()
			maps.Copy(c.resumable, interrupted)
			c.mu.Unlock()
			return
		}
	}

	// Interrupted publishes whose row is gone cannot be resent.
	if err == nil {
		err = ErrConnectionLost
	}
	for _, tokenID := range interrupted {
		c.tokens.Fail(tokenID, err)
	}
}

// resumeToken returns the pending token of an interrupted publish, or a new
// one for a row persisted by an earlier run.
func (c *Connection) resumeToken(interrupted map[string]uint64, id string, msg *Message) *Token {
	if tokenID, ok := interrupted[id]; ok {
		delete(interrupted, id)
		if tok, found := c.tokens.Lookup(tokenID); found && !tok.IsComplete() {
			return tok
		}
	}
	tok := c.tokens.Issue(TokenPublish, withMessage(msg))
	tok.setMessageID(id)
	return tok
}

// failResumable fails the tokens of interrupted publishes. Their rows are
// left to the store.
func (c *Connection) failResumable(err error) {
	c.mu.Lock()
	interrupted := c.resumable
	c.resumable = make(map[string]uint64)
	c.mu.Unlock()

	for _, tokenID := range interrupted {
		c.tokens.Fail(tokenID, err)
	}
}

func (c *Connection) flushBuffer() {
	c.mu.Lock()
	items := c.buffer.drain()
	c.mu.Unlock()

	for i, bm := range items {
		if c.sendPublish(bm.token, bm.msg, bm.outboundID) {
			continue
		}
		// The connection dropped again: keep the rest for the next connect.
		c.mu.Lock()
		c.buffer.requeue(items[i:])
		n := c.buffer.len()
		c.mu.Unlock()
		c.metrics.BufferSize(n)
		return
	}
	c.metrics.BufferSize(0)
}

func (c *Connection) deliverBacklog() {
	if c.store == nil {
		return
	}

	ctx, cancel := c.storeContext()
	defer cancel()

	for sm, err := range c.store.AllArrived(ctx, c.handle) {
		if err != nil {
			c.persistenceFailed(OpAllArrived, "", err)
			continue
		}
		c.metrics.Redelivered()
		c.notifyArrived(sm.ID, sm.Message(), true)
	}
}

// Disconnect disconnects with the configured quiesce timeout.
func (c *Connection) Disconnect(tokOpts ...TokenOption) *Token {
	return c.DisconnectQuiesce(c.options.quiesce, tokOpts...)
}

// DisconnectQuiesce disconnects, giving in-flight work up to quiesce to
// finish. Any scheduled reconnect is cancelled. In-flight tokens are not
// aborted; the engine fails them as it shuts the session down.
func (c *Connection) DisconnectQuiesce(quiesce time.Duration, tokOpts ...TokenOption) *Token {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return c.failed(TokenDisconnect, ErrConnectionClosed, tokOpts)
	}

	c.reconnect.Cancel()
	c.explicitDisconnect = true

	switch c.state {
	case StateDisconnecting:
		tok := c.disconnectToken
		c.mu.Unlock()
		return tok
	case StateNone, StateDisconnected, StateError:
		c.state = StateDisconnected
		clean := c.connectOpts.CleanSession
		c.mu.Unlock()

		if clean {
			c.purge()
		}
		c.failResumable(ErrConnectionLost)
		tok := c.tokens.Issue(TokenDisconnect, tokOpts...)
		c.tokens.Resolve(tok.ID())
		return tok
	}

	c.state = StateDisconnecting
	tok := c.tokens.Issue(TokenDisconnect, tokOpts...)
	lease := c.guard.Acquire("disconnect")
	c.disconnectToken = tok
	c.disconnectLease = lease
	c.mu.Unlock()

	c.logger.Info("disconnecting", LogFields{LogFieldDelay: quiesce.String()})

	c.engine.Disconnect(quiesce, func(err error) {
		c.disconnectDone(tok, lease, err)
	})

	return tok
}

func (c *Connection) disconnectDone(tok *Token, lease *Lease, err error) {
	defer lease.Release()

	c.mu.Lock()
	if c.disconnectToken == tok {
		c.disconnectToken = nil
		c.disconnectLease = nil
	}
	if c.state == StateDisconnecting {
		c.state = StateDisconnected
	}
	wasLive := c.live
	c.live = false
	clean := c.connectOpts.CleanSession
	c.mu.Unlock()

	if wasLive {
		c.metrics.Disconnected(false)
	}
	if clean {
		c.purge()
	}
	c.failResumable(ErrConnectionLost)

	if err != nil {
		c.logger.Warn("disconnect completed with error", LogFields{LogFieldError: err.Error()})
		c.tokens.Fail(tok.ID(), err)
	} else {
		c.logger.Info("disconnected", nil)
		c.tokens.Resolve(tok.ID())
	}
	c.emit(EventDisconnected, &DisconnectedEvent{Err: err})
}

// Publish publishes payload to topic.
func (c *Connection) Publish(topic string, payload []byte, qos byte, retained bool, tokOpts ...TokenOption) *Token {
	return c.PublishMessage(&Message{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retained,
	}, tokOpts...)
}

// PublishMessage publishes msg. While disconnected the message is buffered
// when buffering is enabled, and the token stays pending until the message
// reaches the engine after a later connect. QoS 1/2 messages on durable
// sessions are persisted until the engine confirms them.
func (c *Connection) PublishMessage(msg *Message, tokOpts ...TokenOption) *Token {
	msg = msg.Clone()
	tok := c.tokens.Issue(TokenPublish, append(tokOpts, withMessage(msg))...)

	if err := ValidateTopicName(msg.Topic); err != nil {
		c.tokens.Fail(tok.ID(), err)
		return tok
	}
	if !validQoS(msg.QoS) {
		c.tokens.Fail(tok.ID(), ErrInvalidQoS)
		return tok
	}

	c.mu.Lock()
	persist := c.store != nil && msg.QoS > QoS0 && !c.connectOpts.CleanSession
	c.mu.Unlock()

	var outboundID string
	if persist {
		ctx, cancel := c.storeContext()
		id, err := c.store.StoreOutbound(ctx, c.handle, msg)
		cancel()
		if err != nil {
			c.persistenceFailed(OpStoreOutbound, "", err)
			c.tokens.Fail(tok.ID(), err)
			return tok
		}
		outboundID = id
		tok.setMessageID(id)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.dropOutbound(outboundID)
		c.tokens.Fail(tok.ID(), ErrConnectionClosed)
		return tok
	}

	if c.state == StateConnected {
		c.mu.Unlock()
		if !c.sendPublish(tok, msg, outboundID) {
			c.dropOutbound(outboundID)
			c.tokens.Fail(tok.ID(), ErrNotConnected)
		}
		return tok
	}

	if !c.buffer.enabled() {
		c.mu.Unlock()
		c.dropOutbound(outboundID)
		c.tokens.Fail(tok.ID(), ErrNotConnected)
		return tok
	}

	evicted, err := c.buffer.push(&bufferedMessage{
		token:      tok,
		msg:        msg,
		outboundID: outboundID,
		enqueued:   time.Now(),
	})
	n := c.buffer.len()
	c.mu.Unlock()

	c.metrics.BufferSize(n)

	if err != nil {
		c.metrics.BufferEvicted(EvictRejectNewest)
		c.dropOutbound(outboundID)
		c.tokens.Fail(tok.ID(), err)
		return tok
	}
	if evicted != nil {
		c.metrics.BufferEvicted(EvictDropOldest)
		c.dropOutbound(evicted.outboundID)
		c.tokens.Fail(evicted.token.ID(), ErrMessageEvicted)
	}

	c.logger.Debug("publish buffered", LogFields{
		LogFieldTopic:   msg.Topic,
		LogFieldTokenID: tok.ID(),
	})

	return tok
}

// sendPublish hands msg to the engine. It returns false without touching
// the token when the connection is no longer live.
func (c *Connection) sendPublish(tok *Token, msg *Message, outboundID string) bool {
	c.mu.Lock()
	connected := c.state == StateConnected && !c.closed
	c.mu.Unlock()
	if !connected {
		return false
	}

	id, err := c.engine.Publish(msg, func(err error) {
		if err != nil {
			c.publishFailed(tok, err)
		}
	})
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionLost) {
		return false
	}
	if err != nil {
		c.logger.Warn("publish rejected by engine", LogFields{
			LogFieldTopic:   msg.Topic,
			LogFieldTokenID: tok.ID(),
			LogFieldError:   err.Error(),
		})
		c.dropOutbound(outboundID)
		c.tokens.Fail(tok.ID(), err)
		return true
	}

	c.metrics.Published(msg.QoS)

	c.mu.Lock()
	_, early := c.earlyDeliveries[id]
	delete(c.earlyDeliveries, id)
	if !tok.IsComplete() {
		c.deliveries[id] = &pendingDelivery{tokenID: tok.ID(), outboundID: outboundID, qos: msg.QoS}
	}
	c.mu.Unlock()

	if early {
		c.deliveryComplete(id)
	}
	return true
}

// publishFailed handles an engine error for a publish in flight. A durable
// publish cut off by the network keeps its row; it is resent after the next
// connect unless the session was closed or disconnected on purpose.
func (c *Connection) publishFailed(tok *Token, err error) {
	c.mu.Lock()
	outboundID := tok.MessageID()
	for id, d := range c.deliveries {
		if d.tokenID == tok.ID() {
			outboundID = d.outboundID
			delete(c.deliveries, id)
			break
		}
	}

	_, interrupted := c.resumable[outboundID]
	keep := outboundID != "" && !c.connectOpts.CleanSession &&
		(interrupted || c.closed || errors.Is(err, ErrConnectionLost))
	resend := keep && !c.closed && !c.explicitDisconnect
	if resend {
		c.resumable[outboundID] = tok.ID()
	} else {
		delete(c.resumable, outboundID)
	}
	c.mu.Unlock()

	switch {
	case resend:
		c.logger.Debug("publish interrupted", LogFields{
			LogFieldMessageID: outboundID,
			LogFieldTokenID:   tok.ID(),
			LogFieldError:     err.Error(),
		})
	case keep:
		c.tokens.Fail(tok.ID(), err)
	default:
		c.dropOutbound(outboundID)
		c.tokens.Fail(tok.ID(), err)
	}
}

func (c *Connection) deliveryComplete(id DeliveryID) {
	c.mu.Lock()
	d, ok := c.deliveries[id]
	if !ok {
		c.earlyDeliveries[id] = struct{}{}
		c.mu.Unlock()
		return
	}
	delete(c.deliveries, id)
	c.mu.Unlock()

	c.dropOutbound(d.outboundID)

	tok, found := c.tokens.Lookup(d.tokenID)
	if !found || !c.tokens.Resolve(d.tokenID) {
		return
	}
	c.metrics.Delivered(d.qos)
	c.notifyDelivered(tok)
}

func (c *Connection) dropOutbound(outboundID string) {
	if outboundID == "" || c.store == nil {
		return
	}
	ctx, cancel := c.storeContext()
	defer cancel()
	if _, err := c.store.DeleteOutbound(ctx, c.handle, outboundID); err != nil {
		c.persistenceFailed(OpDeleteOutbound, outboundID, err)
	}
}

// Subscribe subscribes to one filter. A non-nil handler receives the
// messages matching filter instead of the Callback.
func (c *Connection) Subscribe(filter string, qos byte, handler MessageHandler, tokOpts ...TokenOption) *Token {
	return c.SubscribeMultiple(map[string]byte{filter: qos}, handler, tokOpts...)
}

// SubscribeMultiple subscribes to several filters in one engine call.
func (c *Connection) SubscribeMultiple(filters map[string]byte, handler MessageHandler, tokOpts ...TokenOption) *Token {
	names := make([]string, 0, len(filters))
	for f := range filters {
		names = append(names, f)
	}
	slices.Sort(names)

	qos := make([]byte, len(names))
	for i, f := range names {
		qos[i] = filters[f]
	}

	tok := c.tokens.Issue(TokenSubscribe, append(tokOpts, withTopics(names))...)

	if len(names) == 0 {
		c.tokens.Fail(tok.ID(), ErrEmptyTopic)
		return tok
	}
	for i, f := range names {
		if err := ValidateTopicFilter(f); err != nil {
			c.tokens.Fail(tok.ID(), err)
			return tok
		}
		if !validQoS(qos[i]) {
			c.tokens.Fail(tok.ID(), ErrInvalidQoS)
			return tok
		}
	}

	if !c.IsConnected() {
		c.tokens.Fail(tok.ID(), ErrNotConnected)
		return tok
	}

	// Handlers go in first so retained messages are not missed.
	previous := c.handlers.replace(names, handler)

	c.engine.Subscribe(names, qos, func(err error) {
		if err != nil {
			if handler != nil {
				c.handlers.restore(names, previous)
			}
			c.tokens.Fail(tok.ID(), err)
			return
		}
		c.tokens.Resolve(tok.ID())
	})

	return tok
}

// Unsubscribe removes subscriptions and their handlers.
func (c *Connection) Unsubscribe(filters []string, tokOpts ...TokenOption) *Token {
	tok := c.tokens.Issue(TokenUnsubscribe, append(tokOpts, withTopics(filters))...)

	if len(filters) == 0 {
		c.tokens.Fail(tok.ID(), ErrEmptyTopic)
		return tok
	}
	for _, f := range filters {
		if err := ValidateTopicFilter(f); err != nil {
			c.tokens.Fail(tok.ID(), err)
			return tok
		}
	}

	if !c.IsConnected() {
		c.tokens.Fail(tok.ID(), ErrNotConnected)
		return tok
	}

	filters = slices.Clone(filters)
	c.engine.Unsubscribe(filters, func(err error) {
		if err != nil {
			c.tokens.Fail(tok.ID(), err)
			return
		}
		c.handlers.remove(filters...)
		c.tokens.Resolve(tok.ID())
	})

	return tok
}

// Acknowledge removes an arrived message from the store once the
// application has consumed it.
func (c *Connection) Acknowledge(ctx context.Context, id string) (bool, error) {
	if c.store == nil {
		return false, nil
	}

	ok, err := c.store.Ack(ctx, c.handle, id)
	if err != nil {
		c.persistenceFailed(OpAck, id, err)
		return false, err
	}
	if ok {
		c.metrics.Acknowledged()
	}
	return ok, nil
}

// NetworkAvailable triggers an immediate reconnect attempt for a durable
// session that was lost. It returns true when an attempt started.
func (c *Connection) NetworkAvailable() bool {
	c.mu.Lock()
	eligible := !c.closed && !c.explicitDisconnect && !c.connectOpts.CleanSession &&
		(c.state == StateDisconnected || c.state == StateError)
	c.mu.Unlock()

	if !eligible {
		return false
	}
	return c.reconnect.NetworkAvailable()
}

func (c *Connection) messageArrived(topic string, msg *Message) {
	msg = msg.Clone()
	msg.Topic = topic

	var id string
	if c.store != nil {
		ctx, cancel := c.storeContext()
		stored, err := c.store.StoreArrived(ctx, c.handle, topic, msg)
		cancel()
		if err != nil {
			c.persistenceFailed(OpStoreArrived, "", err)
		} else {
			id = stored
		}
	}

	c.metrics.Arrived(msg.QoS)
	c.logger.Debug("message arrived", LogFields{
		LogFieldTopic:     topic,
		LogFieldMessageID: id,
		LogFieldQoS:       msg.QoS,
	})

	c.notifyArrived(id, msg, false)
}

func (c *Connection) connectionLost(cause error) {
	c.mu.Lock()
	if c.closed || c.explicitDisconnect || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.live = false
	clean := c.connectOpts.CleanSession

	// Unconfirmed durable publishes keep their rows and are resent after
	// the next connect; the rest can no longer complete.
	var unconfirmed []uint64
	for id, d := range c.deliveries {
		if !clean && d.outboundID != "" {
			c.resumable[d.outboundID] = d.tokenID
		} else {
			unconfirmed = append(unconfirmed, d.tokenID)
		}
		delete(c.deliveries, id)
	}
	clear(c.earlyDeliveries)
	c.mu.Unlock()

	c.metrics.Disconnected(true)

	retry := c.reconnect.WillRetry(clean)

	fields := LogFields{"reconnect": retry}
	if cause != nil {
		fields[LogFieldError] = cause.Error()
	}
	c.logger.Warn("connection lost", fields)

	lostErr := NewConnectionLostError(c.handle, cause, !retry)
	for _, tokenID := range unconfirmed {
		c.tokens.Fail(tokenID, lostErr)
	}
	c.notifyConnectionLost(lostErr)

	if retry {
		c.reconnect.ConnectionLost(clean)
	}
}

func (c *Connection) purge() {
	if c.store == nil {
		return
	}
	ctx, cancel := c.storeContext()
	defer cancel()
	if err := c.store.DeleteAllFor(ctx, c.handle); err != nil {
		c.persistenceFailed(OpDeleteAll, "", err)
	}
}

func (c *Connection) persistenceFailed(op, messageID string, err error) {
	c.metrics.PersistenceError(op)
	c.logger.Error("persistence failed", LogFields{
		"op":              op,
		LogFieldMessageID: messageID,
		LogFieldError:     err.Error(),
	})
}

// failed issues a token that is already failed with err.
func (c *Connection) failed(kind TokenKind, err error, tokOpts []TokenOption) *Token {
	tok := c.tokens.Issue(kind, tokOpts...)
	c.tokens.Fail(tok.ID(), err)
	return tok
}

// Close stops reconnecting, closes the engine and fails every pending
// token with ErrConnectionClosed. The MessageStore is left open.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasLive := c.live
	c.live = false
	c.state = StateDisconnected
	buffered := c.buffer.drain()
	leases := []*Lease{c.connectLease, c.disconnectLease}
	c.connectToken = nil
	c.connectLease = nil
	c.disconnectToken = nil
	c.disconnectLease = nil
	clear(c.deliveries)
	clear(c.earlyDeliveries)
	clear(c.resumable)
	c.mu.Unlock()

	c.reconnect.Stop()
	err := c.engine.Close()

	if wasLive {
		c.metrics.Disconnected(false)
	}
	for _, l := range leases {
		l.Release()
	}
	for _, bm := range buffered {
		c.tokens.Fail(bm.token.ID(), ErrConnectionClosed)
	}
	c.tokens.FailAll(ErrConnectionClosed)
	c.metrics.BufferSize(0)

	c.dispatch.close()
	c.logger.Debug("connection closed", nil)

	if err != nil && !errors.Is(err, ErrConnectionClosed) {
		return err
	}
	return nil
}
