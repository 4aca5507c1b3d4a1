package mqttsession

import "time"

// DeliveryID identifies a publish inside an Engine until its delivery completes.
type DeliveryID uint64

// ConnectOptions are passed to the Engine on every connect, including
// reconnect attempts.
type ConnectOptions struct {
	Username       string
	Password       string
	CleanSession   bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// Will is published by the broker if the connection drops ungracefully.
	Will *Message
}

// DefaultConnectOptions returns the options used by a zero-configured connect.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 30 * time.Second,
	}
}

// Engine is the wire-level protocol client driven by a Connection.
//
// Every done callback and every EngineHandler method must be invoked from an
// engine goroutine, never synchronously from inside the call that started
// the operation. A publish is confirmed by EngineHandler.DeliveryComplete;
// its done callback reports failures only (done(nil) is ignored).
type Engine interface {
	Connect(opts ConnectOptions, done func(sessionPresent bool, err error))
	Disconnect(quiesce time.Duration, done func(err error))
	Publish(msg *Message, done func(err error)) (DeliveryID, error)
	Subscribe(filters []string, qos []byte, done func(err error))
	Unsubscribe(filters []string, done func(err error))
	SetHandler(h EngineHandler)
	IsConnected() bool
	Close() error
}

// EngineHandler receives inbound engine callbacks.
type EngineHandler interface {
	ConnectionLost(cause error)
	MessageArrived(topic string, msg *Message)
	DeliveryComplete(id DeliveryID)
}

// EngineFactory builds the engine for one Connection.
type EngineFactory func(serverURI, clientID string) (Engine, error)
