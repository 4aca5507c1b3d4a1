package mqttsession

import (
	"errors"
	"fmt"
)

// Sentinel errors - check with errors.Is().
var (
	// ErrConnection is the base of engine-reported network, auth or protocol failures.
	ErrConnection = errors.New("connection error")

	// ErrNotConnected is returned when an operation needs a live connection
	// and buffering is disabled or not applicable.
	ErrNotConnected = errors.New("not connected")

	// ErrOperationTimeout is returned when a blocking wait exceeds its bound.
	ErrOperationTimeout = errors.New("operation timeout")

	// ErrPersistence is the base of MessageStore read/write failures.
	ErrPersistence = errors.New("persistence error")

	// ErrConnectionLost is emitted when the connection is lost unexpectedly.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectionClosed fails tokens still pending when the engine is closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrBufferFull is returned when the outbound buffer rejects a new message.
	ErrBufferFull = errors.New("outbound buffer full")

	// ErrMessageEvicted fails the token of a buffered message dropped to make room.
	ErrMessageEvicted = errors.New("buffered message evicted")

	// ErrReconnectFailed is emitted when all reconnection attempts have failed.
	ErrReconnectFailed = errors.New("reconnect failed")

	// ErrRegistryClosed is returned by a Registry after Close.
	ErrRegistryClosed = errors.New("registry closed")

	// ErrInvalidQoS is returned for a QoS outside 0..2.
	ErrInvalidQoS = errors.New("invalid qos")

	// ErrDisconnectInProgress is returned by Connect while a disconnect is pending.
	ErrDisconnectInProgress = errors.New("disconnect in progress")

	// ErrUnknownHandle is returned by a Registry for a handle it does not hold.
	ErrUnknownHandle = errors.New("unknown connection handle")

	// ErrNoEngine is returned when a Connection is built without an engine.
	ErrNoEngine = errors.New("no engine configured")
)

// OperationError carries the context of a failed operation.
// Extract with errors.As().
type OperationError struct {
	Handle  Handle
	Kind    TokenKind
	TokenID uint64
	Err     error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s (token %d): %v", e.Kind, e.Handle, e.TokenID, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// NewOperationError wraps err with the handle and operation kind it belongs to.
// An err that already is an OperationError is returned unchanged.
func NewOperationError(handle Handle, kind TokenKind, tokenID uint64, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return err
	}
	return &OperationError{Handle: handle, Kind: kind, TokenID: tokenID, Err: err}
}

// ConnectionError is an engine-reported connect failure.
// Extract with errors.As().
type ConnectionError struct {
	Handle Handle
	Cause  error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return "connect " + string(e.Handle) + ": " + e.Cause.Error()
	}
	return "connect " + string(e.Handle) + " failed"
}

// Unwrap exposes both ErrConnection and the engine cause.
func (e *ConnectionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConnection}
	}
	return []error{ErrConnection, e.Cause}
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(handle Handle, cause error) *ConnectionError {
	return &ConnectionError{Handle: handle, Cause: cause}
}

// ConnectionLostError contains details about an unexpected disconnection.
// Extract with errors.As().
type ConnectionLostError struct {
	Handle Handle
	Cause  error
	// Terminal is true when no reconnect will follow.
	Terminal bool
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != nil {
		return "connection lost: " + e.Cause.Error()
	}
	return "connection lost"
}

func (e *ConnectionLostError) Unwrap() error { return ErrConnectionLost }

// NewConnectionLostError creates a new ConnectionLostError.
func NewConnectionLostError(handle Handle, cause error, terminal bool) *ConnectionLostError {
	return &ConnectionLostError{Handle: handle, Cause: cause, Terminal: terminal}
}

// PersistenceError is a MessageStore failure.
// Extract with errors.As().
type PersistenceError struct {
	Op        string
	Handle    Handle
	MessageID string
	Cause     error
}

func (e *PersistenceError) Error() string {
	msg := "persistence " + e.Op + " " + string(e.Handle)
	if e.MessageID != "" {
		msg += "/" + e.MessageID
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both ErrPersistence and the backend cause.
func (e *PersistenceError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrPersistence}
	}
	return []error{ErrPersistence, e.Cause}
}

// NewPersistenceError wraps a backend failure. A nil cause yields nil.
func NewPersistenceError(op string, handle Handle, messageID string, cause error) error {
	if cause == nil {
		return nil
	}
	return &PersistenceError{Op: op, Handle: handle, MessageID: messageID, Cause: cause}
}
