package mqttsession

import (
	"context"
	"slices"
	"sync"
	"time"
)

// TokenKind identifies the operation a Token tracks.
type TokenKind int

const (
	TokenConnect TokenKind = iota + 1
	TokenDisconnect
	TokenPublish
	TokenSubscribe
	TokenUnsubscribe
)

// String returns the string representation of the token kind.
func (k TokenKind) String() string {
	switch k {
	case TokenConnect:
		return "CONNECT"
	case TokenDisconnect:
		return "DISCONNECT"
	case TokenPublish:
		return "PUBLISH"
	case TokenSubscribe:
		return "SUBSCRIBE"
	case TokenUnsubscribe:
		return "UNSUBSCRIBE"
	default:
		return "UNKNOWN"
	}
}

// Token correlates an asynchronous operation with its completion.
// A token completes exactly once, either successfully or with an error.
type Token struct {
	id      uint64
	kind    TokenKind
	handle  Handle
	message *Message
	topics  []string

	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	err        error
	messageID  string
	onComplete func(*Token)
}

// TokenOption configures a Token at issue time.
type TokenOption func(*Token)

// WithOnComplete registers fn to run once the token completes.
// On a Connection, fn runs on the connection's dispatcher goroutine, so
// completion callbacks are never reordered relative to each other.
func WithOnComplete(fn func(*Token)) TokenOption {
	return func(t *Token) {
		t.onComplete = fn
	}
}

func withMessage(msg *Message) TokenOption {
	return func(t *Token) {
		t.message = msg
	}
}

func withTopics(topics []string) TokenOption {
	return func(t *Token) {
		t.topics = slices.Clone(topics)
	}
}

// ID returns the token identifier, unique within its tracker.
func (t *Token) ID() uint64 { return t.id }

// Kind returns the operation kind.
func (t *Token) Kind() TokenKind { return t.kind }

// Message returns the published message for PUBLISH tokens.
func (t *Token) Message() *Message { return t.message }

// Topics returns the filters of SUBSCRIBE and UNSUBSCRIBE tokens.
func (t *Token) Topics() []string { return slices.Clone(t.topics) }

// MessageID returns the store identifier of a persisted outbound message.
func (t *Token) MessageID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messageID
}

func (t *Token) setMessageID(id string) {
	t.mu.Lock()
	t.messageID = id
	t.mu.Unlock()
}

// Done returns a channel closed when the token completes.
func (t *Token) Done() <-chan struct{} { return t.done }

// IsComplete reports whether the token has completed.
func (t *Token) IsComplete() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Error returns the failure of a completed token, nil on success or while pending.
func (t *Token) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the token completes and returns its error.
func (t *Token) Wait() error {
	<-t.done
	return t.Error()
}

// WaitTimeout waits up to d for completion.
// On timeout it returns an OperationError wrapping ErrOperationTimeout;
// the token itself stays pending.
func (t *Token) WaitTimeout(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-t.done:
		return t.Error()
	case <-timer.C:
		return &OperationError{Handle: t.handle, Kind: t.kind, TokenID: t.id, Err: ErrOperationTimeout}
	}
}

// WaitContext waits for completion or context cancellation.
func (t *Token) WaitContext(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Error()
	case <-ctx.Done():
		return &OperationError{Handle: t.handle, Kind: t.kind, TokenID: t.id, Err: ctx.Err()}
	}
}

// complete finishes the token. Only the first call takes effect.
func (t *Token) complete(err error, notify func(func())) bool {
	completed := false
	t.once.Do(func() {
		completed = true

		t.mu.Lock()
		t.err = err
		fn := t.onComplete
		t.onComplete = nil
		t.mu.Unlock()

		close(t.done)

		if fn != nil {
			notify(func() { fn(t) })
		}
	})
	return completed
}

// WaitForCompletion blocks until tok completes or timeout elapses.
func WaitForCompletion(tok *Token, timeout time.Duration) error {
	return tok.WaitTimeout(timeout)
}

// TokenTracker issues tokens and retires each of them exactly once.
type TokenTracker struct {
	handle Handle

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Token

	// notify runs completion callbacks; Connection routes them to its dispatcher.
	notify  func(func())
	metrics *SessionMetrics
}

// NewTokenTracker creates a tracker whose errors carry handle.
func NewTokenTracker(handle Handle) *TokenTracker {
	return &TokenTracker{
		handle:  handle,
		pending: make(map[uint64]*Token),
		notify:  func(fn func()) { fn() },
		metrics: NewSessionMetrics(nil),
	}
}

// Issue allocates the next token id and registers the token as pending.
func (tt *TokenTracker) Issue(kind TokenKind, opts ...TokenOption) *Token {
	tok := &Token{
		kind:   kind,
		handle: tt.handle,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(tok)
	}

	tt.mu.Lock()
	tt.nextID++
	tok.id = tt.nextID
	tt.pending[tok.id] = tok
	tt.mu.Unlock()

	tt.metrics.TokenIssued()

	return tok
}

// Resolve completes the token successfully. A stale or repeated id is a no-op
// and returns false.
func (tt *TokenTracker) Resolve(id uint64) bool {
	tok := tt.retire(id)
	if tok == nil {
		return false
	}
	return tok.complete(nil, tt.notify)
}

// Fail completes the token with err wrapped in an OperationError.
// A stale or repeated id is a no-op and returns false.
func (tt *TokenTracker) Fail(id uint64, err error) bool {
	tok := tt.retire(id)
	if tok == nil {
		return false
	}
	return tok.complete(NewOperationError(tt.handle, tok.kind, tok.id, err), tt.notify)
}

// Lookup returns a pending token without retiring it.
func (tt *TokenTracker) Lookup(id uint64) (*Token, bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	tok, ok := tt.pending[id]
	return tok, ok
}

// Pending returns the number of tokens not yet retired.
func (tt *TokenTracker) Pending() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.pending)
}

// FailAll fails every pending token with err, in issue order.
// It returns the number of tokens failed.
func (tt *TokenTracker) FailAll(err error) int {
	tt.mu.Lock()
	ids := make([]uint64, 0, len(tt.pending))
	for id := range tt.pending {
		ids = append(ids, id)
	}
	tt.mu.Unlock()

	slices.Sort(ids)

	n := 0
	for _, id := range ids {
		if tt.Fail(id, err) {
			n++
		}
	}
	return n
}

func (tt *TokenTracker) retire(id uint64) *Token {
	tt.mu.Lock()
	tok, ok := tt.pending[id]
	if ok {
		delete(tt.pending, id)
	}
	tt.mu.Unlock()

	if !ok {
		return nil
	}
	tt.metrics.TokenRetired()
	return tok
}
