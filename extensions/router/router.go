package router

import (
	"regexp"
	"slices"
	"sync"

	"github.com/vitalvas/mqttsession"
)

// Handler processes an arrived message. messageID is the store id to pass
// to Connection.Acknowledge; it is empty when the message was not persisted.
type Handler func(messageID string, msg *mqttsession.Message)

// Condition defines filtering criteria for message routing.
type Condition struct {
	topicFilter   *string
	qos           *byte
	retained      *bool
	duplicate     *bool
	payloadRegexp *regexp.Regexp
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic sets the topic filter for message matching.
// Supports MQTT wildcards: + (single level) and # (multi level).
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.topicFilter = &filter
	}
}

// WithQoS filters messages by QoS level.
func WithQoS(qos byte) ConditionOption {
	return func(c *Condition) {
		c.qos = &qos
	}
}

// WithRetained filters messages by the retain flag.
func WithRetained(retained bool) ConditionOption {
	return func(c *Condition) {
		c.retained = &retained
	}
}

// WithDuplicate filters messages by the duplicate flag.
func WithDuplicate(duplicate bool) ConditionOption {
	return func(c *Condition) {
		c.duplicate = &duplicate
	}
}

// WithPayload filters messages whose payload matches pattern.
func WithPayload(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.payloadRegexp = pattern
	}
}

type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches messages to handlers based on conditions.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
}

// New creates a new Router.
func New() *Router {
	return &Router{
		handlers: make([]registration, 0),
	}
}

// Handle registers a handler with optional conditions.
//
// Examples:
//
//	r.Handle(handler, WithTopic("sensors/#"))
//	r.Handle(handler, WithTopic("sensors/#"), WithQoS(1))
//	r.Handle(handler, WithTopic("alerts/+"), WithRetained(false))
//	r.Handle(handler, WithPayload(regexp.MustCompile(`^\{`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{
		handler:   handler,
		condition: cond,
	})
	r.mu.Unlock()
}

func (c *Condition) matches(msg *mqttsession.Message) bool {
	if c.topicFilter != nil && !mqttsession.TopicMatch(*c.topicFilter, msg.Topic) {
		return false
	}
	if c.qos != nil && *c.qos != msg.QoS {
		return false
	}
	if c.retained != nil && *c.retained != msg.Retain {
		return false
	}
	if c.duplicate != nil && *c.duplicate != msg.Duplicate {
		return false
	}
	if c.payloadRegexp != nil && !c.payloadRegexp.Match(msg.Payload) {
		return false
	}
	return true
}

// Route dispatches a message to all matching handlers and reports whether
// any matched.
func (r *Router) Route(messageID string, msg *mqttsession.Message) bool {
	if msg == nil {
		return false
	}

	r.mu.RLock()
	var matched []Handler
	for _, reg := range r.handlers {
		if reg.condition.matches(msg) {
			matched = append(matched, reg.handler)
		}
	}
	r.mu.RUnlock()

	for _, handler := range matched {
		handler(messageID, msg)
	}
	return len(matched) > 0
}

// Filters returns the registered topic filters, sorted and deduplicated.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, reg := range r.handlers {
		if reg.condition.topicFilter != nil {
			seen[*reg.condition.topicFilter] = struct{}{}
		}
	}

	filters := make([]string, 0, len(seen))
	for filter := range seen {
		filters = append(filters, filter)
	}
	slices.Sort(filters)
	return filters
}

// Subscriptions maps every registered filter to qos, ready for
// Connection.SubscribeMultiple.
func (r *Router) Subscriptions(qos byte) map[string]byte {
	filters := r.Filters()
	subs := make(map[string]byte, len(filters))
	for _, f := range filters {
		subs[f] = qos
	}
	return subs
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = r.handlers[:0]
	r.mu.Unlock()
}

// MessageHandler returns a handler for Connection.Subscribe.
func (r *Router) MessageHandler() mqttsession.MessageHandler {
	return func(messageID string, msg *mqttsession.Message) {
		r.Route(messageID, msg)
	}
}
