package mqttsession

import (
	"errors"
	"strings"
	"sync"
	"unicode/utf8"
)

var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'
)

// ValidateTopicName validates a topic name used for publishing.
// Topic names cannot contain wildcards and must be valid UTF-8.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}

	for _, r := range topic {
		if r == 0 || r == singleLevelWildcard || r == multiLevelWildcard {
			return ErrInvalidTopicName
		}
	}

	return nil
}

// ValidateTopicFilter validates a subscription filter.
// Wildcards must occupy a whole level and '#' must be the last level.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}

	if !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, string(topicSeparator))
	for i, level := range levels {
		if strings.ContainsRune(level, singleLevelWildcard) && level != string(singleLevelWildcard) {
			return ErrInvalidTopicFilter
		}
		if strings.ContainsRune(level, multiLevelWildcard) {
			if level != string(multiLevelWildcard) || i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
	}

	return nil
}

// TopicMatch checks if a topic name matches a topic filter.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	// $-prefixed topics don't match wildcards at root level
	if topic[0] == '$' && (filter[0] == singleLevelWildcard || filter[0] == multiLevelWildcard) {
		return false
	}

	fi, ti := 0, 0
	flen, tlen := len(filter), len(topic)

	for fi < flen {
		fstart := fi
		for fi < flen && filter[fi] != topicSeparator {
			fi++
		}
		flevel := filter[fstart:fi]

		if flevel == "#" {
			return true
		}

		if ti > tlen {
			return false
		}

		tstart := ti
		for ti < tlen && topic[ti] != topicSeparator {
			ti++
		}
		tlevel := topic[tstart:ti]

		if flevel != "+" && flevel != tlevel {
			return false
		}

		if fi < flen {
			fi++
		}
		ti++
	}

	return ti > tlen
}

// handlerTable keeps per-filter message handlers registered through Subscribe.
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{handlers: make(map[string]MessageHandler)}
}

// replace sets h for filters and returns the handlers it displaced.
func (t *handlerTable) replace(filters []string, h MessageHandler) map[string]MessageHandler {
	if h == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	previous := make(map[string]MessageHandler)
	for _, f := range filters {
		if old, ok := t.handlers[f]; ok {
			previous[f] = old
		}
		t.handlers[f] = h
	}
	return previous
}

// restore undoes replace.
func (t *handlerTable) restore(filters []string, previous map[string]MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, f := range filters {
		if old, ok := previous[f]; ok {
			t.handlers[f] = old
		} else {
			delete(t.handlers, f)
		}
	}
}

func (t *handlerTable) remove(filters ...string) {
	t.mu.Lock()
	for _, f := range filters {
		delete(t.handlers, f)
	}
	t.mu.Unlock()
}

// match returns the handlers whose filter matches topic.
// Handlers are copied so none are invoked with the lock held.
func (t *handlerTable) match(topic string) []MessageHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []MessageHandler
	for filter, h := range t.handlers {
		if TopicMatch(filter, topic) {
			out = append(out, h)
		}
	}
	return out
}

func (t *handlerTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}
