package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Local is an in-process Publisher and Subscriber. It relays events between
// sessions of one server when no NATS server is configured. Topic matching
// follows NATS subject rules for "*" and a trailing ">".
type Local struct {
	mu     sync.Mutex
	subs   map[uint64]*localSub
	nextID uint64
	closed bool
}

type localSub struct {
	pattern string
	ch      chan []byte
}

// NewLocal returns an empty in-process hub.
func NewLocal() *Local {
	return &Local{subs: make(map[uint64]*localSub)}
}

// Publish encodes event and hands it to every matching subscription.
// Subscribers that are not keeping up lose the message.
func (l *Local) Publish(ctx context.Context, topic string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("publishing to %s: hub closed", topic)
	}
	for _, s := range l.subs {
		if !MatchSubject(s.pattern, topic) {
			continue
		}
		select {
		case s.ch <- data:
		default:
		}
	}
	return nil
}

// Subscribe implements Subscriber.
func (l *Local) Subscribe(topic string) (<-chan []byte, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, nil, fmt.Errorf("subscribing to %s: hub closed", topic)
	}
	l.nextID++
	id := l.nextID
	s := &localSub{pattern: topic, ch: make(chan []byte, subscriberBuffer)}
	l.subs[id] = s

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if _, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(s.ch)
			}
		})
	}
	return s.ch, cancel, nil
}

// Close closes every open subscription channel.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for id, s := range l.subs {
		close(s.ch)
		delete(l.subs, id)
	}
	return nil
}

// MatchSubject reports whether a dot-separated subject matches pattern.
// "*" matches one segment and a trailing ">" matches one or more.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
