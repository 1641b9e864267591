// Package feedtest provides an in-memory broker for tests of change feed consumers.
package feedtest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/feeder-core/internal/infrastructure/mqtt"
)

// Loopback is a synchronous in-memory Transport: Publish delivers to every
// handler whose filter matches the topic before returning. Filters support
// the MQTT + and # wildcards.
type Loopback struct {
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler

	// SubscribeErr, when set, is returned by the next SubscribeFailures calls.
	SubscribeErr      error
	SubscribeFailures int
	// PublishErr, when set, fails every Publish.
	PublishErr error

	subscribes   int
	unsubscribes int
	published    []Message
}

// Message is one published payload.
type Message struct {
	Topic   string
	Payload []byte
}

// NewLoopback creates an empty Loopback.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]mqtt.MessageHandler)}
}

// Publish implements feed.Transport.
func (l *Loopback) Publish(_ context.Context, topic string, payload []byte, _ byte, _ bool) error {
	l.mu.Lock()
	if l.PublishErr != nil {
		err := l.PublishErr
		l.mu.Unlock()
		return err
	}
	l.published = append(l.published, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	hs := l.matchingLocked(topic)
	l.mu.Unlock()

	for _, h := range hs {
		_ = h(topic, payload) //nolint:errcheck // Handler errors are logged by real transports
	}
	return nil
}

// Subscribe implements feed.Transport.
func (l *Loopback) Subscribe(_ context.Context, topic string, _ byte, handler mqtt.MessageHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribes++
	if l.SubscribeErr != nil && l.SubscribeFailures > 0 {
		l.SubscribeFailures--
		return l.SubscribeErr
	}
	l.handlers[topic] = handler
	return nil
}

// Unsubscribe implements feed.Transport.
func (l *Loopback) Unsubscribe(_ context.Context, topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unsubscribes++
	delete(l.handlers, topic)
	return nil
}

// Deliver injects a raw payload on topic as if another writer published it.
func (l *Loopback) Deliver(topic string, payload []byte) {
	l.mu.Lock()
	hs := l.matchingLocked(topic)
	l.mu.Unlock()
	for _, h := range hs {
		_ = h(topic, payload) //nolint:errcheck // See Publish
	}
}

func (l *Loopback) matchingLocked(topic string) []mqtt.MessageHandler {
	filters := make([]string, 0, len(l.handlers))
	for f := range l.handlers {
		if Match(f, topic) {
			filters = append(filters, f)
		}
	}
	sort.Strings(filters)
	hs := make([]mqtt.MessageHandler, 0, len(filters))
	for _, f := range filters {
		hs = append(hs, l.handlers[f])
	}
	return hs
}

// Match reports whether an MQTT topic filter matches topic.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// Subscribed reports whether a handler is registered for topic.
func (l *Loopback) Subscribed(topic string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.handlers[topic]
	return ok
}

// SubscribeCalls returns how many Subscribe calls were made.
func (l *Loopback) SubscribeCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribes
}

// UnsubscribeCalls returns how many Unsubscribe calls were made.
func (l *Loopback) UnsubscribeCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unsubscribes
}

// Published returns a copy of every successfully published message.
func (l *Loopback) Published() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.published...)
}
