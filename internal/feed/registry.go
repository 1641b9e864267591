package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/feeder-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
)

// releaseTimeout bounds the upstream unsubscribe issued by a release.
const releaseTimeout = 5 * time.Second

// Listener receives changes for one Key. Listeners run on the transport's
// delivery goroutine and must return quickly without making broker calls.
type Listener func(Change)

// Registry multiplexes local listeners onto one upstream subscription per Key.
//
// All public methods are thread-safe.
type Registry struct {
	transport Transport
	qos       byte
	policy    retry.Policy
	logger    Logger

	mu       sync.Mutex
	channels map[Key]*channel
	nextID   uint64

	// upstreamMu serialises broker subscribe/unsubscribe calls so a release
	// racing a fresh subscribe for the same key cannot unsubscribe it.
	upstreamMu sync.Mutex
}

type channel struct {
	key       Key
	listeners map[uint64]Listener

	// ready is closed once the upstream subscription attempt finishes; err
	// then holds its outcome.
	ready chan struct{}
	err   error
}

// NewRegistry creates a Registry over transport.
func NewRegistry(transport Transport, qos byte, policy retry.Policy) *Registry {
	return &Registry{
		transport: transport,
		qos:       qos,
		policy:    policy.WithRetryable(mqtt.IsTransient),
		logger:    noopLogger{},
		channels:  make(map[Key]*channel),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Subscribe adds listener to key's channel, opening the upstream
// subscription if this is the channel's first listener.
//
// The returned release function is idempotent. When the last listener of a
// channel releases, the upstream subscription is closed.
func (r *Registry) Subscribe(ctx context.Context, key Key, listener Listener) (release func(), err error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		return nil, fmt.Errorf("feed: nil listener for %s", key)
	}

	r.mu.Lock()
	ch, exists := r.channels[key]
	if !exists {
		ch = &channel{
			key:       key,
			listeners: make(map[uint64]Listener),
			ready:     make(chan struct{}),
		}
		r.channels[key] = ch
	}
	r.nextID++
	id := r.nextID
	ch.listeners[id] = listener
	r.mu.Unlock()

	if !exists {
		r.openUpstream(ctx, ch)
	} else {
		select {
		case <-ch.ready:
		case <-ctx.Done():
			r.remove(ch, id)
			return nil, ctx.Err()
		}
	}

	if ch.err != nil {
		r.remove(ch, id)
		return nil, ch.err
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(ch, id) })
	}, nil
}

// openUpstream subscribes ch's topic and records the outcome.
func (r *Registry) openUpstream(ctx context.Context, ch *channel) {
	r.upstreamMu.Lock()
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.transport.Subscribe(ctx, ch.key.Topic(), r.qos, r.handler(ch))
	})
	r.upstreamMu.Unlock()

	r.mu.Lock()
	if err != nil {
		ch.err = fmt.Errorf("subscribing %s: %w", ch.key, err)
		if r.channels[ch.key] == ch {
			delete(r.channels, ch.key)
		}
	}
	close(ch.ready)
	r.mu.Unlock()

	if err == nil {
		r.logger.Debug("change feed channel opened", "key", ch.key.String())
	}
}

// handler decodes messages for ch and fans them out in listener
// registration order.
func (r *Registry) handler(ch *channel) mqtt.MessageHandler {
	return func(_ string, payload []byte) error {
		var change Change
		if err := json.Unmarshal(payload, &change); err != nil {
			return fmt.Errorf("decoding change on %s: %w", ch.key, err)
		}

		r.mu.Lock()
		ids := make([]uint64, 0, len(ch.listeners))
		for id := range ch.listeners {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		listeners := make([]Listener, 0, len(ids))
		for _, id := range ids {
			listeners = append(listeners, ch.listeners[id])
		}
		r.mu.Unlock()

		for _, l := range listeners {
			l(change)
		}
		return nil
	}
}

// remove drops a listener without touching the upstream subscription.
func (r *Registry) remove(ch *channel, id uint64) {
	r.mu.Lock()
	delete(ch.listeners, id)
	r.mu.Unlock()
}

func (r *Registry) release(ch *channel, id uint64) {
	r.mu.Lock()
	delete(ch.listeners, id)
	if len(ch.listeners) > 0 || r.channels[ch.key] != ch {
		r.mu.Unlock()
		return
	}
	delete(r.channels, ch.key)
	r.mu.Unlock()

	r.upstreamMu.Lock()
	defer r.upstreamMu.Unlock()

	// A new channel for the same key may have been opened meanwhile and
	// already owns the topic.
	r.mu.Lock()
	_, reopened := r.channels[ch.key]
	r.mu.Unlock()
	if reopened {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := r.transport.Unsubscribe(ctx, ch.key.Topic()); err != nil {
		r.logger.Warn("change feed unsubscribe failed", "key", ch.key.String(), "error", err)
		return
	}
	r.logger.Debug("change feed channel closed", "key", ch.key.String())
}

// ChannelCount returns the number of open upstream channels.
func (r *Registry) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// ListenerCount returns how many listeners share key's channel.
func (r *Registry) ListenerCount(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[key]; ok {
		return len(ch.listeners)
	}
	return 0
}

// Rows subscribes to key and decodes each change's row as T before calling fn.
// Changes whose row does not decode are logged and skipped.
func Rows[T any](ctx context.Context, r *Registry, key Key, fn func(op Op, row T)) (func(), error) {
	return r.Subscribe(ctx, key, func(c Change) {
		var row T
		if err := c.Decode(&row); err != nil {
			r.logger.Warn("dropping undecodable change", "key", key.String(), "error", err)
			return
		}
		fn(c.Op, row)
	})
}
