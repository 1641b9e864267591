package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/feeder-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
)

// Transport is the broker surface the feed needs. *mqtt.Client satisfies it.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	Subscribe(ctx context.Context, topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
}

// Emitter is what store writers depend on to announce commits.
type Emitter interface {
	Emit(ctx context.Context, change Change, keys ...Key)
}

// Publisher announces committed changes on the broker.
type Publisher struct {
	transport Transport
	qos       byte
	policy    retry.Policy
	logger    Logger
}

// NewPublisher creates a Publisher retrying transient broker failures per policy.
func NewPublisher(transport Transport, qos byte, policy retry.Policy) *Publisher {
	return &Publisher{
		transport: transport,
		qos:       qos,
		policy:    policy.WithRetryable(mqtt.IsTransient),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for publish failures.
func (p *Publisher) SetLogger(logger Logger) {
	p.logger = logger
}

// Publish sends change to every key's topic, stopping at the first failure.
func (p *Publisher) Publish(ctx context.Context, change Change, keys ...Key) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encoding change: %w", err)
	}
	for _, key := range keys {
		if err := key.Validate(); err != nil {
			return err
		}
		topic := key.Topic()
		if err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
			return p.transport.Publish(ctx, topic, payload, p.qos, false)
		}); err != nil {
			return fmt.Errorf("publishing %s change %s: %w", change.Collection, change.ID, err)
		}
	}
	return nil
}

// Emit is Publish for writers whose commit already succeeded: a failure is
// logged, not returned. Subscribers recover from a missed change on their
// next resubscribe, which always re-reads the store.
func (p *Publisher) Emit(ctx context.Context, change Change, keys ...Key) {
	if err := p.Publish(ctx, change, keys...); err != nil {
		p.logger.Warn("change not announced",
			"collection", change.Collection,
			"id", change.ID,
			"op", change.Op,
			"error", err,
		)
	}
}

// Discard is an Emitter that drops every change.
type Discard struct{}

// Emit implements Emitter.
func (Discard) Emit(context.Context, Change, ...Key) {}
