package feed

import (
	"context"

	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
)

// Bus bundles both halves of the change feed for store repositories.
type Bus struct {
	Registry *Registry
	Emitter  Emitter
}

// NewBus creates a Registry and Publisher sharing transport.
func NewBus(transport Transport, qos byte, policy retry.Policy, logger Logger) *Bus {
	reg := NewRegistry(transport, qos, policy)
	pub := NewPublisher(transport, qos, policy)
	if logger != nil {
		reg.SetLogger(logger)
		pub.SetLogger(logger)
	}
	return &Bus{Registry: reg, Emitter: pub}
}

// Emit announces a committed change. The commit already happened, so the
// caller's cancellation does not stop the announcement.
func (b *Bus) Emit(ctx context.Context, change Change, keys ...Key) {
	if b == nil || b.Emitter == nil {
		return
	}
	b.Emitter.Emit(context.WithoutCancel(ctx), change, keys...)
}
