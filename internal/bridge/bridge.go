package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/feeder-core/internal/command"
	"github.com/nerrad567/feeder-core/internal/device"
	"github.com/nerrad567/feeder-core/internal/history"
	"github.com/nerrad567/feeder-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/feeder-core/internal/infrastructure/mqtt"
)

const (
	// DefaultQueueSize bounds messages waiting for the worker.
	DefaultQueueSize = 256

	// handleTimeout bounds the store writes for one message.
	handleTimeout = 30 * time.Second
)

// Transport is the MQTT surface the bridge needs.
type Transport interface {
	Subscribe(ctx context.Context, topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
}

// DeviceStore receives telemetry.
type DeviceStore interface {
	UpdateTelemetry(ctx context.Context, id string, t device.Telemetry) (*device.Device, error)
}

// CommandStore settles commands.
type CommandStore interface {
	SetStatus(ctx context.Context, id string, status command.Status) (*command.Command, error)
}

// HistoryStore records feedings.
type HistoryStore interface {
	Append(ctx context.Context, e *history.Event) error
}

// MetricsSink mirrors device data for dashboards. *influxdb.Client implements it.
type MetricsSink interface {
	WriteTelemetry(t influxdb.Telemetry)
	WriteFeeding(f influxdb.Feeding)
}

// Logger is the logging interface used by the Bridge.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Bridge.
type Options struct {
	Transport Transport
	Devices   DeviceStore
	Commands  CommandStore
	History   HistoryStore

	// Metrics is optional.
	Metrics MetricsSink

	QoS       byte
	QueueSize int
	Logger    Logger
}

// Stats counts processed messages.
type Stats struct {
	Telemetry   uint64 `json:"telemetry"`
	FeedResults uint64 `json:"feed_results"`
	Rejected    uint64 `json:"rejected"`
	Dropped     uint64 `json:"dropped"`
}

type message struct {
	topic   string
	payload []byte
}

// Bridge moves device reports from MQTT into the store.
//
// Broker callbacks only enqueue. A single worker does the store writes, so
// the broker's delivery goroutine never waits on a publish of its own.
type Bridge struct {
	opts   Options
	logger Logger
	topics []string

	queue    chan message
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	now      func() time.Time

	telemetry, feedResults, rejected, dropped atomic.Uint64
}

// New creates a Bridge. Call Start to begin ingesting.
func New(opts Options) (*Bridge, error) {
	if opts.Transport == nil {
		return nil, errors.New("bridge: transport is required")
	}
	if opts.Devices == nil || opts.Commands == nil || opts.History == nil {
		return nil, errors.New("bridge: device, command and history stores are required")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var t mqtt.Topics
	return &Bridge{
		opts:   opts,
		logger: logger,
		topics: []string{t.AllDeviceTelemetry(), t.AllDeviceFeedResults()},
		queue:  make(chan message, opts.QueueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}, nil
}

// Start subscribes to device topics and starts the worker.
func (b *Bridge) Start(ctx context.Context) error {
	b.wg.Add(1)
	go b.run()

	for _, topic := range b.topics {
		if err := b.opts.Transport.Subscribe(ctx, topic, b.opts.QoS, b.enqueue); err != nil {
			b.Stop()
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		b.logger.Info("bridge subscribed", "topic", topic)
	}
	return nil
}

// Stop unsubscribes, abandons queued messages and waits for the worker.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, topic := range b.topics {
			if err := b.opts.Transport.Unsubscribe(ctx, topic); err != nil {
				b.logger.Warn("bridge unsubscribe failed", "topic", topic, "error", err)
			}
		}
		close(b.done)
		b.cancel()
		b.wg.Wait()
		b.logger.Info("bridge stopped")
	})
}

// Stats returns message counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Telemetry:   b.telemetry.Load(),
		FeedResults: b.feedResults.Load(),
		Rejected:    b.rejected.Load(),
		Dropped:     b.dropped.Load(),
	}
}

func (b *Bridge) enqueue(topic string, payload []byte) error {
	select {
	case <-b.done:
		return nil
	default:
	}
	select {
	case b.queue <- message{topic: topic, payload: append([]byte(nil), payload...)}:
		return nil
	default:
		b.dropped.Add(1)
		return fmt.Errorf("bridge queue full, dropped message on %s", topic)
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case m := <-b.queue:
			if err := b.handle(m.topic, m.payload); err != nil {
				b.rejected.Add(1)
				b.logger.Warn("device message rejected", "topic", m.topic, "error", err)
			}
		}
	}
}

// handle processes one device message synchronously.
func (b *Bridge) handle(topic string, payload []byte) error {
	deviceID, kind, ok := mqtt.ParseDeviceTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %q", topic)
	}
	ctx, cancel := context.WithTimeout(b.ctx, handleTimeout)
	defer cancel()

	switch kind {
	case mqtt.DeviceTopicTelemetry:
		var msg TelemetryMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decoding telemetry: %w", err)
		}
		return b.handleTelemetry(ctx, deviceID, msg)
	case mqtt.DeviceTopicFeedResult:
		var msg FeedResultMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decoding feed result: %w", err)
		}
		return b.handleFeedResult(ctx, deviceID, msg)
	}
	return nil
}

func (b *Bridge) handleTelemetry(ctx context.Context, deviceID string, msg TelemetryMessage) error {
	seenAt := msg.Timestamp
	if seenAt.IsZero() {
		seenAt = b.now()
	}
	t := device.Telemetry{
		Status:          device.Status(msg.Status),
		FoodLevel:       msg.FoodLevel,
		BatteryLevel:    msg.BatteryLevel,
		FirmwareVersion: msg.FirmwareVersion,
		SeenAt:          seenAt,
	}
	if err := device.ValidateTelemetry(t); err != nil {
		return err
	}
	d, err := b.opts.Devices.UpdateTelemetry(ctx, deviceID, t)
	if err != nil {
		return fmt.Errorf("updating device %s: %w", deviceID, err)
	}
	b.telemetry.Add(1)

	if b.opts.Metrics != nil {
		b.opts.Metrics.WriteTelemetry(influxdb.Telemetry{
			DeviceID:     deviceID,
			Status:       string(d.Status),
			FoodLevel:    d.FoodLevel,
			BatteryLevel: d.BatteryLevel,
			Online:       device.IsOnline(d, b.now()),
			Timestamp:    seenAt,
		})
	}
	return nil
}

func (b *Bridge) handleFeedResult(ctx context.Context, deviceID string, msg FeedResultMessage) error {
	typ := history.Type(msg.Type)
	if typ == "" {
		typ = history.TypeManual
		if msg.CommandID == "" {
			typ = history.TypeScheduled
		}
	}
	e := &history.Event{
		DeviceID:  deviceID,
		Amount:    msg.Amount,
		Type:      typ,
		Success:   msg.Success,
		Timestamp: msg.Timestamp,
	}
	if msg.CommandID != "" {
		id := msg.CommandID
		e.CommandID = &id
	}

	// The command is settled before the event is appended.
	if msg.CommandID != "" {
		status := command.StatusAcked
		if !msg.Success {
			status = command.StatusFailed
		}
		if _, err := b.opts.Commands.SetStatus(ctx, msg.CommandID, status); err != nil {
			if !errors.Is(err, command.ErrCommandNotFound) && !errors.Is(err, command.ErrInvalidTransition) {
				return fmt.Errorf("settling command %s: %w", msg.CommandID, err)
			}
			b.logger.Warn("feed result for unknown or settled command",
				"device_id", deviceID, "command_id", msg.CommandID, "error", err)
		}
	}

	if err := b.opts.History.Append(ctx, e); err != nil {
		return fmt.Errorf("recording feeding for %s: %w", deviceID, err)
	}
	b.feedResults.Add(1)
	if !msg.Success && msg.Error != "" {
		b.logger.Warn("device reported failed feed", "device_id", deviceID, "error", msg.Error)
	}

	if b.opts.Metrics != nil {
		b.opts.Metrics.WriteFeeding(influxdb.Feeding{
			DeviceID:  deviceID,
			Amount:    e.Amount,
			Type:      string(e.Type),
			Success:   e.Success,
			Timestamp: e.Timestamp,
		})
	}
	return nil
}
