package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/feeder-core/internal/bridge"
	"github.com/nerrad567/feeder-core/internal/command"
	"github.com/nerrad567/feeder-core/internal/device"
	"github.com/nerrad567/feeder-core/internal/feed"
	"github.com/nerrad567/feeder-core/internal/history"
	"github.com/nerrad567/feeder-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/feeder-core/internal/schedule"
)

const jobQueueSize = 32

// Publisher is the MQTT surface the simulator reports on.
type Publisher interface {
	PublishJSON(ctx context.Context, topic string, v any, retained bool) error
}

// Logger is the logging interface used by the Simulator.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options describe the simulated feeder.
type Options struct {
	DeviceID string
	// Capacity is the hopper size in grams.
	Capacity int
	// FoodLevel is the starting fill in percent.
	FoodLevel int
	Battery   int
	Firmware  string
	// Dispense is how long one feed takes.
	Dispense time.Duration
}

type job struct {
	commandID string
	amount    int
	typ       history.Type
	err       error
}

// Simulator behaves like a feeder: it executes pending feed commands and
// enabled schedules, then reports the outcome and its new fill level.
//
// Change feed callbacks only enqueue. Run does every publish.
type Simulator struct {
	pub    Publisher
	opts   Options
	logger Logger
	topics mqtt.Topics
	now    func() time.Time

	jobs chan job

	mu        sync.Mutex
	grams     int
	seen      map[string]bool
	schedules map[string]schedule.Schedule
	lastCheck time.Time
}

// NewSimulator creates a Simulator.
func NewSimulator(pub Publisher, opts Options, logger Logger) (*Simulator, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if err := mqtt.ValidateSegment(opts.DeviceID); err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}
	if opts.Capacity <= 0 {
		return nil, errors.New("capacity must be positive")
	}
	if opts.FoodLevel < 0 || opts.FoodLevel > 100 {
		return nil, errors.New("food level must be between 0 and 100")
	}
	if opts.Battery < 0 || opts.Battery > 100 {
		return nil, errors.New("battery level must be between 0 and 100")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	now := time.Now
	return &Simulator{
		pub:       pub,
		opts:      opts,
		logger:    logger,
		now:       now,
		jobs:      make(chan job, jobQueueSize),
		grams:     opts.Capacity * opts.FoodLevel / 100,
		seen:      make(map[string]bool),
		schedules: make(map[string]schedule.Schedule),
		lastCheck: now(),
	}, nil
}

// OnCommand queues pending feed commands for this device. Every other change
// is ignored, as are commands already queued once.
func (s *Simulator) OnCommand(op feed.Op, c command.Command) {
	if op == feed.OpDelete || c.DeviceID != s.opts.DeviceID || c.Status != command.StatusPending || c.Type != command.TypeFeed {
		return
	}

	s.mu.Lock()
	if s.seen[c.ID] {
		s.mu.Unlock()
		return
	}
	s.seen[c.ID] = true
	s.mu.Unlock()

	amount, err := c.FeedAmount()
	s.enqueue(job{commandID: c.ID, amount: amount, typ: history.TypeManual, err: err})
}

// OnSchedule tracks the device's schedules.
func (s *Simulator) OnSchedule(op feed.Op, sch schedule.Schedule) {
	if sch.DeviceID != s.opts.DeviceID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if op == feed.OpDelete {
		delete(s.schedules, sch.ID)
		return
	}
	s.schedules[sch.ID] = sch
}

func (s *Simulator) enqueue(j job) {
	select {
	case s.jobs <- j:
	default:
		s.logger.Warn("simulator busy, dropping feed", "command_id", j.commandID)
	}
}

// CheckSchedules queues a scheduled feed for every schedule that came due
// since the previous check.
func (s *Simulator) CheckSchedules(now time.Time) int {
	s.mu.Lock()
	from := s.lastCheck
	s.lastCheck = now
	var due []job
	for _, sch := range s.schedules {
		if at, ok := sch.Next(from); ok && !at.After(now) {
			due = append(due, job{amount: sch.Amount, typ: history.TypeScheduled})
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.enqueue(j)
	}
	return len(due)
}

// Run executes queued feeds and reports telemetry every interval until ctx
// ends.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) error {
	if err := s.ReportTelemetry(ctx); err != nil {
		s.logger.Warn("telemetry report failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-s.jobs:
			if err := s.execute(ctx, j); err != nil {
				s.logger.Error("feed report failed", "command_id", j.commandID, "error", err)
			}
		case <-ticker.C:
			if n := s.CheckSchedules(s.now()); n > 0 {
				s.logger.Info("scheduled feeds due", "count", n)
			}
			if err := s.ReportTelemetry(ctx); err != nil {
				s.logger.Warn("telemetry report failed", "error", err)
			}
		}
	}
}

// execute dispenses one feed, then reports the result and the new fill.
func (s *Simulator) execute(ctx context.Context, j job) error {
	if s.opts.Dispense > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.Dispense):
		}
	}

	result := bridge.FeedResultMessage{
		CommandID: j.commandID,
		Amount:    j.amount,
		Type:      string(j.typ),
		Timestamp: s.now().UTC(),
	}
	if failure := s.dispense(j); failure != "" {
		result.Error = failure
	} else {
		result.Success = true
	}

	if err := s.pub.PublishJSON(ctx, s.topics.DeviceFeedResult(s.opts.DeviceID), result, false); err != nil {
		return fmt.Errorf("publishing feed result: %w", err)
	}
	s.logger.Info("feed reported",
		"command_id", j.commandID, "amount", j.amount, "type", j.typ, "success", result.Success)

	return s.ReportTelemetry(ctx)
}

// dispense removes food from the hopper. It returns the device error text,
// or "" on success.
func (s *Simulator) dispense(j job) string {
	if j.err != nil {
		return "unreadable feed parameters"
	}
	if j.amount <= 0 {
		return "invalid amount"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.amount > s.grams {
		return "hopper empty"
	}
	s.grams -= j.amount
	return ""
}

// ReportTelemetry publishes the device's current status.
func (s *Simulator) ReportTelemetry(ctx context.Context) error {
	battery := s.opts.Battery
	msg := bridge.TelemetryMessage{
		Status:       string(device.StatusOnline),
		FoodLevel:    s.FoodLevel(),
		BatteryLevel: &battery,
		Timestamp:    s.now().UTC(),
	}
	if s.opts.Firmware != "" {
		fw := s.opts.Firmware
		msg.FirmwareVersion = &fw
	}
	if err := s.pub.PublishJSON(ctx, s.topics.DeviceTelemetry(s.opts.DeviceID), msg, false); err != nil {
		return fmt.Errorf("publishing telemetry: %w", err)
	}
	return nil
}

// Refill fills the hopper.
func (s *Simulator) Refill() {
	s.mu.Lock()
	s.grams = s.opts.Capacity
	s.mu.Unlock()
}

// FoodLevel returns the fill in percent.
func (s *Simulator) FoodLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grams * 100 / s.opts.Capacity
}
