package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/feeder-core/internal/command"
	"github.com/nerrad567/feeder-core/internal/device"
	"github.com/nerrad567/feeder-core/internal/feed"
	"github.com/nerrad567/feeder-core/internal/feed/feedtest"
	"github.com/nerrad567/feeder-core/internal/history"
	"github.com/nerrad567/feeder-core/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/feeder-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/feeder-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
)

type recordingSink struct {
	mu        sync.Mutex
	telemetry []influxdb.Telemetry
	feedings  []influxdb.Feeding
}

func (s *recordingSink) WriteTelemetry(t influxdb.Telemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, t)
}

func (s *recordingSink) WriteFeeding(f influxdb.Feeding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedings = append(s.feedings, f)
}

type fixture struct {
	bridge   *Bridge
	lb       *feedtest.Loopback
	devices  *device.SQLiteRepository
	commands *command.SQLiteRepository
	history  *history.SQLiteRepository
	sink     *recordingSink
}

func setup(t *testing.T) *fixture {
	t.Helper()
	policy := retry.Policy{Timeout: 2 * time.Second, MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	db := dbtest.Open(t)
	lb := feedtest.NewLoopback()
	bus := feed.NewBus(lb, 1, policy, nil)

	f := &fixture{
		lb:       lb,
		devices:  device.NewSQLiteRepository(db.DB, bus, policy),
		commands: command.NewSQLiteRepository(db.DB, bus, policy),
		history:  history.NewSQLiteRepository(db.DB, bus, policy),
		sink:     &recordingSink{},
	}
	if err := f.devices.Create(context.Background(), &device.Device{ID: "dev-1", OwnerID: "owner-1", Name: "Feeder"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	b, err := New(Options{
		Transport: lb,
		Devices:   f.devices,
		Commands:  f.commands,
		History:   f.history,
		Metrics:   f.sink,
		QoS:       1,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.bridge = b
	return f
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New() without transport succeeded")
	}
	if _, err := New(Options{Transport: feedtest.NewLoopback()}); err == nil {
		t.Error("New() without stores succeeded")
	}
}

func TestBridge_Telemetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	battery := 90
	seen := time.Now().UTC().Truncate(time.Second)

	var topics mqtt.Topics
	err := f.bridge.handle(topics.DeviceTelemetry("dev-1"), mustJSON(t, TelemetryMessage{
		Status: "online", FoodLevel: 64, BatteryLevel: &battery, Timestamp: seen,
	}))
	if err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	d, err := f.devices.GetByID(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if d.Status != device.StatusOnline || d.FoodLevel != 64 || d.BatteryLevel == nil || *d.BatteryLevel != 90 {
		t.Errorf("device = %+v", d)
	}
	if d.LastSeen == nil || !d.LastSeen.Equal(seen) {
		t.Errorf("LastSeen = %v, want %v", d.LastSeen, seen)
	}
	if d.Name != "Feeder" {
		t.Errorf("Name = %q, telemetry must not touch owner fields", d.Name)
	}

	if len(f.sink.telemetry) != 1 || !f.sink.telemetry[0].Online || f.sink.telemetry[0].FoodLevel != 64 {
		t.Errorf("sink telemetry = %+v", f.sink.telemetry)
	}
	if f.bridge.Stats().Telemetry != 1 {
		t.Errorf("Stats() = %+v", f.bridge.Stats())
	}
}

func TestBridge_TelemetryRejected(t *testing.T) {
	f := setup(t)
	var topics mqtt.Topics

	tests := []struct {
		name    string
		topic   string
		payload []byte
	}{
		{"bad json", topics.DeviceTelemetry("dev-1"), []byte("{")},
		{"bad status", topics.DeviceTelemetry("dev-1"), mustJSON(t, TelemetryMessage{Status: "asleep"})},
		{"food over 100", topics.DeviceTelemetry("dev-1"), mustJSON(t, TelemetryMessage{Status: "online", FoodLevel: 101})},
		{"unknown device", topics.DeviceTelemetry("dev-x"), mustJSON(t, TelemetryMessage{Status: "online"})},
		{"bad topic", "feeder/device/dev-1/logs", []byte("{}")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.bridge.handle(tt.topic, tt.payload); err == nil {
				t.Error("handle() error = nil, want rejection")
			}
		})
	}
	if len(f.sink.telemetry) != 0 {
		t.Errorf("sink received rejected telemetry: %+v", f.sink.telemetry)
	}
}

func TestBridge_FeedResultSettlesCommand(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	params := mustJSON(t, command.FeedParams{Amount: 20})
	cmd := &command.Command{DeviceID: "dev-1", OwnerID: "owner-1", Type: command.TypeFeed, Params: params}
	if err := f.commands.Create(ctx, cmd); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var topics mqtt.Topics
	if err := f.bridge.handle(topics.DeviceFeedResult("dev-1"), mustJSON(t, FeedResultMessage{
		CommandID: cmd.ID, Amount: 20, Success: true,
	})); err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	got, err := f.commands.Get(ctx, cmd.ID)
	if err != nil || got.Status != command.StatusAcked {
		t.Errorf("command = %+v, %v; want acked", got, err)
	}
	events, err := f.history.ListByDevice(ctx, "dev-1", 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("ListByDevice() = %+v, %v", events, err)
	}
	e := events[0]
	if e.Type != history.TypeManual || !e.Success || e.CommandID == nil || *e.CommandID != cmd.ID {
		t.Errorf("event = %+v", e)
	}
	if len(f.sink.feedings) != 1 || f.sink.feedings[0].Amount != 20 {
		t.Errorf("sink feedings = %+v", f.sink.feedings)
	}

	// A repeated result for an already settled command still records the event.
	if err := f.bridge.handle(topics.DeviceFeedResult("dev-1"), mustJSON(t, FeedResultMessage{
		CommandID: cmd.ID, Amount: 20, Success: false,
	})); err != nil {
		t.Errorf("handle() repeat error = %v", err)
	}
}

func TestBridge_FeedResultFailureAndScheduled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cmd := &command.Command{DeviceID: "dev-1", OwnerID: "owner-1", Type: command.TypeFeed, Params: mustJSON(t, command.FeedParams{Amount: 10})}
	if err := f.commands.Create(ctx, cmd); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var topics mqtt.Topics
	if err := f.bridge.handle(topics.DeviceFeedResult("dev-1"), mustJSON(t, FeedResultMessage{
		CommandID: cmd.ID, Amount: 10, Success: false, Error: "jammed",
	})); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if got, _ := f.commands.Get(ctx, cmd.ID); got.Status != command.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}

	if err := f.bridge.handle(topics.DeviceFeedResult("dev-1"), mustJSON(t, FeedResultMessage{Amount: 15, Success: true})); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	events, _ := f.history.ListByDevice(ctx, "dev-1", 0)
	var scheduled int
	for _, e := range events {
		if e.Type == history.TypeScheduled && e.CommandID == nil {
			scheduled++
		}
	}
	if scheduled != 1 {
		t.Errorf("scheduled events = %d, want 1 (%+v)", scheduled, events)
	}
}

func TestBridge_StartDeliverStop(t *testing.T) {
	f := setup(t)
	var topics mqtt.Topics

	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !f.lb.Subscribed(topics.AllDeviceTelemetry()) || !f.lb.Subscribed(topics.AllDeviceFeedResults()) {
		t.Fatal("bridge did not subscribe to device topics")
	}

	f.lb.Deliver(topics.DeviceTelemetry("dev-1"), mustJSON(t, TelemetryMessage{Status: "online", FoodLevel: 50}))

	deadline := time.Now().Add(2 * time.Second)
	for f.bridge.Stats().Telemetry == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.bridge.Stats().Telemetry != 1 {
		t.Fatalf("Stats() = %+v, want one telemetry message", f.bridge.Stats())
	}

	f.bridge.Stop()
	f.bridge.Stop()
	if f.lb.Subscribed(topics.AllDeviceTelemetry()) {
		t.Error("Stop() left the telemetry subscription")
	}
}

func TestBridge_StartSubscribeFailure(t *testing.T) {
	f := setup(t)
	f.lb.SubscribeErr = errors.New("broker down")
	f.lb.SubscribeFailures = 1

	if err := f.bridge.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want subscribe failure")
	}
}
