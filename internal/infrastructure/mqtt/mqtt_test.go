package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nerrad567/feeder-core/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "feeder-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, level+":"+msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record("error", msg) }

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"change", topics.Change("devices", "owner_id", "u-1"), "feeder/change/devices/owner_id/u-1"},
		{"telemetry", topics.DeviceTelemetry("d-1"), "feeder/device/d-1/telemetry"},
		{"feed result", topics.DeviceFeedResult("d-1"), "feeder/device/d-1/feed_result"},
		{"client status", topics.ClientStatus("tablet"), "feeder/client/tablet/status"},
		{"all telemetry", topics.AllDeviceTelemetry(), "feeder/device/+/telemetry"},
		{"all feed results", topics.AllDeviceFeedResults(), "feeder/device/+/feed_result"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestParseDeviceTopic(t *testing.T) {
	tests := []struct {
		topic    string
		wantID   string
		wantKind string
		wantOK   bool
	}{
		{"feeder/device/d-1/telemetry", "d-1", DeviceTopicTelemetry, true},
		{"feeder/device/d-1/feed_result", "d-1", DeviceTopicFeedResult, true},
		{"feeder/device//telemetry", "", "", false},
		{"feeder/device/d-1/unknown", "", "", false},
		{"feeder/change/devices/owner_id/u", "", "", false},
		{"other/device/d-1/telemetry", "", "", false},
		{"feeder/device/d-1/telemetry/extra", "", "", false},
	}
	for _, tt := range tests {
		id, kind, ok := ParseDeviceTopic(tt.topic)
		if id != tt.wantID || kind != tt.wantKind || ok != tt.wantOK {
			t.Errorf("ParseDeviceTopic(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.topic, id, kind, ok, tt.wantID, tt.wantKind, tt.wantOK)
		}
	}
}

func TestValidateSegment(t *testing.T) {
	for _, ok := range []string{"u-1", "7f3c2a9e-0000-4000-8000-000000000000", "owner_id"} {
		if err := ValidateSegment(ok); err != nil {
			t.Errorf("ValidateSegment(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "a/b", "+", "#", "a+b"} {
		if err := ValidateSegment(bad); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("ValidateSegment(%q) = %v, want ErrInvalidTopic", bad, err)
		}
	}
}

func TestIsTransient(t *testing.T) {
	transient := []error{
		ErrNotConnected,
		fmt.Errorf("%w: x: %w", ErrPublishFailed, ErrTimeout),
		fmt.Errorf("%w: refused", ErrConnectionFailed),
	}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Errorf("IsTransient(%v) = false", err)
		}
	}
	permanent := []error{ErrInvalidTopic, ErrInvalidQoS, ErrPayloadTooLarge, errors.New("other"), nil}
	for _, err := range permanent {
		if IsTransient(err) {
			t.Errorf("IsTransient(%v) = true", err)
		}
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "feeder"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "feeder-test" || opts.Username != "feeder" || opts.Password != "secret" {
		t.Errorf("identity options = %q/%q", opts.ClientID, opts.Username)
	}
	if !opts.Order {
		t.Error("in-order delivery must be enabled")
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Error("auto reconnect and clean session expected")
	}

	cfg.Broker.TLS = true
	if got := brokerURL(cfg); got != "ssl://127.0.0.1:1883" {
		t.Errorf("brokerURL(TLS) = %q", got)
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "feeder-test")

	if !opts.WillEnabled || !opts.WillRetained {
		t.Fatal("LWT should be enabled and retained")
	}
	if opts.WillTopic != "feeder/client/feeder-test/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	var status clientStatus
	if err := json.Unmarshal(opts.WillPayload, &status); err != nil {
		t.Fatalf("WillPayload is not JSON: %v", err)
	}
	if status.Status != "offline" || status.Reason != "unexpected_disconnect" {
		t.Errorf("will status = %+v", status)
	}
}

func TestDisconnectedClientValidation(t *testing.T) {
	c := &Client{cfg: testConfig(), subscriptions: make(map[string]subscription)}
	ctx := context.Background()
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"subscribe empty topic", c.Subscribe(ctx, "", 1, noop), ErrInvalidTopic},
		{"subscribe bad qos", c.Subscribe(ctx, "feeder/x", 3, noop), ErrInvalidQoS},
		{"subscribe nil handler", c.Subscribe(ctx, "feeder/x", 1, nil), ErrSubscribeFailed},
		{"subscribe disconnected", c.Subscribe(ctx, "feeder/x", 1, noop), ErrNotConnected},
		{"publish empty topic", c.Publish(ctx, "", nil, 1, false), ErrInvalidTopic},
		{"publish bad qos", c.Publish(ctx, "feeder/x", nil, 5, false), ErrInvalidQoS},
		{"publish too large", c.Publish(ctx, "feeder/x", make([]byte, maxPayloadSize+1), 1, false), ErrPayloadTooLarge},
		{"publish disconnected", c.Publish(ctx, "feeder/x", []byte("{}"), 1, false), ErrNotConnected},
		{"publish json disconnected", c.PublishJSON(ctx, "feeder/x", map[string]int{"a": 1}, false), ErrNotConnected},
		{"unsubscribe empty topic", c.Unsubscribe(ctx, ""), ErrInvalidTopic},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, tt.err, tt.want)
		}
	}

	if err := c.Unsubscribe(ctx, "feeder/x"); err != nil {
		t.Errorf("Unsubscribe() while disconnected = %v, want nil", err)
	}
	if c.SubscriptionCount() != 0 || c.HasSubscription("feeder/x") {
		t.Error("failed subscriptions must not be tracked")
	}
	if err := c.HealthCheck(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	logger := &recordingLogger{}
	c := &Client{subscriptions: make(map[string]subscription)}
	c.SetLogger(logger)

	c.dispatch(func(string, []byte) error { panic("boom") }, "feeder/x", nil)
	c.dispatch(func(string, []byte) error { return errors.New("bad payload") }, "feeder/x", nil)
	c.dispatch(func(string, []byte) error { return nil }, "feeder/x", nil)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	want := []string{"error:MQTT handler panic recovered", "warn:MQTT handler returned error"}
	if len(logger.entries) != len(want) {
		t.Fatalf("entries = %v, want %v", logger.entries, want)
	}
	for i := range want {
		if logger.entries[i] != want[i] {
			t.Errorf("entry[%d] = %q, want %q", i, logger.entries[i], want[i])
		}
	}
}
