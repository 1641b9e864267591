package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/feeder-core/internal/infrastructure/config"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/ping"):
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(r.URL.Path, "/api/v2/write"):
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // Test server
		f.mu.Lock()
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if line != "" {
				f.lines = append(f.lines, line)
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "feeder",
		Bucket:        "telemetry",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	if _, err := Connect(context.Background(), cfg); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Connect(ctx, testConfig("http://127.0.0.1:1")); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWriteAndFlush(t *testing.T) {
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client, err := Connect(context.Background(), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	battery := 80
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	client.WriteTelemetry(Telemetry{DeviceID: "d-1", Status: "online", FoodLevel: 64, BatteryLevel: &battery, Online: true, Timestamp: at})
	client.WriteFeeding(Feeding{DeviceID: "d-1", Amount: 20, Type: "manual", Success: true, Timestamp: at})
	client.Flush()

	lines := fake.written()
	if len(lines) != 2 {
		t.Fatalf("written lines = %v, want 2", lines)
	}
	if !strings.HasPrefix(lines[0], MeasurementTelemetry+",device_id=d-1,status=online") {
		t.Errorf("telemetry line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], MeasurementFeeding+",device_id=d-1,type=manual") {
		t.Errorf("feeding line = %q", lines[1])
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() after Close() = true")
	}
	// Writes after Close are dropped, not panics.
	client.WriteTelemetry(Telemetry{DeviceID: "d-1"})
	client.Flush()
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close() = %v, want ErrNotConnected", err)
	}
}

func TestTelemetryPoint(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	withBattery := 55
	line := write.PointToLineProtocol(telemetryPoint(Telemetry{
		DeviceID: "d-1", Status: "offline", FoodLevel: 10, BatteryLevel: &withBattery, Timestamp: at,
	}), time.Second)
	for _, want := range []string{"battery_level=55i", "food_level=10i", "online=false"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}

	line = write.PointToLineProtocol(telemetryPoint(Telemetry{DeviceID: "d-1", Status: "online", Timestamp: at}), time.Second)
	if strings.Contains(line, "battery_level") {
		t.Errorf("line %q has battery field without a reading", line)
	}
}

func TestNilClientIsDisconnected(t *testing.T) {
	var c *Client
	if c.IsConnected() {
		t.Error("nil client reported connected")
	}
	if err := c.Close(); err != nil {
		t.Errorf("nil Close() = %v", err)
	}
}
