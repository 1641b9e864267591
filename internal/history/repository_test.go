package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/feeder-core/internal/apperr"
	"github.com/nerrad567/feeder-core/internal/feed"
	"github.com/nerrad567/feeder-core/internal/feed/feedtest"
	"github.com/nerrad567/feeder-core/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
)

func testPolicy() retry.Policy {
	return retry.Policy{
		Timeout:        2 * time.Second,
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}
}

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db := dbtest.Open(t)
	dbtest.InsertDevice(t, db, "dev-1", "owner-1")
	dbtest.InsertDevice(t, db, "dev-2", "owner-2")
	bus := feed.NewBus(feedtest.NewLoopback(), 1, testPolicy(), nil)
	return NewSQLiteRepository(db.DB, bus, testPolicy())
}

func strPtr(s string) *string { return &s }

func TestSQLiteRepository_AppendAndList(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

	events := []*Event{
		{DeviceID: "dev-1", Amount: 10, Type: TypeScheduled, Success: true, Timestamp: base},
		{DeviceID: "dev-1", Amount: 20, Type: TypeManual, Success: true, Timestamp: base.Add(time.Hour), CommandID: strPtr("cmd-1")},
		{DeviceID: "dev-1", Amount: 30, Type: TypeManual, Success: false, Timestamp: base.Add(90 * time.Minute)},
		{DeviceID: "dev-2", Amount: 40, Type: TypeManual, Success: true, Timestamp: base},
	}
	for _, e := range events {
		if err := repo.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if e.ID == "" {
			t.Fatal("Append() left ID empty")
		}
	}

	got, err := repo.ListByDevice(ctx, "dev-1", 0)
	if err != nil {
		t.Fatalf("ListByDevice() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListByDevice() returned %d events, want 3", len(got))
	}
	if got[0].Amount != 30 || got[2].Amount != 10 {
		t.Errorf("order = %d, %d, %d; want newest first", got[0].Amount, got[1].Amount, got[2].Amount)
	}
	if got[1].CommandID == nil || *got[1].CommandID != "cmd-1" || got[0].CommandID != nil {
		t.Errorf("command ids = %v, %v", got[1].CommandID, got[0].CommandID)
	}
	if !got[1].Timestamp.Equal(base.Add(time.Hour)) {
		t.Errorf("Timestamp = %v", got[1].Timestamp)
	}

	limited, err := repo.ListByDevice(ctx, "dev-1", 1)
	if err != nil || len(limited) != 1 || limited[0].Amount != 30 {
		t.Errorf("ListByDevice(limit 1) = %+v, %v", limited, err)
	}
	empty, err := repo.ListByDevice(ctx, "nobody", 10)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("ListByDevice(nobody) = %v, %v; want empty slice", empty, err)
	}
}

func TestSQLiteRepository_AppendInvalid(t *testing.T) {
	repo := setupRepo(t)
	tests := []Event{
		{Amount: 10, Type: TypeManual},
		{DeviceID: "dev-1", Amount: -1, Type: TypeManual},
		{DeviceID: "dev-1", Amount: 10, Type: "accidental"},
	}
	for _, e := range tests {
		if err := repo.Append(context.Background(), &e); !errors.Is(err, ErrInvalidEvent) || !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Append(%+v) error = %v, want ErrInvalidEvent", e, err)
		}
	}
}

func TestSQLiteRepository_Stats(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

	for i, e := range []Event{
		{Amount: 10, Success: true, Timestamp: base.Add(-48 * time.Hour)},
		{Amount: 20, Success: true, Timestamp: base},
		{Amount: 30, Success: false, Timestamp: base.Add(time.Hour)},
		{Amount: 15, Success: true, Timestamp: base.Add(2*time.Hour + 500*time.Millisecond)},
	} {
		e.DeviceID = "dev-1"
		e.Type = TypeManual
		if err := repo.Append(ctx, &e); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	s, err := repo.Stats(ctx, "dev-1", base)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if s.Count != 3 || s.Successes != 2 || s.Failures != 1 || s.TotalAmount != 35 {
		t.Errorf("Stats() = %+v", s)
	}
	if s.Last == nil || !s.Last.Equal(base.Add(2*time.Hour+500*time.Millisecond)) {
		t.Errorf("Last = %v", s.Last)
	}

	none, err := repo.Stats(ctx, "dev-2", base)
	if err != nil || none.Count != 0 || none.Last != nil {
		t.Errorf("Stats(dev-2) = %+v, %v; want zero", none, err)
	}
}
