package history

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nerrad567/feeder-core/internal/command"
)

func feedCmd(id, deviceID string, amount int, created time.Time) *command.Command {
	params, _ := json.Marshal(command.FeedParams{Amount: amount}) //nolint:errcheck // Cannot fail
	return &command.Command{
		ID: id, DeviceID: deviceID, OwnerID: "owner-1",
		Type: command.TypeFeed, Params: params, Status: command.StatusPending, CreatedAt: created,
	}
}

func startTracker(t *testing.T) (*Tracker, *SQLiteRepository, *[]Completion) {
	t.Helper()
	repo := setupRepo(t)
	tr := NewTracker(repo)
	if err := tr.Start(context.Background(), "dev-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(tr.Stop)

	var got []Completion
	tr.OnComplete(func(c Completion) { got = append(got, c) })
	return tr, repo, &got
}

func TestTracker_MatchesByAmount(t *testing.T) {
	tr, repo, got := startTracker(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

	tr.Track(feedCmd("cmd-a", "dev-1", 20, created))
	tr.Track(feedCmd("cmd-b", "dev-1", 30, created))

	if err := repo.Append(ctx, &Event{DeviceID: "dev-1", Amount: 30, Type: TypeManual, Success: true, Timestamp: created.Add(4 * time.Second)}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(*got) != 1 || (*got)[0].Command.ID != "cmd-b" {
		t.Fatalf("completions = %+v, want cmd-b", *got)
	}
	if (*got)[0].Latency != 4*time.Second {
		t.Errorf("Latency = %v, want 4s", (*got)[0].Latency)
	}
	if p := tr.Pending(); len(p) != 1 || p[0].ID != "cmd-a" {
		t.Errorf("Pending() = %+v, want cmd-a", p)
	}
}

func TestTracker_MatchesByCommandID(t *testing.T) {
	tr, repo, got := startTracker(t)
	created := time.Now()

	tr.Track(feedCmd("cmd-a", "dev-1", 20, created))
	tr.Track(feedCmd("cmd-b", "dev-1", 20, created))

	id := "cmd-b"
	if err := repo.Append(context.Background(), &Event{DeviceID: "dev-1", CommandID: &id, Amount: 20, Type: TypeManual}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(*got) != 1 || (*got)[0].Command.ID != "cmd-b" || (*got)[0].Event.Success {
		t.Fatalf("completions = %+v, want failed cmd-b", *got)
	}
}

func TestTracker_EventBeforeCommand(t *testing.T) {
	tr, repo, got := startTracker(t)

	if err := repo.Append(context.Background(), &Event{DeviceID: "dev-1", Amount: 25, Type: TypeManual, Success: true}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(*got) != 0 {
		t.Fatalf("completed before any command was tracked")
	}

	tr.Track(feedCmd("cmd-a", "dev-1", 25, time.Now()))
	if len(*got) != 1 || (*got)[0].Command.ID != "cmd-a" {
		t.Fatalf("completions = %+v, want cmd-a", *got)
	}
	if len(tr.Pending()) != 0 {
		t.Errorf("Pending() = %+v, want none", tr.Pending())
	}
}

func TestTracker_IgnoresUnrelated(t *testing.T) {
	tr, repo, got := startTracker(t)
	ctx := context.Background()

	tr.Track(feedCmd("cmd-a", "dev-1", 20, time.Now()))
	tr.Track(feedCmd("cmd-x", "dev-2", 20, time.Now()))
	tr.Track(&command.Command{ID: "cmd-y", DeviceID: "dev-1", Type: "reboot"})

	if err := repo.Append(ctx, &Event{DeviceID: "dev-1", Amount: 20, Type: TypeScheduled, Success: true}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := repo.Append(ctx, &Event{DeviceID: "dev-2", Amount: 20, Type: TypeManual, Success: true}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(*got) != 0 {
		t.Errorf("completions = %+v, want none", *got)
	}
	if p := tr.Pending(); len(p) != 1 || p[0].ID != "cmd-a" {
		t.Errorf("Pending() = %+v, want only cmd-a", p)
	}
}

func TestTracker_StopForgets(t *testing.T) {
	tr, repo, got := startTracker(t)

	tr.Track(feedCmd("cmd-a", "dev-1", 20, time.Now()))
	tr.Stop()
	if len(tr.Pending()) != 0 {
		t.Error("Pending() not cleared by Stop")
	}
	if err := repo.Append(context.Background(), &Event{DeviceID: "dev-1", Amount: 20, Type: TypeManual, Success: true}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(*got) != 0 {
		t.Errorf("completions after Stop = %+v", *got)
	}
}

func TestTracker_PendingIsBounded(t *testing.T) {
	tr, repo, got := startTracker(t)
	created := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

	// The feeder never reports any of these.
	for i := 0; i < maxPending+5; i++ {
		tr.Track(feedCmd(fmt.Sprintf("cmd-%d", i), "dev-1", 20, created.Add(time.Duration(i)*time.Second)))
	}

	p := tr.Pending()
	if len(p) != maxPending {
		t.Fatalf("len(Pending()) = %d, want %d", len(p), maxPending)
	}
	if p[0].ID != "cmd-5" || p[len(p)-1].ID != fmt.Sprintf("cmd-%d", maxPending+4) {
		t.Errorf("Pending() spans %s..%s, want the newest %d", p[0].ID, p[len(p)-1].ID, maxPending)
	}

	// An amount match now settles the oldest command still kept.
	if err := repo.Append(context.Background(), &Event{DeviceID: "dev-1", Amount: 20, Type: TypeManual, Success: true}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(*got) != 1 || (*got)[0].Command.ID != "cmd-5" {
		t.Errorf("completions = %+v, want cmd-5", *got)
	}
}
