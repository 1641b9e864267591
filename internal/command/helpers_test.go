package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/feeder-core/internal/apperr"
	"github.com/nerrad567/feeder-core/internal/auth"
	"github.com/nerrad567/feeder-core/internal/device"
	"github.com/nerrad567/feeder-core/internal/feed"
	"github.com/nerrad567/feeder-core/internal/feed/feedtest"
	"github.com/nerrad567/feeder-core/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
	"github.com/nerrad567/feeder-core/internal/schedule"
)

func testPolicy() retry.Policy {
	return retry.Policy{
		Timeout:        2 * time.Second,
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}
}

// allowAll grants every capability except those listed in deny.
type allowAll struct {
	deny map[auth.Capability]bool
}

func (a allowAll) Require(c auth.Capability) error {
	if a.deny[c] {
		return fmt.Errorf("%w: %s", apperr.ErrPermissionDenied, c)
	}
	return nil
}

type notification struct {
	ok    bool
	title string
	body  string
	err   error
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notification
}

func (r *recordingNotifier) Success(title, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, notification{ok: true, title: title, body: body})
}

func (r *recordingNotifier) Failure(title string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, notification{title: title, err: err})
}

func (r *recordingNotifier) take() []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.got
	r.got = nil
	return out
}

// countingCommands counts every call that reaches the command store.
type countingCommands struct {
	Repository
	mu    sync.Mutex
	calls int
}

func (c *countingCommands) Create(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Repository.Create(ctx, cmd)
}

func (c *countingCommands) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// countingSchedules counts every call that reaches the schedule store.
type countingSchedules struct {
	schedule.Repository
	calls int
}

func (c *countingSchedules) Get(ctx context.Context, id string) (*schedule.Schedule, error) {
	c.calls++
	return c.Repository.Get(ctx, id)
}

func (c *countingSchedules) Create(ctx context.Context, deviceID string, d schedule.Draft) (*schedule.Schedule, error) {
	c.calls++
	return c.Repository.Create(ctx, deviceID, d)
}

func (c *countingSchedules) Update(ctx context.Context, id string, d schedule.Draft) (*schedule.Schedule, error) {
	c.calls++
	return c.Repository.Update(ctx, id, d)
}

// rejectingWriter fails every device write after counting it.
type rejectingWriter struct {
	err   error
	calls int
}

func (w *rejectingWriter) UpdateName(context.Context, string, string) (*device.Device, error) {
	w.calls++
	return nil, w.err
}

func (w *rejectingWriter) UpdateWifiConfig(context.Context, string, device.WifiConfig) (*device.Device, error) {
	w.calls++
	return nil, w.err
}

type fixture struct {
	dispatcher *Dispatcher
	cache      *device.StateCache
	devices    *device.SQLiteRepository
	commands   *countingCommands
	schedules  *countingSchedules
	notifier   *recordingNotifier
	lb         *feedtest.Loopback
}

// setup wires a Dispatcher to a migrated store, a live device cache for
// owner-1 and a change feed loopback.
func setup(t *testing.T, perms Permissions) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	lb := feedtest.NewLoopback()
	bus := feed.NewBus(lb, 1, testPolicy(), nil)

	devices := device.NewSQLiteRepository(db.DB, bus, testPolicy())
	cache := device.NewStateCache(devices)
	cache.Subscribe(context.Background(), "owner-1")
	t.Cleanup(cache.Unsubscribe)
	if cache.Current() == nil {
		t.Fatalf("device cache not loaded: %v", cache.Err())
	}

	f := &fixture{
		cache:     cache,
		devices:   devices,
		commands:  &countingCommands{Repository: NewSQLiteRepository(db.DB, bus, testPolicy())},
		schedules: &countingSchedules{Repository: schedule.NewSQLiteRepository(db.DB, bus, testPolicy())},
		notifier:  &recordingNotifier{},
		lb:        lb,
	}
	if perms == nil {
		perms = allowAll{}
	}
	f.dispatcher = NewDispatcher(Deps{
		Permissions: perms,
		Cache:       cache,
		Devices:     devices,
		Commands:    f.commands,
		Schedules:   f.schedules,
		Notifier:    f.notifier,
	})
	return f
}

// expectOne asserts exactly one notification with the given outcome.
func expectOne(t *testing.T, n *recordingNotifier, ok bool, kind error) notification {
	t.Helper()
	got := n.take()
	if len(got) != 1 {
		t.Fatalf("notifications = %d (%+v), want exactly 1", len(got), got)
	}
	if got[0].ok != ok {
		t.Fatalf("notification ok = %v, want %v (%+v)", got[0].ok, ok, got[0])
	}
	if kind != nil && !errors.Is(got[0].err, kind) {
		t.Errorf("notification error = %v, want %v", got[0].err, kind)
	}
	return got[0]
}
