package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/feeder-core/internal/command"
	"github.com/nerrad567/feeder-core/internal/feed"
)

// Completion pairs a tracked feed command with the event that settled it.
type Completion struct {
	Command command.Command `json:"command"`
	Event   Event           `json:"event"`
	// Latency is the time from command creation to the event.
	Latency time.Duration `json:"latency"`
}

// Tracker correlates queued feed commands with later feeding events for the
// same device.
//
// An event carrying a command ID settles that command. An event without one
// settles the oldest tracked feed of the same amount. Events and commands
// travel on different channels and may arrive in either order, so an event
// seen before its command is kept briefly and matched when Track is called.
type Tracker struct {
	repo Repository

	mu        sync.Mutex
	deviceID  string
	gen       uint64
	release   func()
	pending   []command.Command
	early     []Event
	listeners map[uint64]func(Completion)
	nextID    uint64
}

// maxEarly bounds the events kept while waiting for their command.
const maxEarly = 16

// maxPending bounds the commands kept while waiting for their event. A feeder
// may never report a feed, so the oldest command is dropped past the cap.
const maxPending = 32

// NewTracker creates a Tracker reading events from repo.
func NewTracker(repo Repository) *Tracker {
	return &Tracker{repo: repo, listeners: make(map[uint64]func(Completion))}
}

// Start follows deviceID's feeding log, replacing any previous device. Tracked
// commands for a previous device are dropped.
func (t *Tracker) Start(ctx context.Context, deviceID string) error {
	t.mu.Lock()
	if t.deviceID == deviceID && t.release != nil {
		t.mu.Unlock()
		return nil
	}
	prev := t.release
	t.gen++
	gen := t.gen
	t.deviceID = deviceID
	t.release = nil
	t.pending = nil
	t.early = nil
	t.mu.Unlock()

	if prev != nil {
		prev()
	}

	release, err := t.repo.Subscribe(ctx, deviceID, func(op feed.Op, e Event) {
		if op == feed.OpInsert {
			t.observe(gen, e)
		}
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		release()
		return nil
	}
	t.release = release
	t.mu.Unlock()
	return nil
}

// Stop releases the subscription and forgets every tracked command.
func (t *Tracker) Stop() {
	t.mu.Lock()
	prev := t.release
	t.gen++
	t.deviceID = ""
	t.release = nil
	t.pending = nil
	t.early = nil
	t.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Track starts waiting for cmd to complete. Non-feed commands and commands
// for another device are ignored.
func (t *Tracker) Track(cmd *command.Command) {
	if cmd == nil || cmd.Type != command.TypeFeed {
		return
	}
	amount, err := cmd.FeedAmount()
	if err != nil {
		return
	}

	t.mu.Lock()
	if cmd.DeviceID != t.deviceID {
		t.mu.Unlock()
		return
	}
	for i, e := range t.early {
		if matches(e, cmd.ID, amount) {
			t.early = append(t.early[:i], t.early[i+1:]...)
			done := complete(*cmd, e)
			fns := t.listenersLocked()
			t.mu.Unlock()
			emit(fns, done)
			return
		}
	}
	t.pending = append(t.pending, *cmd)
	if len(t.pending) > maxPending {
		t.pending = t.pending[len(t.pending)-maxPending:]
	}
	t.mu.Unlock()
}

// Pending returns the tracked commands still waiting for an event.
func (t *Tracker) Pending() []command.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]command.Command(nil), t.pending...)
}

// OnComplete registers fn for every completion. It returns a function that
// removes fn. fn runs on the change feed's delivery goroutine.
func (t *Tracker) OnComplete(fn func(Completion)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.listeners, id)
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) observe(gen uint64, e Event) {
	t.mu.Lock()
	if t.gen != gen || e.Type != TypeManual {
		t.mu.Unlock()
		return
	}
	for i, cmd := range t.pending {
		amount, _ := cmd.FeedAmount() //nolint:errcheck // Checked by Track
		if matches(e, cmd.ID, amount) {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			done := complete(cmd, e)
			fns := t.listenersLocked()
			t.mu.Unlock()
			emit(fns, done)
			return
		}
	}
	t.early = append(t.early, e)
	if len(t.early) > maxEarly {
		t.early = t.early[len(t.early)-maxEarly:]
	}
	t.mu.Unlock()
}

func (t *Tracker) listenersLocked() []func(Completion) {
	ids := make([]uint64, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Completion), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.listeners[id])
	}
	return fns
}

func matches(e Event, commandID string, amount int) bool {
	if e.CommandID != nil {
		return *e.CommandID == commandID
	}
	return e.Amount == amount
}

func complete(cmd command.Command, e Event) Completion {
	latency := e.Timestamp.Sub(cmd.CreatedAt)
	if latency < 0 {
		latency = 0
	}
	return Completion{Command: cmd, Event: e, Latency: latency}
}

func emit(fns []func(Completion), c Completion) {
	for _, fn := range fns {
		fn(c)
	}
}
