// Package notify holds the user's notification queue.
//
// The Center is the one place user-facing messages are produced. Failures are
// rendered through apperr.Message so backend error text never reaches the
// UI. The queue is bounded and, while someone is signed in, saved as that
// user's "notifications" preference record.
package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/feeder-core/internal/apperr"
	"github.com/nerrad567/feeder-core/internal/preference"
)

// PreferenceKey is the preference record the queue is saved under.
const PreferenceKey = "notifications"

// DefaultMaxItems bounds the queue when Options.MaxItems is zero.
const DefaultMaxItems = 50

const persistTimeout = 5 * time.Second

// Level is a notification's severity.
type Level string

// Levels.
const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is one queued message.
type Notification struct {
	ID        string      `json:"id"`
	Level     Level       `json:"level"`
	Title     string      `json:"title"`
	Body      string      `json:"body"`
	Kind      apperr.Kind `json:"kind,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	Read      bool        `json:"read"`
}

// Op says what happened to the queue.
type Op string

// Ops.
const (
	OpCreated   Op = "created"
	OpRead      Op = "read"
	OpDismissed Op = "dismissed"
	OpCleared   Op = "cleared"
	OpRestored  Op = "restored"
)

// Event describes one queue change. Notification is set for OpCreated,
// OpRead and OpDismissed.
type Event struct {
	Op           Op
	Notification *Notification
}

// Logger is the logging interface used by the Center.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Options configures a Center.
type Options struct {
	MaxItems int
	// Store persists the queue. Nil keeps it in memory only.
	Store preference.Store
	Now   func() time.Time
}

// Center is a bounded, observable notification queue, newest first.
// All methods are thread-safe.
type Center struct {
	store    preference.Store
	maxItems int
	now      func() time.Time
	logger   Logger

	mu        sync.Mutex
	userID    string
	items     []Notification
	listeners map[uint64]func(Event)
	nextID    uint64
}

// NewCenter creates an empty Center.
func NewCenter(opts Options) *Center {
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Center{
		store:     opts.Store,
		maxItems:  opts.MaxItems,
		now:       opts.Now,
		logger:    noopLogger{},
		listeners: make(map[uint64]func(Event)),
	}
}

// SetLogger sets the logger.
func (c *Center) SetLogger(logger Logger) {
	c.logger = logger
}

// Notify queues a message and returns it.
func (c *Center) Notify(level Level, title, body string) Notification {
	return c.push(Notification{Level: level, Title: title, Body: body})
}

// Success queues a success message.
func (c *Center) Success(title, body string) {
	c.push(Notification{Level: LevelSuccess, Title: title, Body: body})
}

// Failure queues the user-facing rendering of err.
func (c *Center) Failure(title string, err error) {
	c.push(Notification{
		Level: LevelError,
		Title: title,
		Body:  apperr.Message(err),
		Kind:  apperr.KindOf(err),
	})
}

func (c *Center) push(n Notification) Notification {
	n.ID = uuid.NewString()
	n.CreatedAt = c.now().UTC()

	c.mu.Lock()
	c.items = append([]Notification{n}, c.items...)
	if len(c.items) > c.maxItems {
		c.items = c.items[:c.maxItems]
	}
	snap, user := c.snapshotLocked()
	c.mu.Unlock()

	c.persist(user, snap)
	c.emit(Event{Op: OpCreated, Notification: &n})
	return n
}

// List returns the queue, newest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification{}, c.items...)
}

// Unread counts unread notifications.
func (c *Center) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.items {
		if !item.Read {
			n++
		}
	}
	return n
}

// MarkRead marks one notification read. It reports whether id was queued.
func (c *Center) MarkRead(id string) bool {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	if c.items[i].Read {
		c.mu.Unlock()
		return true
	}
	c.items[i].Read = true
	n := c.items[i]
	snap, user := c.snapshotLocked()
	c.mu.Unlock()

	c.persist(user, snap)
	c.emit(Event{Op: OpRead, Notification: &n})
	return true
}

// Dismiss removes one notification. It reports whether id was queued.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	n := c.items[i]
	c.items = append(c.items[:i], c.items[i+1:]...)
	snap, user := c.snapshotLocked()
	c.mu.Unlock()

	c.persist(user, snap)
	c.emit(Event{Op: OpDismissed, Notification: &n})
	return true
}

// Clear empties the queue.
func (c *Center) Clear() {
	c.mu.Lock()
	c.items = nil
	snap, user := c.snapshotLocked()
	c.mu.Unlock()

	c.persist(user, snap)
	c.emit(Event{Op: OpCleared})
}

// Restore loads userID's saved queue and saves future changes for them.
// A missing record starts an empty queue. Notifications queued before
// Restore are kept ahead of the restored ones.
func (c *Center) Restore(ctx context.Context, userID string) error {
	var saved []Notification
	if c.store != nil {
		err := c.store.Get(ctx, userID, PreferenceKey, &saved)
		if err != nil && !errors.Is(err, preference.ErrNotFound) {
			c.mu.Lock()
			c.userID = userID
			c.mu.Unlock()
			return err
		}
	}
	sort.SliceStable(saved, func(i, j int) bool { return saved[i].CreatedAt.After(saved[j].CreatedAt) })

	c.mu.Lock()
	c.userID = userID
	c.items = append(c.items, saved...)
	if len(c.items) > c.maxItems {
		c.items = c.items[:c.maxItems]
	}
	c.mu.Unlock()

	c.emit(Event{Op: OpRestored})
	return nil
}

// Reset forgets the queue and the signed-in user without touching what
// was saved for them.
func (c *Center) Reset() {
	c.mu.Lock()
	c.userID = ""
	c.items = nil
	c.mu.Unlock()

	c.emit(Event{Op: OpCleared})
}

// OnChange registers fn for every queue change and returns a function that
// removes it.
func (c *Center) OnChange(fn func(Event)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Center) indexLocked(id string) int {
	for i := range c.items {
		if c.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Center) snapshotLocked() ([]Notification, string) {
	return append([]Notification{}, c.items...), c.userID
}

func (c *Center) persist(userID string, items []Notification) {
	if c.store == nil || userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.store.Set(ctx, userID, PreferenceKey, items); err != nil {
		c.logger.Warn("saving notifications failed", "user_id", userID, "error", err)
	}
}

func (c *Center) emit(e Event) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
