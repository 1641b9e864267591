package device

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/feeder-core/internal/feed"
)

// StateCache holds the single live snapshot of the signed-in owner's device.
//
// Subscribe reads the owner's device (provisioning a default one if there is
// none) and then follows the change feed, replacing the snapshot with every
// pushed row. Nothing is merged: the feeder and the owner write different
// fields of the same row, and the latest committed row wins. A row whose
// UpdatedAt is older than the snapshot's is dropped, whether it was pushed
// or handed to Apply.
//
// Every subscription bumps a generation counter. Results of store calls
// started under an older generation are dropped, so a late reply for a
// previous owner never lands on the current snapshot.
//
// Store failures never escape Subscribe. They clear StoreAvailable and are
// reported by Err instead.
//
// All public methods are thread-safe.
type StateCache struct {
	repo   Repository
	logger Logger
	now    func() time.Time

	mu             sync.Mutex
	owner          string
	generation     uint64
	version        uint64
	snapshot       *Device
	loading        bool
	storeAvailable bool
	lastErr        error
	release        func()

	observers map[uint64]func(*Device)
	nextObsID uint64
}

// NewStateCache creates an empty cache over repo.
func NewStateCache(repo Repository) *StateCache {
	return &StateCache{
		repo:           repo,
		logger:         noopLogger{},
		now:            time.Now,
		storeAvailable: true,
		observers:      make(map[uint64]func(*Device)),
	}
}

// SetLogger sets the logger for the cache.
func (c *StateCache) SetLogger(logger Logger) {
	c.logger = logger
}

// Current returns a copy of the snapshot, or nil.
func (c *StateCache) Current() *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.DeepCopy()
}

// Owner returns the owner the cache is subscribed for, or "".
func (c *StateCache) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// Loading reports whether the initial read for the current owner is in flight.
func (c *StateCache) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// StoreAvailable is false after a store or feed failure, until the next
// successful subscription.
func (c *StateCache) StoreAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeAvailable
}

// Err returns the last store failure, if any.
func (c *StateCache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OnChange registers fn to be called with a copy of every new snapshot
// (nil when cleared). It returns a function that removes fn.
//
// fn may run on the change feed's delivery goroutine and must not make
// store or broker calls before returning.
func (c *StateCache) OnChange(fn func(*Device)) func() {
	c.mu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.observers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

// Subscribe makes ownerID the cache's owner. A different owner replaces the
// previous subscription. Calling it again for the same owner is a no-op
// unless the store is unavailable, in which case the load and subscription
// are retried and the current snapshot is kept until the retry succeeds.
func (c *StateCache) Subscribe(ctx context.Context, ownerID string) {
	c.mu.Lock()
	if c.owner == ownerID && (c.loading || (c.release != nil && c.storeAvailable)) {
		c.mu.Unlock()
		return
	}
	prev := c.release
	c.release = nil
	c.generation++
	gen := c.generation
	var changed bool
	if c.owner != ownerID {
		changed = c.setSnapshotLocked(nil)
	}
	c.owner = ownerID
	c.loading = true
	c.lastErr = nil
	c.mu.Unlock()

	if prev != nil {
		prev()
	}
	c.notify(changed)

	d, err := c.load(ctx, ownerID)
	if !c.applyInitial(gen, d, err) {
		return
	}

	release, err := c.repo.Subscribe(ctx, ownerID, func(op feed.Op, row Device) {
		c.applyChange(gen, op, row)
	})
	if err != nil {
		c.fail(gen, err)
		c.logger.Warn("device change feed unavailable", "owner_id", ownerID, "error", err)
		return
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		release()
		return
	}
	c.release = release
	c.mu.Unlock()
}

// load reads the owner's device, provisioning a default one if none exists.
// A failed provisioning insert still yields the synthesised device.
func (c *StateCache) load(ctx context.Context, ownerID string) (*Device, error) {
	d, err := c.repo.GetByOwner(ctx, ownerID)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		return nil, err
	}

	def, err := NewDefault(ownerID, c.now())
	if err != nil {
		return nil, err
	}
	if err := c.repo.Create(ctx, def); err != nil {
		c.logger.Warn("default device not stored", "owner_id", ownerID, "error", err)
		return def, err
	}
	c.logger.Info("default device provisioned", "owner_id", ownerID, "device_id", def.ID)
	return def, nil
}

// applyInitial installs the loaded device and reports whether the
// subscription should continue.
func (c *StateCache) applyInitial(gen uint64, d *Device, err error) bool {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return false
	}
	c.loading = false
	if err != nil {
		c.storeAvailable = false
		c.lastErr = err
	} else {
		c.storeAvailable = true
	}
	var changed bool
	if d != nil {
		changed = c.setSnapshotLocked(d.DeepCopy())
	}
	c.mu.Unlock()

	c.notify(changed)
	return d != nil
}

func (c *StateCache) fail(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.storeAvailable = false
	c.lastErr = err
}

// applyChange replaces the snapshot with a pushed row. Rows for other
// devices of the same owner are ignored once a snapshot exists.
func (c *StateCache) applyChange(gen uint64, op feed.Op, row Device) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	if c.snapshot != nil && c.snapshot.ID != row.ID {
		c.mu.Unlock()
		return
	}
	if op != feed.OpDelete && c.staleLocked(&row) {
		c.mu.Unlock()
		c.logger.Debug("stale device row dropped", "device_id", row.ID, "updated_at", row.UpdatedAt)
		return
	}
	var changed bool
	if op == feed.OpDelete {
		changed = c.setSnapshotLocked(nil)
	} else {
		changed = c.setSnapshotLocked(&row)
	}
	c.mu.Unlock()

	c.notify(changed)
}

// Apply installs a row returned by a store write, when it belongs to the
// current snapshot. It is the same replacement a pushed change performs.
func (c *StateCache) Apply(d *Device) {
	if d == nil {
		return
	}
	c.mu.Lock()
	if c.snapshot == nil || c.snapshot.ID != d.ID || c.staleLocked(d) {
		c.mu.Unlock()
		return
	}
	changed := c.setSnapshotLocked(d.DeepCopy())
	c.mu.Unlock()

	c.notify(changed)
}

// Optimistic applies mutate to the snapshot immediately. The returned revert
// restores the previous snapshot unless the snapshot has been replaced since,
// in which case the newer row is kept. ok is false when there is no snapshot.
func (c *StateCache) Optimistic(mutate func(d *Device)) (revert func(), ok bool) {
	c.mu.Lock()
	if c.snapshot == nil {
		c.mu.Unlock()
		return func() {}, false
	}
	prev := c.snapshot.DeepCopy()
	next := c.snapshot.DeepCopy()
	mutate(next)
	c.setSnapshotLocked(next)
	gen, version := c.generation, c.version
	c.mu.Unlock()

	c.notify(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.generation != gen || c.version != version {
				c.mu.Unlock()
				return
			}
			c.setSnapshotLocked(prev)
			c.mu.Unlock()
			c.notify(true)
		})
	}, true
}

// Unsubscribe releases the change feed channel and clears the snapshot.
func (c *StateCache) Unsubscribe() {
	c.mu.Lock()
	prev := c.release
	c.release = nil
	c.generation++
	c.owner = ""
	c.loading = false
	c.lastErr = nil
	c.storeAvailable = true
	changed := c.setSnapshotLocked(nil)
	c.mu.Unlock()

	if prev != nil {
		prev()
	}
	c.notify(changed)
}

// staleLocked reports whether d is older than the current snapshot.
// Equal timestamps are not stale.
func (c *StateCache) staleLocked(d *Device) bool {
	return c.snapshot != nil && d.UpdatedAt.Before(c.snapshot.UpdatedAt)
}

// setSnapshotLocked replaces the snapshot and reports whether anything changed.
func (c *StateCache) setSnapshotLocked(d *Device) bool {
	if c.snapshot == nil && d == nil {
		return false
	}
	c.snapshot = d
	c.version++
	return true
}

func (c *StateCache) notify(changed bool) {
	if !changed {
		return
	}
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(*Device), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.observers[id])
	}
	snap := c.snapshot
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snap.DeepCopy())
	}
}
