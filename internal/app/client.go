package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/feeder-core/internal/auth"
	"github.com/nerrad567/feeder-core/internal/command"
	"github.com/nerrad567/feeder-core/internal/device"
	"github.com/nerrad567/feeder-core/internal/history"
	"github.com/nerrad567/feeder-core/internal/notify"
	"github.com/nerrad567/feeder-core/internal/schedule"
	"github.com/nerrad567/feeder-core/internal/session"
)

// connectivityInterval is how often Online is re-evaluated without a device
// change, so a silent feeder goes offline in the View. A degraded account
// load is retried on the same tick.
const connectivityInterval = 30 * time.Second

// rebindTimeout bounds loading one account's state after sign-in.
const rebindTimeout = 60 * time.Second

// Logger is the logging interface used by the Client. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Deps are the Client's collaborators.
type Deps struct {
	Session       *session.Store
	Devices       device.Repository
	Commands      command.Repository
	Schedules     schedule.Repository
	History       history.Repository
	Notifications *notify.Center
	Logger        Logger

	// CheckInterval overrides connectivityInterval when positive.
	CheckInterval time.Duration
}

// Client is the feeder client facade.
//
// Identity changes (sign-in, sign-out, switching accounts) tear down every
// subscription and rebuild them for the new principal. Rebuilds run off the
// caller's goroutine, one at a time, and a rebuild superseded by a newer
// identity change is skipped.
type Client struct {
	deps       Deps
	logger     Logger
	now        func() time.Time
	interval   time.Duration
	evaluator  *auth.Evaluator
	cache      *device.StateCache
	dispatcher *command.Dispatcher
	tracker    *history.Tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stops  []func()

	rebindMu  sync.Mutex
	rebindGen atomic.Uint64
	rebinds   sync.WaitGroup

	mu         sync.Mutex
	listeners  map[uint64]func(View)
	nextID     uint64
	lastOnline bool
}

// New wires a Client. Call Start to restore any stored session.
func New(deps Deps) (*Client, error) {
	if deps.Session == nil || deps.Devices == nil || deps.Commands == nil ||
		deps.Schedules == nil || deps.History == nil || deps.Notifications == nil {
		return nil, errors.New("app: missing dependency")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	interval := deps.CheckInterval
	if interval <= 0 {
		interval = connectivityInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		deps:      deps,
		logger:    logger,
		now:       time.Now,
		interval:  interval,
		evaluator: auth.NewEvaluator(deps.Session),
		cache:     device.NewStateCache(deps.Devices),
		tracker:   history.NewTracker(deps.History),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[uint64]func(View)),
	}
	c.cache.SetLogger(logger)
	c.dispatcher = command.NewDispatcher(command.Deps{
		Permissions: c.evaluator,
		Cache:       c.cache,
		Devices:     deps.Devices,
		Commands:    deps.Commands,
		Schedules:   deps.Schedules,
		Notifier:    deps.Notifications,
	})
	c.dispatcher.SetLogger(logger)
	return c, nil
}

// Start subscribes to principal changes and restores the stored session.
// A rejected stored session is not an error here: the client starts signed
// out and the View carries the reason.
func (c *Client) Start(ctx context.Context) error {
	c.stops = append(c.stops,
		c.deps.Session.OnChange(c.onSessionChange),
		c.cache.OnChange(func(*device.Device) { c.emitView() }),
		c.tracker.OnComplete(c.onFeedComplete),
		c.deps.Notifications.OnChange(func(notify.Event) { c.emitView() }),
	)

	if err := c.deps.Session.Start(ctx); err != nil {
		if !session.IsAuthError(err) {
			return fmt.Errorf("restoring session: %w", err)
		}
		c.logger.Warn("stored session discarded", "error", err)
	}

	c.wg.Add(1)
	go c.watchConnectivity()
	return nil
}

// Close detaches every listener and subscription and waits for background
// work to finish.
func (c *Client) Close() {
	c.cancel()
	for _, stop := range c.stops {
		stop()
	}
	c.stops = nil
	c.deps.Session.Close()
	c.rebinds.Wait()
	c.wg.Wait()

	c.tracker.Stop()
	c.cache.Unsubscribe()
}

// Wait blocks until every rebuild started so far has finished.
func (c *Client) Wait() {
	c.rebinds.Wait()
}

// View returns the current view.
func (c *Client) View() View {
	return c.buildView()
}

// OnViewChange registers fn for view updates and returns a function removing
// it. fn may run on a change feed delivery goroutine and must not block.
func (c *Client) OnViewChange(fn func(View)) func() {
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

// Evaluator exposes capability checks for the current principal.
func (c *Client) Evaluator() *auth.Evaluator { return c.evaluator }

// Notifications exposes the notification queue.
func (c *Client) Notifications() *notify.Center { return c.deps.Notifications }

func (c *Client) onSessionChange(ch session.Change) {
	if !ch.IdentityChanged {
		c.emitView()
		return
	}
	gen := c.rebindGen.Add(1)
	c.rebinds.Add(1)
	go func() {
		defer c.rebinds.Done()
		c.rebind(gen)
	}()
}

// rebind rebuilds per-account state for the current principal.
func (c *Client) rebind(gen uint64) {
	c.rebindMu.Lock()
	defer c.rebindMu.Unlock()
	if c.rebindGen.Load() != gen || c.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, rebindTimeout)
	defer cancel()

	c.tracker.Stop()
	c.cache.Unsubscribe()
	c.deps.Notifications.Reset()

	p := c.deps.Session.CurrentPrincipal()
	if p == nil {
		c.logger.Info("signed out, subscriptions released")
		c.emitView()
		return
	}

	if err := c.deps.Notifications.Restore(ctx, p.ID); err != nil {
		c.logger.Warn("notifications not restored", "user_id", p.ID, "error", err)
	}
	c.cache.Subscribe(ctx, p.ID)
	if c.rebindGen.Load() != gen {
		return
	}
	c.startTracking(ctx)
	c.logger.Info("account state loaded", "user_id", p.ID, "store_available", c.cache.StoreAvailable())
	c.emitView()
}

// recover retries the account load while the store is unavailable and starts
// feed tracking for a snapshot that arrived after sign-in.
func (c *Client) recover() {
	c.rebindMu.Lock()
	defer c.rebindMu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	p := c.deps.Session.CurrentPrincipal()
	if p == nil || c.cache.Owner() != p.ID {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, rebindTimeout)
	defer cancel()

	if !c.cache.StoreAvailable() {
		c.cache.Subscribe(ctx, p.ID)
		if !c.cache.StoreAvailable() {
			c.logger.Warn("store still unavailable", "user_id", p.ID, "error", c.cache.Err())
			return
		}
		c.logger.Info("account state recovered", "user_id", p.ID)
		c.emitView()
	}
	c.startTracking(ctx)
}

// startTracking follows the cached device's feeding log. It is a no-op when
// the tracker already follows that device.
func (c *Client) startTracking(ctx context.Context) {
	d := c.cache.Current()
	if d == nil {
		return
	}
	if err := c.tracker.Start(ctx, d.ID); err != nil {
		c.logger.Warn("feed tracking unavailable", "device_id", d.ID, "error", err)
	}
}

// onFeedComplete reports a settled feed. It is driven by the feeding log, not
// by a dispatcher call, so it comes on top of the toast the call produced.
func (c *Client) onFeedComplete(done history.Completion) {
	if done.Event.Success {
		c.deps.Notifications.Notify(notify.LevelSuccess, "Feed complete",
			fmt.Sprintf("Dispensed %d g.", done.Event.Amount))
	} else {
		c.deps.Notifications.Notify(notify.LevelError, "Feed failed",
			fmt.Sprintf("The feeder could not dispense %d g.", done.Event.Amount))
	}
	c.emitView()
}

func (c *Client) watchConnectivity() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.recover()
			online := device.IsOnline(c.cache.Current(), c.now())
			c.mu.Lock()
			flipped := online != c.lastOnline
			c.mu.Unlock()
			if flipped {
				c.emitView()
			}
		}
	}
}

func (c *Client) emitView() {
	v := c.buildView()

	c.mu.Lock()
	c.lastOnline = v.Online
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(View), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
