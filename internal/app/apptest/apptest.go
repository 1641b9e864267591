// Package apptest assembles a complete feeder client over a temporary store
// and an in-memory change feed, for tests of the client and its surfaces.
package apptest

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/feeder-core/internal/app"
	"github.com/nerrad567/feeder-core/internal/auth"
	"github.com/nerrad567/feeder-core/internal/command"
	"github.com/nerrad567/feeder-core/internal/device"
	"github.com/nerrad567/feeder-core/internal/feed"
	"github.com/nerrad567/feeder-core/internal/feed/feedtest"
	"github.com/nerrad567/feeder-core/internal/history"
	"github.com/nerrad567/feeder-core/internal/infrastructure/database"
	"github.com/nerrad567/feeder-core/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
	"github.com/nerrad567/feeder-core/internal/notify"
	"github.com/nerrad567/feeder-core/internal/preference"
	"github.com/nerrad567/feeder-core/internal/schedule"
	"github.com/nerrad567/feeder-core/internal/session"
)

// Password is the password of every account created by CreateUser.
const Password = "password123"

// Secret signs session tokens.
const Secret = "apptest-session-secret-0123456789abcdef"

// Env is a running client and direct handles on everything behind it.
type Env struct {
	DB            *database.DB
	Loopback      *feedtest.Loopback
	Provider      *auth.LocalProvider
	Profiles      *auth.SQLiteProfileRepository
	Session       *session.Store
	Devices       *device.SQLiteRepository
	Commands      *command.SQLiteRepository
	Schedules     *schedule.SQLiteRepository
	History       *history.SQLiteRepository
	Preferences   *preference.SQLiteStore
	Notifications *notify.Center
	Client        *app.Client
}

// Policy is a fast transport policy for tests.
func Policy() retry.Policy {
	return retry.Policy{Timeout: 2 * time.Second, MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

// Options adjust the client New builds.
type Options struct {
	// WrapDevices, when set, decorates the device repository the client uses.
	// Env.Devices stays the undecorated store.
	WrapDevices func(device.Repository) device.Repository
	// CheckInterval is passed to app.Deps.
	CheckInterval time.Duration
}

// New builds and starts a client. It is closed on cleanup.
func New(t testing.TB) *Env {
	t.Helper()
	return NewWithOptions(t, Options{})
}

// NewWithOptions is New with opts applied.
func NewWithOptions(t testing.TB, opts Options) *Env {
	t.Helper()
	policy := Policy()
	db := dbtest.Open(t)
	lb := feedtest.NewLoopback()
	bus := feed.NewBus(lb, 1, policy, nil)

	env := &Env{
		DB:          db,
		Loopback:    lb,
		Profiles:    auth.NewProfileRepository(db.DB, policy),
		Devices:     device.NewSQLiteRepository(db.DB, bus, policy),
		Commands:    command.NewSQLiteRepository(db.DB, bus, policy),
		Schedules:   schedule.NewSQLiteRepository(db.DB, bus, policy),
		History:     history.NewSQLiteRepository(db.DB, bus, policy),
		Preferences: preference.NewSQLiteStore(db.DB, policy),
	}
	provider, err := auth.NewLocalProvider(env.Profiles, Secret, time.Hour)
	if err != nil {
		t.Fatalf("NewLocalProvider() error = %v", err)
	}
	provider.SetHashParams(auth.HashParams{Time: 1, Memory: 64, Threads: 1})
	env.Provider = provider
	env.Session = session.NewStore(provider)
	env.Notifications = notify.NewCenter(notify.Options{Store: env.Preferences})

	var devices device.Repository = env.Devices
	if opts.WrapDevices != nil {
		devices = opts.WrapDevices(devices)
	}

	client, err := app.New(app.Deps{
		Session:       env.Session,
		Devices:       devices,
		Commands:      env.Commands,
		Schedules:     env.Schedules,
		History:       env.History,
		Notifications: env.Notifications,
		CheckInterval: opts.CheckInterval,
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(client.Close)
	env.Client = client
	return env
}

// CreateUser registers an account with Password.
func (e *Env) CreateUser(t testing.TB, email string, role auth.Role) *auth.Principal {
	t.Helper()
	p, err := e.Provider.CreateProfile(context.Background(), email, Password, role)
	if err != nil {
		t.Fatalf("CreateProfile(%s) error = %v", email, err)
	}
	return p
}

// Login signs in and waits for the account's state to load.
func (e *Env) Login(t testing.TB, email string) *auth.Principal {
	t.Helper()
	p, err := e.Client.Login(context.Background(), email, Password)
	if err != nil {
		t.Fatalf("Login(%s) error = %v", email, err)
	}
	e.Client.Wait()
	return p
}
