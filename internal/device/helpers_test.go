package device

import (
	"context"
	"sync"
	"testing"
	"time"

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

// setupRepo opens a migrated store wired to an in-memory change feed.
func setupRepo(t *testing.T) (*SQLiteRepository, *feedtest.Loopback) {
	t.Helper()
	db := dbtest.Open(t)
	lb := feedtest.NewLoopback()
	bus := feed.NewBus(lb, 1, testPolicy(), nil)
	return NewSQLiteRepository(db.DB, bus, testPolicy()), lb
}

func testDevice(id, ownerID string) *Device {
	return &Device{
		ID:      id,
		OwnerID: ownerID,
		Name:    "Kitchen Feeder",
		Status:  StatusOnline,
		Wifi: WifiConfig{
			SSID:            "home",
			Password:        "hunter2hunter2",
			HotspotEnabled:  false,
			HotspotName:     HotspotName(ownerID),
			HotspotPassword: "abcdefgh1234",
		},
	}
}

// fakeRepo is an in-memory Repository with call counting and failure injection.
type fakeRepo struct {
	mu      sync.Mutex
	devices map[string]*Device

	getErr       error
	createErr    error
	subscribeErr error
	updateErr    error

	// getHook runs inside GetByOwner before it returns.
	getHook func()

	getCalls, createCalls, subscribeCalls, releaseCalls, updateCalls int
	listeners                                                       []func(feed.Op, Device)
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{devices: make(map[string]*Device)}
}

func (f *fakeRepo) GetByOwner(_ context.Context, ownerID string) (*Device, error) {
	f.mu.Lock()
	f.getCalls++
	hook := f.getHook
	err := f.getErr
	var found *Device
	for _, d := range f.devices {
		if d.OwnerID == ownerID {
			found = d.DeepCopy()
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrDeviceNotFound
	}
	return found, nil
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[id]; ok {
		return d.DeepCopy(), nil
	}
	return nil, ErrDeviceNotFound
}

func (f *fakeRepo) Create(_ context.Context, d *Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return f.createErr
	}
	f.devices[d.ID] = d.DeepCopy()
	return nil
}

func (f *fakeRepo) UpdateName(_ context.Context, id, name string) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	d, ok := f.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	d.Name = name
	return d.DeepCopy(), nil
}

func (f *fakeRepo) UpdateWifiConfig(_ context.Context, id string, cfg WifiConfig) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	d, ok := f.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	d.Wifi = cfg
	return d.DeepCopy(), nil
}

func (f *fakeRepo) UpdateTelemetry(context.Context, string, Telemetry) (*Device, error) {
	return nil, ErrDeviceNotFound
}

func (f *fakeRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, id)
	return nil
}

func (f *fakeRepo) Subscribe(_ context.Context, _ string, fn func(feed.Op, Device)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.listeners = append(f.listeners, fn)
	return func() {
		f.mu.Lock()
		f.releaseCalls++
		f.mu.Unlock()
	}, nil
}

// push delivers a change to the most recent listener.
func (f *fakeRepo) push(op feed.Op, d Device) {
	f.mu.Lock()
	fn := f.listeners[len(f.listeners)-1]
	f.mu.Unlock()
	fn(op, d)
}

func (f *fakeRepo) counts() (get, create, sub, rel int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls, f.createCalls, f.subscribeCalls, f.releaseCalls
}
