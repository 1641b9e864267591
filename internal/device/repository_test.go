package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/feeder-core/internal/apperr"
	"github.com/nerrad567/feeder-core/internal/feed"
)

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	battery := 80
	d := testDevice("dev-1", "owner-1")
	d.BatteryLevel = &battery
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("GetByOwner() error = %v", err)
	}
	if got.ID != "dev-1" || got.Name != "Kitchen Feeder" || got.Wifi.SSID != "home" {
		t.Errorf("GetByOwner() = %+v", got)
	}
	if got.BatteryLevel == nil || *got.BatteryLevel != 80 {
		t.Errorf("BatteryLevel = %v, want 80", got.BatteryLevel)
	}
	if got.LastSeen != nil {
		t.Errorf("LastSeen = %v, want nil", got.LastSeen)
	}

	byID, err := repo.GetByID(ctx, "dev-1")
	if err != nil || byID.OwnerID != "owner-1" {
		t.Errorf("GetByID() = %+v, %v", byID, err)
	}
}

func TestSQLiteRepository_NotFound(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	_, err := repo.GetByOwner(ctx, "nobody")
	if !errors.Is(err, ErrDeviceNotFound) || !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetByOwner() error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := repo.UpdateName(ctx, "missing", "x"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("UpdateName() error = %v, want ErrDeviceNotFound", err)
	}
	if err := repo.Delete(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Delete() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_CreateDuplicate(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, testDevice("dev-1", "owner-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, testDevice("dev-1", "owner-2")); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("Create(duplicate) error = %v, want ErrDeviceExists", err)
	}
}

func TestSQLiteRepository_Updates(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	if err := repo.Create(ctx, testDevice("dev-1", "owner-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	d, err := repo.UpdateName(ctx, "dev-1", "Hallway")
	if err != nil || d.Name != "Hallway" {
		t.Fatalf("UpdateName() = %+v, %v", d, err)
	}

	cfg := WifiConfig{SSID: "cabin", Password: "longenough", HotspotEnabled: true, HotspotName: "PetFeeder-owner", HotspotPassword: "12345678"}
	d, err = repo.UpdateWifiConfig(ctx, "dev-1", cfg)
	if err != nil || d.Wifi != cfg {
		t.Fatalf("UpdateWifiConfig() = %+v, %v", d, err)
	}
	if d.Name != "Hallway" {
		t.Errorf("UpdateWifiConfig() clobbered name: %q", d.Name)
	}

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	battery := 42
	fw := "1.4.2"
	d, err = repo.UpdateTelemetry(ctx, "dev-1", Telemetry{Status: StatusOnline, FoodLevel: 55, BatteryLevel: &battery, FirmwareVersion: &fw, SeenAt: seen})
	if err != nil {
		t.Fatalf("UpdateTelemetry() error = %v", err)
	}
	if d.FoodLevel != 55 || *d.BatteryLevel != 42 || !d.LastSeen.Equal(seen) || *d.FirmwareVersion != "1.4.2" {
		t.Errorf("UpdateTelemetry() = %+v", d)
	}

	d, err = repo.UpdateTelemetry(ctx, "dev-1", Telemetry{Status: StatusOffline, FoodLevel: 50, SeenAt: seen})
	if err != nil {
		t.Fatalf("UpdateTelemetry() error = %v", err)
	}
	if d.FirmwareVersion == nil || *d.FirmwareVersion != "1.4.2" {
		t.Errorf("firmware version lost on report without one: %v", d.FirmwareVersion)
	}
	if d.Wifi != cfg {
		t.Errorf("telemetry clobbered wifi config: %+v", d.Wifi)
	}
}

func TestSQLiteRepository_PublishesFullRows(t *testing.T) {
	repo, lb := setupRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, testDevice("dev-1", "owner-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := repo.UpdateName(ctx, "dev-1", "Renamed"); err != nil {
		t.Fatalf("UpdateName() error = %v", err)
	}
	if err := repo.Delete(ctx, "dev-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	var ownerMsgs []feed.Change
	for _, m := range lb.Published() {
		if m.Topic != OwnerKey("owner-1").Topic() {
			continue
		}
		var c feed.Change
		if err := json.Unmarshal(m.Payload, &c); err != nil {
			t.Fatalf("decoding published change: %v", err)
		}
		ownerMsgs = append(ownerMsgs, c)
	}
	if len(ownerMsgs) != 3 {
		t.Fatalf("owner changes = %d, want 3", len(ownerMsgs))
	}

	wantOps := []feed.Op{feed.OpInsert, feed.OpUpdate, feed.OpDelete}
	for i, c := range ownerMsgs {
		if c.Op != wantOps[i] {
			t.Errorf("change %d op = %s, want %s", i, c.Op, wantOps[i])
		}
		var d Device
		if err := c.Decode(&d); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if d.Wifi.SSID != "home" {
			t.Errorf("change %d is not a full row: %+v", i, d)
		}
	}
}

func TestSQLiteRepository_Subscribe(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()

	var names []string
	release, err := repo.Subscribe(ctx, "owner-1", func(op feed.Op, d Device) {
		names = append(names, string(op)+":"+d.Name)
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := repo.Create(ctx, testDevice("dev-1", "owner-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, testDevice("dev-2", "owner-2")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	release()
	if _, err := repo.UpdateName(ctx, "dev-1", "after release"); err != nil {
		t.Fatalf("UpdateName() error = %v", err)
	}

	if len(names) != 1 || names[0] != "insert:Kitchen Feeder" {
		t.Errorf("received = %v", names)
	}
}

func TestSQLiteRepository_ConcurrentWritesPublishInCommitOrder(t *testing.T) {
	repo, _ := setupRepo(t)
	ctx := context.Background()
	if err := repo.Create(ctx, testDevice("dev-1", "owner-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var mu sync.Mutex
	var delivered []Device
	release, err := repo.Subscribe(ctx, "owner-1", func(_ feed.Op, d Device) {
		mu.Lock()
		delivered = append(delivered, d)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer release()

	cache := NewStateCache(repo)
	cache.Subscribe(ctx, "owner-1")
	defer cache.Unsubscribe()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers*2)
	for i := 0; i < writers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := repo.UpdateName(ctx, "dev-1", fmt.Sprintf("name-%d", i)); err != nil {
				errs <- err
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if _, err := repo.UpdateTelemetry(ctx, "dev-1", Telemetry{Status: StatusOnline, FoodLevel: i * 10}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write error = %v", err)
	}

	stored, err := repo.GetByID(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != writers*2 {
		t.Fatalf("delivered %d changes, want %d", len(delivered), writers*2)
	}
	for i := 1; i < len(delivered); i++ {
		if delivered[i].UpdatedAt.Before(delivered[i-1].UpdatedAt) {
			t.Errorf("change %d at %v delivered after %v", i, delivered[i].UpdatedAt, delivered[i-1].UpdatedAt)
		}
	}
	last := delivered[len(delivered)-1]
	if last.Name != stored.Name || last.FoodLevel != stored.FoodLevel || !last.UpdatedAt.Equal(stored.UpdatedAt) {
		t.Errorf("last delivered row = %s/%d, stored row = %s/%d", last.Name, last.FoodLevel, stored.Name, stored.FoodLevel)
	}
	if got := cache.Current(); got.Name != stored.Name || got.FoodLevel != stored.FoodLevel {
		t.Errorf("cache = %s/%d, stored row = %s/%d", got.Name, got.FoodLevel, stored.Name, stored.FoodLevel)
	}
}
