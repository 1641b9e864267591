package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/feeder-core/internal/feed"
	"github.com/nerrad567/feeder-core/internal/infrastructure/database"
	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
)

// Repository is the typed store interface for devices.
type Repository interface {
	// GetByOwner returns the owner's device, the oldest if there are several.
	// Returns ErrDeviceNotFound if the owner has none.
	GetByOwner(ctx context.Context, ownerID string) (*Device, error)

	// GetByID returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// Create inserts d, returning ErrDeviceExists on an ID clash.
	Create(ctx context.Context, d *Device) error

	UpdateName(ctx context.Context, id, name string) (*Device, error)
	UpdateWifiConfig(ctx context.Context, id string, cfg WifiConfig) (*Device, error)

	// UpdateTelemetry replaces the device-written fields. Used by the bridge.
	UpdateTelemetry(ctx context.Context, id string, t Telemetry) (*Device, error)

	Delete(ctx context.Context, id string) error

	// Subscribe delivers every committed change to the owner's devices.
	Subscribe(ctx context.Context, ownerID string, fn func(op feed.Op, d Device)) (func(), error)
}

const deviceColumns = `
	id, owner_id, name, status, food_level, battery_level, last_seen,
	wifi_ssid, wifi_password, hotspot_enabled, hotspot_name, hotspot_password,
	firmware_version, min_feed_amount, max_feed_amount, created_at, updated_at`

// SQLiteRepository implements Repository over the feeder store and announces
// every committed write on the change feed.
//
// Writes are serialised from stamping to publishing, so changes reach the
// feed in commit order and updated_at never goes backwards between them.
type SQLiteRepository struct {
	db     *sql.DB
	bus    *feed.Bus
	policy retry.Policy
	now    func() time.Time

	writeMu   sync.Mutex
	lastStamp time.Time
}

// NewSQLiteRepository creates a repository. Every statement runs under policy
// with SQLite lock contention treated as transient.
func NewSQLiteRepository(db *sql.DB, bus *feed.Bus, policy retry.Policy) *SQLiteRepository {
	return &SQLiteRepository{
		db:     db,
		bus:    bus,
		policy: policy.WithRetryable(database.IsTransient),
		now:    time.Now,
	}
}

// OwnerKey is the change feed key for an owner's devices.
func OwnerKey(ownerID string) feed.Key {
	return feed.KeyOf(feed.Devices, "owner_id", ownerID)
}

// IDKey is the change feed key for a single device.
func IDKey(id string) feed.Key {
	return feed.KeyOf(feed.Devices, "id", id)
}

// GetByOwner returns the owner's oldest device.
func (r *SQLiteRepository) GetByOwner(ctx context.Context, ownerID string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE owner_id = ? ORDER BY created_at, id LIMIT 1`
	return retry.Value(ctx, r.policy, func(ctx context.Context) (*Device, error) {
		return getOne(r.db.QueryRowContext(ctx, query, ownerID))
	})
}

// GetByID returns the device with the given ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`
	return retry.Value(ctx, r.policy, func(ctx context.Context) (*Device, error) {
		return getOne(r.db.QueryRowContext(ctx, query, id))
	})
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	now := r.stampLocked()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = StatusOffline
	}

	query := `INSERT INTO devices (` + deviceColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query,
			d.ID,
			d.OwnerID,
			d.Name,
			string(d.Status),
			d.FoodLevel,
			nullInt(d.BatteryLevel),
			nullTime(d.LastSeen),
			d.Wifi.SSID,
			d.Wifi.Password,
			database.BoolToInt(d.Wifi.HotspotEnabled),
			d.Wifi.HotspotName,
			d.Wifi.HotspotPassword,
			database.NullString(d.FirmwareVersion),
			d.MinFeedAmount,
			d.MaxFeedAmount,
			database.FormatTime(d.CreatedAt),
			database.FormatTime(d.UpdatedAt),
		)
		return err
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	r.emit(ctx, feed.OpInsert, d)
	return nil
}

// UpdateName sets the device name.
func (r *SQLiteRepository) UpdateName(ctx context.Context, id, name string) (*Device, error) {
	return r.update(ctx, id, `name = ?`, name)
}

// UpdateWifiConfig replaces the network and hotspot settings.
func (r *SQLiteRepository) UpdateWifiConfig(ctx context.Context, id string, cfg WifiConfig) (*Device, error) {
	return r.update(ctx, id, `
		wifi_ssid = ?, wifi_password = ?, hotspot_enabled = ?,
		hotspot_name = ?, hotspot_password = ?`,
		cfg.SSID, cfg.Password, database.BoolToInt(cfg.HotspotEnabled),
		cfg.HotspotName, cfg.HotspotPassword)
}

// UpdateTelemetry replaces status, levels, last seen and, when reported, the
// firmware version.
func (r *SQLiteRepository) UpdateTelemetry(ctx context.Context, id string, t Telemetry) (*Device, error) {
	seen := t.SeenAt
	if seen.IsZero() {
		seen = r.now()
	}
	return r.update(ctx, id, `
		status = ?, food_level = ?, battery_level = ?, last_seen = ?,
		firmware_version = COALESCE(?, firmware_version)`,
		string(t.Status), t.FoodLevel, nullInt(t.BatteryLevel), database.FormatTime(seen),
		database.NullString(t.FirmwareVersion))
}

// Delete removes a device. The change carries the row as it was.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	d, err := retry.Value(ctx, r.policy, func(ctx context.Context) (*Device, error) {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("starting transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // No-op after commit

		d, err := getOne(tx.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("deleting device: %w", err)
		}
		return d, tx.Commit()
	})
	if err != nil {
		return err
	}

	r.emit(ctx, feed.OpDelete, d)
	return nil
}

// Subscribe delivers changes to the owner's devices in commit order.
func (r *SQLiteRepository) Subscribe(ctx context.Context, ownerID string, fn func(op feed.Op, d Device)) (func(), error) {
	if r.bus == nil || r.bus.Registry == nil {
		return nil, errors.New("device: change feed not configured")
	}
	return feed.Rows(ctx, r.bus.Registry, OwnerKey(ownerID), fn)
}

// update applies the SET clause assignments to one row, stamps updated_at
// and reads the row back in one transaction.
func (r *SQLiteRepository) update(ctx context.Context, id, assignments string, args ...any) (*Device, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	query := `UPDATE devices SET ` + assignments + `, updated_at = ? WHERE id = ?`
	args = append(args, database.FormatTime(r.stampLocked()), id)

	d, err := retry.Value(ctx, r.policy, func(ctx context.Context) (*Device, error) {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("starting transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // No-op after commit

		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("updating device: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return nil, ErrDeviceNotFound
		}

		d, err := getOne(tx.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		return d, tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	r.emit(ctx, feed.OpUpdate, d)
	return d, nil
}

// stampLocked returns the write time, never earlier than the previous one.
func (r *SQLiteRepository) stampLocked() time.Time {
	now := r.now().UTC()
	if now.Before(r.lastStamp) {
		now = r.lastStamp
	}
	r.lastStamp = now
	return now
}

func (r *SQLiteRepository) emit(ctx context.Context, op feed.Op, d *Device) {
	change, err := feed.NewChange(feed.Devices, op, d.ID, d, d.UpdatedAt)
	if err != nil {
		return
	}
	r.bus.Emit(ctx, change, OwnerKey(d.OwnerID), IDKey(d.ID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getOne(row rowScanner) (*Device, error) {
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return d, nil
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var status string
	var battery sql.NullInt64
	var lastSeen, firmware sql.NullString
	var hotspotEnabled int
	var createdAt, updatedAt string

	err := row.Scan(
		&d.ID,
		&d.OwnerID,
		&d.Name,
		&status,
		&d.FoodLevel,
		&battery,
		&lastSeen,
		&d.Wifi.SSID,
		&d.Wifi.Password,
		&hotspotEnabled,
		&d.Wifi.HotspotName,
		&d.Wifi.HotspotPassword,
		&firmware,
		&d.MinFeedAmount,
		&d.MaxFeedAmount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Wifi.HotspotEnabled = hotspotEnabled != 0
	if battery.Valid {
		v := int(battery.Int64)
		d.BatteryLevel = &v
	}
	if firmware.Valid {
		d.FirmwareVersion = &firmware.String
	}
	if lastSeen.Valid {
		t, err := database.ParseTime(lastSeen.String)
		if err != nil {
			return nil, err
		}
		d.LastSeen = &t
	}
	if d.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: database.FormatTime(*t), Valid: true}
}
