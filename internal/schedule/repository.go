package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/feeder-core/internal/feed"
	"github.com/nerrad567/feeder-core/internal/infrastructure/database"
	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
)

// Repository is the typed store interface for schedules.
type Repository interface {
	Get(ctx context.Context, id string) (*Schedule, error)
	ListByDevice(ctx context.Context, deviceID string) ([]Schedule, error)
	Create(ctx context.Context, deviceID string, d Draft) (*Schedule, error)
	Update(ctx context.Context, id string, d Draft) (*Schedule, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (*Schedule, error)
	Delete(ctx context.Context, id string) error
	Subscribe(ctx context.Context, deviceID string, fn func(op feed.Op, s Schedule)) (func(), error)
}

const scheduleColumns = `id, device_id, time, days, amount, enabled, created_at, updated_at`

// SQLiteRepository implements Repository and announces every committed write.
// writeMu spans commit and publish so changes reach the feed in commit order.
type SQLiteRepository struct {
	db     *sql.DB
	bus    *feed.Bus
	policy retry.Policy
	now    func() time.Time

	writeMu sync.Mutex
}

// NewSQLiteRepository creates a schedule repository.
func NewSQLiteRepository(db *sql.DB, bus *feed.Bus, policy retry.Policy) *SQLiteRepository {
	return &SQLiteRepository{db: db, bus: bus, policy: policy.WithRetryable(database.IsTransient), now: time.Now}
}

// DeviceKey is the change feed key for a device's schedules.
func DeviceKey(deviceID string) feed.Key {
	return feed.KeyOf(feed.Schedules, "device_id", deviceID)
}

// Get returns ErrScheduleNotFound if there is no such schedule.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Schedule, error) {
	return retry.Value(ctx, r.policy, func(ctx context.Context) (*Schedule, error) {
		return getOne(r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	})
}

// ListByDevice returns the device's schedules ordered by time. No schedules
// is an empty slice, not an error.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceID string) ([]Schedule, error) {
	return retry.Value(ctx, r.policy, func(ctx context.Context) ([]Schedule, error) {
		rows, err := r.db.QueryContext(ctx,
			`SELECT `+scheduleColumns+` FROM schedules WHERE device_id = ? ORDER BY time, created_at`, deviceID)
		if err != nil {
			return nil, fmt.Errorf("listing schedules: %w", err)
		}
		defer rows.Close()

		out := []Schedule{}
		for rows.Next() {
			s, err := scanSchedule(rows)
			if err != nil {
				return nil, fmt.Errorf("scanning schedule: %w", err)
			}
			out = append(out, *s)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating schedules: %w", err)
		}
		return out, nil
	})
}

// Create inserts a schedule for deviceID.
func (r *SQLiteRepository) Create(ctx context.Context, deviceID string, d Draft) (*Schedule, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	now := r.now().UTC()
	s := &Schedule{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Time:      d.Time,
		Days:      d.Days,
		Amount:    d.Amount,
		Enabled:   d.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.DeviceID, s.Time, s.Days.Mask(), s.Amount, database.BoolToInt(s.Enabled),
			database.FormatTime(now), database.FormatTime(now))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting schedule: %w", err)
	}
	r.emit(ctx, feed.OpInsert, s)
	return s, nil
}

// Update replaces the editable fields.
func (r *SQLiteRepository) Update(ctx context.Context, id string, d Draft) (*Schedule, error) {
	return r.update(ctx, id,
		`UPDATE schedules SET time = ?, days = ?, amount = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		d.Time, d.Days.Mask(), d.Amount, database.BoolToInt(d.Enabled), database.FormatTime(r.now()), id)
}

// SetEnabled updates only the enabled flag.
func (r *SQLiteRepository) SetEnabled(ctx context.Context, id string, enabled bool) (*Schedule, error) {
	return r.update(ctx, id, `UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`,
		database.BoolToInt(enabled), database.FormatTime(r.now()), id)
}

// Delete removes a schedule. The change carries the row as it was.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	s, err := retry.Value(ctx, r.policy, func(ctx context.Context) (*Schedule, error) {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("starting transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // No-op after commit

		s, err := getOne(tx.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("deleting schedule: %w", err)
		}
		return s, tx.Commit()
	})
	if err != nil {
		return err
	}
	r.emit(ctx, feed.OpDelete, s)
	return nil
}

// Subscribe delivers changes to deviceID's schedules.
func (r *SQLiteRepository) Subscribe(ctx context.Context, deviceID string, fn func(op feed.Op, s Schedule)) (func(), error) {
	if r.bus == nil || r.bus.Registry == nil {
		return nil, errors.New("schedule: change feed not configured")
	}
	return feed.Rows(ctx, r.bus.Registry, DeviceKey(deviceID), fn)
}

func (r *SQLiteRepository) update(ctx context.Context, id, query string, args ...any) (*Schedule, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	s, err := retry.Value(ctx, r.policy, func(ctx context.Context) (*Schedule, error) {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("starting transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // No-op after commit

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("updating schedule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // Always succeeds on SQLite
			return nil, ErrScheduleNotFound
		}
		s, err := getOne(tx.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		return s, tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	r.emit(ctx, feed.OpUpdate, s)
	return s, nil
}

func (r *SQLiteRepository) emit(ctx context.Context, op feed.Op, s *Schedule) {
	change, err := feed.NewChange(feed.Schedules, op, s.ID, s, s.UpdatedAt)
	if err != nil {
		return
	}
	r.bus.Emit(ctx, change, DeviceKey(s.DeviceID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getOne(row rowScanner) (*Schedule, error) {
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying schedule: %w", err)
	}
	return s, nil
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var s Schedule
	var mask string
	var enabled int
	var created, updated string
	if err := row.Scan(&s.ID, &s.DeviceID, &s.Time, &mask, &s.Amount, &enabled, &created, &updated); err != nil {
		return nil, err
	}

	var err error
	if s.Days, err = ParseMask(mask); err != nil {
		return nil, err
	}
	s.Enabled = enabled != 0
	if s.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return nil, err
	}
	return &s, nil
}
