package history

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

// DefaultListLimit caps ListByDevice when the caller passes no limit.
const DefaultListLimit = 50

// Repository is the typed store interface for the feeding log.
type Repository interface {
	Append(ctx context.Context, e *Event) error

	// ListByDevice returns the newest events first.
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]Event, error)

	// Stats summarises events at or after since.
	Stats(ctx context.Context, deviceID string, since time.Time) (Stats, error)

	Subscribe(ctx context.Context, deviceID string, fn func(op feed.Op, e Event)) (func(), error)
}

// SQLiteRepository implements Repository and announces every append, in the
// order the appends committed.
type SQLiteRepository struct {
	db     *sql.DB
	bus    *feed.Bus
	policy retry.Policy
	now    func() time.Time

	writeMu sync.Mutex
}

// NewSQLiteRepository creates a feeding log repository.
func NewSQLiteRepository(db *sql.DB, bus *feed.Bus, policy retry.Policy) *SQLiteRepository {
	return &SQLiteRepository{db: db, bus: bus, policy: policy.WithRetryable(database.IsTransient), now: time.Now}
}

// DeviceKey is the change feed key for a device's feeding log.
func DeviceKey(deviceID string) feed.Key {
	return feed.KeyOf(feed.FeedingEvents, "device_id", deviceID)
}

// Append stores e, filling in an empty ID and a zero timestamp.
func (r *SQLiteRepository) Append(ctx context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	e.Timestamp = e.Timestamp.UTC()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO feeding_events (id, device_id, command_id, amount, type, success, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.DeviceID, database.NullString(e.CommandID), e.Amount, string(e.Type),
			database.BoolToInt(e.Success), database.FormatTime(e.Timestamp))
		return err
	})
	if err != nil {
		return fmt.Errorf("appending feeding event: %w", err)
	}

	change, err := feed.NewChange(feed.FeedingEvents, feed.OpInsert, e.ID, e, e.Timestamp)
	if err == nil {
		r.bus.Emit(ctx, change, DeviceKey(e.DeviceID))
	}
	return nil
}

// ListByDevice returns up to limit events, newest first.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return retry.Value(ctx, r.policy, func(ctx context.Context) ([]Event, error) {
		rows, err := r.db.QueryContext(ctx,
			`SELECT id, device_id, command_id, amount, type, success, timestamp
			 FROM feeding_events WHERE device_id = ? ORDER BY timestamp DESC, id LIMIT ?`,
			deviceID, limit)
		if err != nil {
			return nil, fmt.Errorf("listing feeding events: %w", err)
		}
		defer rows.Close()

		out := []Event{}
		for rows.Next() {
			var e Event
			var commandID sql.NullString
			var typ, ts string
			var success int
			if err := rows.Scan(&e.ID, &e.DeviceID, &commandID, &e.Amount, &typ, &success, &ts); err != nil {
				return nil, fmt.Errorf("scanning feeding event: %w", err)
			}
			if commandID.Valid {
				e.CommandID = &commandID.String
			}
			e.Type = Type(typ)
			e.Success = success != 0
			if e.Timestamp, err = database.ParseTime(ts); err != nil {
				return nil, fmt.Errorf("parsing feeding event time: %w", err)
			}
			out = append(out, e)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating feeding events: %w", err)
		}
		return out, nil
	})
}

// Stats aggregates the device's events since the given time.
func (r *SQLiteRepository) Stats(ctx context.Context, deviceID string, since time.Time) (Stats, error) {
	return retry.Value(ctx, r.policy, func(ctx context.Context) (Stats, error) {
		var s Stats
		var last sql.NullString
		err := r.db.QueryRowContext(ctx,
			`SELECT COUNT(*),
			        COALESCE(SUM(success), 0),
			        COALESCE(SUM(CASE WHEN success = 1 THEN amount ELSE 0 END), 0),
			        MAX(timestamp)
			 FROM feeding_events WHERE device_id = ? AND timestamp >= ?`,
			deviceID, database.FormatTime(since.UTC())).Scan(&s.Count, &s.Successes, &s.TotalAmount, &last)
		if err != nil {
			return Stats{}, fmt.Errorf("querying feeding stats: %w", err)
		}
		s.Failures = s.Count - s.Successes
		if last.Valid {
			t, err := database.ParseTime(last.String)
			if err != nil {
				return Stats{}, fmt.Errorf("parsing last feeding time: %w", err)
			}
			s.Last = &t
		}
		return s, nil
	})
}

// Subscribe delivers every event appended for deviceID.
func (r *SQLiteRepository) Subscribe(ctx context.Context, deviceID string, fn func(op feed.Op, e Event)) (func(), error) {
	if r.bus == nil || r.bus.Registry == nil {
		return nil, errors.New("history: change feed not configured")
	}
	return feed.Rows(ctx, r.bus.Registry, DeviceKey(deviceID), fn)
}
