package command

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

// Repository is the typed store interface for commands.
type Repository interface {
	Create(ctx context.Context, c *Command) error
	Get(ctx context.Context, id string) (*Command, error)

	// ListPending returns the device's pending commands, oldest first.
	ListPending(ctx context.Context, deviceID string) ([]Command, error)

	// SetStatus moves a pending command on. Setting the status it already
	// has is a no-op; leaving acked or failed is ErrInvalidTransition.
	SetStatus(ctx context.Context, id string, status Status) (*Command, error)

	Subscribe(ctx context.Context, deviceID string, fn func(op feed.Op, c Command)) (func(), error)
}

const commandColumns = `id, device_id, owner_id, type, params, status, created_at, updated_at`

// SQLiteRepository implements Repository and announces every committed write.
// writeMu spans commit and publish so changes reach the feed in commit order.
type SQLiteRepository struct {
	db     *sql.DB
	bus    *feed.Bus
	policy retry.Policy
	now    func() time.Time

	writeMu sync.Mutex
}

// NewSQLiteRepository creates a command repository.
func NewSQLiteRepository(db *sql.DB, bus *feed.Bus, policy retry.Policy) *SQLiteRepository {
	return &SQLiteRepository{db: db, bus: bus, policy: policy.WithRetryable(database.IsTransient), now: time.Now}
}

// DeviceKey is the change feed key for a device's commands.
func DeviceKey(deviceID string) feed.Key {
	return feed.KeyOf(feed.Commands, "device_id", deviceID)
}

// Create inserts c. An empty ID or timestamp is filled in and an empty
// status becomes StatusPending.
func (r *SQLiteRepository) Create(ctx context.Context, c *Command) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	if !ValidStatus(c.Status) {
		return ErrInvalidStatus
	}
	if len(c.Params) == 0 {
		c.Params = []byte("{}")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	now := r.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt

	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO commands (`+commandColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.DeviceID, c.OwnerID, string(c.Type), string(c.Params), string(c.Status),
			database.FormatTime(c.CreatedAt), database.FormatTime(c.UpdatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	r.emit(ctx, feed.OpInsert, c)
	return nil
}

// Get returns ErrCommandNotFound if there is no such command.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Command, error) {
	return retry.Value(ctx, r.policy, func(ctx context.Context) (*Command, error) {
		return getOne(r.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id))
	})
}

// ListPending returns pending commands for deviceID.
func (r *SQLiteRepository) ListPending(ctx context.Context, deviceID string) ([]Command, error) {
	return retry.Value(ctx, r.policy, func(ctx context.Context) ([]Command, error) {
		rows, err := r.db.QueryContext(ctx,
			`SELECT `+commandColumns+` FROM commands WHERE device_id = ? AND status = ? ORDER BY created_at, id`,
			deviceID, string(StatusPending))
		if err != nil {
			return nil, fmt.Errorf("listing commands: %w", err)
		}
		defer rows.Close()

		out := []Command{}
		for rows.Next() {
			c, err := scanCommand(rows)
			if err != nil {
				return nil, fmt.Errorf("scanning command: %w", err)
			}
			out = append(out, *c)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating commands: %w", err)
		}
		return out, nil
	})
}

// SetStatus records the device's verdict on a command.
func (r *SQLiteRepository) SetStatus(ctx context.Context, id string, status Status) (*Command, error) {
	if !ValidStatus(status) {
		return nil, ErrInvalidStatus
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var changed bool
	c, err := retry.Value(ctx, r.policy, func(ctx context.Context) (*Command, error) {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("starting transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // No-op after commit

		c, err := getOne(tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		if c.Status == status {
			changed = false
			return c, nil
		}
		if c.Status != StatusPending {
			return nil, ErrInvalidTransition
		}

		c.Status = status
		c.UpdatedAt = r.now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE commands SET status = ?, updated_at = ? WHERE id = ?`,
			string(c.Status), database.FormatTime(c.UpdatedAt), id); err != nil {
			return nil, fmt.Errorf("updating command: %w", err)
		}
		changed = true
		return c, tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if changed {
		r.emit(ctx, feed.OpUpdate, c)
	}
	return c, nil
}

// Subscribe delivers changes to deviceID's commands.
func (r *SQLiteRepository) Subscribe(ctx context.Context, deviceID string, fn func(op feed.Op, c Command)) (func(), error) {
	if r.bus == nil || r.bus.Registry == nil {
		return nil, errors.New("command: change feed not configured")
	}
	return feed.Rows(ctx, r.bus.Registry, DeviceKey(deviceID), fn)
}

func (r *SQLiteRepository) emit(ctx context.Context, op feed.Op, c *Command) {
	change, err := feed.NewChange(feed.Commands, op, c.ID, c, c.UpdatedAt)
	if err != nil {
		return
	}
	r.bus.Emit(ctx, change, DeviceKey(c.DeviceID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getOne(row rowScanner) (*Command, error) {
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return c, nil
}

func scanCommand(row rowScanner) (*Command, error) {
	var c Command
	var typ, params, status, created, updated string
	if err := row.Scan(&c.ID, &c.DeviceID, &c.OwnerID, &typ, &params, &status, &created, &updated); err != nil {
		return nil, err
	}
	c.Type = Type(typ)
	c.Params = []byte(params)
	c.Status = Status(status)

	var err error
	if c.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}
