// Package preference stores small per-user JSON records.
package preference

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/feeder-core/internal/apperr"
	"github.com/nerrad567/feeder-core/internal/infrastructure/database"
	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
)

// ErrNotFound is returned by Get for a missing record.
var ErrNotFound = fmt.Errorf("preference: %w", apperr.ErrNotFound)

// Store reads and writes preference records.
type Store interface {
	// Get decodes the record into v.
	Get(ctx context.Context, userID, key string, v any) error
	// Set encodes v as JSON and replaces the record.
	Set(ctx context.Context, userID, key string, v any) error
	Delete(ctx context.Context, userID, key string) error
	Keys(ctx context.Context, userID string) ([]string, error)
}

// SQLiteStore implements Store over the preferences table.
type SQLiteStore struct {
	db     *sql.DB
	policy retry.Policy
	now    func() time.Time
}

// NewSQLiteStore creates a preference store.
func NewSQLiteStore(db *sql.DB, policy retry.Policy) *SQLiteStore {
	return &SQLiteStore{db: db, policy: policy.WithRetryable(database.IsTransient), now: time.Now}
}

func (s *SQLiteStore) Get(ctx context.Context, userID, key string, v any) error {
	raw, err := retry.Value(ctx, s.policy, func(ctx context.Context) (string, error) {
		var raw string
		err := s.db.QueryRowContext(ctx,
			`SELECT value FROM preferences WHERE user_id = ? AND key = ?`, userID, key).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return raw, err
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decoding preference %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Set(ctx context.Context, userID, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding preference %s: %w", key, err)
	}
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO preferences (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			userID, key, string(raw), database.FormatTime(s.now()))
		return err
	})
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, userID, key string) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE user_id = ? AND key = ?`, userID, key)
		return err
	})
}

// Keys lists the user's record keys in order.
func (s *SQLiteStore) Keys(ctx context.Context, userID string) ([]string, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) ([]string, error) {
		rows, err := s.db.QueryContext(ctx, `SELECT key FROM preferences WHERE user_id = ? ORDER BY key`, userID)
		if err != nil {
			return nil, fmt.Errorf("listing preferences: %w", err)
		}
		defer rows.Close()

		keys := []string{}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return nil, fmt.Errorf("scanning preference key: %w", err)
			}
			keys = append(keys, k)
		}
		return keys, rows.Err()
	})
}
