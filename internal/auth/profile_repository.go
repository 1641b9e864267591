package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/feeder-core/internal/infrastructure/database"
	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
)

// ErrNoSession is returned by LoadSession when nobody is signed in.
var ErrNoSession = errors.New("auth: no stored session")

// SessionRecord is the persisted client session.
type SessionRecord struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ProfileRepository persists profiles and this client's single session.
type ProfileRepository interface {
	Create(ctx context.Context, p *Profile) error
	GetByID(ctx context.Context, id string) (*Profile, error)
	GetByEmail(ctx context.Context, email string) (*Profile, error)
	Count(ctx context.Context) (int, error)

	// SetEmailVerified marks the address verified, reporting whether it
	// changed. The flag never goes back to false.
	SetEmailVerified(ctx context.Context, id string) (changed bool, err error)
	SetPermissions(ctx context.Context, id string, perms Permissions) error
	SetRole(ctx context.Context, id string, role Role) error

	SaveSession(ctx context.Context, rec SessionRecord) error
	LoadSession(ctx context.Context) (*SessionRecord, error)
	ClearSession(ctx context.Context) error
}

const profileColumns = `id, email, password_hash, role, email_verified, permissions, created_at, updated_at`

// SQLiteProfileRepository implements ProfileRepository over the feeder store.
type SQLiteProfileRepository struct {
	db     *sql.DB
	policy retry.Policy
	now    func() time.Time
}

// NewProfileRepository creates a SQLite-backed profile repository.
func NewProfileRepository(db *sql.DB, policy retry.Policy) *SQLiteProfileRepository {
	return &SQLiteProfileRepository{
		db:     db,
		policy: policy.WithRetryable(database.IsTransient),
		now:    time.Now,
	}
}

// Create inserts a profile. Email is unique, case-insensitively.
func (r *SQLiteProfileRepository) Create(ctx context.Context, p *Profile) error {
	perms, err := encodePermissions(p.Permissions)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	err = retry.Do(ctx, r.policy, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Email, p.PasswordHash, string(p.Role), database.BoolToInt(p.EmailVerified),
			perms, database.FormatTime(now), database.FormatTime(now),
		)
		return err
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("creating profile: %w", err)
	}
	return nil
}

// GetByID returns ErrProfileNotFound if there is no such profile.
func (r *SQLiteProfileRepository) GetByID(ctx context.Context, id string) (*Profile, error) {
	return r.get(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
}

// GetByEmail matches case-insensitively.
func (r *SQLiteProfileRepository) GetByEmail(ctx context.Context, email string) (*Profile, error) {
	return r.get(ctx, `SELECT `+profileColumns+` FROM profiles WHERE email = ?`, email)
}

// Count returns the number of profiles.
func (r *SQLiteProfileRepository) Count(ctx context.Context) (int, error) {
	return retry.Value(ctx, r.policy, func(ctx context.Context) (int, error) {
		var n int
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&n); err != nil {
			return 0, fmt.Errorf("counting profiles: %w", err)
		}
		return n, nil
	})
}

// SetEmailVerified flips email_verified to 1 once.
func (r *SQLiteProfileRepository) SetEmailVerified(ctx context.Context, id string) (bool, error) {
	return retry.Value(ctx, r.policy, func(ctx context.Context) (bool, error) {
		res, err := r.db.ExecContext(ctx,
			`UPDATE profiles SET email_verified = 1, updated_at = ? WHERE id = ? AND email_verified = 0`,
			database.FormatTime(r.now()), id)
		if err != nil {
			return false, fmt.Errorf("verifying email: %w", err)
		}
		n, _ := res.RowsAffected() //nolint:errcheck // Always succeeds on SQLite
		if n == 1 {
			return true, nil
		}
		if _, err := r.GetByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	})
}

// SetPermissions replaces the permissions object. Nil restores the defaults.
func (r *SQLiteProfileRepository) SetPermissions(ctx context.Context, id string, perms Permissions) error {
	encoded, err := encodePermissions(perms)
	if err != nil {
		return err
	}
	return r.exec(ctx, `UPDATE profiles SET permissions = ?, updated_at = ? WHERE id = ?`,
		encoded, database.FormatTime(r.now()), id)
}

// SetRole changes the profile's role.
func (r *SQLiteProfileRepository) SetRole(ctx context.Context, id string, role Role) error {
	if !IsValidRole(role) {
		return ErrInvalidRole
	}
	return r.exec(ctx, `UPDATE profiles SET role = ?, updated_at = ? WHERE id = ?`,
		string(role), database.FormatTime(r.now()), id)
}

// SaveSession replaces the stored session.
func (r *SQLiteProfileRepository) SaveSession(ctx context.Context, rec SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	return retry.Do(ctx, r.policy, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO client_sessions (id, user_id, token, expires_at, created_at)
			VALUES (1, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				user_id = excluded.user_id, token = excluded.token,
				expires_at = excluded.expires_at, created_at = excluded.created_at`,
			rec.UserID, rec.Token, database.FormatTime(rec.ExpiresAt), database.FormatTime(rec.CreatedAt))
		if err != nil {
			return fmt.Errorf("saving session: %w", err)
		}
		return nil
	})
}

// LoadSession returns ErrNoSession when nobody is signed in.
func (r *SQLiteProfileRepository) LoadSession(ctx context.Context) (*SessionRecord, error) {
	return retry.Value(ctx, r.policy, func(ctx context.Context) (*SessionRecord, error) {
		var rec SessionRecord
		var expires, created string
		err := r.db.QueryRowContext(ctx,
			`SELECT user_id, token, expires_at, created_at FROM client_sessions WHERE id = 1`,
		).Scan(&rec.UserID, &rec.Token, &expires, &created)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSession
		}
		if err != nil {
			return nil, fmt.Errorf("loading session: %w", err)
		}
		if rec.ExpiresAt, err = database.ParseTime(expires); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = database.ParseTime(created); err != nil {
			return nil, err
		}
		return &rec, nil
	})
}

// ClearSession removes the stored session, if any.
func (r *SQLiteProfileRepository) ClearSession(ctx context.Context) error {
	return retry.Do(ctx, r.policy, func(ctx context.Context) error {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM client_sessions`); err != nil {
			return fmt.Errorf("clearing session: %w", err)
		}
		return nil
	})
}

func (r *SQLiteProfileRepository) get(ctx context.Context, query string, arg any) (*Profile, error) {
	return retry.Value(ctx, r.policy, func(ctx context.Context) (*Profile, error) {
		p, err := scanProfile(r.db.QueryRowContext(ctx, query, arg))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("querying profile: %w", err)
		}
		return p, nil
	})
}

// exec runs a single-profile UPDATE.
func (r *SQLiteProfileRepository) exec(ctx context.Context, query string, args ...any) error {
	return retry.Do(ctx, r.policy, func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("updating profile: %w", err)
		}
		n, _ := res.RowsAffected() //nolint:errcheck // Always succeeds on SQLite
		if n == 0 {
			return ErrProfileNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var role string
	var verified int
	var perms sql.NullString
	var created, updated string

	if err := row.Scan(&p.ID, &p.Email, &p.PasswordHash, &role, &verified, &perms, &created, &updated); err != nil {
		return nil, err
	}
	p.Role = Role(role)
	p.EmailVerified = verified != 0
	if perms.Valid {
		if err := json.Unmarshal([]byte(perms.String), &p.Permissions); err != nil {
			return nil, fmt.Errorf("decoding permissions: %w", err)
		}
		if p.Permissions == nil {
			p.Permissions = Permissions{}
		}
	}

	var err error
	if p.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

func encodePermissions(p Permissions) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding permissions: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
