package auth

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/feeder-core/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
)

func testPolicy() retry.Policy {
	return retry.Policy{Timeout: 2 * time.Second, MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func setupProvider(t *testing.T) (*LocalProvider, *SQLiteProfileRepository) {
	t.Helper()
	repo := NewProfileRepository(dbtest.Open(t).DB, testPolicy())
	p, err := NewLocalProvider(repo, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewLocalProvider() error = %v", err)
	}
	p.SetHashParams(fastParams)
	return p, repo
}

func mustCreate(t *testing.T, p *LocalProvider, email string, role Role) *Principal {
	t.Helper()
	principal, err := p.CreateProfile(context.Background(), email, "password123", role)
	if err != nil {
		t.Fatalf("CreateProfile(%s) error = %v", email, err)
	}
	return principal
}
