package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nerrad567/feeder-core/internal/apperr"
)

func TestLocalProvider_SignIn(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()
	created := mustCreate(t, p, "owner@example.com", RoleUser)

	var seen []*Session
	p.OnSessionChange(func(s *Session) { seen = append(seen, s) })

	s, err := p.SignInWithPassword(ctx, "OWNER@example.com", "password123")
	if err != nil {
		t.Fatalf("SignInWithPassword() error = %v", err)
	}
	if s.Principal.ID != created.ID || s.Token == "" {
		t.Errorf("session = %+v", s)
	}
	if len(seen) != 1 || seen[0].Principal.ID != created.ID {
		t.Errorf("listener saw %v", seen)
	}
}

func TestLocalProvider_SignInFailures(t *testing.T) {
	p, _ := setupProvider(t)
	mustCreate(t, p, "owner@example.com", RoleUser)

	tests := []struct {
		name, email, password string
	}{
		{"wrong password", "owner@example.com", "wrong-password"},
		{"unknown email", "nobody@example.com", "password123"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.SignInWithPassword(context.Background(), tt.email, tt.password)
			if !errors.Is(err, ErrInvalidCredentials) || !errors.Is(err, apperr.ErrAuth) {
				t.Errorf("error = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestLocalProvider_GetSessionRestores(t *testing.T) {
	p, repo := setupProvider(t)
	ctx := context.Background()
	u := mustCreate(t, p, "owner@example.com", RoleUser)

	if s, err := p.GetSession(ctx); s != nil || err != nil {
		t.Fatalf("GetSession() before sign-in = %v, %v", s, err)
	}

	if _, err := p.SignInWithPassword(ctx, "owner@example.com", "password123"); err != nil {
		t.Fatalf("SignInWithPassword() error = %v", err)
	}

	// A second provider over the same store stands in for a restart.
	restarted, err := NewLocalProvider(repo, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewLocalProvider() error = %v", err)
	}
	s, err := restarted.GetSession(ctx)
	if err != nil || s == nil || s.Principal.ID != u.ID {
		t.Fatalf("GetSession() after restart = %+v, %v", s, err)
	}
}

func TestLocalProvider_ExpiredSessionCleared(t *testing.T) {
	p, repo := setupProvider(t)
	ctx := context.Background()
	mustCreate(t, p, "owner@example.com", RoleUser)

	p.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	if _, err := p.SignInWithPassword(ctx, "owner@example.com", "password123"); err != nil {
		t.Fatalf("SignInWithPassword() error = %v", err)
	}
	p.now = time.Now

	if _, err := p.GetSession(ctx); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("GetSession() error = %v, want ErrSessionExpired", err)
	}
	if _, err := repo.LoadSession(ctx); !errors.Is(err, ErrNoSession) {
		t.Error("expired session was not cleared")
	}
}

func TestLocalProvider_SignOut(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()
	mustCreate(t, p, "owner@example.com", RoleUser)
	if _, err := p.SignInWithPassword(ctx, "owner@example.com", "password123"); err != nil {
		t.Fatalf("SignInWithPassword() error = %v", err)
	}

	var last *Session
	calls := 0
	p.OnSessionChange(func(s *Session) { calls++; last = s })

	if err := p.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if calls != 1 || last != nil {
		t.Errorf("listener calls=%d last=%v, want one nil", calls, last)
	}
	if s, err := p.GetSession(ctx); s != nil || err != nil {
		t.Errorf("GetSession() after sign-out = %v, %v", s, err)
	}
}

func TestLocalProvider_MarkEmailVerifiedRefreshesSession(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()
	admin := mustCreate(t, p, "admin@example.com", RoleAdmin)
	if _, err := p.SignInWithPassword(ctx, "admin@example.com", "password123"); err != nil {
		t.Fatalf("SignInWithPassword() error = %v", err)
	}

	var seen []*Session
	p.OnSessionChange(func(s *Session) { seen = append(seen, s) })

	if err := p.MarkEmailVerified(ctx, admin.ID); err != nil {
		t.Fatalf("MarkEmailVerified() error = %v", err)
	}
	if err := p.MarkEmailVerified(ctx, admin.ID); err != nil {
		t.Fatalf("second MarkEmailVerified() error = %v", err)
	}

	if len(seen) != 1 || !seen[0].Principal.EmailVerified {
		t.Fatalf("listener saw %d sessions, want one verified", len(seen))
	}
	if AdminStateOf(&seen[0].Principal) != AdminStateVerified {
		t.Error("admin not verified after MarkEmailVerified")
	}

	s, err := p.GetSession(ctx)
	if err != nil || !s.Principal.EmailVerified {
		t.Errorf("stored session not refreshed: %+v, %v", s, err)
	}
}

func TestLocalProvider_SetPermissionsOtherUserDoesNotNotify(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()
	mustCreate(t, p, "me@example.com", RoleUser)
	other := mustCreate(t, p, "other@example.com", RoleUser)
	if _, err := p.SignInWithPassword(ctx, "me@example.com", "password123"); err != nil {
		t.Fatalf("SignInWithPassword() error = %v", err)
	}

	calls := 0
	p.OnSessionChange(func(*Session) { calls++ })

	if err := p.SetPermissions(ctx, other.ID, Permissions{CanFeed: false}); err != nil {
		t.Fatalf("SetPermissions() error = %v", err)
	}
	if calls != 0 {
		t.Errorf("listener called %d times for another user's change", calls)
	}
}

func TestLocalProvider_CreateProfileValidation(t *testing.T) {
	p, _ := setupProvider(t)
	ctx := context.Background()

	if _, err := p.CreateProfile(ctx, "not-an-email", "password123", RoleUser); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("bad email error = %v", err)
	}
	if _, err := p.CreateProfile(ctx, "a@example.com", "short", RoleUser); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("short password error = %v", err)
	}
	if _, err := p.CreateProfile(ctx, "a@example.com", "password123", "owner"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("bad role error = %v", err)
	}
}

func TestSeedAdmin(t *testing.T) {
	p, repo := setupProvider(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	password, err := SeedAdmin(ctx, repo, p, "admin@example.com", logger)
	if err != nil || password == "" {
		t.Fatalf("SeedAdmin() = %q, %v", password, err)
	}

	s, err := p.SignInWithPassword(ctx, "admin@example.com", password)
	if err != nil {
		t.Fatalf("sign in with seeded password: %v", err)
	}
	if AdminStateOf(&s.Principal) != AdminStateUnverified {
		t.Errorf("seeded admin state = %s, want unverified", AdminStateOf(&s.Principal))
	}

	again, err := SeedAdmin(ctx, repo, p, "admin2@example.com", logger)
	if err != nil || again != "" {
		t.Errorf("second SeedAdmin() = %q, %v, want skipped", again, err)
	}
}
