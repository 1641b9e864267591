package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// seedPasswordBytes is the number of random bytes in a seeded admin password.
const seedPasswordBytes = 16

// SeedAdmin creates an admin profile for email with a generated password
// when the store has no profiles. The admin starts unverified: every view is
// visible, but feeding and scheduling stay disabled until MarkEmailVerified.
// Returns the generated password, or "" if seeding was skipped.
func SeedAdmin(ctx context.Context, repo ProfileRepository, provider *LocalProvider, email string, logger *slog.Logger) (string, error) {
	if email == "" {
		return "", nil
	}

	count, err := repo.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking profile count: %w", err)
	}
	if count > 0 {
		logger.Info("profiles exist, skipping admin seed")
		return "", nil
	}

	buf := make([]byte, seedPasswordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating seed password: %w", err)
	}
	password := hex.EncodeToString(buf)

	principal, err := provider.CreateProfile(ctx, email, password, RoleAdmin)
	if err != nil {
		return "", fmt.Errorf("creating seed admin: %w", err)
	}

	logger.Warn("seed admin profile created",
		"email", principal.Email,
		"password", password,
		"action_required", "change this password and verify the address",
	)
	return password, nil
}
