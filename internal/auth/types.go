package auth

import (
	"fmt"
	"time"

	"github.com/nerrad567/feeder-core/internal/apperr"
)

// Role is a principal's authorisation tier.
type Role string

const (
	// RoleUser is a pet owner; capabilities come from the profile's permissions.
	RoleUser Role = "user"

	// RoleAdmin can see every view. Actions with real-world effects also
	// require a verified e-mail address.
	RoleAdmin Role = "admin"
)

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	return r == RoleUser || r == RoleAdmin
}

// Capability names one user-initiated action.
type Capability string

// Capabilities the client gates on.
const (
	CanFeed      Capability = "canFeed"
	CanSchedule  Capability = "canSchedule"
	CanViewStats Capability = "canViewStats"
)

// AllCapabilities returns every Capability.
func AllCapabilities() []Capability {
	return []Capability{CanFeed, CanSchedule, CanViewStats}
}

// Permissions is a profile's explicit capability object. A nil map means the
// profile has none and the default set applies.
type Permissions map[Capability]bool

// Clone returns an independent copy, preserving nil.
func (p Permissions) Clone() Permissions {
	if p == nil {
		return nil
	}
	out := make(Permissions, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Principal is the authenticated identity of the current session.
type Principal struct {
	ID            string      `json:"id"`
	Email         string      `json:"email"`
	EmailVerified bool        `json:"email_verified"`
	Role          Role        `json:"role"`
	Permissions   Permissions `json:"permissions,omitempty"`
}

// Clone returns an independent copy of p.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	cpy := *p
	cpy.Permissions = p.Permissions.Clone()
	return &cpy
}

// SameIdentity reports whether a and b are the same account (both nil counts).
func SameIdentity(a, b *Principal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID
}

// Profile is the stored account behind a Principal.
type Profile struct {
	Principal
	PasswordHash string    `json:"-"` // never serialised
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session is a signed-in principal and its token.
type Session struct {
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	Principal Principal `json:"principal"`
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", apperr.ErrAuth)
	ErrSessionExpired     = fmt.Errorf("%w: session expired", apperr.ErrAuth)
	ErrSessionInvalid     = fmt.Errorf("%w: invalid session", apperr.ErrAuth)
	ErrProfileNotFound    = fmt.Errorf("profile: %w", apperr.ErrNotFound)

	ErrEmailExists  = apperr.Sentinel(apperr.ErrValidation, "An account with that e-mail address already exists.")
	ErrInvalidEmail = apperr.Sentinel(apperr.ErrValidation, "Please enter a valid e-mail address.")
	ErrWeakPassword = apperr.Sentinel(apperr.ErrValidation, "Password must be at least 8 characters.")
	ErrInvalidRole  = apperr.Sentinel(apperr.ErrValidation, "Unknown role.")
)
