package auth

import (
	"fmt"

	"github.com/nerrad567/feeder-core/internal/apperr"
)

// defaultPermissions apply to a user whose profile has no permissions object,
// which is the case until an admin sets one.
var defaultPermissions = Permissions{
	CanFeed:      true,
	CanSchedule:  true,
	CanViewStats: true,
}

// sideEffecting are the capabilities that make the feeder do something.
// Admins need a verified e-mail address for these.
var sideEffecting = map[Capability]struct{}{
	CanFeed:     {},
	CanSchedule: {},
}

// HasPermission derives one capability for p. It only looks at p's role,
// verification flag and permissions.
//
//   - no principal: false
//   - admin: side-effecting capabilities need EmailVerified, all others true
//   - user: the profile's explicit value, or the default set when the
//     profile has no permissions object; a capability missing from an
//     explicit object is false
func HasPermission(p *Principal, c Capability) bool {
	if p == nil {
		return false
	}
	switch p.Role {
	case RoleAdmin:
		if _, ok := sideEffecting[c]; ok {
			return p.EmailVerified
		}
		return true
	case RoleUser:
		if p.Permissions == nil {
			return defaultPermissions[c]
		}
		return p.Permissions[c]
	default:
		return false
	}
}

// Capabilities is the derived capability set exposed to the UI. It is never
// stored.
type Capabilities struct {
	CanFeed      bool `json:"canFeed"`
	CanSchedule  bool `json:"canSchedule"`
	CanViewStats bool `json:"canViewStats"`
}

// Has returns the flag for c.
func (cs Capabilities) Has(c Capability) bool {
	switch c {
	case CanFeed:
		return cs.CanFeed
	case CanSchedule:
		return cs.CanSchedule
	case CanViewStats:
		return cs.CanViewStats
	default:
		return false
	}
}

// CapabilitiesFor derives every capability for p.
func CapabilitiesFor(p *Principal) Capabilities {
	return Capabilities{
		CanFeed:      HasPermission(p, CanFeed),
		CanSchedule:  HasPermission(p, CanSchedule),
		CanViewStats: HasPermission(p, CanViewStats),
	}
}

// IsAdmin gates whole admin views.
func IsAdmin(p *Principal) bool {
	return p != nil && p.Role == RoleAdmin
}

// IsVerifiedAdmin gates mutating controls inside admin views.
func IsVerifiedAdmin(p *Principal) bool {
	return IsAdmin(p) && p.EmailVerified
}

// AdminState is a principal's position in admin verification.
type AdminState string

// AdminState values. Promotion to unverified-admin happens outside the
// client; verification happens when EmailVerified turns true. Nothing moves
// backwards.
const (
	AdminStateRegular    AdminState = "regular-user"
	AdminStateUnverified AdminState = "unverified-admin"
	AdminStateVerified   AdminState = "verified-admin"
)

// AdminStateOf returns p's admin verification state. No principal is regular.
func AdminStateOf(p *Principal) AdminState {
	switch {
	case IsVerifiedAdmin(p):
		return AdminStateVerified
	case IsAdmin(p):
		return AdminStateUnverified
	default:
		return AdminStateRegular
	}
}

// PrincipalSource supplies the current principal. session.Store implements it.
type PrincipalSource interface {
	CurrentPrincipal() *Principal
}

// Evaluator answers capability questions about whoever is signed in now.
type Evaluator struct {
	source PrincipalSource
}

// NewEvaluator creates an Evaluator over source.
func NewEvaluator(source PrincipalSource) *Evaluator {
	return &Evaluator{source: source}
}

// HasPermission reports whether the current principal holds c.
func (e *Evaluator) HasPermission(c Capability) bool {
	return HasPermission(e.source.CurrentPrincipal(), c)
}

// Capabilities derives the current principal's capability set.
func (e *Evaluator) Capabilities() Capabilities {
	return CapabilitiesFor(e.source.CurrentPrincipal())
}

// IsAdmin reports whether the current principal is an admin.
func (e *Evaluator) IsAdmin() bool {
	return IsAdmin(e.source.CurrentPrincipal())
}

// IsVerifiedAdmin reports whether the current principal is a verified admin.
func (e *Evaluator) IsVerifiedAdmin() bool {
	return IsVerifiedAdmin(e.source.CurrentPrincipal())
}

// Require returns an error wrapping apperr.ErrPermissionDenied unless the
// current principal holds c.
func (e *Evaluator) Require(c Capability) error {
	if e.HasPermission(c) {
		return nil
	}
	return fmt.Errorf("%w: %s", apperr.ErrPermissionDenied, c)
}
