// Package auth derives what the signed-in principal may do and provides the
// local identity provider.
//
// Capability derivation is pure: HasPermission looks only at a principal's
// role, e-mail verification flag and explicit permissions. Admins see every
// view, but the two capabilities with real-world effects (canFeed,
// canSchedule) additionally need a verified address. Users get their
// profile's explicit permissions, or the default set (everything allowed)
// while the profile has none.
//
// LocalProvider implements the identity provider over the profiles table:
//   - Argon2id password hashing
//   - HS256 session tokens carrying role and verification
//   - one persisted client session, restored by GetSession after a restart
//   - change listeners fired on sign-in, sign-out and session refresh
package auth
