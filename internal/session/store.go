// Package session owns the signed-in principal's lifecycle.
//
// A Store wraps an auth.Provider. On Start it attaches the provider's change
// listener and then reads any existing session; both paths go through one
// transition function. A push that lands while the initial read is still in
// flight wins, so observers never see a stale read undo a newer sign-in or
// sign-out.
//
// Observers are told about identity changes separately from refreshes of the
// same identity: switching accounts must rebuild every subscription, while a
// verification flip only changes capabilities.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nerrad567/feeder-core/internal/apperr"
	"github.com/nerrad567/feeder-core/internal/auth"
)

// Change describes one principal transition.
type Change struct {
	Previous *auth.Principal
	Current  *auth.Principal

	// IdentityChanged is true when the account itself changed, including
	// sign-in and sign-out.
	IdentityChanged bool
}

// Logger defines the logging interface used by the Store.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Store holds the current principal.
//
// All public methods are thread-safe.
type Store struct {
	provider auth.Provider
	logger   Logger

	mu        sync.Mutex
	principal *auth.Principal
	// seq counts transitions; the initial read only applies if nothing
	// arrived since it started.
	seq     uint64
	lastErr error
	detach  func()

	observers map[uint64]func(Change)
	nextID    uint64
}

// NewStore creates a Store over provider. Call Start to begin tracking.
func NewStore(provider auth.Provider) *Store {
	return &Store{
		provider:  provider,
		logger:    noopLogger{},
		observers: make(map[uint64]func(Change)),
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// Start attaches the provider listener and performs the one initial session
// read. An unusable stored session leaves the store signed out; the error is
// returned and kept in Err.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.detach != nil {
		s.mu.Unlock()
		return nil
	}
	startSeq := s.seq
	s.mu.Unlock()

	detach := s.provider.OnSessionChange(func(sess *auth.Session) {
		s.transition(principalOf(sess), nil, 0, false)
	})
	s.mu.Lock()
	s.detach = detach
	s.mu.Unlock()

	sess, err := s.provider.GetSession(ctx)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindAuth {
			s.logger.Warn("stored session rejected", "error", err)
		}
		s.transition(nil, err, startSeq, true)
		return err
	}
	s.transition(principalOf(sess), nil, startSeq, true)
	return nil
}

// Close detaches from the provider.
func (s *Store) Close() {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()
	if detach != nil {
		detach()
	}
}

// CurrentPrincipal returns a copy of the principal, or nil when signed out.
func (s *Store) CurrentPrincipal() *auth.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal.Clone()
}

// Err returns the last session error, cleared by the next successful transition.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// OnChange registers fn for every principal change and returns a function
// removing it. Observers run in registration order.
func (s *Store) OnChange(fn func(Change)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// Login signs in. The principal is set before Login returns, whether or not
// the provider's push has arrived yet.
func (s *Store) Login(ctx context.Context, email, password string) (*auth.Principal, error) {
	sess, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	p := principalOf(sess)
	s.transition(p, nil, 0, false)
	return p.Clone(), nil
}

// Logout signs out. The local principal is cleared even if the provider
// call fails, so the UI never stays signed in against a dead session.
func (s *Store) Logout(ctx context.Context) error {
	err := s.provider.SignOut(ctx)
	s.transition(nil, nil, 0, false)
	if err != nil {
		s.logger.Warn("sign-out did not reach the provider", "error", err)
	}
	return err
}

// transition applies next. When initial is set it only applies if no other
// transition happened after seq was sampled.
func (s *Store) transition(next *auth.Principal, err error, seq uint64, initial bool) {
	s.mu.Lock()
	if initial && s.seq != seq {
		s.mu.Unlock()
		return
	}
	s.seq++
	s.lastErr = err

	prev := s.principal
	if samePrincipal(prev, next) {
		s.mu.Unlock()
		return
	}
	s.principal = next.Clone()

	change := Change{
		Previous:        prev.Clone(),
		Current:         next.Clone(),
		IdentityChanged: !auth.SameIdentity(prev, next),
	}
	fns := s.observersLocked()
	s.mu.Unlock()

	if change.IdentityChanged {
		s.logger.Info("principal changed", "user_id", idOf(next))
	}
	for _, fn := range fns {
		fn(change)
	}
}

func (s *Store) observersLocked() []func(Change) {
	ids := make([]uint64, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	return fns
}

func principalOf(sess *auth.Session) *auth.Principal {
	if sess == nil {
		return nil
	}
	return sess.Principal.Clone()
}

// samePrincipal compares every field observers can act on.
func samePrincipal(a, b *auth.Principal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.ID != b.ID || a.Email != b.Email || a.Role != b.Role || a.EmailVerified != b.EmailVerified {
		return false
	}
	if (a.Permissions == nil) != (b.Permissions == nil) || len(a.Permissions) != len(b.Permissions) {
		return false
	}
	for k, v := range a.Permissions {
		if bv, ok := b.Permissions[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func idOf(p *auth.Principal) string {
	if p == nil {
		return ""
	}
	return p.ID
}

// IsAuthError reports whether err should force the user back to sign-in.
func IsAuthError(err error) bool {
	return errors.Is(err, apperr.ErrAuth)
}
