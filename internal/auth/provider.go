package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Provider is the identity provider the session store consumes.
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	// GetSession returns nil, nil when nobody is signed in.
	GetSession(ctx context.Context) (*Session, error)
	// OnSessionChange registers fn for every sign-in, sign-out and session
	// refresh; fn receives nil on sign-out.
	OnSessionChange(fn func(*Session)) func()
	SignOut(ctx context.Context) error
}

// Logger defines the logging interface used by LocalProvider.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// LocalProvider is a Provider over the local profile store. Sessions are
// HS256 tokens persisted in the store so a restart keeps the user signed in.
//
// All public methods are thread-safe.
type LocalProvider struct {
	repo       ProfileRepository
	secret     string
	ttl        time.Duration
	hashParams HashParams
	now        func() time.Time
	logger     Logger

	mu        sync.Mutex
	listeners map[uint64]func(*Session)
	nextID    uint64
}

// NewLocalProvider creates a provider signing sessions with secret.
func NewLocalProvider(repo ProfileRepository, secret string, ttl time.Duration) (*LocalProvider, error) {
	if secret == "" {
		return nil, errors.New("auth: session secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: session TTL must be positive")
	}
	return &LocalProvider{
		repo:       repo,
		secret:     secret,
		ttl:        ttl,
		hashParams: DefaultHashParams,
		now:        time.Now,
		logger:     noopLogger{},
		listeners:  make(map[uint64]func(*Session)),
	}, nil
}

// SetLogger sets the logger for the provider.
func (p *LocalProvider) SetLogger(logger Logger) {
	p.logger = logger
}

// SetHashParams overrides the Argon2id cost for new passwords.
func (p *LocalProvider) SetHashParams(params HashParams) {
	p.hashParams = params
}

// SignInWithPassword checks the credentials and starts a session. Unknown
// addresses and wrong passwords are both ErrInvalidCredentials.
func (p *LocalProvider) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	profile, err := p.repo.GetByEmail(ctx, email)
	if errors.Is(err, ErrProfileNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	ok, err := VerifyPassword(password, profile.PasswordHash)
	if err != nil {
		p.logger.Warn("stored password hash unreadable", "user_id", profile.ID, "error", err)
		return nil, ErrInvalidCredentials
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	session, err := p.startSession(ctx, profile.Principal)
	if err != nil {
		return nil, err
	}
	p.logger.Info("signed in", "user_id", profile.ID)
	p.notify(session)
	return session, nil
}

// GetSession restores the stored session. Permissions and verification are
// re-read from the profile. An expired or unusable stored session is cleared
// and reported as an auth error.
func (p *LocalProvider) GetSession(ctx context.Context) (*Session, error) {
	rec, err := p.repo.LoadSession(ctx)
	if errors.Is(err, ErrNoSession) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	claims, err := ParseSessionToken(rec.Token, p.secret)
	if err == nil && claims.Subject != rec.UserID {
		err = fmt.Errorf("%w: subject mismatch", ErrSessionInvalid)
	}

	var profile *Profile
	if err == nil {
		profile, err = p.repo.GetByID(ctx, rec.UserID)
		if errors.Is(err, ErrProfileNotFound) {
			err = fmt.Errorf("%w: profile removed", ErrSessionInvalid)
		}
	}
	if err != nil {
		if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrSessionInvalid) {
			if clearErr := p.repo.ClearSession(ctx); clearErr != nil {
				p.logger.Warn("clearing unusable session failed", "error", clearErr)
			}
		}
		return nil, err
	}

	return &Session{
		Token:     rec.Token,
		ExpiresAt: rec.ExpiresAt,
		Principal: *profile.Principal.Clone(),
	}, nil
}

// OnSessionChange registers fn. Listeners run in registration order.
func (p *LocalProvider) OnSessionChange(fn func(*Session)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

// SignOut clears the stored session and notifies listeners with nil.
func (p *LocalProvider) SignOut(ctx context.Context) error {
	if err := p.repo.ClearSession(ctx); err != nil {
		return err
	}
	p.notify(nil)
	return nil
}

// CreateProfile registers an account. Permissions start unset, so users get
// the default capability set.
func (p *LocalProvider) CreateProfile(ctx context.Context, email, password string, role Role) (*Principal, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || addr.Name != "" {
		return nil, ErrInvalidEmail
	}
	if err := CheckPasswordPolicy(password); err != nil {
		return nil, err
	}
	if !IsValidRole(role) {
		return nil, ErrInvalidRole
	}

	hash, err := HashPasswordWith(password, p.hashParams)
	if err != nil {
		return nil, err
	}
	profile := &Profile{
		Principal: Principal{
			ID:    uuid.NewString(),
			Email: addr.Address,
			Role:  role,
		},
		PasswordHash: hash,
	}
	if err := p.repo.Create(ctx, profile); err != nil {
		return nil, err
	}
	p.logger.Info("profile created", "user_id", profile.ID, "role", role)
	return profile.Principal.Clone(), nil
}

// MarkEmailVerified records that userID verified their address. If userID is
// signed in, the session is reissued and listeners see the new principal.
func (p *LocalProvider) MarkEmailVerified(ctx context.Context, userID string) error {
	changed, err := p.repo.SetEmailVerified(ctx, userID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return p.refreshIfCurrent(ctx, userID)
}

// SetPermissions replaces userID's explicit permissions. Nil restores the defaults.
func (p *LocalProvider) SetPermissions(ctx context.Context, userID string, perms Permissions) error {
	if err := p.repo.SetPermissions(ctx, userID, perms.Clone()); err != nil {
		return err
	}
	return p.refreshIfCurrent(ctx, userID)
}

// SetRole changes userID's role.
func (p *LocalProvider) SetRole(ctx context.Context, userID string, role Role) error {
	if err := p.repo.SetRole(ctx, userID, role); err != nil {
		return err
	}
	return p.refreshIfCurrent(ctx, userID)
}

// refreshIfCurrent reissues the stored session when it belongs to userID.
func (p *LocalProvider) refreshIfCurrent(ctx context.Context, userID string) error {
	rec, err := p.repo.LoadSession(ctx)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.UserID != userID {
		return nil
	}

	profile, err := p.repo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	session, err := p.startSession(ctx, profile.Principal)
	if err != nil {
		return err
	}
	p.notify(session)
	return nil
}

func (p *LocalProvider) startSession(ctx context.Context, principal Principal) (*Session, error) {
	now := p.now()
	token, expires, err := IssueSessionToken(principal, p.secret, p.ttl, now)
	if err != nil {
		return nil, err
	}
	rec := SessionRecord{UserID: principal.ID, Token: token, ExpiresAt: expires, CreatedAt: now}
	if err := p.repo.SaveSession(ctx, rec); err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: expires, Principal: *principal.Clone()}, nil
}

func (p *LocalProvider) notify(s *Session) {
	p.mu.Lock()
	ids := make([]uint64, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(*Session), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.listeners[id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		var cpy *Session
		if s != nil {
			c := *s
			c.Principal = *s.Principal.Clone()
			cpy = &c
		}
		fn(cpy)
	}
}
