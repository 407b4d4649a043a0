// Package sessions implements the authentication state machine: credential
// login, refresh-token rotation with reuse detection, and logout.
//
// A session chain is the lineage of refresh tokens starting at login. At
// most one identifier in a chain is live at any time; rotation atomically
// retires the presented identifier before a successor is issued, so
// concurrent refreshes of the same token produce exactly one winner.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/blueprintkit/backend/internal/password"
	"github.com/blueprintkit/backend/internal/revocation"
	"github.com/blueprintkit/backend/internal/token"
	"github.com/blueprintkit/backend/internal/user"
)

var (
	// ErrInvalidCredentials covers unknown user, wrong password, and
	// deactivated accounts. The message is deliberately identical for all
	// three so responses cannot be used for account enumeration.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrAccountLocked is returned when the user store reports a lock.
	ErrAccountLocked = errors.New("account locked")
	// ErrReuseDetected is returned when a revoked refresh-token identifier
	// is presented. Treated as a security incident: the whole chain is
	// revoked and the client must log in again.
	ErrReuseDetected = errors.New("refresh token reuse detected")
	// ErrUnknownSubject is returned when a rotated token's subject no
	// longer resolves to a usable account.
	ErrUnknownSubject = errors.New("unknown subject")
	// ErrConflict is returned by Register on a duplicate email.
	ErrConflict = errors.New("email already registered")
)

// Identity is the resolved principal behind a verified access token.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// HasRole reports whether the identity carries the given role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	Access  string
	Refresh string
}

// Config holds session lifetimes. Instances are immutable after
// construction.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Manager orchestrates the session lifecycle over the token codec, the
// revocation store, and the external user store. All methods are safe for
// concurrent use; the only cross-request coordination happens inside the
// revocation store's atomic mark.
type Manager struct {
	codec      *token.Codec
	revoked    *revocation.Store
	users      user.Store
	hasher     *password.Hasher
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewManager wires a [Manager] from its collaborators.
func NewManager(codec *token.Codec, revoked *revocation.Store, users user.Store, hasher *password.Hasher, cfg Config) (*Manager, error) {
	if codec == nil || revoked == nil || users == nil || hasher == nil {
		return nil, errors.New("nil manager dependency")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.RefreshTTL < cfg.AccessTTL {
		return nil, errors.New("refresh TTL shorter than access TTL")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		codec:      codec,
		revoked:    revoked,
		users:      users,
		hasher:     hasher,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        cfg.Now,
	}, nil
}

// Login verifies credentials against the user store and mints a fresh
// access/refresh pair. Unknown users, wrong passwords, and deactivated
// accounts all fail with the same [ErrInvalidCredentials].
func (m *Manager) Login(ctx context.Context, email, pass string) (*TokenPair, error) {
	if email == "" || pass == "" {
		return nil, ErrInvalidCredentials
	}

	u, err := m.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if u.Locked {
		return nil, ErrAccountLocked
	}
	if !u.Active || !m.hasher.Verify(pass, u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	if err := m.users.TouchLastLogin(ctx, u.ID, m.now()); err != nil {
		// Best effort; login must not fail on bookkeeping.
		_ = err
	}

	return m.issuePair(u)
}

// Refresh rotates a refresh token: the presented identifier is atomically
// retired and a new pair is issued. Presenting an already-retired
// identifier fails with [ErrReuseDetected] and revokes the entire chain.
// Revocation-store errors propagate unchanged (fail-closed).
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := m.codec.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, token.ErrMalformed
	}

	// Chain-wide revocation check: tokens issued at or before the stamp
	// belong to a chain that was force-terminated.
	revokedSince, err := m.revoked.SubjectRevokedSince(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if !revokedSince.IsZero() && claims.IssuedAt != nil && !claims.IssuedAt.Time.After(revokedSince) {
		return nil, ErrReuseDetected
	}

	remaining := m.codec.RemainingValidity(claims)
	won, err := m.revoked.MarkIfNotRevoked(ctx, claims.ID, remaining)
	if err != nil {
		return nil, err
	}
	if !won {
		// Reuse of a retired identifier: either token theft or a client
		// race. Kill the remaining chain and force re-login.
		if revokeErr := m.revoked.RevokeSubject(ctx, claims.Subject, m.refreshTTL); revokeErr != nil {
			return nil, revokeErr
		}
		return nil, ErrReuseDetected
	}

	u, err := m.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, ErrUnknownSubject
		}
		return nil, err
	}
	if u.Locked {
		return nil, ErrAccountLocked
	}
	if !u.Active {
		return nil, ErrUnknownSubject
	}

	return m.issuePair(u)
}

// Logout retires the presented refresh token regardless of remaining
// lifetime. Idempotent: expired, malformed, or already-revoked tokens are
// not errors. Already-issued access tokens stay valid until natural expiry.
func (m *Manager) Logout(ctx context.Context, refreshToken string) error {
	claims, err := m.codec.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		// Nothing live to revoke.
		return nil
	}
	if claims.ID == "" {
		return nil
	}
	return m.revoked.MarkRevoked(ctx, claims.ID, m.codec.RemainingValidity(claims))
}

// Resolve authenticates an access token and returns its identity. Access
// tokens are intentionally not individually revocable: this path never
// touches the revocation store, trading immediacy of logout for latency
// and availability.
func (m *Manager) Resolve(ctx context.Context, accessToken string) (*Identity, error) {
	claims, err := m.codec.Verify(accessToken, token.KindAccess)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Subject: claims.Subject,
		Email:   claims.Email,
		Roles:   claims.Roles,
	}, nil
}

// Register creates a new account with the default role. Duplicate emails
// fail with [ErrConflict].
func (m *Manager) Register(ctx context.Context, email, username, pass string) (*user.User, error) {
	hash, err := m.hasher.Hash(pass)
	if err != nil {
		return nil, err
	}
	u := &user.User{
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Roles:        []string{user.DefaultRole},
		Active:       true,
		CreatedAt:    m.now(),
	}
	created, err := m.users.Create(ctx, u)
	if err != nil {
		if errors.Is(err, user.ErrDuplicate) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return created, nil
}

// ChangePassword verifies the current password, stores a new hash, and
// revokes the subject's refresh chains so stolen refresh tokens die with
// the old password.
func (m *Manager) ChangePassword(ctx context.Context, subject, current, next string) error {
	u, err := m.users.GetByID(ctx, subject)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if !m.hasher.Verify(current, u.PasswordHash) {
		return ErrInvalidCredentials
	}

	hash, err := m.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := m.users.UpdatePasswordHash(ctx, u.ID, hash); err != nil {
		return err
	}
	return m.revoked.RevokeSubject(ctx, u.ID, m.refreshTTL)
}

func (m *Manager) issuePair(u *user.User) (*TokenPair, error) {
	access, err := m.codec.Issue(u.ID, u.Email, u.Roles, m.accessTTL, token.KindAccess)
	if err != nil {
		return nil, err
	}
	refresh, err := m.codec.Issue(u.ID, "", nil, m.refreshTTL, token.KindRefresh)
	if err != nil {
		return nil, err
	}
	return &TokenPair{Access: access, Refresh: refresh}, nil
}
