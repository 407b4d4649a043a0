// Package guard resolves bearer credentials into identities and enforces
// role predicates. Checks are composable functions rather than a
// middleware hierarchy: handlers call Authenticate once and then apply
// whichever role predicates they need.
package guard

import (
	"context"
	"errors"

	"github.com/blueprintkit/backend/internal/sessions"
)

var (
	// ErrUnauthenticated covers every token failure uniformly. Callers
	// never learn whether a credential was expired, tampered, or absent —
	// distinguishing them would hand an oracle to attackers.
	ErrUnauthenticated = errors.New("invalid or expired credentials")
	// ErrForbidden is returned when an authenticated identity lacks a
	// required role.
	ErrForbidden = errors.New("insufficient permissions")
)

// Resolver is the slice of the session manager the guard depends on.
type Resolver interface {
	Resolve(ctx context.Context, accessToken string) (*sessions.Identity, error)
}

// Guard authenticates access tokens and evaluates role requirements.
type Guard struct {
	resolver Resolver
}

// New returns a [Guard] over the given resolver.
func New(resolver Resolver) *Guard {
	return &Guard{resolver: resolver}
}

// Authenticate resolves a bearer token into an [sessions.Identity]. Any
// underlying failure maps to [ErrUnauthenticated].
func (g *Guard) Authenticate(ctx context.Context, accessToken string) (*sessions.Identity, error) {
	if accessToken == "" {
		return nil, ErrUnauthenticated
	}
	id, err := g.resolver.Resolve(ctx, accessToken)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return id, nil
}

// RequireRole fails with [ErrForbidden] unless identity carries role.
func RequireRole(identity *sessions.Identity, role string) error {
	if identity == nil {
		return ErrForbidden
	}
	if !identity.HasRole(role) {
		return ErrForbidden
	}
	return nil
}

// RequireAnyRole fails with [ErrForbidden] unless identity carries at
// least one of roles.
func RequireAnyRole(identity *sessions.Identity, roles ...string) error {
	if identity == nil {
		return ErrForbidden
	}
	for _, r := range roles {
		if identity.HasRole(r) {
			return nil
		}
	}
	return ErrForbidden
}

// RequireAllRoles fails with [ErrForbidden] unless identity carries every
// one of roles.
func RequireAllRoles(identity *sessions.Identity, roles ...string) error {
	if identity == nil {
		return ErrForbidden
	}
	for _, r := range roles {
		if !identity.HasRole(r) {
			return ErrForbidden
		}
	}
	return nil
}
