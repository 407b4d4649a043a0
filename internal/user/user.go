package user

import (
	"context"
	"errors"
	"time"
)

// DefaultRole is assigned to newly registered users.
const DefaultRole = "user"

var (
	// ErrNotFound is returned when no user matches the lookup key.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicate is returned when a create collides on email.
	ErrDuplicate = errors.New("user already exists")
)

// User is the account record owned by the external user store. The auth
// core only ever consumes it through [Store].
type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	Roles        []string
	Active       bool
	Locked       bool
	CreatedAt    time.Time
	LastLogin    time.Time
}

// Store is the user-lookup collaborator. Implementations live in
// internal/storage; the auth core treats the interface as opaque.
type Store interface {
	Create(ctx context.Context, u *User) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}
