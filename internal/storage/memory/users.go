// Package memory provides an in-process user store for tests and the
// database-free development mode.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blueprintkit/backend/internal/user"
)

// Users is a concurrency-safe in-memory implementation of [user.Store].
type Users struct {
	mu      sync.RWMutex
	byID    map[string]*user.User
	byEmail map[string]string
}

// NewUsers returns an empty store.
func NewUsers() *Users {
	return &Users{
		byID:    make(map[string]*user.User),
		byEmail: make(map[string]string),
	}
}

// Create stores u under a fresh ID, enforcing email uniqueness.
func (s *Users) Create(_ context.Context, u *user.User) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := normalizeEmail(u.Email)
	if _, exists := s.byEmail[email]; exists {
		return nil, user.ErrDuplicate
	}

	stored := cloneUser(u)
	stored.ID = uuid.NewString()
	stored.Email = email
	s.byID[stored.ID] = stored
	s.byEmail[email] = stored.ID

	return cloneUser(stored), nil
}

// GetByEmail looks a user up by normalized email.
func (s *Users) GetByEmail(_ context.Context, email string) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, user.ErrNotFound
	}
	return cloneUser(s.byID[id]), nil
}

// GetByID looks a user up by ID.
func (s *Users) GetByID(_ context.Context, id string) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return cloneUser(u), nil
}

// UpdatePasswordHash replaces the stored hash.
func (s *Users) UpdatePasswordHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return user.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

// TouchLastLogin records the login time.
func (s *Users) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return user.ErrNotFound
	}
	u.LastLogin = at
	return nil
}

// SetLocked flips the lock flag; used by tests and admin tooling.
func (s *Users) SetLocked(id string, locked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[id]; ok {
		u.Locked = locked
	}
}

// SetActive flips the active flag; used by tests and admin tooling.
func (s *Users) SetActive(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[id]; ok {
		u.Active = active
	}
}

// Delete removes a user; used by tests and admin tooling.
func (s *Users) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[id]; ok {
		delete(s.byEmail, u.Email)
		delete(s.byID, id)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneUser(u *user.User) *user.User {
	out := *u
	out.Roles = append([]string(nil), u.Roles...)
	return &out
}
