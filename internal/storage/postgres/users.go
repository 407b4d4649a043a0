// Package postgres implements the user store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blueprintkit/backend/internal/user"
)

const uniqueViolation = "23505"

// Users is the PostgreSQL implementation of [user.Store].
type Users struct {
	pool *pgxpool.Pool
}

// NewUsers returns a repository over pool.
func NewUsers(pool *pgxpool.Pool) *Users {
	return &Users{pool: pool}
}

// Create inserts a new user row. Email collisions map to
// [user.ErrDuplicate].
func (r *Users) Create(ctx context.Context, u *user.User) (*user.User, error) {
	stored := *u
	stored.ID = uuid.NewString()
	stored.Email = strings.ToLower(strings.TrimSpace(u.Email))

	query := `
		INSERT INTO users (id, email, username, password_hash, roles, active, locked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		stored.ID, stored.Email, stored.Username, stored.PasswordHash,
		stored.Roles, stored.Active, stored.Locked, stored.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, user.ErrDuplicate
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return &stored, nil
}

// GetByEmail fetches a user by normalized email.
func (r *Users) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	query := `
		SELECT id, email, username, password_hash, roles, active, locked, created_at, COALESCE(last_login, 'epoch'::timestamptz)
		FROM users
		WHERE email = $1`

	return r.scanOne(r.pool.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email))))
}

// GetByID fetches a user by primary key.
func (r *Users) GetByID(ctx context.Context, id string) (*user.User, error) {
	query := `
		SELECT id, email, username, password_hash, roles, active, locked, created_at, COALESCE(last_login, 'epoch'::timestamptz)
		FROM users
		WHERE id = $1`

	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// UpdatePasswordHash replaces the stored hash for id.
func (r *Users) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return user.ErrNotFound
	}
	return nil
}

// TouchLastLogin records the login time for id.
func (r *Users) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Users) scanOne(row pgx.Row) (*user.User, error) {
	u := &user.User{}
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Roles, &u.Active, &u.Locked, &u.CreatedAt, &u.LastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, user.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}
