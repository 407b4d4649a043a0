package revocation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps any backend failure. Refresh callers treat it
// as fail-closed: a token whose revocation state cannot be confirmed is
// rejected.
var ErrStoreUnavailable = errors.New("revocation store unavailable")

// Store is a Redis-backed exclusion list of refresh-token identifiers.
// Entries carry a TTL equal to the token's remaining validity, so the set
// never outlives the tokens it excludes. Absence means "not revoked"; the
// store is never the source of truth for validity — expiry is checked by
// the token codec.
//
// The store is shared across all server processes. An in-process map here
// would silently break multi-worker deployments.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore returns a [Store] namespaced under prefix.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "auth"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) tokenKey(jti string) string {
	return s.prefix + ":revoked:" + jti
}

func (s *Store) subjectKey(subject string) string {
	return s.prefix + ":revoked_user:" + subject
}

// MarkRevoked records jti as revoked for ttl. Idempotent: re-marking an
// already revoked identifier refreshes nothing and is not an error.
func (s *Store) MarkRevoked(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		// Token already expired; nothing to exclude.
		return nil
	}
	if err := s.redis.SetNX(ctx, s.tokenKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// MarkIfNotRevoked atomically records jti as revoked and reports whether
// this call was the one that revoked it. Concurrent callers for the same
// identifier are serialized by Redis: exactly one observes true, all others
// false. This is the mutual-exclusion point for refresh rotation.
func (s *Store) MarkIfNotRevoked(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	won, err := s.redis.SetNX(ctx, s.tokenKey(jti), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return won, nil
}

// IsRevoked reports whether jti is on the exclusion list. A missing key
// means not revoked.
func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.tokenKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

// RevokeSubject stamps every outstanding refresh token of subject as
// revoked by recording the revocation time. Tokens issued at or before the
// stamp are rejected on refresh. ttl should cover the longest possible
// remaining refresh lifetime.
func (s *Store) RevokeSubject(ctx context.Context, subject string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	if err := s.redis.Set(ctx, s.subjectKey(subject), stamp, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SubjectRevokedSince returns the chain-revocation time for subject, or the
// zero time when no chain revocation is in effect.
func (s *Store) SubjectRevokedSince(ctx context.Context, subject string) (time.Time, error) {
	val, err := s.redis.Get(ctx, s.subjectKey(subject)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: corrupt revocation stamp", ErrStoreUnavailable)
	}
	return time.Unix(unix, 0), nil
}

// Ping is a point-in-time backend availability check.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
