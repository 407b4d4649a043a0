// Package password wraps bcrypt hashing behind a small, concurrency-safe
// hasher with a configurable cost factor.
package password

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinLength is the minimum accepted password length.
	MinLength = 8
	// MinCost and MaxCost bound the configurable bcrypt work factor.
	MinCost = 10
	MaxCost = 20
)

// ErrTooShort is returned by Hash for passwords under [MinLength] bytes.
var ErrTooShort = errors.New("password too short")

// Hasher hashes and verifies passwords at a fixed cost.
type Hasher struct {
	cost int
}

// NewHasher validates cost and returns a [Hasher].
func NewHasher(cost int) (*Hasher, error) {
	if cost < MinCost || cost > MaxCost {
		return nil, errors.New("bcrypt cost out of range")
	}
	return &Hasher{cost: cost}, nil
}

// Hash returns the bcrypt hash of password.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) < MinLength {
		return "", ErrTooShort
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Verify reports whether password matches hash. Comparison cost is
// dominated by bcrypt itself, which is constant for a given hash.
func (h *Hasher) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
