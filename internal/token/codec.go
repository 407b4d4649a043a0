package token

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind discriminates access tokens from refresh tokens. A token minted as
// one kind never verifies as the other.
type Kind string

const (
	// KindAccess marks short-lived tokens presented on API calls.
	KindAccess Kind = "access"
	// KindRefresh marks long-lived tokens used only to mint new pairs.
	KindRefresh Kind = "refresh"
)

// Config holds the signing material and validation tuning for a [Codec].
// Instances are treated as immutable after construction.
type Config struct {
	// Secret is the HS256 signing key. Must be at least MinSecretLength bytes.
	Secret []byte
	// Issuer is embedded as iss and enforced on verify when non-empty.
	Issuer string
	// Leeway is the clock-skew tolerance applied to exp/iat checks.
	// Defaults to DefaultLeeway; capped at 2 minutes.
	Leeway time.Duration
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

const (
	// MinSecretLength is the minimum accepted HS256 key size.
	MinSecretLength = 32
	// DefaultLeeway absorbs small clock skew between issuing and
	// verifying processes.
	DefaultLeeway = 5 * time.Second
)

// Claims is the validated payload carried by both token kinds.
type Claims struct {
	Kind  Kind     `json:"typ"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

var (
	// ErrMalformed reports a token that cannot be parsed at all.
	ErrMalformed = errors.New("token malformed")
	// ErrSignatureInvalid reports a signature that does not match the key.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrExpired reports a token past its expiry (beyond leeway).
	ErrExpired = errors.New("token expired")
	// ErrTypeMismatch reports a token whose kind differs from the expected one.
	ErrTypeMismatch = errors.New("token type mismatch")
)

// Codec mints and verifies signed, time-bounded tokens. It holds no mutable
// state and is safe for concurrent use.
type Codec struct {
	config Config
}

// NewCodec validates cfg and returns a ready [Codec].
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, errors.New("signing secret too short")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = DefaultLeeway
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Codec{config: cfg}, nil
}

// Issue mints a signed token of the given kind for subject, expiring after
// ttl. Refresh tokens get a fresh unique identifier (jti) so they can be
// individually revoked; access tokens carry email and roles for
// authorization decisions.
func (c *Codec) Issue(subject string, email string, roles []string, ttl time.Duration, kind Kind) (string, error) {
	if subject == "" {
		return "", errors.New("empty subject")
	}
	if ttl <= 0 {
		return "", errors.New("non-positive ttl")
	}

	now := c.config.Now()
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if c.config.Issuer != "" {
		claims.Issuer = c.config.Issuer
	}
	if kind == KindRefresh {
		claims.ID = uuid.NewString()
	} else {
		claims.Email = email
		claims.Roles = normalizeRoles(roles)
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.config.Secret)
}

// Verify parses and validates tokenStr, requiring the given kind. Failures
// map to exactly one of [ErrMalformed], [ErrSignatureInvalid], [ErrExpired],
// or [ErrTypeMismatch].
func (c *Codec) Verify(tokenStr string, kind Kind) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(c.config.Leeway),
		jwt.WithTimeFunc(c.config.Now),
		jwt.WithIssuedAt(),
	}
	if c.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(c.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	parsed, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return c.config.Secret, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}
	if claims.Kind != kind {
		return nil, ErrTypeMismatch
	}
	if claims.Subject == "" {
		return nil, ErrMalformed
	}

	return claims, nil
}

// RemainingValidity reports how long the claims stay valid from the codec's
// current clock. Zero or negative means already expired.
func (c *Codec) RemainingValidity(claims *Claims) time.Duration {
	if claims == nil || claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Time.Sub(c.config.Now())
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrSignatureInvalid
	default:
		return ErrMalformed
	}
}

func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
