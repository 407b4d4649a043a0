// Package ratelimit is the request-admission layer: fixed-window counters
// keyed by client identity and route, with wall-clock-aligned windows.
//
// Unlike the revocation store, a failing counter backend fails OPEN:
// temporarily losing throttling is cheaper than rejecting all traffic.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Limit is a parsed "count/window" budget.
type Limit struct {
	Count  int
	Window time.Duration
}

// ParseLimit parses budgets of the form "5/minute", "100/hour",
// "10/second", or "1000/day".
func ParseLimit(s string) (Limit, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		return Limit{}, fmt.Errorf("invalid rate limit %q", s)
	}
	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || count <= 0 {
		return Limit{}, fmt.Errorf("invalid rate limit count %q", s)
	}
	var window time.Duration
	switch strings.TrimSpace(parts[1]) {
	case "second":
		window = time.Second
	case "minute":
		window = time.Minute
	case "hour":
		window = time.Hour
	case "day":
		window = 24 * time.Hour
	default:
		return Limit{}, fmt.Errorf("invalid rate limit window %q", s)
	}
	return Limit{Count: count, Window: window}, nil
}

// Decision is the admission outcome for one request attempt.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// CounterStore increments a window counter and returns the new value. The
// key embeds the window start, so entries for past windows only need to
// expire for housekeeping, never for correctness.
type CounterStore interface {
	Incr(ctx context.Context, key string, expireAt time.Time) (int64, error)
}

// Config declares the admission budgets.
type Config struct {
	Enabled bool
	// Default is the budget applied to routes without an override.
	Default string
	// PerRoute maps route keys to budget strings. Authentication-sensitive
	// routes get the tightest budgets.
	PerRoute map[string]string
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Limiter admits or rejects requests against fixed-window budgets.
type Limiter struct {
	store    CounterStore
	enabled  bool
	def      Limit
	perRoute map[string]Limit
	now      func() time.Time
}

// New parses cfg and returns a [Limiter] over the given store.
func New(store CounterStore, cfg Config) (*Limiter, error) {
	if store == nil && cfg.Enabled {
		return nil, errors.New("counter store required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	def := Limit{}
	if cfg.Enabled {
		parsed, err := ParseLimit(cfg.Default)
		if err != nil {
			return nil, err
		}
		def = parsed
	}

	perRoute := make(map[string]Limit, len(cfg.PerRoute))
	for route, raw := range cfg.PerRoute {
		parsed, err := ParseLimit(raw)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", route, err)
		}
		perRoute[route] = parsed
	}

	return &Limiter{
		store:    store,
		enabled:  cfg.Enabled,
		def:      def,
		perRoute: perRoute,
		now:      cfg.Now,
	}, nil
}

// Check records one request attempt for (clientKey, routeKey) and returns
// the admission decision. Every attempt counts against the window,
// admitted or not. A store error is reported alongside an allow decision
// so callers can log the degradation.
func (l *Limiter) Check(ctx context.Context, clientKey, routeKey string) (Decision, error) {
	if !l.enabled {
		return Decision{Allowed: true}, nil
	}

	lim := l.def
	if override, ok := l.perRoute[routeKey]; ok {
		lim = override
	}

	windowStart := l.now().Truncate(lim.Window)
	resetAt := windowStart.Add(lim.Window)
	key := counterKey(clientKey, routeKey, windowStart)

	count, err := l.store.Incr(ctx, key, resetAt)
	if err != nil {
		// Fail open: admit with a full budget rather than take all
		// traffic down with the backend.
		return Decision{Allowed: true, Limit: lim.Count, Remaining: lim.Count, ResetAt: resetAt}, err
	}

	if count > int64(lim.Count) {
		return Decision{Allowed: false, Limit: lim.Count, Remaining: 0, ResetAt: resetAt}, nil
	}

	return Decision{
		Allowed:   true,
		Limit:     lim.Count,
		Remaining: lim.Count - int(count),
		ResetAt:   resetAt,
	}, nil
}

func counterKey(clientKey, routeKey string, windowStart time.Time) string {
	return "rl:" + routeKey + ":" + clientKey + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}
