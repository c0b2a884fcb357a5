// Package ratelimit implements per-identity sliding-window throttles.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/phonginreallife/chats/internal/clock"
)

// Scopes
const (
	ScopeExternalSecond   = "external_second"
	ScopeExternalMinute   = "external_minute"
	ScopeExternalHour     = "external_hour"
	ScopeExternalAnon     = "external_anon"
	ScopeExternalCritical = "external_critical"
)

type Rate struct {
	Limit  int
	Period time.Duration
}

// ParseRate reads "N/period" where period is second, minute, hour or day.
// Only the first letter of the period is significant.
func ParseRate(s string) (Rate, error) {
	num, period, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Rate{}, fmt.Errorf("invalid rate %q", s)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil || limit <= 0 {
		return Rate{}, fmt.Errorf("invalid rate limit in %q", s)
	}
	period = strings.ToLower(strings.TrimSpace(period))
	if period == "" {
		return Rate{}, fmt.Errorf("missing rate period in %q", s)
	}
	var d time.Duration
	switch period[0] {
	case 's':
		d = time.Second
	case 'm':
		d = time.Minute
	case 'h':
		d = time.Hour
	case 'd':
		d = 24 * time.Hour
	default:
		return Rate{}, fmt.Errorf("invalid rate period in %q", s)
	}
	return Rate{Limit: limit, Period: d}, nil
}

// Store keeps the request timestamps of each key.
type Store interface {
	// Hit records a request at now unless limit requests already landed in
	// (now-window, now]. It reports whether the request was admitted.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, error)
}

// Limiter throttles one scope.
type Limiter struct {
	Scope string
	Rate  Rate

	store Store
	clock clock.Clock
}

func NewLimiter(scope string, rate Rate, store Store, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{Scope: scope, Rate: rate, store: store, clock: clk}
}

// Allow reports whether identity may make another request. Internal callers
// are admitted without touching the store.
func (l *Limiter) Allow(ctx context.Context, identity string, internal bool) (bool, error) {
	if internal {
		return true, nil
	}
	key := "chats:throttle:" + l.Scope + ":" + identity
	return l.store.Hit(ctx, key, l.clock.Now(), l.Rate.Period, l.Rate.Limit)
}
