// Package admission enforces the global and per-account rate windows.
//
// Counters are fixed-window: the first increment of a window sets the TTL,
// so the window is anchored at first use rather than sliding. Increments
// are never rolled back on denial; the accepted cost is a slightly
// conservative window. Coordination failures deny (fail closed).
package admission

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

const (
	globalKey     = "quota:global"
	accountPrefix = "quota:acct:"
)

// Config bounds the two windows.
type Config struct {
	GlobalLimit   int
	GlobalWindow  time.Duration
	AccountLimit  int
	AccountWindow time.Duration
}

// Decision is the admission verdict for one attempt.
type Decision struct {
	Allowed bool
	// Scope names the violated window ("global" or "account") when denied.
	Scope string
	// RetryAfter is the remaining TTL of the violated counter; callers
	// delay the task by this much.
	RetryAfter time.Duration
}

// Control implements the two-counter admission gate on a CoordStore.
type Control struct {
	coord domain.CoordStore
	cfg   Config
}

// New constructs a Control.
func New(coord domain.CoordStore, cfg Config) *Control {
	return &Control{coord: coord, cfg: cfg}
}

// Allow increments both counters and denies when either exceeds its limit.
// accountID may be empty; then only the global window applies.
func (c *Control) Allow(ctx domain.Context, accountID string) (Decision, error) {
	if d, ok := c.bump(ctx, globalKey, c.cfg.GlobalLimit, c.cfg.GlobalWindow, "global"); !ok {
		observability.AdmissionDeniedTotal.WithLabelValues("global").Inc()
		return d, nil
	}
	if accountID != "" && c.cfg.AccountLimit > 0 {
		if d, ok := c.bump(ctx, accountPrefix+accountID, c.cfg.AccountLimit, c.cfg.AccountWindow, "account"); !ok {
			observability.AdmissionDeniedTotal.WithLabelValues("account").Inc()
			return d, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// AllowAccount increments only the per-account counter. Callers that pass
// Allow without an account (the global gate) invoke this once the account
// is known so the account window binds every attempt.
func (c *Control) AllowAccount(ctx domain.Context, accountID string) (Decision, error) {
	if accountID == "" || c.cfg.AccountLimit <= 0 {
		return Decision{Allowed: true}, nil
	}
	if d, ok := c.bump(ctx, accountPrefix+accountID, c.cfg.AccountLimit, c.cfg.AccountWindow, "account"); !ok {
		observability.AdmissionDeniedTotal.WithLabelValues("account").Inc()
		return d, nil
	}
	return Decision{Allowed: true}, nil
}

// bump increments one counter, anchoring the window TTL on first use.
func (c *Control) bump(ctx domain.Context, key string, limit int, window time.Duration, scope string) (Decision, bool) {
	if limit <= 0 {
		return Decision{Allowed: true}, true
	}
	n, err := c.coord.Incr(ctx, key)
	if err != nil {
		slog.Warn("admission counter unavailable, denying",
			slog.String("scope", scope), slog.Any("error", err))
		return Decision{Scope: scope, RetryAfter: window}, false
	}
	if n == 1 {
		if err := c.coord.Expire(ctx, key, window); err != nil {
			slog.Warn("admission expire failed", slog.String("scope", scope), slog.Any("error", err))
		}
	}
	if n <= int64(limit) {
		return Decision{Allowed: true}, true
	}
	retry, err := c.coord.TTL(ctx, key)
	if err != nil || retry <= 0 {
		retry = window
	}
	return Decision{Scope: scope, RetryAfter: retry}, false
}
