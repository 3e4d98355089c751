// Package registry is the account registry: CRUD over publishing accounts
// plus the health-score state machine that feeds selection.
package registry

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/events"
)

// Registry owns every account mutation. Accounts are never destroyed while
// referenced by non-terminal tasks; Delete checks are the caller's job at
// the API layer, outside this engine.
type Registry struct {
	repo domain.AccountRepository
	bus  *events.Bus
}

// New constructs a Registry.
func New(repo domain.AccountRepository, bus *events.Bus) *Registry {
	return &Registry{repo: repo, bus: bus}
}

// Create admits a new account with defaults (health 100, limit 2, active).
func (r *Registry) Create(ctx domain.Context, a domain.Account) (domain.Account, error) {
	id, err := r.repo.Create(ctx, a)
	if err != nil {
		return domain.Account{}, fmt.Errorf("op=registry.create: %w", err)
	}
	return r.repo.Get(ctx, id)
}

// Get loads one account.
func (r *Registry) Get(ctx domain.Context, id string) (domain.Account, error) {
	return r.repo.Get(ctx, id)
}

// List pages through accounts.
func (r *Registry) List(ctx domain.Context, offset, limit int) ([]domain.Account, error) {
	return r.repo.List(ctx, offset, limit)
}

// Update persists caller-managed fields.
func (r *Registry) Update(ctx domain.Context, a domain.Account) error {
	return r.repo.Update(ctx, a)
}

// Candidates enumerates selectable accounts for the selector.
func (r *Registry) Candidates(ctx domain.Context, f domain.AccountFilter) ([]domain.Account, error) {
	return r.repo.Candidates(ctx, f)
}

// ApplyOutcome folds one attempt result into the account: +2 on success,
// -10 on failure, clamped to 0..100; daily counter incremented;
// suspension when the score crosses below 30 or forceSuspend is set.
func (r *Registry) ApplyOutcome(ctx domain.Context, id string, success, forceSuspend bool) (domain.Account, error) {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "registry.ApplyOutcome")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", id), attribute.Bool("outcome.success", success))

	before, err := r.repo.Get(ctx, id)
	if err != nil {
		return domain.Account{}, fmt.Errorf("op=registry.apply_outcome: %w", err)
	}
	a, err := r.repo.ApplyOutcome(ctx, id, success, forceSuspend)
	if err != nil {
		return domain.Account{}, fmt.Errorf("op=registry.apply_outcome: %w", err)
	}
	observability.AccountHealthScore.WithLabelValues(a.ID).Set(float64(a.HealthScore))
	if a.Status == domain.AccountSuspended && before.Status != domain.AccountSuspended {
		slog.Warn("account suspended",
			slog.String("account_id", a.ID),
			slog.Int("health_score", a.HealthScore),
			slog.Bool("forced", forceSuspend))
		if r.bus != nil {
			r.bus.Publish(events.Event{Kind: events.AccountSuspended, AccountID: a.ID})
		}
	}
	return a, nil
}

// ResetDaily zeros every account's daily upload counter. Wired to the
// local-midnight timer; also callable as a manual override.
func (r *Registry) ResetDaily(ctx domain.Context) (int64, error) {
	n, err := r.repo.ResetDaily(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=registry.reset_daily: %w", err)
	}
	slog.Info("daily upload counters reset", slog.Int64("accounts", n))
	return n, nil
}

// Recover is the manual override that returns a suspended account to
// rotation: health 70, status active, daily counter zeroed.
func (r *Registry) Recover(ctx domain.Context, id string) (domain.Account, error) {
	a, err := r.repo.Recover(ctx, id)
	if err != nil {
		return domain.Account{}, fmt.Errorf("op=registry.recover: %w", err)
	}
	observability.AccountHealthScore.WithLabelValues(a.ID).Set(float64(a.HealthScore))
	if r.bus != nil {
		r.bus.Publish(events.Event{Kind: events.AccountRecovered, AccountID: a.ID})
	}
	return a, nil
}

// RunDailyReset fires ResetDaily at each local midnight until ctx ends.
func (r *Registry) RunDailyReset(ctx domain.Context) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := r.ResetDaily(ctx); err != nil {
				slog.Error("daily reset failed", slog.Any("error", err))
			}
		}
	}
}
