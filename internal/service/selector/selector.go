// Package selector picks one eligible account and reserves it exclusively.
//
// Eligibility comes from the account registry (status, health floor, daily
// quota); exclusivity is a TTL-bounded reservation key in the coordination
// store claimed with atomic set-if-absent. The first successful claim wins;
// losing a claim just moves on to the next candidate.
package selector

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

const reservationPrefix = "account:"

// Selection is a successfully reserved account. Token proves ownership on
// release.
type Selection struct {
	Account domain.Account
	Token   string
}

// Config tunes the selection protocol.
type Config struct {
	ReservationTTL time.Duration
	MinHealthScore int
	CandidateLimit int
}

// Selector reserves accounts for workers.
type Selector struct {
	accounts domain.AccountRepository
	coord    domain.CoordStore
	strategy Strategy
	cfg      Config
}

// New constructs a Selector with the given strategy.
func New(accounts domain.AccountRepository, coord domain.CoordStore, strategy Strategy, cfg Config) *Selector {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 5 * time.Minute
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 20
	}
	if strategy == nil {
		strategy = HealthScore{}
	}
	return &Selector{accounts: accounts, coord: coord, strategy: strategy, cfg: cfg}
}

// SetStrategy swaps the ordering policy; safe between Select calls.
func (s *Selector) SetStrategy(st Strategy) {
	if st != nil {
		s.strategy = st
	}
}

// Select picks and reserves one account. When preferredID is set only that
// account is considered. Returns ErrNoAccountAvailable when every candidate
// is reserved or ineligible (transient for the caller).
func (s *Selector) Select(ctx domain.Context, preferredID string) (Selection, error) {
	tracer := otel.Tracer("selector")
	ctx, span := tracer.Start(ctx, "selector.Select")
	defer span.End()
	span.SetAttributes(attribute.String("selector.strategy", s.strategy.Name()))

	var candidates []domain.Account
	if preferredID != "" {
		a, err := s.accounts.Get(ctx, preferredID)
		if err != nil {
			return Selection{}, fmt.Errorf("op=selector.select: %w", err)
		}
		if a.Status != domain.AccountActive || a.HealthScore < s.cfg.MinHealthScore || !a.HasAvailableUploads() {
			return Selection{}, fmt.Errorf("op=selector.select: preferred account %s ineligible: %w", preferredID, domain.ErrNoAccountAvailable)
		}
		candidates = []domain.Account{a}
	} else {
		var err error
		candidates, err = s.accounts.Candidates(ctx, domain.AccountFilter{
			Status:              domain.AccountActive,
			MinHealthScore:      s.cfg.MinHealthScore,
			HasAvailableUploads: true,
			Limit:               s.cfg.CandidateLimit,
		})
		if err != nil {
			return Selection{}, fmt.Errorf("op=selector.select: %w", err)
		}
		candidates, err = s.strategy.Order(ctx, candidates)
		if err != nil {
			return Selection{}, fmt.Errorf("op=selector.select: %w", err)
		}
	}

	token := uuid.New().String()
	for _, a := range candidates {
		ok, err := s.coord.SetNX(ctx, reservationPrefix+a.ID, token, s.cfg.ReservationTTL)
		if err != nil {
			// Fail closed: treat the account as reserved.
			continue
		}
		if ok {
			if rr, isRR := s.strategy.(*RoundRobin); isRR {
				rr.advance(ctx, a.ID)
			}
			span.SetAttributes(attribute.String("selector.account_id", a.ID))
			return Selection{Account: a, Token: token}, nil
		}
		observability.ReservationConflictsTotal.Inc()
	}
	return Selection{}, fmt.Errorf("op=selector.select: %w", domain.ErrNoAccountAvailable)
}

// Release frees the reservation, but only for the holder: the key is
// deleted only when its value still equals token, so a reservation that
// expired and was re-claimed by another worker is left alone.
func (s *Selector) Release(ctx domain.Context, accountID, token string) error {
	_, err := s.coord.CompareAndDelete(ctx, reservationPrefix+accountID, token)
	if err != nil {
		return fmt.Errorf("op=selector.release: %w", err)
	}
	return nil
}

// Reserved reports whether the account currently has a reservation.
func (s *Selector) Reserved(ctx domain.Context, accountID string) (bool, error) {
	_, ok, err := s.coord.Get(ctx, reservationPrefix+accountID)
	if err != nil {
		return true, fmt.Errorf("op=selector.reserved: %w", err)
	}
	return ok, nil
}
