package selector

import (
	"sort"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

// Strategy orders candidates before reservation attempts. The registry
// already returns (healthScore desc, dailyUploadCount asc); strategies
// reorder on top of that.
type Strategy interface {
	Name() string
	Order(ctx domain.Context, candidates []domain.Account) ([]domain.Account, error)
}

// HealthScore keeps the registry's ordering: healthiest first, ties broken
// by fewest uploads today. The default.
type HealthScore struct{}

// Name implements Strategy.
func (HealthScore) Name() string { return "health_score" }

// Order implements Strategy.
func (HealthScore) Order(_ domain.Context, candidates []domain.Account) ([]domain.Account, error) {
	return candidates, nil
}

// LeastUsed orders by dailyUploadCount ascending, spreading load evenly
// across the day regardless of health differences above the floor.
type LeastUsed struct{}

// Name implements Strategy.
func (LeastUsed) Name() string { return "least_used" }

// Order implements Strategy.
func (LeastUsed) Order(_ domain.Context, candidates []domain.Account) ([]domain.Account, error) {
	out := make([]domain.Account, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DailyUploadCount != out[j].DailyUploadCount {
			return out[i].DailyUploadCount < out[j].DailyUploadCount
		}
		return out[i].HealthScore > out[j].HealthScore
	})
	return out, nil
}

const rrCursorKey = "selector:rr_cursor"

// RoundRobin rotates through accounts in id order, persisting the cursor in
// the coordination store so the rotation survives restarts and is shared
// between replicas.
type RoundRobin struct {
	coord domain.CoordStore
}

// NewRoundRobin constructs the strategy around the coordination store.
func NewRoundRobin(coord domain.CoordStore) *RoundRobin {
	return &RoundRobin{coord: coord}
}

// Name implements Strategy.
func (r *RoundRobin) Name() string { return "round_robin" }

// Order rotates the id-sorted candidate list so the account after the
// cursor comes first. A missing or stale cursor degrades to plain id order.
func (r *RoundRobin) Order(ctx domain.Context, candidates []domain.Account) ([]domain.Account, error) {
	out := make([]domain.Account, len(candidates))
	copy(out, candidates)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	cursor, ok, err := r.coord.Get(ctx, rrCursorKey)
	if err != nil || !ok || len(out) == 0 {
		return out, nil
	}
	pivot := 0
	for i, a := range out {
		if a.ID > cursor {
			pivot = i
			break
		}
	}
	return append(out[pivot:], out[:pivot]...), nil
}

// advance records the last reserved account id.
func (r *RoundRobin) advance(ctx domain.Context, accountID string) {
	_ = r.coord.Del(ctx, rrCursorKey)
	_, _ = r.coord.SetNX(ctx, rrCursorKey, accountID, 0)
}
