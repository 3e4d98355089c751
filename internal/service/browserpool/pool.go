// Package browserpool maintains the bounded pool of live browser windows.
//
// Windows come from the external farm; the pool tracks which are idle or
// busy, prefers profile affinity on lease, spawns below the max, and blocks
// callers at the cap until a release or the lease timeout. A probe loop
// evicts broken and stale windows down to the configured minimum.
//
// Lock ordering: mu guards instances and waiters. Farm calls are never made
// while holding mu.
package browserpool

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/events"
)

// Outcome tells the pool how a lease ended.
type Outcome int

const (
	// OutcomeOK returns the window to the free list.
	OutcomeOK Outcome = iota
	// OutcomeError marks the window suspect; it is probed and evicted on
	// failure or after repeated errors.
	OutcomeError
)

// Config bounds the pool.
type Config struct {
	MinInstances  int
	MaxInstances  int
	IdleTimeout   time.Duration
	LeaseTimeout  time.Duration
	ProbeInterval time.Duration
}

const evictErrorCount = 3

type instance struct {
	win    domain.BrowserInstance
	leased bool
}

type waiter struct {
	profileID string
	ch        chan domain.BrowserHandle
}

// Pool implements the bounded browser-window pool.
type Pool struct {
	farm domain.BrowserFarm
	repo domain.BrowserRepository
	bus  *events.Bus
	cfg  Config

	mu        sync.Mutex
	instances map[string]*instance // by windowID
	waiters   []*waiter
	spawning  int
}

// New constructs a Pool.
func New(farm domain.BrowserFarm, repo domain.BrowserRepository, bus *events.Bus, cfg Config) *Pool {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 10
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 60 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Minute
	}
	return &Pool{
		farm:      farm,
		repo:      repo,
		bus:       bus,
		cfg:       cfg,
		instances: make(map[string]*instance),
	}
}

// Lease returns a handle bound to an idle window, preferring the one
// configured for profileID. Below the max a new window is spawned; at the
// max the caller blocks up to LeaseTimeout, then fails with
// ErrBrowserUnavailable.
func (p *Pool) Lease(ctx domain.Context, profileID string) (domain.BrowserHandle, error) {
	if h, ok := p.takeIdle(profileID); ok {
		p.emit(events.PoolLeased, h.WindowID)
		return h, nil
	}

	if p.reserveSpawnSlot() {
		h, err := p.spawn(ctx, profileID)
		if err == nil {
			p.emit(events.PoolLeased, h.WindowID)
			return h, nil
		}
		// Fall through to waiting: another worker may release soon.
		slog.Warn("browser spawn failed, waiting for a free window",
			slog.String("profile_id", profileID), slog.Any("error", err))
	}

	w := &waiter{profileID: profileID, ch: make(chan domain.BrowserHandle, 1)}
	p.mu.Lock()
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.LeaseTimeout)
	defer timer.Stop()
	select {
	case h := <-w.ch:
		p.emit(events.PoolLeased, h.WindowID)
		return h, nil
	case <-timer.C:
		p.dropWaiter(w)
		return domain.BrowserHandle{}, fmt.Errorf("op=pool.lease: timed out after %s: %w", p.cfg.LeaseTimeout, domain.ErrBrowserUnavailable)
	case <-ctx.Done():
		p.dropWaiter(w)
		return domain.BrowserHandle{}, fmt.Errorf("op=pool.lease: %w", ctx.Err())
	}
}

// takeIdle claims an idle window, profile-affine first.
func (p *Pool) takeIdle(profileID string) (domain.BrowserHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pick *instance
	for _, in := range p.instances {
		if in.leased || in.win.Status != domain.BrowserIdle {
			continue
		}
		if in.win.ProfileID == profileID {
			pick = in
			break
		}
		if pick == nil {
			pick = in
		}
	}
	if pick == nil {
		return domain.BrowserHandle{}, false
	}
	pick.leased = true
	pick.win.Status = domain.BrowserBusy
	pick.win.LastActivity = time.Now().UTC()
	p.updateGaugesLocked()
	return handleOf(pick.win), true
}

func (p *Pool) reserveSpawnSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.instances)+p.spawning >= p.cfg.MaxInstances {
		return false
	}
	p.spawning++
	return true
}

// spawn opens a window via the farm and hands it straight to the caller.
func (p *Pool) spawn(ctx domain.Context, profileID string) (domain.BrowserHandle, error) {
	defer func() {
		p.mu.Lock()
		p.spawning--
		p.mu.Unlock()
	}()
	fw, err := p.farm.OpenByName(ctx, profileID)
	if err != nil {
		return domain.BrowserHandle{}, fmt.Errorf("op=pool.spawn: %w", err)
	}
	loggedIn, err := p.farm.CheckLogin(ctx, fw.ID)
	if err != nil {
		loggedIn = false
	}
	win := domain.BrowserInstance{
		WindowID:      fw.ID,
		ProfileID:     profileID,
		DebugEndpoint: fw.DebugEndpoint,
		Status:        domain.BrowserBusy,
		LastActivity:  time.Now().UTC(),
		IsLoggedIn:    loggedIn,
	}
	p.mu.Lock()
	p.instances[fw.ID] = &instance{win: win, leased: true}
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.mirror(ctx, win)
	p.emit(events.PoolSpawned, fw.ID)
	return handleOf(win), nil
}

// Release returns the window. On OutcomeError the window is probed; it is
// evicted when the probe fails or its error count reaches the threshold.
func (p *Pool) Release(ctx domain.Context, h domain.BrowserHandle, outcome Outcome) {
	p.mu.Lock()
	in, ok := p.instances[h.WindowID]
	if !ok {
		p.mu.Unlock()
		return
	}
	in.leased = false
	in.win.BoundAccountID = ""
	in.win.LastActivity = time.Now().UTC()
	if outcome == OutcomeOK {
		in.win.Status = domain.BrowserIdle
		in.win.UploadCount++
		in.win.ErrorCount = 0
		win := in.win
		p.handoffLocked(in)
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.mirror(ctx, win)
		p.emit(events.PoolReleased, h.WindowID)
		return
	}

	in.win.ErrorCount++
	in.win.Status = domain.BrowserError
	errCount := in.win.ErrorCount
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.emit(events.PoolReleased, h.WindowID)

	healthy := false
	if errCount < evictErrorCount {
		if ok, err := p.farm.CheckLogin(ctx, h.WindowID); err == nil && ok {
			healthy = true
		}
	}
	if !healthy {
		p.evict(ctx, h.WindowID, "post-error probe failed")
		return
	}
	p.mu.Lock()
	if in, ok := p.instances[h.WindowID]; ok {
		in.win.Status = domain.BrowserIdle
		win := in.win
		p.handoffLocked(in)
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.mirror(ctx, win)
		return
	}
	p.mu.Unlock()
}

// Bind records which account is driving the window.
func (p *Pool) Bind(ctx domain.Context, windowID, accountID string) {
	p.mu.Lock()
	in, ok := p.instances[windowID]
	if ok {
		in.win.BoundAccountID = accountID
	}
	var win domain.BrowserInstance
	if ok {
		win = in.win
	}
	p.mu.Unlock()
	if ok {
		p.mirror(ctx, win)
	}
}

// handoffLocked passes an idle window to a compatible waiter. Profile-affine
// waiters win; otherwise first in line.
func (p *Pool) handoffLocked(in *instance) {
	if in.leased || in.win.Status != domain.BrowserIdle || len(p.waiters) == 0 {
		return
	}
	idx := 0
	for i, w := range p.waiters {
		if w.profileID == in.win.ProfileID {
			idx = i
			break
		}
	}
	w := p.waiters[idx]
	p.waiters = append(p.waiters[:idx], p.waiters[idx+1:]...)
	in.leased = true
	in.win.Status = domain.BrowserBusy
	w.ch <- handleOf(in.win)
}

func (p *Pool) dropWaiter(w *waiter) {
	p.mu.Lock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	// A handle may already be in flight; put it back.
	select {
	case h := <-w.ch:
		p.Release(nil, h, OutcomeOK)
	default:
	}
}

// evict closes the window at the farm and forgets it.
func (p *Pool) evict(ctx domain.Context, windowID, reason string) {
	p.mu.Lock()
	delete(p.instances, windowID)
	p.updateGaugesLocked()
	p.mu.Unlock()
	if err := p.farm.Close(ctx, windowID); err != nil {
		slog.Warn("window close failed", slog.String("window_id", windowID), slog.Any("error", err))
	}
	if p.repo != nil {
		_ = p.repo.Delete(ctx, windowID)
	}
	slog.Info("browser window evicted", slog.String("window_id", windowID), slog.String("reason", reason))
	p.emit(events.PoolEvicted, windowID)
}

// RunProbe periodically evicts windows with too many errors or stale idle
// windows beyond IdleTimeout, never dropping below MinInstances.
func (p *Pool) RunProbe(ctx domain.Context) {
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeOnce(ctx)
		}
	}
}

func (p *Pool) probeOnce(ctx domain.Context) {
	cutoff := time.Now().UTC().Add(-p.cfg.IdleTimeout)
	var victims []string
	p.mu.Lock()
	total := len(p.instances)
	for id, in := range p.instances {
		if in.leased {
			continue
		}
		evictable := in.win.ErrorCount >= evictErrorCount ||
			in.win.Status == domain.BrowserError ||
			in.win.LastActivity.Before(cutoff)
		if evictable && total-len(victims) > p.cfg.MinInstances {
			victims = append(victims, id)
		}
	}
	p.mu.Unlock()
	for _, id := range victims {
		p.evict(ctx, id, "probe")
	}
}

// Stats is a point-in-time pool snapshot.
type Stats struct {
	Total  int
	Idle   int
	Busy   int
	Errors int
}

// Snapshot reports current pool occupancy.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	s.Total = len(p.instances)
	for _, in := range p.instances {
		switch {
		case in.leased:
			s.Busy++
		case in.win.Status == domain.BrowserError:
			s.Errors++
		default:
			s.Idle++
		}
	}
	return s
}

func (p *Pool) updateGaugesLocked() {
	var idle, busy, errored int
	for _, in := range p.instances {
		switch {
		case in.leased:
			busy++
		case in.win.Status == domain.BrowserError:
			errored++
		default:
			idle++
		}
	}
	observability.BrowserPoolSize.WithLabelValues("idle").Set(float64(idle))
	observability.BrowserPoolSize.WithLabelValues("busy").Set(float64(busy))
	observability.BrowserPoolSize.WithLabelValues("error").Set(float64(errored))
}

func (p *Pool) mirror(ctx domain.Context, win domain.BrowserInstance) {
	if p.repo == nil || ctx == nil {
		return
	}
	if err := p.repo.Upsert(ctx, win); err != nil {
		slog.Debug("browser state mirror failed", slog.String("window_id", win.WindowID), slog.Any("error", err))
	}
}

func (p *Pool) emit(kind events.Kind, windowID string) {
	observability.BrowserPoolEventsTotal.WithLabelValues(string(kind)).Inc()
	if p.bus != nil {
		p.bus.Publish(events.Event{Kind: kind, WindowID: windowID})
	}
}

func handleOf(win domain.BrowserInstance) domain.BrowserHandle {
	return domain.BrowserHandle{WindowID: win.WindowID, ProfileID: win.ProfileID, DebugEndpoint: win.DebugEndpoint}
}
