// Package engine wires the orchestration components and owns their
// lifecycle: the worker fleet, the maintenance timers and the public
// submit/status/pause/shutdown surface.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/admission"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/browserpool"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/events"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/health"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/queue"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/registry"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/retryclass"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/selector"
)

// Config tunes the engine lifecycle.
type Config struct {
	Concurrency   int
	UploadTimeout time.Duration
	DrainTimeout  time.Duration
}

// Deps are the wired components the engine composes. All are required
// except Monitor.
type Deps struct {
	Queue      *queue.Queue
	Admission  *admission.Control
	Selector   *selector.Selector
	Registry   *registry.Registry
	Pool       *browserpool.Pool
	Classifier *retryclass.Classifier
	History    domain.HistoryRepository
	Driver     domain.UploadDriver
	Monitor    *health.Monitor
	Bus        *events.Bus
}

// Engine runs the upload orchestration loop.
type Engine struct {
	cfg  Config
	deps Deps

	paused   atomic.Bool
	started  atomic.Bool
	stopping atomic.Bool

	drainCancel context.CancelFunc
	hardCancel  context.CancelFunc
	workerWG    sync.WaitGroup
	bgWG        sync.WaitGroup
	stopped     chan struct{}
	once        sync.Once
}

// New constructs an Engine. Start must be called before Submit.
func New(cfg Config, deps Deps) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 60 * time.Second
	}
	return &Engine{cfg: cfg, deps: deps, stopped: make(chan struct{})}
}

// Start launches the worker fleet and the maintenance loops. It returns
// immediately; the engine runs until Shutdown or ctx cancellation.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("op=engine.start: already started: %w", domain.ErrConflict)
	}
	hardCtx, hardCancel := context.WithCancel(ctx)
	leaseCtx, drainCancel := context.WithCancel(hardCtx)
	e.hardCancel = hardCancel
	e.drainCancel = drainCancel

	for i := 0; i < e.cfg.Concurrency; i++ {
		w := &worker{
			id:            fmt.Sprintf("worker-%d", i+1),
			queue:         e.deps.Queue,
			admission:     e.deps.Admission,
			selector:      e.deps.Selector,
			registry:      e.deps.Registry,
			pool:          e.deps.Pool,
			classifier:    e.deps.Classifier,
			history:       e.deps.History,
			driver:        e.deps.Driver,
			uploadTimeout: e.cfg.UploadTimeout,
			paused:        &e.paused,
		}
		e.workerWG.Add(1)
		go func() {
			defer e.workerWG.Done()
			w.run(leaseCtx, hardCtx)
		}()
	}

	e.background(hardCtx, e.deps.Queue.RunReclaimer)
	e.background(hardCtx, e.deps.Queue.RunRetention)
	e.background(hardCtx, e.deps.Pool.RunProbe)
	e.background(hardCtx, e.deps.Registry.RunDailyReset)
	if e.deps.Monitor != nil {
		e.background(hardCtx, e.deps.Monitor.Run)
	}
	slog.Info("engine started", slog.Int("concurrency", e.cfg.Concurrency))
	return nil
}

func (e *Engine) background(ctx context.Context, run func(domain.Context)) {
	e.bgWG.Add(1)
	go func() {
		defer e.bgWG.Done()
		run(ctx)
	}()
}

// Submit enqueues one task. Refused while shutting down.
func (e *Engine) Submit(ctx context.Context, t domain.Task) (domain.Task, error) {
	if e.stopping.Load() {
		return domain.Task{}, fmt.Errorf("op=engine.submit: %w", domain.ErrShuttingDown)
	}
	return e.deps.Queue.Submit(ctx, t)
}

// SubmitBatch enqueues several tasks transactionally.
func (e *Engine) SubmitBatch(ctx context.Context, ts []domain.Task) ([]domain.Task, error) {
	if e.stopping.Load() {
		return nil, fmt.Errorf("op=engine.submit_batch: %w", domain.ErrShuttingDown)
	}
	return e.deps.Queue.SubmitBatch(ctx, ts)
}

// TaskView is the read-only task snapshot returned by Status.
type TaskView struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	AccountID     string     `json:"account_id,omitempty"`
	Priority      int        `json:"priority"`
	Attempt       int        `json:"attempt"`
	MaxAttempts   int        `json:"max_attempts"`
	Progress      int        `json:"progress"`
	VideoURL      string     `json:"video_url,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ErrorCategory string     `json:"error_category,omitempty"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Status returns the snapshot of one task.
func (e *Engine) Status(ctx context.Context, taskID string) (TaskView, error) {
	t, err := e.deps.Queue.Get(ctx, taskID)
	if err != nil {
		return TaskView{}, fmt.Errorf("op=engine.status: %w", err)
	}
	return TaskView{
		ID:            t.ID,
		Status:        string(t.Status),
		AccountID:     t.AccountID,
		Priority:      t.Priority,
		Attempt:       t.Attempt,
		MaxAttempts:   t.MaxAttempts,
		Progress:      t.Progress,
		VideoURL:      t.VideoURL,
		LastError:     t.LastError,
		ErrorCategory: t.ErrorCategory,
		ScheduledFor:  t.ScheduledFor,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
	}, nil
}

// Pause stops workers from acquiring new leases. In-flight uploads finish.
func (e *Engine) Pause() {
	if e.paused.CompareAndSwap(false, true) {
		slog.Info("engine paused")
		if e.deps.Bus != nil {
			e.deps.Bus.Publish(events.Event{Kind: events.EnginePaused})
		}
	}
}

// Resume reverses Pause.
func (e *Engine) Resume() {
	if e.paused.CompareAndSwap(true, false) {
		slog.Info("engine resumed")
		if e.deps.Bus != nil {
			e.deps.Bus.Publish(events.Event{Kind: events.EngineResumed})
		}
	}
}

// Paused reports whether lease acquisition is paused.
func (e *Engine) Paused() bool { return e.paused.Load() }

// SystemStatus is the aggregate ops snapshot.
type SystemStatus struct {
	Paused   bool             `json:"paused"`
	Queue    map[string]int   `json:"queue"`
	Pool     browserpool.Stats `json:"pool"`
	Accounts map[string]int   `json:"accounts"`
}

// GetSystemStatus aggregates queue depths, pool occupancy and account
// status tallies.
func (e *Engine) GetSystemStatus(ctx context.Context) (SystemStatus, error) {
	zones, err := e.deps.Queue.Counts(ctx)
	if err != nil {
		return SystemStatus{}, fmt.Errorf("op=engine.system_status: %w", err)
	}
	accounts := map[string]int{}
	for offset := 0; ; offset += 200 {
		page, err := e.deps.Registry.List(ctx, offset, 200)
		if err != nil {
			return SystemStatus{}, fmt.Errorf("op=engine.system_status: %w", err)
		}
		for _, a := range page {
			accounts[string(a.Status)]++
		}
		if len(page) < 200 {
			break
		}
	}
	return SystemStatus{
		Paused:   e.paused.Load(),
		Queue:    zones,
		Pool:     e.deps.Pool.Snapshot(),
		Accounts: accounts,
	}, nil
}

// Shutdown drains the engine: no new leases, in-flight uploads get
// DrainTimeout to finish, then the run context is cut. Idempotent; later
// calls wait for the first to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.once.Do(func() {
		e.stopping.Store(true)
		e.paused.Store(true)
		slog.Info("engine shutting down", slog.Duration("drain_timeout", e.cfg.DrainTimeout))

		drained := make(chan struct{})
		go func() {
			e.workerWG.Wait()
			close(drained)
		}()

		// Phase one: stop lease acquisition, let in-flight uploads finish.
		if e.drainCancel != nil {
			e.drainCancel()
		}
		timer := time.NewTimer(e.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-drained:
			slog.Info("engine drained")
		case <-timer.C:
			// Phase two: cut in-flight drivers.
			slog.Warn("drain timeout exceeded, hard-cancelling")
		case <-ctx.Done():
			slog.Warn("shutdown context cut before drain finished")
		}
		if e.hardCancel != nil {
			e.hardCancel()
		}
		<-drained
		e.bgWG.Wait()
		close(e.stopped)
	})
	select {
	case <-e.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=engine.shutdown: %w", ctx.Err())
	}
}
