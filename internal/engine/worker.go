package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/admission"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/browserpool"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/queue"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/registry"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/retryclass"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/selector"
)

const (
	// resourceWaitDelay requeues tasks that found no account or browser.
	resourceWaitDelay = 15 * time.Second
	// heartbeatInterval keeps the lease alive well inside the stall window.
	heartbeatInterval = 30 * time.Second
	// progressThrottle bounds progress writes per task.
	progressThrottle = time.Second
	// outcomeWriteTimeout bounds the terminal writes after a shutdown cut
	// the run context.
	outcomeWriteTimeout = 30 * time.Second
)

// worker is one upload loop instance. N of them share the same services.
type worker struct {
	id         string
	queue      *queue.Queue
	admission  *admission.Control
	selector   *selector.Selector
	registry   *registry.Registry
	pool       *browserpool.Pool
	classifier *retryclass.Classifier
	history    domain.HistoryRepository
	driver     domain.UploadDriver

	uploadTimeout time.Duration
	paused        *atomic.Bool
}

// run leases on leaseCtx and processes on runCtx. Cancelling leaseCtx stops
// new work (drain); cancelling runCtx cuts in-flight drivers (hard cancel).
func (w *worker) run(leaseCtx, runCtx context.Context) {
	slog.Info("worker started", slog.String("worker_id", w.id))
	defer slog.Info("worker stopped", slog.String("worker_id", w.id))
	for {
		if leaseCtx.Err() != nil {
			return
		}
		if w.paused.Load() {
			select {
			case <-leaseCtx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		t, err := w.queue.Lease(leaseCtx, w.id)
		if err != nil {
			if errors.Is(err, domain.ErrShuttingDown) || leaseCtx.Err() != nil {
				return
			}
			slog.Error("lease failed", slog.String("worker_id", w.id), slog.Any("error", err))
			select {
			case <-leaseCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(runCtx, t)
	}
}

// process runs one leased task end to end.
func (w *worker) process(ctx context.Context, t domain.Task) {
	tracer := otel.Tracer("engine.worker")
	ctx, span := tracer.Start(ctx, "worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", t.ID),
		attribute.Int("task.attempt", t.Attempt),
		attribute.String("worker.id", w.id),
	)

	// Terminal writes survive a cancelled run context.
	outCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	}

	ad, err := w.admission.Allow(ctx, t.PreferredAccountID)
	if err != nil || !ad.Allowed {
		octx, cancel := outCtx()
		defer cancel()
		delay := ad.RetryAfter
		if delay <= 0 {
			delay = resourceWaitDelay
		}
		slog.Info("admission denied, task delayed",
			slog.String("task_id", t.ID),
			slog.String("scope", ad.Scope),
			slog.Duration("retry_after", delay))
		w.requeue(octx, t.ID, delay)
		return
	}

	sel, err := w.selector.Select(ctx, t.PreferredAccountID)
	if err != nil {
		octx, cancel := outCtx()
		defer cancel()
		if !errors.Is(err, domain.ErrNoAccountAvailable) {
			slog.Error("account selection failed", slog.String("task_id", t.ID), slog.Any("error", err))
		}
		w.requeue(octx, t.ID, resourceWaitDelay)
		return
	}
	account := sel.Account
	released := false
	releaseAccount := func(c context.Context) {
		if released {
			return
		}
		released = true
		if err := w.selector.Release(c, account.ID, sel.Token); err != nil {
			slog.Warn("reservation release failed", slog.String("account_id", account.ID), slog.Any("error", err))
		}
	}
	span.SetAttributes(attribute.String("account.id", account.ID))

	// Pinned tasks already charged their account window in Allow; a
	// selector-chosen account is charged here, after selection.
	if t.PreferredAccountID == "" {
		aad, err := w.admission.AllowAccount(ctx, account.ID)
		if err != nil || !aad.Allowed {
			octx, cancel := outCtx()
			defer cancel()
			releaseAccount(octx)
			delay := aad.RetryAfter
			if delay <= 0 {
				delay = resourceWaitDelay
			}
			slog.Info("account window exhausted, task delayed",
				slog.String("task_id", t.ID),
				slog.String("account_id", account.ID),
				slog.Duration("retry_after", delay))
			w.requeue(octx, t.ID, delay)
			return
		}
	}

	if err := w.queue.BindAccount(ctx, t.ID, account.ID); err != nil {
		octx, cancel := outCtx()
		defer cancel()
		releaseAccount(octx)
		w.requeue(octx, t.ID, resourceWaitDelay)
		return
	}
	t.AccountID = account.ID

	handle, err := w.pool.Lease(ctx, account.BrowserProfileID)
	if err != nil {
		octx, cancel := outCtx()
		defer cancel()
		releaseAccount(octx)
		if !errors.Is(err, domain.ErrBrowserUnavailable) && ctx.Err() == nil {
			slog.Error("browser lease failed", slog.String("task_id", t.ID), slog.Any("error", err))
		}
		w.requeue(octx, t.ID, resourceWaitDelay)
		return
	}
	w.pool.Bind(ctx, handle.WindowID, account.ID)

	start := time.Now()
	videoURL, runErr := w.runDriver(ctx, t, account, handle)
	duration := time.Since(start)

	octx, cancel := outCtx()
	defer cancel()

	if runErr == nil {
		w.finishSuccess(octx, t, account, handle, videoURL, duration, releaseAccount)
		return
	}
	w.finishFailure(octx, t, account, handle, runErr, duration, releaseAccount)
}

// runDriver executes the upload with the per-task timeout, heartbeats and
// throttled progress.
func (w *worker) runDriver(ctx context.Context, t domain.Task, account domain.Account, handle domain.BrowserHandle) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, w.uploadTimeout)
	defer cancel()

	hbDone := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(runCtx, t.ID); err != nil {
					slog.Debug("heartbeat failed", slog.String("task_id", t.ID), slog.Any("error", err))
				}
			}
		}
	}()

	var mu sync.Mutex
	var lastWrite time.Time
	sink := domain.ProgressFunc(func(pct int) {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if now.Sub(lastWrite) < progressThrottle && pct < 100 {
			return
		}
		lastWrite = now
		if err := w.queue.Progress(runCtx, t.ID, pct); err != nil {
			slog.Debug("progress write failed", slog.String("task_id", t.ID), slog.Any("error", err))
		}
	})

	url, err := w.driver.Run(runCtx, handle, account, t.Video, sink)
	close(hbDone)
	hbWG.Wait()

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("upload timed out after %s", w.uploadTimeout)
	}
	return url, err
}

// finishSuccess applies the outcome in the durable order: account health and
// daily counter first, then the history row, and only then the ack. An ack
// is never observed before its history row exists.
func (w *worker) finishSuccess(ctx context.Context, t domain.Task, account domain.Account,
	handle domain.BrowserHandle, videoURL string, duration time.Duration, releaseAccount func(context.Context)) {

	if _, err := w.registry.ApplyOutcome(ctx, account.ID, true, false); err != nil {
		slog.Error("outcome apply failed", slog.String("task_id", t.ID), slog.Any("error", err))
	}
	err := w.history.AppendHistory(ctx, domain.UploadHistory{
		TaskID:    t.ID,
		AccountID: account.ID,
		Success:   true,
		VideoURL:  videoURL,
		Duration:  duration,
	})
	w.pool.Release(ctx, handle, browserpool.OutcomeOK)
	releaseAccount(ctx)
	if err != nil {
		// Without the history row the task must not complete; retry the
		// whole attempt.
		slog.Error("history append failed, requeueing", slog.String("task_id", t.ID), slog.Any("error", err))
		w.requeue(ctx, t.ID, resourceWaitDelay)
		return
	}
	observability.UploadDuration.Observe(duration.Seconds())
	if err := w.queue.Ack(ctx, t.ID, videoURL); err != nil {
		slog.Error("ack failed", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	slog.Info("upload completed",
		slog.String("task_id", t.ID),
		slog.String("account_id", account.ID),
		slog.String("video_url", videoURL),
		slog.Duration("duration", duration))
}

// finishFailure records the failed attempt and routes it through the
// classifier to retry or the dead-letter zone.
func (w *worker) finishFailure(ctx context.Context, t domain.Task, account domain.Account,
	handle domain.BrowserHandle, runErr error, duration time.Duration, releaseAccount func(context.Context)) {

	errMsg := runErr.Error()

	// A shutdown abort is not an upload failure; hand the attempt back.
	if errors.Is(runErr, context.Canceled) {
		w.pool.Release(ctx, handle, browserpool.OutcomeOK)
		releaseAccount(ctx)
		w.requeue(ctx, t.ID, resourceWaitDelay)
		return
	}

	decision, err := w.classifier.Classify(ctx, t, account, errMsg)
	if err != nil {
		decision = domain.Decision{Category: domain.CategoryUnknown}
	}

	if _, err := w.registry.ApplyOutcome(ctx, account.ID, false, decision.ForceSuspend); err != nil {
		slog.Error("outcome apply failed", slog.String("task_id", t.ID), slog.Any("error", err))
	}
	if err := w.history.AppendHistory(ctx, domain.UploadHistory{
		TaskID:    t.ID,
		AccountID: account.ID,
		Success:   false,
		Error:     errMsg,
		Duration:  duration,
	}); err != nil {
		slog.Error("history append failed", slog.String("task_id", t.ID), slog.Any("error", err))
	}

	poolOutcome := browserpool.OutcomeOK
	switch decision.Category {
	case domain.CategoryBrowser, domain.CategoryNetwork:
		poolOutcome = browserpool.OutcomeError
	}
	w.pool.Release(ctx, handle, poolOutcome)
	releaseAccount(ctx)

	slog.Warn("upload failed",
		slog.String("task_id", t.ID),
		slog.String("account_id", account.ID),
		slog.Int("attempt", t.Attempt),
		slog.String("decision", retryclass.Describe(decision)),
		slog.String("error_kind", decision.Category.Kind().String()),
		slog.String("error", errMsg))

	if decision.Retry {
		if err := w.queue.Retry(ctx, t.ID, errMsg, string(decision.Category), decision.Delay); err != nil {
			slog.Error("retry enqueue failed", slog.String("task_id", t.ID), slog.Any("error", err))
		}
		return
	}
	if err := w.queue.Dead(ctx, t.ID, errMsg, string(decision.Category)); err != nil {
		slog.Error("dead-letter move failed", slog.String("task_id", t.ID), slog.Any("error", err))
	}
}

func (w *worker) requeue(ctx context.Context, id string, delay time.Duration) {
	if err := w.queue.Requeue(ctx, id, delay); err != nil {
		slog.Error("requeue failed", slog.String("task_id", id), slog.Any("error", err))
	}
}
