// Package queue is the persistent task queue service.
//
// The zones (pending, delayed, active, dead) live in Postgres; this service
// composes the repository's atomic primitives into the queue protocol:
// validated submission with a saturation gate, blocking lease, ack/nack,
// heartbeat-based stall reclaim and terminal-zone retention.
package queue

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/events"
)

// Config tunes queue behaviour.
type Config struct {
	// HighWatermark rejects submissions once pending+delayed reaches it.
	HighWatermark int
	// StallTimeout is how long an active task may go without a heartbeat
	// before reclaim.
	StallTimeout time.Duration
	// PollInterval paces the blocking Lease loop.
	PollInterval time.Duration
	// ReclaimInterval paces the stall sweep.
	ReclaimInterval time.Duration
	// KeepCompleted / KeepDead bound the terminal zones.
	KeepCompleted     int
	KeepDead          int
	RetentionInterval time.Duration
	// SkipFileChecks disables path and media-type validation of the video
	// file. Used when the engine runs apart from the filesystem holding the
	// videos.
	SkipFileChecks bool
}

// Queue is the task queue service.
type Queue struct {
	tasks    domain.TaskRepository
	bus      *events.Bus
	validate *validator.Validate
	cfg      Config
}

// New constructs a Queue.
func New(tasks domain.TaskRepository, bus *events.Bus, cfg Config) *Queue {
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = 10000
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = 100
	}
	if cfg.KeepDead <= 0 {
		cfg.KeepDead = 1000
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = time.Hour
	}
	return &Queue{tasks: tasks, bus: bus, validate: validator.New(), cfg: cfg}
}

// newTaskID returns a lexicographically time-ordered id.
func newTaskID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Submit validates and enqueues one upload task. Priority is clamped to
// 0..10. ErrQueueSaturated above the high watermark; ErrInvalidArgument for
// bad video specs.
func (q *Queue) Submit(ctx domain.Context, t domain.Task) (domain.Task, error) {
	tracer := otel.Tracer("queue")
	ctx, span := tracer.Start(ctx, "queue.Submit")
	defer span.End()

	if err := q.prepare(&t); err != nil {
		return domain.Task{}, err
	}
	if err := q.admit(ctx, 1); err != nil {
		return domain.Task{}, err
	}
	id, err := q.tasks.Create(ctx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=queue.submit: %w", err)
	}
	t.ID = id
	span.SetAttributes(attribute.String("task.id", id), attribute.Int("task.priority", t.Priority))
	observability.TasksSubmittedTotal.WithLabelValues(strconv.Itoa(t.Priority)).Inc()
	q.publish(events.TaskSubmitted, t.ID, t.PreferredAccountID)
	return t, nil
}

// SubmitBatch enqueues several tasks as one transactional group; either all
// are persisted or none.
func (q *Queue) SubmitBatch(ctx domain.Context, ts []domain.Task) ([]domain.Task, error) {
	if len(ts) == 0 {
		return nil, nil
	}
	for i := range ts {
		if err := q.prepare(&ts[i]); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}
	if err := q.admit(ctx, len(ts)); err != nil {
		return nil, err
	}
	ids, err := q.tasks.CreateBatch(ctx, ts)
	if err != nil {
		return nil, fmt.Errorf("op=queue.submit_batch: %w", err)
	}
	for i := range ts {
		ts[i].ID = ids[i]
		observability.TasksSubmittedTotal.WithLabelValues(strconv.Itoa(ts[i].Priority)).Inc()
		q.publish(events.TaskSubmitted, ts[i].ID, ts[i].PreferredAccountID)
	}
	return ts, nil
}

// prepare validates and normalises a submission in place.
func (q *Queue) prepare(t *domain.Task) error {
	if t.Video.Privacy == "" {
		t.Video.Privacy = domain.PrivacyPrivate
	}
	if err := q.validate.Struct(t.Video); err != nil {
		return fmt.Errorf("op=queue.submit: video spec: %v: %w", err, domain.ErrInvalidArgument)
	}
	if t.Priority < 0 {
		t.Priority = 0
	}
	if t.Priority > 10 {
		t.Priority = 10
	}
	if !q.cfg.SkipFileChecks {
		if err := checkVideoFile(t.Video.Path); err != nil {
			return fmt.Errorf("op=queue.submit: %v: %w", err, domain.ErrInvalidArgument)
		}
	}
	if t.ID == "" {
		t.ID = newTaskID()
	}
	return nil
}

// checkVideoFile verifies the path exists and sniffs a video media type.
func checkVideoFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("video file %q: %v", path, err)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("video file %q: %v", path, err)
	}
	if !strings.HasPrefix(mt.String(), "video/") {
		return fmt.Errorf("video file %q: detected %s, not a video", path, mt.String())
	}
	return nil
}

// admit enforces the high watermark over pending+delayed.
func (q *Queue) admit(ctx domain.Context, adding int) error {
	zones, err := q.tasks.Counts(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=queue.submit: %w", err)
	}
	waiting := zones[string(domain.TaskPending)] + zones["delayed"]
	if waiting+adding > q.cfg.HighWatermark {
		return fmt.Errorf("op=queue.submit: %d waiting, watermark %d: %w",
			waiting, q.cfg.HighWatermark, domain.ErrQueueSaturated)
	}
	return nil
}

// Lease blocks until a task is leasable or ctx ends. The repository lease is
// atomic; this loop only adds pacing.
func (q *Queue) Lease(ctx domain.Context, workerID string) (domain.Task, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		t, err := q.tasks.LeaseNext(ctx, workerID, time.Now().UTC())
		switch {
		case err == nil:
			observability.TasksInFlight.Inc()
			q.publish(events.TaskLeased, t.ID, t.AccountID)
			return t, nil
		case domain.KindOf(err) != domain.KindTransient && !errors.Is(err, domain.ErrNotFound):
			return domain.Task{}, fmt.Errorf("op=queue.lease: %w", err)
		}
		select {
		case <-ctx.Done():
			return domain.Task{}, fmt.Errorf("op=queue.lease: %w", domain.ErrShuttingDown)
		case <-ticker.C:
		}
	}
}

// TryLease is the non-blocking variant. ErrNotFound when nothing is leasable.
func (q *Queue) TryLease(ctx domain.Context, workerID string) (domain.Task, error) {
	t, err := q.tasks.LeaseNext(ctx, workerID, time.Now().UTC())
	if err != nil {
		return domain.Task{}, err
	}
	observability.TasksInFlight.Inc()
	q.publish(events.TaskLeased, t.ID, t.AccountID)
	return t, nil
}

// Ack marks the task completed. Idempotent.
func (q *Queue) Ack(ctx domain.Context, id, videoURL string) error {
	if err := q.tasks.MarkCompleted(ctx, id, videoURL); err != nil {
		return fmt.Errorf("op=queue.ack: %w", err)
	}
	observability.TasksInFlight.Dec()
	observability.TasksCompletedTotal.Inc()
	q.publish(events.TaskCompleted, id, "")
	return nil
}

// Retry returns a failed attempt to the delayed zone with the given delay.
func (q *Queue) Retry(ctx domain.Context, id, errMsg, category string, delay time.Duration) error {
	retryAt := time.Now().UTC().Add(delay)
	if err := q.tasks.MarkRetry(ctx, id, errMsg, category, retryAt); err != nil {
		return fmt.Errorf("op=queue.retry: %w", err)
	}
	observability.TasksInFlight.Dec()
	observability.TasksFailedTotal.WithLabelValues(category).Inc()
	q.publish(events.TaskRetried, id, "")
	return nil
}

// Requeue returns a leased task to the delayed zone without consuming the
// attempt. Used for resource waits (admission window, account, browser).
func (q *Queue) Requeue(ctx domain.Context, id string, delay time.Duration) error {
	retryAt := time.Now().UTC().Add(delay)
	if err := q.tasks.Requeue(ctx, id, retryAt); err != nil {
		return fmt.Errorf("op=queue.requeue: %w", err)
	}
	observability.TasksInFlight.Dec()
	q.publish(events.TaskRetried, id, "")
	return nil
}

// Dead moves the task to the terminal dead-letter zone.
func (q *Queue) Dead(ctx domain.Context, id, errMsg, category string) error {
	if err := q.tasks.MarkDead(ctx, id, errMsg, category); err != nil {
		return fmt.Errorf("op=queue.dead: %w", err)
	}
	observability.TasksInFlight.Dec()
	observability.TasksFailedTotal.WithLabelValues(category).Inc()
	observability.TasksDeadTotal.Inc()
	slog.Warn("task dead-lettered",
		slog.String("task_id", id),
		slog.String("category", category),
		slog.String("error", errMsg))
	q.publish(events.TaskDead, id, "")
	return nil
}

// BindAccount records the account an active task runs on.
func (q *Queue) BindAccount(ctx domain.Context, id, accountID string) error {
	return q.tasks.BindAccount(ctx, id, accountID)
}

// Progress stores the latest progress percentage.
func (q *Queue) Progress(ctx domain.Context, id string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return q.tasks.UpdateProgress(ctx, id, pct)
}

// Heartbeat refreshes worker liveness for an active task.
func (q *Queue) Heartbeat(ctx domain.Context, id string) error {
	return q.tasks.Heartbeat(ctx, id, time.Now().UTC())
}

// Get loads one task.
func (q *Queue) Get(ctx domain.Context, id string) (domain.Task, error) {
	return q.tasks.Get(ctx, id)
}

// Peek lists tasks without leasing them.
func (q *Queue) Peek(ctx domain.Context, f domain.TaskFilter) ([]domain.Task, error) {
	return q.tasks.List(ctx, f)
}

// Counts reports zone depths and refreshes the depth gauges. The "failed"
// zone is reserved but stays empty in practice: a retryable failure returns
// the task to pending with a future scheduled_for, so it shows up under
// "delayed", and an unretryable one goes straight to "dead".
func (q *Queue) Counts(ctx domain.Context) (map[string]int, error) {
	zones, err := q.tasks.Counts(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("op=queue.counts: %w", err)
	}
	for _, zone := range []string{
		string(domain.TaskPending), "delayed", string(domain.TaskActive),
		string(domain.TaskCompleted), string(domain.TaskFailed), string(domain.TaskDead),
	} {
		observability.QueueDepth.WithLabelValues(zone).Set(float64(zones[zone]))
	}
	return zones, nil
}

// ReclaimStalled sweeps active tasks whose heartbeat is older than
// StallTimeout back to pending. Attempt counters are left as they are.
func (q *Queue) ReclaimStalled(ctx domain.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-q.cfg.StallTimeout)
	ids, err := q.tasks.ReclaimStalled(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=queue.reclaim: %w", err)
	}
	for _, id := range ids {
		observability.StalledReclaimedTotal.Inc()
		observability.TasksInFlight.Dec()
		slog.Warn("stalled task reclaimed", slog.String("task_id", id))
		q.publish(events.TaskReclaimed, id, "")
	}
	return len(ids), nil
}

// RunReclaimer sweeps for stalled tasks until ctx ends.
func (q *Queue) RunReclaimer(ctx domain.Context) {
	ticker := time.NewTicker(q.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ReclaimStalled(ctx); err != nil {
				slog.Error("stall reclaim failed", slog.Any("error", err))
			}
			if _, err := q.Counts(ctx); err != nil {
				slog.Debug("queue depth refresh failed", slog.Any("error", err))
			}
		}
	}
}

// RunRetention trims terminal zones until ctx ends.
func (q *Queue) RunRetention(ctx domain.Context) {
	ticker := time.NewTicker(q.cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.tasks.TrimTerminal(ctx, q.cfg.KeepCompleted, q.cfg.KeepDead)
			if err != nil {
				slog.Error("terminal-zone trim failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("terminal zones trimmed", slog.Int64("deleted", n))
			}
		}
	}
}

func (q *Queue) publish(kind events.Kind, taskID, accountID string) {
	if q.bus != nil {
		q.bus.Publish(events.Event{Kind: kind, TaskID: taskID, AccountID: accountID})
	}
}
