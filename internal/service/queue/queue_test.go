package queue

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/events"
)

type fakeTasks struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	seq   int
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[string]*domain.Task)}
}

func (f *fakeTasks) Create(_ domain.Context, t domain.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 3
	}
	f.seq++
	t.CreatedAt = time.Now().UTC().Add(time.Duration(f.seq) * time.Microsecond)
	cp := t
	f.tasks[t.ID] = &cp
	return t.ID, nil
}

func (f *fakeTasks) CreateBatch(ctx domain.Context, ts []domain.Task) ([]string, error) {
	ids := make([]string, 0, len(ts))
	for _, t := range ts {
		id, err := f.Create(ctx, t)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeTasks) Get(_ domain.Context, id string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return *t, nil
}

func (f *fakeTasks) List(_ domain.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, t := range f.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeTasks) LeaseNext(_ domain.Context, workerID string, now time.Time) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pick *domain.Task
	for _, t := range f.tasks {
		if t.Status != domain.TaskPending {
			continue
		}
		if t.ScheduledFor != nil && t.ScheduledFor.After(now) {
			continue
		}
		if pick == nil || t.Priority > pick.Priority ||
			(t.Priority == pick.Priority && t.CreatedAt.Before(pick.CreatedAt)) {
			pick = t
		}
	}
	if pick == nil {
		return domain.Task{}, domain.ErrNotFound
	}
	pick.Status = domain.TaskActive
	pick.Attempt++
	started := now
	pick.StartedAt = &started
	_ = workerID
	return *pick, nil
}

func (f *fakeTasks) MarkCompleted(_ domain.Context, id, videoURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status == domain.TaskCompleted {
		return nil
	}
	t.Status = domain.TaskCompleted
	t.VideoURL = videoURL
	t.Progress = 100
	return nil
}

func (f *fakeTasks) MarkRetry(_ domain.Context, id, errMsg, category string, retryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	if t.Status != domain.TaskActive {
		return nil
	}
	t.Status = domain.TaskPending
	t.LastError = errMsg
	t.ErrorCategory = category
	t.ScheduledFor = &retryAt
	return nil
}

func (f *fakeTasks) Requeue(_ domain.Context, id string, retryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	if t.Status != domain.TaskActive {
		return nil
	}
	t.Status = domain.TaskPending
	if t.Attempt > 0 {
		t.Attempt--
	}
	t.ScheduledFor = &retryAt
	return nil
}

func (f *fakeTasks) MarkDead(_ domain.Context, id, errMsg, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.Status = domain.TaskDead
	t.LastError = errMsg
	t.ErrorCategory = category
	return nil
}

func (f *fakeTasks) BindAccount(_ domain.Context, id, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id].AccountID = accountID
	return nil
}

func (f *fakeTasks) UpdateProgress(_ domain.Context, id string, pct int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id].Progress = pct
	return nil
}

func (f *fakeTasks) Heartbeat(_ domain.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	if t.Status == domain.TaskActive {
		t.Metadata = map[string]any{"heartbeat_at": at}
	}
	return nil
}

func (f *fakeTasks) ReclaimStalled(_ domain.Context, cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, t := range f.tasks {
		if t.Status != domain.TaskActive {
			continue
		}
		hb, _ := t.Metadata["heartbeat_at"].(time.Time)
		if hb.Before(cutoff) {
			t.Status = domain.TaskPending
			t.ScheduledFor = nil
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeTasks) Counts(_ domain.Context, now time.Time) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, t := range f.tasks {
		zone := string(t.Status)
		if t.Status == domain.TaskPending && t.ScheduledFor != nil && t.ScheduledFor.After(now) {
			zone = "delayed"
		}
		out[zone]++
	}
	return out, nil
}

func (f *fakeTasks) TrimTerminal(_ domain.Context, keepCompleted, keepDead int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	count := map[domain.TaskStatus]int{}
	for id, t := range f.tasks {
		if t.Status != domain.TaskCompleted && t.Status != domain.TaskDead {
			continue
		}
		count[t.Status]++
		keep := keepCompleted
		if t.Status == domain.TaskDead {
			keep = keepDead
		}
		if count[t.Status] > keep {
			delete(f.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

var _ domain.TaskRepository = (*fakeTasks)(nil)

func validTask() domain.Task {
	return domain.Task{
		Video: domain.VideoSpec{
			Path:    "/videos/demo.mp4",
			Title:   "Demo",
			Privacy: domain.PrivacyPrivate,
		},
	}
}

func newTestQueue(repo domain.TaskRepository, cfg Config) *Queue {
	cfg.SkipFileChecks = true
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	return New(repo, events.NewBus(), cfg)
}

func TestSubmitAssignsIDAndDefaults(t *testing.T) {
	repo := newFakeTasks()
	q := newTestQueue(repo, Config{})

	out, err := q.Submit(context.Background(), validTask())
	require.NoError(t, err)
	require.NotEmpty(t, out.ID)

	stored, err := q.Get(context.Background(), out.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskPending, stored.Status)
	require.Equal(t, 3, stored.MaxAttempts)
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	q := newTestQueue(newFakeTasks(), Config{})

	bad := validTask()
	bad.Video.Title = ""
	_, err := q.Submit(context.Background(), bad)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	bad = validTask()
	bad.Video.Privacy = "FRIENDS_ONLY"
	_, err = q.Submit(context.Background(), bad)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitClampsPriority(t *testing.T) {
	repo := newFakeTasks()
	q := newTestQueue(repo, Config{})

	in := validTask()
	in.Priority = 99
	out, err := q.Submit(context.Background(), in)
	require.NoError(t, err)
	stored, _ := q.Get(context.Background(), out.ID)
	require.Equal(t, 10, stored.Priority)
}

func TestSubmitSaturation(t *testing.T) {
	repo := newFakeTasks()
	q := newTestQueue(repo, Config{HighWatermark: 2})
	ctx := context.Background()

	_, err := q.Submit(ctx, validTask())
	require.NoError(t, err)
	_, err = q.Submit(ctx, validTask())
	require.NoError(t, err)

	_, err = q.Submit(ctx, validTask())
	require.ErrorIs(t, err, domain.ErrQueueSaturated)
}

func TestSubmitBatchAllOrNothing(t *testing.T) {
	repo := newFakeTasks()
	q := newTestQueue(repo, Config{})
	ctx := context.Background()

	bad := validTask()
	bad.Video.Title = ""
	_, err := q.SubmitBatch(ctx, []domain.Task{validTask(), bad})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	zones, _ := q.Counts(ctx)
	require.Zero(t, zones[string(domain.TaskPending)], "no partial batch may persist")

	out, err := q.SubmitBatch(ctx, []domain.Task{validTask(), validTask()})
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestLeasePriorityOrder(t *testing.T) {
	repo := newFakeTasks()
	q := newTestQueue(repo, Config{})
	ctx := context.Background()

	low := validTask()
	low.Priority = 1
	high := validTask()
	high.Priority = 9
	_, err := q.Submit(ctx, low)
	require.NoError(t, err)
	submittedHigh, err := q.Submit(ctx, high)
	require.NoError(t, err)

	leased, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, submittedHigh.ID, leased.ID)
	require.Equal(t, 1, leased.Attempt, "lease consumes the attempt")
}

func TestLeaseSkipsDelayed(t *testing.T) {
	repo := newFakeTasks()
	q := newTestQueue(repo, Config{})
	ctx := context.Background()

	out, err := q.Submit(ctx, validTask())
	require.NoError(t, err)
	leased, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, leased.ID, "connection reset", "network_error", time.Hour))

	leaseCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = q.Lease(leaseCtx, "w1")
	require.ErrorIs(t, err, domain.ErrShuttingDown, "delayed task must not lease before its time")

	stored, _ := q.Get(ctx, out.ID)
	require.Equal(t, domain.TaskPending, stored.Status)
	require.Equal(t, "network_error", stored.ErrorCategory)
}

func TestAckIsIdempotent(t *testing.T) {
	repo := newFakeTasks()
	q := newTestQueue(repo, Config{})
	ctx := context.Background()

	out, _ := q.Submit(ctx, validTask())
	_, err := q.Lease(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, out.ID, "https://videos/v/1"))
	require.NoError(t, q.Ack(ctx, out.ID, "https://videos/v/other"))

	stored, _ := q.Get(ctx, out.ID)
	require.Equal(t, domain.TaskCompleted, stored.Status)
	require.Equal(t, "https://videos/v/1", stored.VideoURL, "second ack must not overwrite")
}

func TestRequeueReturnsAttempt(t *testing.T) {
	repo := newFakeTasks()
	q := newTestQueue(repo, Config{})
	ctx := context.Background()

	out, _ := q.Submit(ctx, validTask())
	leased, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, leased.Attempt)

	require.NoError(t, q.Requeue(ctx, out.ID, 0))
	stored, _ := q.Get(ctx, out.ID)
	require.Equal(t, domain.TaskPending, stored.Status)
	require.Equal(t, 0, stored.Attempt, "resource waits do not consume attempts")
}

func TestDeadLetterZone(t *testing.T) {
	repo := newFakeTasks()
	q := newTestQueue(repo, Config{})
	ctx := context.Background()

	out, _ := q.Submit(ctx, validTask())
	_, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Dead(ctx, out.ID, "account suspended", "account_suspended"))

	stored, _ := q.Get(ctx, out.ID)
	require.Equal(t, domain.TaskDead, stored.Status)

	zones, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, zones[string(domain.TaskDead)])
}

func TestCountsSplitsDelayed(t *testing.T) {
	repo := newFakeTasks()
	q := newTestQueue(repo, Config{})
	ctx := context.Background()

	_, err := q.Submit(ctx, validTask())
	require.NoError(t, err)
	delayed, _ := q.Submit(ctx, validTask())
	_, err = q.Lease(ctx, "w1")
	require.NoError(t, err)
	_ = delayed

	// Push one task into the delayed zone.
	leased, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, leased.ID, "429", "rate_limit", time.Hour))

	zones, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, zones[string(domain.TaskActive)])
	require.Equal(t, 1, zones["delayed"])
	require.Zero(t, zones[string(domain.TaskFailed)], "retries report as delayed, not failed")
}

func TestReclaimStalled(t *testing.T) {
	repo := newFakeTasks()
	q := newTestQueue(repo, Config{StallTimeout: time.Minute})
	ctx := context.Background()

	out, _ := q.Submit(ctx, validTask())
	leased, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, leased.Attempt)

	// No heartbeat ever recorded: the task looks stalled immediately.
	n, err := q.ReclaimStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, _ := q.Get(ctx, out.ID)
	require.Equal(t, domain.TaskPending, stored.Status)
	require.Equal(t, 1, stored.Attempt, "reclaim leaves the attempt counter alone")

	// The reclaimed task leases again, consuming the next attempt.
	again, err := q.Lease(ctx, "w2")
	require.NoError(t, err)
	require.Equal(t, 2, again.Attempt)
}

func TestSubmitValidatesVideoFile(t *testing.T) {
	repo := newFakeTasks()
	q := New(repo, events.NewBus(), Config{PollInterval: time.Millisecond})

	in := validTask()
	in.Video.Path = "/nonexistent/video.mp4"
	_, err := q.Submit(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
