package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/coord/memstore"
	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/admission"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/browserpool"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/events"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/queue"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/registry"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/retryclass"
	"github.com/fairyhunter13/upload-orchestrator/internal/service/selector"
)

// ---- repository fakes ----

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

func (f *fakeTasks) LeaseNext(_ domain.Context, _ string, now time.Time) (domain.Task, error) {
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
	if t := f.tasks[id]; t.Status == domain.TaskActive {
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

func (f *fakeTasks) TrimTerminal(domain.Context, int, int) (int64, error) { return 0, nil }

var _ domain.TaskRepository = (*fakeTasks)(nil)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
}

func newFakeAccounts(accts ...domain.Account) *fakeAccounts {
	f := &fakeAccounts{accounts: make(map[string]*domain.Account)}
	for _, a := range accts {
		cp := a
		f.accounts[a.ID] = &cp
	}
	return f
}

func (f *fakeAccounts) Create(_ domain.Context, a domain.Account) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := a
	f.accounts[a.ID] = &cp
	return a.ID, nil
}

func (f *fakeAccounts) Get(_ domain.Context, id string) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return *a, nil
}

func (f *fakeAccounts) GetByEmail(_ domain.Context, email string) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Email == email {
			return *a, nil
		}
	}
	return domain.Account{}, domain.ErrNotFound
}

func (f *fakeAccounts) Update(_ domain.Context, a domain.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := a
	f.accounts[a.ID] = &cp
	return nil
}

func (f *fakeAccounts) List(_ domain.Context, offset, limit int) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Account
	for _, a := range f.accounts {
		out = append(out, *a)
	}
	if offset >= len(out) {
		return nil, nil
	}
	return out, nil
}

func (f *fakeAccounts) Candidates(_ domain.Context, filter domain.AccountFilter) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Account
	for _, a := range f.accounts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if a.HealthScore < filter.MinHealthScore {
			continue
		}
		if filter.HasAvailableUploads && !a.HasAvailableUploads() {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HealthScore != out[j].HealthScore {
			return out[i].HealthScore > out[j].HealthScore
		}
		if out[i].DailyUploadCount != out[j].DailyUploadCount {
			return out[i].DailyUploadCount < out[j].DailyUploadCount
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeAccounts) ApplyOutcome(_ domain.Context, id string, success, forceSuspend bool) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	if success {
		a.HealthScore += 2
	} else {
		a.HealthScore -= 10
	}
	if a.HealthScore > 100 {
		a.HealthScore = 100
	}
	if a.HealthScore < 0 {
		a.HealthScore = 0
	}
	a.DailyUploadCount++
	now := time.Now().UTC()
	a.LastUploadTime = &now
	if forceSuspend || a.HealthScore < 30 {
		a.Status = domain.AccountSuspended
	}
	return *a, nil
}

func (f *fakeAccounts) ResetDaily(domain.Context) (int64, error) { return 0, nil }

func (f *fakeAccounts) Recover(_ domain.Context, id string) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.accounts[id]
	a.HealthScore = 70
	a.Status = domain.AccountActive
	a.DailyUploadCount = 0
	return *a, nil
}

var _ domain.AccountRepository = (*fakeAccounts)(nil)

type fakeHistory struct {
	mu      sync.Mutex
	history []domain.UploadHistory
	errs    []domain.UploadError
}

func (h *fakeHistory) AppendHistory(_ domain.Context, row domain.UploadHistory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, row)
	return nil
}

func (h *fakeHistory) AppendError(_ domain.Context, e domain.UploadError) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, e)
	return nil
}

func (h *fakeHistory) FailureRatio(domain.Context, string, time.Duration) (float64, int, error) {
	return 0, 0, nil
}

func (h *fakeHistory) rows() []domain.UploadHistory {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.UploadHistory(nil), h.history...)
}

type fakeFarm struct {
	mu  sync.Mutex
	seq int
}

func (f *fakeFarm) ListWindows(domain.Context) ([]domain.FarmWindow, error) { return nil, nil }
func (f *fakeFarm) OpenByName(_ domain.Context, name string) (domain.FarmWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return domain.FarmWindow{ID: fmt.Sprintf("win-%d", f.seq), Name: name}, nil
}
func (f *fakeFarm) Close(domain.Context, string) error              { return nil }
func (f *fakeFarm) CheckLogin(domain.Context, string) (bool, error) { return true, nil }

// fakeDriver scripts upload outcomes per call and tracks per-account
// concurrency.
type fakeDriver struct {
	mu          sync.Mutex
	run         func(ctx context.Context, account domain.Account) (string, error)
	inFlight    map[string]int
	maxInFlight int
	calls       int
	block       time.Duration
}

func (d *fakeDriver) Run(ctx domain.Context, _ domain.BrowserHandle, account domain.Account,
	_ domain.VideoSpec, sink domain.ProgressSink) (string, error) {

	d.mu.Lock()
	if d.inFlight == nil {
		d.inFlight = make(map[string]int)
	}
	d.calls++
	d.inFlight[account.ID]++
	if d.inFlight[account.ID] > d.maxInFlight {
		d.maxInFlight = d.inFlight[account.ID]
	}
	block := d.block
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.inFlight[account.ID]--
		d.mu.Unlock()
	}()

	if sink != nil {
		sink.Progress(50)
	}
	if block > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(block):
		}
	}
	if sink != nil {
		sink.Progress(100)
	}
	return d.run(ctx, account)
}

func (d *fakeDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// ---- harness ----

type harness struct {
	eng      *Engine
	tasks    *fakeTasks
	accounts *fakeAccounts
	history  *fakeHistory
	driver   *fakeDriver
}

func activeAccount(id string) domain.Account {
	return domain.Account{
		ID:               id,
		Email:            id + "@accounts.test",
		BrowserProfileID: "profile-" + id,
		Status:           domain.AccountActive,
		HealthScore:      90,
		DailyUploadLimit: 10,
	}
}

func newHarness(t *testing.T, driver *fakeDriver, accts ...domain.Account) *harness {
	t.Helper()
	return newHarnessAdmission(t, driver, admission.Config{}, accts...)
}

func newHarnessAdmission(t *testing.T, driver *fakeDriver, ac admission.Config, accts ...domain.Account) *harness {
	t.Helper()

	tasks := newFakeTasks()
	accounts := newFakeAccounts(accts...)
	history := &fakeHistory{}
	coord := memstore.New()
	t.Cleanup(coord.Close)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	q := queue.New(tasks, bus, queue.Config{
		SkipFileChecks: true,
		PollInterval:   5 * time.Millisecond,
		StallTimeout:   time.Minute,
	})
	reg := registry.New(accounts, bus)
	eng := New(Config{
		Concurrency:   2,
		UploadTimeout: 2 * time.Second,
		DrainTimeout:  2 * time.Second,
	}, Deps{
		Queue:      q,
		Admission:  admission.New(coord, ac),
		Selector:   selector.New(accounts, coord, nil, selector.Config{MinHealthScore: 30, ReservationTTL: time.Minute}),
		Registry:   reg,
		Pool:       browserpool.New(&fakeFarm{}, nil, bus, browserpool.Config{MaxInstances: 4, LeaseTimeout: 200 * time.Millisecond}),
		Classifier: retryclass.New(history),
		History:    history,
		Driver:     driver,
		Bus:        bus,
	})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return &harness{eng: eng, tasks: tasks, accounts: accounts, history: history, driver: driver}
}

func submittable() domain.Task {
	return domain.Task{
		Video: domain.VideoSpec{
			Path:    "/videos/demo.mp4",
			Title:   "Demo",
			Privacy: domain.PrivacyPrivate,
		},
	}
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.TaskStatus) domain.Task {
	t.Helper()
	var last domain.Task
	require.Eventually(t, func() bool {
		got, err := h.tasks.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = got
		return got.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s (last %s)", id, want, last.Status)
	return last
}

// ---- scenarios ----

func TestUploadHappyPath(t *testing.T) {
	driver := &fakeDriver{run: func(context.Context, domain.Account) (string, error) {
		return "https://watch/v/abc123", nil
	}}
	h := newHarness(t, driver, activeAccount("a1"))

	out, err := h.eng.Submit(context.Background(), submittable())
	require.NoError(t, err)

	done := h.waitStatus(t, out.ID, domain.TaskCompleted)
	require.Equal(t, "https://watch/v/abc123", done.VideoURL)
	require.Equal(t, "a1", done.AccountID)
	require.Equal(t, 100, done.Progress)

	rows := h.history.rows()
	require.Len(t, rows, 1, "completed task has its history row")
	require.True(t, rows[0].Success)
	require.Equal(t, out.ID, rows[0].TaskID)

	a, _ := h.accounts.Get(context.Background(), "a1")
	require.Equal(t, 92, a.HealthScore)
	require.Equal(t, 1, a.DailyUploadCount)
}

func TestOneUploadPerAccountAtATime(t *testing.T) {
	driver := &fakeDriver{
		block: 150 * time.Millisecond,
		run: func(context.Context, domain.Account) (string, error) {
			return "https://watch/v/serial", nil
		},
	}
	h := newHarness(t, driver, activeAccount("a1"))
	ctx := context.Background()

	first, err := h.eng.Submit(ctx, submittable())
	require.NoError(t, err)
	second, err := h.eng.Submit(ctx, submittable())
	require.NoError(t, err)

	// One of the two completes; the other finds the account reserved and is
	// handed back without burning an attempt.
	require.Eventually(t, func() bool {
		a, _ := h.tasks.Get(ctx, first.ID)
		b, _ := h.tasks.Get(ctx, second.ID)
		completed := 0
		waiting := 0
		for _, tk := range []domain.Task{a, b} {
			switch {
			case tk.Status == domain.TaskCompleted:
				completed++
			case tk.Status == domain.TaskPending && tk.Attempt == 0 && tk.ScheduledFor != nil:
				waiting++
			}
		}
		return completed == 1 && waiting == 1
	}, 5*time.Second, 10*time.Millisecond)

	driver.mu.Lock()
	defer driver.mu.Unlock()
	require.Equal(t, 1, driver.maxInFlight, "reservation keeps uploads serial per account")
}

func TestRetryableErrorDelaysTask(t *testing.T) {
	driver := &fakeDriver{run: func(context.Context, domain.Account) (string, error) {
		return "", errors.New("connect ETIMEDOUT 172.217.0.1:443")
	}}
	h := newHarness(t, driver, activeAccount("a1"))

	out, err := h.eng.Submit(context.Background(), submittable())
	require.NoError(t, err)

	delayed := h.waitStatus(t, out.ID, domain.TaskPending)
	require.Equal(t, 1, delayed.Attempt, "the failed run consumed the attempt")
	require.Equal(t, "network_error", delayed.ErrorCategory)
	require.NotNil(t, delayed.ScheduledFor)
	require.True(t, delayed.ScheduledFor.After(time.Now()), "retry waits out its delay")

	a, _ := h.accounts.Get(context.Background(), "a1")
	require.Equal(t, 80, a.HealthScore, "failure costs health")

	rows := h.history.rows()
	require.NotEmpty(t, rows)
	require.False(t, rows[0].Success)
}

func TestSuspensionDeadLettersAndSuspends(t *testing.T) {
	driver := &fakeDriver{run: func(context.Context, domain.Account) (string, error) {
		return "", errors.New("Your account is suspended")
	}}
	h := newHarness(t, driver, activeAccount("a1"))

	out, err := h.eng.Submit(context.Background(), submittable())
	require.NoError(t, err)

	dead := h.waitStatus(t, out.ID, domain.TaskDead)
	require.Equal(t, "account_suspended", dead.ErrorCategory)

	a, _ := h.accounts.Get(context.Background(), "a1")
	require.Equal(t, domain.AccountSuspended, a.Status)
	require.Equal(t, 1, driver.callCount(), "suspension is not retried")
}

func TestNoEligibleAccountHandsAttemptBack(t *testing.T) {
	exhausted := activeAccount("a1")
	exhausted.DailyUploadCount = exhausted.DailyUploadLimit

	driver := &fakeDriver{run: func(context.Context, domain.Account) (string, error) {
		return "https://watch/v/never", nil
	}}
	h := newHarness(t, driver, exhausted)

	out, err := h.eng.Submit(context.Background(), submittable())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.tasks.Get(context.Background(), out.ID)
		if err != nil {
			return false
		}
		return got.Status == domain.TaskPending && got.ScheduledFor != nil
	}, 5*time.Second, 10*time.Millisecond, "task waits for capacity")

	got, _ := h.tasks.Get(context.Background(), out.ID)
	require.Zero(t, got.Attempt, "a resource wait is not an upload attempt")
	require.Zero(t, driver.callCount())
}

func TestAccountWindowBoundsUnpinnedTasks(t *testing.T) {
	driver := &fakeDriver{run: func(context.Context, domain.Account) (string, error) {
		return "https://watch/v/windowed", nil
	}}
	h := newHarnessAdmission(t, driver, admission.Config{
		AccountLimit:  1,
		AccountWindow: time.Hour,
	}, activeAccount("a1"))
	ctx := context.Background()

	first, err := h.eng.Submit(ctx, submittable())
	require.NoError(t, err)
	h.waitStatus(t, first.ID, domain.TaskCompleted)

	// The selector picks the same account again; the exhausted window
	// delays the task until it rolls over, well past any resource wait.
	second, err := h.eng.Submit(ctx, submittable())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tk, err := h.tasks.Get(ctx, second.ID)
		if err != nil {
			return false
		}
		return tk.Status == domain.TaskPending && tk.Attempt == 0 &&
			tk.ScheduledFor != nil && tk.ScheduledFor.After(time.Now().Add(time.Minute))
	}, 5*time.Second, 10*time.Millisecond, "second upload waits out the account window")

	require.Equal(t, 1, driver.callCount(), "the account window admits one upload")
}

func TestPauseStopsLeasing(t *testing.T) {
	driver := &fakeDriver{run: func(context.Context, domain.Account) (string, error) {
		return "https://watch/v/paused", nil
	}}
	h := newHarness(t, driver, activeAccount("a1"))
	ctx := context.Background()

	h.eng.Pause()
	require.True(t, h.eng.Paused())

	out, err := h.eng.Submit(ctx, submittable())
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	got, _ := h.tasks.Get(ctx, out.ID)
	require.Equal(t, domain.TaskPending, got.Status, "paused engine leases nothing")

	h.eng.Resume()
	h.waitStatus(t, out.ID, domain.TaskCompleted)
}

func TestShutdownDrainsInFlightUpload(t *testing.T) {
	driver := &fakeDriver{
		block: 200 * time.Millisecond,
		run: func(context.Context, domain.Account) (string, error) {
			return "https://watch/v/drained", nil
		},
	}
	h := newHarness(t, driver, activeAccount("a1"))
	ctx := context.Background()

	out, err := h.eng.Submit(ctx, submittable())
	require.NoError(t, err)

	// Wait for the upload to be in flight before shutting down.
	require.Eventually(t, func() bool {
		return driver.callCount() > 0
	}, 5*time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.eng.Shutdown(shutdownCtx))

	got, _ := h.tasks.Get(ctx, out.ID)
	require.Equal(t, domain.TaskCompleted, got.Status, "drain lets the in-flight upload finish")

	_, err = h.eng.Submit(ctx, submittable())
	require.ErrorIs(t, err, domain.ErrShuttingDown)
}

func TestSystemStatusAggregates(t *testing.T) {
	driver := &fakeDriver{run: func(context.Context, domain.Account) (string, error) {
		return "https://watch/v/status", nil
	}}
	h := newHarness(t, driver, activeAccount("a1"), activeAccount("a2"))

	out, err := h.eng.Submit(context.Background(), submittable())
	require.NoError(t, err)
	h.waitStatus(t, out.ID, domain.TaskCompleted)

	st, err := h.eng.GetSystemStatus(context.Background())
	require.NoError(t, err)
	require.False(t, st.Paused)
	require.Equal(t, 1, st.Queue[string(domain.TaskCompleted)])
	require.Equal(t, 2, st.Accounts[string(domain.AccountActive)])

	view, err := h.eng.Status(context.Background(), out.ID)
	require.NoError(t, err)
	require.Equal(t, string(domain.TaskCompleted), view.Status)
	require.Equal(t, "https://watch/v/status", view.VideoURL)
}
