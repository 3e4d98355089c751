package domain

import "time"

// AccountFilter restricts candidate enumeration.
type AccountFilter struct {
	Status              AccountStatus
	MinHealthScore      int
	HasAvailableUploads bool
	Limit               int
}

// AccountRepository persists accounts.
type AccountRepository interface {
	Create(ctx Context, a Account) (string, error)
	Get(ctx Context, id string) (Account, error)
	GetByEmail(ctx Context, email string) (Account, error)
	Update(ctx Context, a Account) error
	List(ctx Context, offset, limit int) ([]Account, error)
	// Candidates returns accounts matching the filter ordered by
	// (healthScore desc, dailyUploadCount asc). Rows are read with
	// FOR UPDATE SKIP LOCKED so concurrent selectors never collide.
	Candidates(ctx Context, f AccountFilter) ([]Account, error)
	// ApplyOutcome atomically folds one attempt result into the account:
	// health +2 on success / -10 on failure (clamped 0..100), daily count
	// +1, lastUploadTime=now. forceSuspend or a resulting score < 30 sets
	// status=suspended. Returns the updated account.
	ApplyOutcome(ctx Context, id string, success, forceSuspend bool) (Account, error)
	// ResetDaily zeros every account's dailyUploadCount.
	ResetDaily(ctx Context) (int64, error)
	// Recover resets health to 70, status to active and daily count to 0.
	Recover(ctx Context, id string) (Account, error)
}

// TaskFilter restricts task listing.
type TaskFilter struct {
	Status TaskStatus
	Limit  int
	Offset int
}

// TaskRepository persists tasks; the queue service owns their lifecycle.
type TaskRepository interface {
	Create(ctx Context, t Task) (string, error)
	CreateBatch(ctx Context, ts []Task) ([]string, error)
	Get(ctx Context, id string) (Task, error)
	List(ctx Context, f TaskFilter) ([]Task, error)
	// LeaseNext atomically claims the highest-priority pending task whose
	// scheduledFor has passed and moves it to active (FOR UPDATE SKIP
	// LOCKED). ErrNotFound when nothing is leasable.
	LeaseNext(ctx Context, workerID string, now time.Time) (Task, error)
	MarkCompleted(ctx Context, id, videoURL string) error
	// MarkRetry returns a failed attempt to the delayed zone.
	MarkRetry(ctx Context, id string, errMsg, category string, retryAt time.Time) error
	// Requeue returns a leased task to the delayed zone without consuming
	// the attempt (resource waits are not upload attempts).
	Requeue(ctx Context, id string, retryAt time.Time) error
	MarkDead(ctx Context, id string, errMsg, category string) error
	BindAccount(ctx Context, id, accountID string) error
	UpdateProgress(ctx Context, id string, pct int) error
	Heartbeat(ctx Context, id string, at time.Time) error
	// ReclaimStalled returns active tasks with no heartbeat since cutoff
	// to pending, attempt unchanged. Returns the reclaimed ids.
	ReclaimStalled(ctx Context, cutoff time.Time) ([]string, error)
	// Counts tallies tasks per zone. Zones are the statuses plus "delayed"
	// (pending with scheduledFor in the future). Retries go back to
	// pending rather than through TaskFailed, so the "failed" zone is
	// normally empty.
	Counts(ctx Context, now time.Time) (map[string]int, error)
	// TrimTerminal enforces retention: keep the latest keepCompleted
	// completed and keepFailed dead rows, delete the rest.
	TrimTerminal(ctx Context, keepCompleted, keepDead int) (int64, error)
}

// HistoryRepository appends immutable outcome rows.
type HistoryRepository interface {
	AppendHistory(ctx Context, h UploadHistory) error
	AppendError(ctx Context, e UploadError) error
	// FailureRatio returns failed/total for the account over the window,
	// with total; total==0 means no attempts.
	FailureRatio(ctx Context, accountID string, window time.Duration) (ratio float64, total int, err error)
}

// BrowserRepository mirrors farm window state for observability.
type BrowserRepository interface {
	Upsert(ctx Context, b BrowserInstance) error
	Delete(ctx Context, windowID string) error
	List(ctx Context) ([]BrowserInstance, error)
}

// CoordStore is the coordination key-value contract. Reservations and rate
// counters rely only on these primitives. Implementations: Redis, or an
// in-memory table with a TTL sweep for single-process deployments.
//
// Failed coordination operations are reported as errors; callers treat them
// as "reserved / limit reached" (fail closed).
type CoordStore interface {
	Get(ctx Context, key string) (string, bool, error)
	// SetNX stores value only when key is absent, with ttl. Reports
	// whether the claim succeeded.
	SetNX(ctx Context, key, value string, ttl time.Duration) (bool, error)
	Incr(ctx Context, key string) (int64, error)
	Expire(ctx Context, key string, ttl time.Duration) error
	TTL(ctx Context, key string) (time.Duration, error)
	Del(ctx Context, key string) error
	// CompareAndDelete removes key only when its current value equals
	// value. Reports whether a deletion happened.
	CompareAndDelete(ctx Context, key, value string) (bool, error)
	KeysByPrefix(ctx Context, prefix string) ([]string, error)
}

// FarmWindow is one window reported by the external browser farm.
type FarmWindow struct {
	ID            string
	Name          string
	DebugEndpoint string
}

// BrowserFarm is the consumed farm API.
type BrowserFarm interface {
	ListWindows(ctx Context) ([]FarmWindow, error)
	OpenByName(ctx Context, name string) (FarmWindow, error)
	Close(ctx Context, id string) error
	CheckLogin(ctx Context, id string) (bool, error)
}

// BrowserHandle is a leased window. Release goes through the pool.
type BrowserHandle struct {
	WindowID      string
	ProfileID     string
	DebugEndpoint string
}

// UploadDriver drives the upload through the external browser. It must
// honour ctx cancellation (abort after the current atomic browser step) and
// stream progress to sink.
type UploadDriver interface {
	Run(ctx Context, handle BrowserHandle, account Account, video VideoSpec, sink ProgressSink) (videoURL string, err error)
}

// Plaintext holds decrypted credential material with scoped release.
type Plaintext struct {
	Email    string
	Password string
	Cookies  []byte
}

// Close drops the credential material. Callers defer it as soon as the
// plaintext is obtained.
func (p *Plaintext) Close() {
	p.Password = ""
	for i := range p.Cookies {
		p.Cookies[i] = 0
	}
	p.Cookies = nil
}

// CredentialStore decrypts account credentials. Plaintext must never be
// logged.
type CredentialStore interface {
	Load(ctx Context, accountID string) (*Plaintext, error)
}
