// Package domain defines the entities, ports and error taxonomy shared by
// the orchestration engine. Adapters (Postgres, Redis, browser farm) and
// services depend on this package only; it depends on nothing but the
// standard library.
package domain

import (
	"context"
	"time"
)

// AccountStatus enumerates the lifecycle states of a publishing account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountLimited   AccountStatus = "limited"
	AccountSuspended AccountStatus = "suspended"
	AccountError     AccountStatus = "error"
)

// Account is a publishing identity pinned to an isolated browser profile.
// Invariant: HealthScore < 30 implies Status == AccountSuspended; the
// registry enforces this on every health update.
type Account struct {
	ID                   string
	Email                string
	EncryptedCredentials []byte
	BrowserProfileID     string
	Status               AccountStatus
	DailyUploadCount     int
	DailyUploadLimit     int
	LastUploadTime       *time.Time
	HealthScore          int
	Metadata             map[string]any
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HasAvailableUploads reports whether the account is below its daily quota.
func (a Account) HasAvailableUploads() bool {
	return a.DailyUploadCount < a.DailyUploadLimit
}

// Privacy enumerates video visibility settings.
type Privacy string

const (
	PrivacyPrivate  Privacy = "PRIVATE"
	PrivacyUnlisted Privacy = "UNLISTED"
	PrivacyPublic   Privacy = "PUBLIC"
)

// VideoSpec describes the video to upload and its publish settings. It is
// persisted as a schemaless JSON blob on the task row.
type VideoSpec struct {
	Path               string   `json:"path" validate:"required"`
	Title              string   `json:"title" validate:"required,max=100"`
	Description        string   `json:"description,omitempty" validate:"max=5000"`
	Tags               []string `json:"tags,omitempty" validate:"max=30"`
	Privacy            Privacy  `json:"privacy" validate:"oneof=PRIVATE UNLISTED PUBLIC"`
	ThumbnailPath      string   `json:"thumbnail_path,omitempty"`
	PlaylistID         string   `json:"playlist_id,omitempty"`
	ScheduledPublishAt *time.Time `json:"scheduled_publish_at,omitempty"`
}

// TaskStatus enumerates task lifecycle states. Transitions are monotone
// within pending -> active -> (completed|failed); failed -> pending is
// permitted only while attempts remain and the error is retryable. Dead is
// terminal. The repo collapses failed -> pending into a single update, so
// tasks never rest in TaskFailed; the status exists for zone reporting.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskDead      TaskStatus = "dead"
)

// Task is one upload request moving through the queue.
type Task struct {
	ID                 string
	AccountID          string // bound when work starts
	PreferredAccountID string
	Video              VideoSpec
	Priority           int // 0..10, higher first
	Status             TaskStatus
	Attempt            int
	MaxAttempts        int
	ScheduledFor       *time.Time // earliest start
	Progress           int        // 0..100
	VideoURL           string
	LastError          string
	ErrorCategory      string
	Metadata           map[string]any
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// BrowserStatus enumerates farm window states tracked by the pool.
type BrowserStatus string

const (
	BrowserIdle  BrowserStatus = "idle"
	BrowserBusy  BrowserStatus = "busy"
	BrowserError BrowserStatus = "error"
)

// BrowserInstance mirrors one live window in the external browser farm.
// Invariant: at most one BoundAccountID at a time; busy implies a non-empty
// BoundAccountID.
type BrowserInstance struct {
	WindowID       string
	ProfileID      string
	DebugEndpoint  string
	Status         BrowserStatus
	BoundAccountID string
	ErrorCount     int
	UploadCount    int
	LastActivity   time.Time
	IsLoggedIn     bool
}

// UploadHistory is an append-only record of one finished attempt.
type UploadHistory struct {
	ID        string
	TaskID    string
	AccountID string
	Success   bool
	VideoURL  string
	Error     string
	Duration  time.Duration
	CreatedAt time.Time
}

// UploadError is an append-only record written by the retry classifier.
type UploadError struct {
	ID        string
	TaskID    string
	AccountID string
	Category  string
	Attempt   int
	Message   string
	Stack     string
	CreatedAt time.Time
}

// Alert is produced by the health monitor.
type Alert struct {
	Severity  string // info, warning, critical
	Kind      string // health_low, limit_reached, error_rate_high, suspended
	AccountID string
	Message   string
	At        time.Time
}

// ProgressSink receives upload progress from the driver. Implementations
// must be safe for concurrent use.
type ProgressSink interface {
	Progress(pct int)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(pct int)

// Progress implements ProgressSink.
func (f ProgressFunc) Progress(pct int) { f(pct) }

// Context aliases context.Context so ports read uniformly.
type Context = context.Context
