package domain

import "time"

// ErrorCategory is the exhaustive set of upload failure categories. The
// classifier maps every raw error into exactly one of these; callers switch
// over the full set.
type ErrorCategory string

const (
	CategoryNetwork          ErrorCategory = "network_error"
	CategoryRateLimit        ErrorCategory = "rate_limit"
	CategoryTemporary        ErrorCategory = "temporary_error"
	CategoryBrowser          ErrorCategory = "browser_error"
	CategoryAuth             ErrorCategory = "auth_error"
	CategoryAccountSuspended ErrorCategory = "account_suspended"
	CategoryVideoProcessing  ErrorCategory = "video_processing"
	CategoryUnknown          ErrorCategory = "unknown"
)

// Kind maps a category onto the remediation taxonomy.
func (c ErrorCategory) Kind() ErrorKind {
	switch c {
	case CategoryNetwork, CategoryRateLimit, CategoryTemporary, CategoryBrowser:
		return KindTransient
	case CategoryAuth, CategoryAccountSuspended:
		return KindAccountFatal
	case CategoryVideoProcessing, CategoryUnknown:
		return KindTaskFatal
	default:
		return KindTaskFatal
	}
}

// RetryPolicy bounds retries for one category.
type RetryPolicy struct {
	Retryable   bool
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicies returns the per-category retry policy table.
func DefaultPolicies() map[ErrorCategory]RetryPolicy {
	return map[ErrorCategory]RetryPolicy{
		CategoryNetwork:          {Retryable: true, MaxAttempts: 5, BaseDelay: 30 * time.Second},
		CategoryRateLimit:        {Retryable: true, MaxAttempts: 3, BaseDelay: time.Hour},
		CategoryTemporary:        {Retryable: true, MaxAttempts: 4, BaseDelay: 2 * time.Minute},
		CategoryBrowser:          {Retryable: true, MaxAttempts: 2, BaseDelay: time.Minute},
		CategoryAuth:             {Retryable: false},
		CategoryAccountSuspended: {Retryable: false},
		CategoryVideoProcessing:  {Retryable: false},
	}
}

// Decision is the classifier's verdict for one failed attempt.
type Decision struct {
	Category ErrorCategory
	Retry    bool
	Delay    time.Duration
	// ForceSuspend marks the account for suspension regardless of score
	// (auth_error, account_suspended).
	ForceSuspend bool
}
