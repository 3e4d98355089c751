package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrNoAccountAvailable = errors.New("no account available")
	ErrQueueSaturated     = errors.New("queue saturated")
	ErrBrowserUnavailable = errors.New("browser unavailable")
	ErrShuttingDown       = errors.New("engine shutting down")
	ErrInternal           = errors.New("internal error")
)

// ErrorKind partitions failures by the remediation they demand.
type ErrorKind int

const (
	// KindTransient errors retry in place or via a queue delay.
	KindTransient ErrorKind = iota
	// KindAccountFatal errors force an account suspend and dead-letter the task.
	KindAccountFatal
	// KindTaskFatal errors dead-letter the task without touching the account.
	KindTaskFatal
	// KindFatal errors shut the engine down.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAccountFatal:
		return "account_fatal"
	case KindTaskFatal:
		return "task_fatal"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// KindError carries an ErrorKind alongside the underlying cause so callers
// can branch on remediation without string matching.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string { return e.Kind.String() + ": " + e.Err.Error() }

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err with an ErrorKind. A nil err returns nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to KindTransient so
// unknown failures stay retryable at the store layer.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindTransient
}
