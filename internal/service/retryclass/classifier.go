// Package retryclass categorises upload failures and decides retry versus
// dead-letter.
//
// Classification is table-driven: compiled regexes map a raw error message
// to one category; the category's policy bounds attempts and delay. An
// unmatched message dead-letters — an error nobody anticipated is not worth
// burning an account's quota on blind retries.
package retryclass

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"time"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

// rule is one (pattern -> category) tuple. Rules are evaluated in order;
// the first match wins.
type rule struct {
	re       *regexp.Regexp
	category domain.ErrorCategory
}

var defaultRules = []rule{
	{regexp.MustCompile(`(?i)account (is )?(suspended|disabled|terminated)|terms of service|tos violation|channel terminated`), domain.CategoryAccountSuspended},
	{regexp.MustCompile(`(?i)\b401\b|unauthorized|bad credentials|login (failed|required)|authentication|sign.?in required|session expired`), domain.CategoryAuth},
	{regexp.MustCompile(`(?i)\b429\b|too many requests|rate.?limit|quota exceeded|upload limit reached`), domain.CategoryRateLimit},
	{regexp.MustCompile(`(?i)invalid video|unsupported (format|codec)|video processing failed|file (too large|corrupt)|malformed media`), domain.CategoryVideoProcessing},
	{regexp.MustCompile(`(?i)\b503\b|service unavailable|please try again|temporarily unavailable|internal server error`), domain.CategoryTemporary},
	{regexp.MustCompile(`(?i)navigation (failed|timeout)|page crash|target closed|browser (crashed|disconnected)|frame detached|window closed`), domain.CategoryBrowser},
	{regexp.MustCompile(`(?i)conn(ection)? (refused|reset)|ETIMEDOUT|ECONNRESET|ENOTFOUND|timed? ?out|timeout|dns|network|socket hang up`), domain.CategoryNetwork},
}

const maxBackoff = time.Hour

// Classifier maps raw errors to retry decisions and records every
// classification in upload_errors.
type Classifier struct {
	rules    []rule
	policies map[domain.ErrorCategory]domain.RetryPolicy
	history  domain.HistoryRepository
}

// New constructs a Classifier with the default rule table and policies.
func New(history domain.HistoryRepository) *Classifier {
	return &Classifier{rules: defaultRules, policies: domain.DefaultPolicies(), history: history}
}

// Categorise maps a raw message to its error category.
func (c *Classifier) Categorise(msg string) domain.ErrorCategory {
	for _, r := range c.rules {
		if r.re.MatchString(msg) {
			return r.category
		}
	}
	return domain.CategoryUnknown
}

// Classify decides retry-vs-dead-letter for one failed attempt and appends
// the upload_errors row. attempt is the 1-based attempt that just failed;
// taskMaxAttempts caps retries alongside the per-category limit.
func (c *Classifier) Classify(ctx domain.Context, task domain.Task, account domain.Account, errMsg string) (domain.Decision, error) {
	category := c.Categorise(errMsg)
	policy, known := c.policies[category]

	d := domain.Decision{Category: category}
	if category.Kind() == domain.KindAccountFatal {
		d.ForceSuspend = true
	}

	switch {
	case !known || !policy.Retryable:
		// DeadLetter
	case account.ID != "" && account.Status != domain.AccountActive:
		// A non-active account cannot run the retry; dead-letter.
	case task.Attempt >= policy.MaxAttempts || task.Attempt >= task.MaxAttempts:
		// Attempts exhausted.
	default:
		d.Retry = true
		d.Delay = retryDelay(policy, task.Attempt)
	}

	row := domain.UploadError{
		TaskID:    task.ID,
		AccountID: account.ID,
		Category:  string(category),
		Attempt:   task.Attempt,
		Message:   errMsg,
		Stack:     excerpt(errMsg, 2000),
	}
	if err := c.history.AppendError(ctx, row); err != nil {
		// Classification stands; losing the audit row is logged, not fatal.
		slog.Error("failed to record upload error",
			slog.String("task_id", task.ID),
			slog.String("category", string(category)),
			slog.Any("error", err))
	}
	return d, nil
}

// retryDelay returns the category's base delay, or capped exponential
// backoff when the policy carries none.
func retryDelay(p domain.RetryPolicy, attempt int) time.Duration {
	if p.BaseDelay > 0 {
		return p.BaseDelay
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Describe summarises a decision for logs and task rows.
func Describe(d domain.Decision) string {
	if d.Retry {
		return fmt.Sprintf("retry in %s (%s)", d.Delay, d.Category)
	}
	return fmt.Sprintf("dead-letter (%s)", d.Category)
}
