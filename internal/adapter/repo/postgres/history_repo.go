package postgres

import (
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

// HistoryRepo appends immutable upload_history and upload_errors rows and
// serves the failure-ratio query the health monitor runs.
type HistoryRepo struct{ Pool PgxPool }

// NewHistoryRepo constructs a HistoryRepo with the given pool.
func NewHistoryRepo(p PgxPool) *HistoryRepo { return &HistoryRepo{Pool: p} }

// AppendHistory writes one attempt outcome. Rows are append-only.
func (r *HistoryRepo) AppendHistory(ctx domain.Context, h domain.UploadHistory) error {
	tracer := otel.Tracer("repo.history")
	ctx, span := tracer.Start(ctx, "history.Append")
	defer span.End()
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	q := `INSERT INTO upload_history (id, task_id, account_id, success, video_url, error, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, h.ID, h.TaskID, h.AccountID, h.Success, h.VideoURL, h.Error,
		h.Duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return mapError("history.append", err)
	}
	return nil
}

// AppendError writes one classification row.
func (r *HistoryRepo) AppendError(ctx domain.Context, e domain.UploadError) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	q := `INSERT INTO upload_errors (id, task_id, account_id, category, attempt, message, stack, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, e.ID, e.TaskID, e.AccountID, e.Category, e.Attempt, e.Message, e.Stack, time.Now().UTC())
	if err != nil {
		return mapError("history.append_error", err)
	}
	return nil
}

// FailureRatio returns failed/total attempts for the account over the
// trailing window. total==0 means the account made no attempts.
func (r *HistoryRepo) FailureRatio(ctx domain.Context, accountID string, window time.Duration) (float64, int, error) {
	since := time.Now().UTC().Add(-window)
	row := r.Pool.QueryRow(ctx, `SELECT count(*) FILTER (WHERE NOT success), count(*)
		FROM upload_history WHERE account_id=$1 AND created_at >= $2`, accountID, since)
	var failed, total int
	if err := row.Scan(&failed, &total); err != nil {
		return 0, 0, mapError("history.failure_ratio", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(failed) / float64(total), total, nil
}
