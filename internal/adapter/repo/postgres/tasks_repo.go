package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

// TaskRepo persists upload tasks. The queue service owns their lifecycle;
// this repo only provides the atomic primitives it composes.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, account_id, preferred_account_id, video_data, priority, status, attempt,
	max_attempts, scheduled_for, progress, video_url, last_error, error_category, metadata,
	created_at, started_at, completed_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var video, meta []byte
	if err := row.Scan(&t.ID, &t.AccountID, &t.PreferredAccountID, &video, &t.Priority, &t.Status,
		&t.Attempt, &t.MaxAttempts, &t.ScheduledFor, &t.Progress, &t.VideoURL, &t.LastError,
		&t.ErrorCategory, &meta, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
		return domain.Task{}, err
	}
	if err := json.Unmarshal(video, &t.Video); err != nil {
		return domain.Task{}, fmt.Errorf("video_data: %w", err)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &t.Metadata)
	}
	return t, nil
}

const insertTaskSQL = `INSERT INTO upload_tasks (id, account_id, preferred_account_id, video_data, priority,
	status, attempt, max_attempts, scheduled_for, progress, video_url, last_error, error_category, metadata, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,'','','',$10,$11)`

func taskInsertArgs(t domain.Task, now time.Time) ([]any, error) {
	video, err := json.Marshal(t.Video)
	if err != nil {
		return nil, fmt.Errorf("video_data: %w", err)
	}
	meta, _ := json.Marshal(t.Metadata)
	return []any{t.ID, t.AccountID, t.PreferredAccountID, video, t.Priority,
		t.Status, t.Attempt, t.MaxAttempts, t.ScheduledFor, meta, now}, nil
}

// Create inserts a new task and returns its id.
func (r *TaskRepo) Create(ctx domain.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 3
	}
	args, err := taskInsertArgs(t, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	if _, err := r.Pool.Exec(ctx, insertTaskSQL, args...); err != nil {
		return "", mapError("task.create", err)
	}
	return t.ID, nil
}

// CreateBatch inserts tasks as one transactional group.
func (r *TaskRepo) CreateBatch(ctx domain.Context, ts []domain.Task) ([]string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CreateBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("tasks.count", len(ts)))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, mapError("task.create_batch", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	ids := make([]string, 0, len(ts))
	for _, t := range ts {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.Status == "" {
			t.Status = domain.TaskPending
		}
		if t.MaxAttempts == 0 {
			t.MaxAttempts = 3
		}
		args, err := taskInsertArgs(t, now)
		if err != nil {
			return nil, fmt.Errorf("op=task.create_batch: %w", err)
		}
		if _, err := tx.Exec(ctx, insertTaskSQL, args...); err != nil {
			return nil, mapError("task.create_batch", err)
		}
		ids = append(ids, t.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError("task.create_batch", err)
	}
	return ids, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM upload_tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, mapError("task.get", err)
	}
	return t, nil
}

// List returns tasks filtered by status, newest first.
func (r *TaskRepo) List(ctx domain.Context, f domain.TaskFilter) ([]domain.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + taskColumns + ` FROM upload_tasks`
	args := []any{}
	if f.Status != "" {
		q += ` WHERE status=$1`
		args = append(args, f.Status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, f.Offset)
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, mapError("task.list", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapError("task.list", err)
		}
		out = append(out, t)
	}
	return out, mapError("task.list", rows.Err())
}

// LeaseNext atomically claims the highest-priority leasable task and moves
// it to active, incrementing its attempt counter. Returns ErrNotFound when
// the pending zone is empty.
func (r *TaskRepo) LeaseNext(ctx domain.Context, workerID string, now time.Time) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.LeaseNext")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Task{}, mapError("task.lease", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM upload_tasks
		WHERE status=$1 AND (scheduled_for IS NULL OR scheduled_for <= $2)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1 FOR UPDATE SKIP LOCKED`, domain.TaskPending, now)
	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, mapError("task.lease", err)
	}

	t.Status = domain.TaskActive
	t.Attempt++
	started := now.UTC()
	t.StartedAt = &started
	_, err = tx.Exec(ctx, `UPDATE upload_tasks SET status=$2, attempt=$3, started_at=$4, worker_id=$5, heartbeat_at=$4 WHERE id=$1`,
		t.ID, t.Status, t.Attempt, started, workerID)
	if err != nil {
		return domain.Task{}, mapError("task.lease", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Task{}, mapError("task.lease", err)
	}
	span.SetAttributes(attribute.String("task.id", t.ID), attribute.Int("task.attempt", t.Attempt))
	return t, nil
}

// MarkCompleted finishes a task successfully. Acking an already-completed
// task is a no-op (idempotent).
func (r *TaskRepo) MarkCompleted(ctx domain.Context, id, videoURL string) error {
	_, err := r.Pool.Exec(ctx, `UPDATE upload_tasks SET status=$2, video_url=$3, progress=100, completed_at=$4
		WHERE id=$1 AND status <> $2`, id, domain.TaskCompleted, videoURL, time.Now().UTC())
	if err != nil {
		return mapError("task.complete", err)
	}
	return nil
}

// MarkRetry returns a failed attempt to the delayed zone: status pending
// with scheduled_for in the future. Guarded on the active status so a late
// retry from a reclaimed lease cannot clobber a re-leased task.
func (r *TaskRepo) MarkRetry(ctx domain.Context, id string, errMsg, category string, retryAt time.Time) error {
	_, err := r.Pool.Exec(ctx, `UPDATE upload_tasks SET status=$2, last_error=$3, error_category=$4, scheduled_for=$5, progress=0 WHERE id=$1 AND status=$6`,
		id, domain.TaskPending, errMsg, category, retryAt.UTC(), domain.TaskActive)
	if err != nil {
		return mapError("task.retry", err)
	}
	return nil
}

// Requeue returns a leased task to the delayed zone and hands back the
// attempt consumed at lease time. Used when the task waited on a resource
// (admission window, account, browser) rather than failing an upload.
func (r *TaskRepo) Requeue(ctx domain.Context, id string, retryAt time.Time) error {
	_, err := r.Pool.Exec(ctx, `UPDATE upload_tasks SET status=$2, attempt=greatest(attempt-1,0),
		scheduled_for=$3, worker_id='', progress=0 WHERE id=$1 AND status=$4`,
		id, domain.TaskPending, retryAt.UTC(), domain.TaskActive)
	if err != nil {
		return mapError("task.requeue", err)
	}
	return nil
}

// MarkDead moves the task to the terminal dead-letter zone.
func (r *TaskRepo) MarkDead(ctx domain.Context, id string, errMsg, category string) error {
	_, err := r.Pool.Exec(ctx, `UPDATE upload_tasks SET status=$2, last_error=$3, error_category=$4, completed_at=$5 WHERE id=$1`,
		id, domain.TaskDead, errMsg, category, time.Now().UTC())
	if err != nil {
		return mapError("task.dead", err)
	}
	return nil
}

// BindAccount records the account an active task runs on.
func (r *TaskRepo) BindAccount(ctx domain.Context, id, accountID string) error {
	_, err := r.Pool.Exec(ctx, `UPDATE upload_tasks SET account_id=$2 WHERE id=$1`, id, accountID)
	if err != nil {
		return mapError("task.bind_account", err)
	}
	return nil
}

// UpdateProgress stores the latest progress percentage.
func (r *TaskRepo) UpdateProgress(ctx domain.Context, id string, pct int) error {
	_, err := r.Pool.Exec(ctx, `UPDATE upload_tasks SET progress=$2 WHERE id=$1`, id, pct)
	if err != nil {
		return mapError("task.progress", err)
	}
	return nil
}

// Heartbeat refreshes the worker liveness timestamp for an active task.
func (r *TaskRepo) Heartbeat(ctx domain.Context, id string, at time.Time) error {
	_, err := r.Pool.Exec(ctx, `UPDATE upload_tasks SET heartbeat_at=$2 WHERE id=$1 AND status=$3`,
		id, at.UTC(), domain.TaskActive)
	if err != nil {
		return mapError("task.heartbeat", err)
	}
	return nil
}

// ReclaimStalled returns active tasks whose heartbeat predates cutoff to
// pending, attempt unchanged (the stalled attempt was already counted at
// lease time).
func (r *TaskRepo) ReclaimStalled(ctx domain.Context, cutoff time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ReclaimStalled")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `UPDATE upload_tasks SET status=$1, worker_id='', scheduled_for=NULL
		WHERE status=$2 AND heartbeat_at < $3 RETURNING id`, domain.TaskPending, domain.TaskActive, cutoff.UTC())
	if err != nil {
		return nil, mapError("task.reclaim", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError("task.reclaim", err)
		}
		ids = append(ids, id)
	}
	span.SetAttributes(attribute.Int("tasks.reclaimed", len(ids)))
	return ids, mapError("task.reclaim", rows.Err())
}

// Counts tallies tasks per zone. Pending tasks whose scheduled_for is still
// in the future are reported under "delayed"; retried tasks land there,
// not in "failed".
func (r *TaskRepo) Counts(ctx domain.Context, now time.Time) (map[string]int, error) {
	rows, err := r.Pool.Query(ctx, `SELECT
			CASE WHEN status=$1 AND scheduled_for IS NOT NULL AND scheduled_for > $2
				THEN 'delayed' ELSE status::text END AS zone,
			count(*)
		FROM upload_tasks GROUP BY 1`, domain.TaskPending, now.UTC())
	if err != nil {
		return nil, mapError("task.counts", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var zone string
		var n int
		if err := rows.Scan(&zone, &n); err != nil {
			return nil, mapError("task.counts", err)
		}
		out[zone] = n
	}
	return out, mapError("task.counts", rows.Err())
}

// TrimTerminal enforces retention on terminal zones: keep the newest
// keepCompleted completed and keepDead dead rows.
func (r *TaskRepo) TrimTerminal(ctx domain.Context, keepCompleted, keepDead int) (int64, error) {
	var total int64
	for _, z := range []struct {
		status domain.TaskStatus
		keep   int
	}{{domain.TaskCompleted, keepCompleted}, {domain.TaskDead, keepDead}} {
		tag, err := r.Pool.Exec(ctx, `DELETE FROM upload_tasks WHERE status=$1 AND id NOT IN (
			SELECT id FROM upload_tasks WHERE status=$1 ORDER BY completed_at DESC NULLS LAST LIMIT $2)`,
			z.status, z.keep)
		if err != nil {
			return total, mapError("task.trim", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
