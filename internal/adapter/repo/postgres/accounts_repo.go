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

// AccountRepo persists publishing accounts.
type AccountRepo struct{ Pool PgxPool }

// NewAccountRepo constructs an AccountRepo with the given pool.
func NewAccountRepo(p PgxPool) *AccountRepo { return &AccountRepo{Pool: p} }

const accountColumns = `id, email, encrypted_credentials, browser_profile_id, status,
	daily_upload_count, daily_upload_limit, last_upload_time, health_score, metadata, created_at, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	var meta []byte
	if err := row.Scan(&a.ID, &a.Email, &a.EncryptedCredentials, &a.BrowserProfileID, &a.Status,
		&a.DailyUploadCount, &a.DailyUploadLimit, &a.LastUploadTime, &a.HealthScore, &meta, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.Account{}, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &a.Metadata)
	}
	return a, nil
}

// Create inserts a new account and returns its id.
func (r *AccountRepo) Create(ctx domain.Context, a domain.Account) (string, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.Create")
	defer span.End()
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	if a.DailyUploadLimit == 0 {
		a.DailyUploadLimit = 2
	}
	if a.HealthScore == 0 {
		a.HealthScore = 100
	}
	meta, _ := json.Marshal(a.Metadata)
	now := time.Now().UTC()
	q := `INSERT INTO accounts (id, email, encrypted_credentials, browser_profile_id, status,
		daily_upload_count, daily_upload_limit, last_upload_time, health_score, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := r.Pool.Exec(ctx, q, id, a.Email, a.EncryptedCredentials, a.BrowserProfileID, a.Status,
		a.DailyUploadCount, a.DailyUploadLimit, a.LastUploadTime, a.HealthScore, meta, now, now)
	if err != nil {
		return "", mapError("account.create", err)
	}
	return id, nil
}

// Get loads an account by id.
func (r *AccountRepo) Get(ctx domain.Context, id string) (domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id)
	a, err := scanAccount(row)
	if err != nil {
		return domain.Account{}, mapError("account.get", err)
	}
	return a, nil
}

// GetByEmail loads an account by its unique email.
func (r *AccountRepo) GetByEmail(ctx domain.Context, email string) (domain.Account, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email=$1`, email)
	a, err := scanAccount(row)
	if err != nil {
		return domain.Account{}, mapError("account.get_by_email", err)
	}
	return a, nil
}

// Update persists mutable account fields.
func (r *AccountRepo) Update(ctx domain.Context, a domain.Account) error {
	meta, _ := json.Marshal(a.Metadata)
	q := `UPDATE accounts SET email=$2, encrypted_credentials=$3, browser_profile_id=$4, status=$5,
		daily_upload_count=$6, daily_upload_limit=$7, last_upload_time=$8, health_score=$9, metadata=$10, updated_at=$11
		WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, a.ID, a.Email, a.EncryptedCredentials, a.BrowserProfileID, a.Status,
		a.DailyUploadCount, a.DailyUploadLimit, a.LastUploadTime, a.HealthScore, meta, time.Now().UTC())
	if err != nil {
		return mapError("account.update", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=account.update: %w", domain.ErrNotFound)
	}
	return nil
}

// List returns accounts ordered by creation time.
func (r *AccountRepo) List(ctx domain.Context, offset, limit int) ([]domain.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, mapError("account.list", err)
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, mapError("account.list", err)
		}
		out = append(out, a)
	}
	return out, mapError("account.list", rows.Err())
}

// Candidates returns accounts eligible for selection, ordered by
// (health_score desc, daily_upload_count asc). Rows are locked with SKIP
// LOCKED inside a short transaction so two selectors never enumerate the
// same row under contention; exclusivity itself is still the coordination
// store's reservation key.
func (r *AccountRepo) Candidates(ctx domain.Context, f domain.AccountFilter) ([]domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.Candidates")
	defer span.End()
	span.SetAttributes(attribute.Int("filter.min_health", f.MinHealthScore))

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	status := f.Status
	if status == "" {
		status = domain.AccountActive
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, mapError("account.candidates", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + accountColumns + ` FROM accounts
		WHERE status=$1 AND health_score >= $2`
	args := []any{status, f.MinHealthScore}
	if f.HasAvailableUploads {
		q += ` AND daily_upload_count < daily_upload_limit`
	}
	q += ` ORDER BY health_score DESC, daily_upload_count ASC LIMIT $3 FOR UPDATE SKIP LOCKED`
	args = append(args, limit)

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, mapError("account.candidates", err)
	}
	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return nil, mapError("account.candidates", err)
		}
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError("account.candidates", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError("account.candidates", err)
	}
	return out, nil
}

// ApplyOutcome folds one attempt result into the account inside a single
// transaction: health +2 on success / -10 on failure clamped to 0..100,
// daily count +1, last_upload_time=now. A resulting score below 30, or
// forceSuspend, sets status=suspended.
func (r *AccountRepo) ApplyOutcome(ctx domain.Context, id string, success, forceSuspend bool) (domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ApplyOutcome")
	defer span.End()
	span.SetAttributes(attribute.Bool("outcome.success", success))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Account{}, mapError("account.apply_outcome", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1 FOR UPDATE`, id)
	a, err := scanAccount(row)
	if err != nil {
		return domain.Account{}, mapError("account.apply_outcome", err)
	}

	delta := -10
	if success {
		delta = 2
	}
	a.HealthScore = clamp(a.HealthScore+delta, 0, 100)
	a.DailyUploadCount++
	now := time.Now().UTC()
	a.LastUploadTime = &now
	if a.HealthScore < 30 || forceSuspend {
		a.Status = domain.AccountSuspended
	}

	_, err = tx.Exec(ctx, `UPDATE accounts SET status=$2, daily_upload_count=$3, last_upload_time=$4, health_score=$5, updated_at=$6 WHERE id=$1`,
		a.ID, a.Status, a.DailyUploadCount, a.LastUploadTime, a.HealthScore, now)
	if err != nil {
		return domain.Account{}, mapError("account.apply_outcome", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, mapError("account.apply_outcome", err)
	}
	return a, nil
}

// ResetDaily zeros every account's daily upload counter.
func (r *AccountRepo) ResetDaily(ctx domain.Context) (int64, error) {
	tag, err := r.Pool.Exec(ctx, `UPDATE accounts SET daily_upload_count=0, updated_at=$1`, time.Now().UTC())
	if err != nil {
		return 0, mapError("account.reset_daily", err)
	}
	return tag.RowsAffected(), nil
}

// Recover is the manual override: health back to 70, status active, daily
// count zeroed.
func (r *AccountRepo) Recover(ctx domain.Context, id string) (domain.Account, error) {
	tag, err := r.Pool.Exec(ctx, `UPDATE accounts SET health_score=70, status=$2, daily_upload_count=0, updated_at=$3 WHERE id=$1`,
		id, domain.AccountActive, time.Now().UTC())
	if err != nil {
		return domain.Account{}, mapError("account.recover", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Account{}, fmt.Errorf("op=account.recover: %w", domain.ErrNotFound)
	}
	return r.Get(ctx, id)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
