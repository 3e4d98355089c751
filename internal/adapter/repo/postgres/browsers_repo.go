package postgres

import (
	"time"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

// BrowserRepo mirrors farm window state into the browser_instances table so
// operators can inspect pool health from the database.
type BrowserRepo struct{ Pool PgxPool }

// NewBrowserRepo constructs a BrowserRepo with the given pool.
func NewBrowserRepo(p PgxPool) *BrowserRepo { return &BrowserRepo{Pool: p} }

// Upsert writes the current state of one window keyed by window_id.
func (r *BrowserRepo) Upsert(ctx domain.Context, b domain.BrowserInstance) error {
	q := `INSERT INTO browser_instances (window_id, profile_id, debug_endpoint, status, bound_account_id,
		error_count, upload_count, last_activity, is_logged_in, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (window_id) DO UPDATE SET
		  profile_id = EXCLUDED.profile_id,
		  debug_endpoint = EXCLUDED.debug_endpoint,
		  status = EXCLUDED.status,
		  bound_account_id = EXCLUDED.bound_account_id,
		  error_count = EXCLUDED.error_count,
		  upload_count = EXCLUDED.upload_count,
		  last_activity = EXCLUDED.last_activity,
		  is_logged_in = EXCLUDED.is_logged_in,
		  updated_at = EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, b.WindowID, b.ProfileID, b.DebugEndpoint, b.Status, b.BoundAccountID,
		b.ErrorCount, b.UploadCount, b.LastActivity.UTC(), b.IsLoggedIn, time.Now().UTC())
	if err != nil {
		return mapError("browser.upsert", err)
	}
	return nil
}

// Delete removes an evicted window's row.
func (r *BrowserRepo) Delete(ctx domain.Context, windowID string) error {
	_, err := r.Pool.Exec(ctx, `DELETE FROM browser_instances WHERE window_id=$1`, windowID)
	if err != nil {
		return mapError("browser.delete", err)
	}
	return nil
}

// List returns all tracked windows.
func (r *BrowserRepo) List(ctx domain.Context) ([]domain.BrowserInstance, error) {
	rows, err := r.Pool.Query(ctx, `SELECT window_id, profile_id, debug_endpoint, status, bound_account_id,
		error_count, upload_count, last_activity, is_logged_in FROM browser_instances ORDER BY window_id`)
	if err != nil {
		return nil, mapError("browser.list", err)
	}
	defer rows.Close()
	var out []domain.BrowserInstance
	for rows.Next() {
		var b domain.BrowserInstance
		if err := rows.Scan(&b.WindowID, &b.ProfileID, &b.DebugEndpoint, &b.Status, &b.BoundAccountID,
			&b.ErrorCount, &b.UploadCount, &b.LastActivity, &b.IsLoggedIn); err != nil {
			return nil, mapError("browser.list", err)
		}
		out = append(out, b)
	}
	return out, mapError("browser.list", rows.Err())
}
