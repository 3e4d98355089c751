package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx is the transaction subset the cleanup service needs.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts transactions; satisfied by *pgxpool.Pool via a thin shim.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// PoolBeginner adapts a PgxPool to the Beginner interface.
type PoolBeginner struct{ Pool PgxPool }

// Begin opens a transaction on the underlying pool.
func (b PoolBeginner) Begin(ctx context.Context) (Tx, error) {
	return b.Pool.BeginTx(ctx, pgx.TxOptions{})
}

// CleanupService prunes aged upload_history and upload_errors rows. Terminal
// task retention is the queue's job; this covers the append-only tables.
type CleanupService struct {
	DB            Beginner
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(db Beginner, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{DB: db, RetentionDays: retentionDays}
}

// CleanupOldData removes rows older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=cleanup.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	histTag, err := tx.Exec(ctx, `DELETE FROM upload_history WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.history: %w", err)
	}
	errTag, err := tx.Exec(ctx, `DELETE FROM upload_errors WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.errors: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_history", histTag.RowsAffected()),
		slog.Int64("deleted_errors", errTag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs cleanup on a timer until ctx is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
