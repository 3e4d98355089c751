// Package postgres provides PostgreSQL database adapters.
//
// It implements the durable state store for accounts, tasks, browser
// instances and upload history. Multi-row updates run inside transactions;
// candidate and lease picks use FOR UPDATE SKIP LOCKED so concurrent
// selectors and workers never collide on the same row.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// mapError classifies a driver error into the engine taxonomy: pool
// exhaustion and lost connections are transient (retry at caller); anything
// else surfaces as fatal.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	kind := domain.KindFatal
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = domain.KindTransient
	case pgconn.SafeToRetry(err):
		kind = domain.KindTransient
	case errors.As(err, &pgErr):
		// Class 08: connection exceptions; class 40: rollback (serialization).
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "40") {
			kind = domain.KindTransient
		}
	}
	return domain.WithKind(kind, fmt.Errorf("op=%s: %w", op, err))
}
