package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

type execCall struct {
	sql  string
	args []any
}

// fakePool records Exec calls. Only the Exec-backed repo methods run
// against it; the query paths are covered end to end elsewhere.
type fakePool struct {
	execs []execCall
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row { panic("unused") }

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) { panic("unused") }

func (f *fakePool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) { panic("unused") }

// A retry landing after the stall reclaimer already returned the task to
// pending must not rewrite the row; the update is conditional on the task
// still being active under this lease.
func TestMarkRetryGuardsActiveStatus(t *testing.T) {
	pool := &fakePool{}
	repo := NewTaskRepo(pool)

	retryAt := time.Now().Add(time.Minute)
	require.NoError(t, repo.MarkRetry(context.Background(), "task-1", "connection reset", "network", retryAt))

	require.Len(t, pool.execs, 1)
	call := pool.execs[0]
	require.Contains(t, call.sql, "AND status=$6")
	require.Equal(t, domain.TaskPending, call.args[1])
	require.Equal(t, domain.TaskActive, call.args[5])
}

func TestRequeueGuardsActiveStatus(t *testing.T) {
	pool := &fakePool{}
	repo := NewTaskRepo(pool)

	require.NoError(t, repo.Requeue(context.Background(), "task-1", time.Now().Add(time.Minute)))

	require.Len(t, pool.execs, 1)
	call := pool.execs[0]
	require.Contains(t, call.sql, "AND status=$4")
	require.Equal(t, domain.TaskActive, call.args[3])
}
