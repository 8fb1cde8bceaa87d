package txn

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type recorder struct {
	name   string
	log    *[]string
	commit error
}

func (r *recorder) Commit() error {
	*r.log = append(*r.log, r.name+":commit")
	return r.commit
}

func (r *recorder) Rollback() error {
	*r.log = append(*r.log, r.name+":rollback")
	return nil
}

func TestTx_CommitRunsResourcesThenSyncs(t *testing.T) {
	m := NewManager()
	ctx, tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	assert.Same(t, tx, m.Current(ctx))

	var calls []string
	require.NoError(t, tx.Enlist(&recorder{name: "a", log: &calls}))
	require.NoError(t, tx.RegisterSync(func(o Outcome) { calls = append(calls, "sync:"+o.String()) }))
	require.NoError(t, tx.Enlist(&recorder{name: "b", log: &calls}))

	require.NoError(t, tx.Commit())
	assert.Equal(t, []string{"a:commit", "b:commit", "sync:committed"}, calls)
	assert.Equal(t, StatusCommitted, tx.Status())
	assert.Nil(t, m.Current(ctx))
}

func TestTx_FailedCommitRollsBackRest(t *testing.T) {
	_, tx, err := NewManager().Begin(context.Background())
	require.NoError(t, err)

	boom := errors.New("disk full")
	var calls []string
	var got Outcome = -1
	require.NoError(t, tx.Enlist(&recorder{name: "a", log: &calls, commit: boom}))
	require.NoError(t, tx.Enlist(&recorder{name: "b", log: &calls}))
	require.NoError(t, tx.RegisterSync(func(o Outcome) { got = o }))

	err = tx.Commit()
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "commit", f.Op)
	assert.Equal(t, []string{"a:commit", "b:rollback"}, calls)
	assert.Equal(t, RolledBack, got)
	assert.Equal(t, StatusRolledBack, tx.Status())
}

func TestTx_CompletedTxRejectsWork(t *testing.T) {
	_, tx, err := NewManager().Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.ErrorIs(t, tx.RegisterSync(func(Outcome) {}), ErrTxDone)
	assert.ErrorIs(t, tx.Enlist(&recorder{log: new([]string)}), ErrTxDone)
	assert.ErrorIs(t, tx.Commit(), ErrTxDone)
	assert.ErrorIs(t, tx.Rollback(), ErrTxDone)
}

func TestTx_PanickingSyncDoesNotStopOthers(t *testing.T) {
	_, tx, err := NewManager().Begin(context.Background())
	require.NoError(t, err)
	ran := false
	require.NoError(t, tx.RegisterSync(func(Outcome) { panic("boom") }))
	require.NoError(t, tx.RegisterSync(func(Outcome) { ran = true }))
	require.NoError(t, tx.Commit())
	assert.True(t, ran)
}

func TestManager_NestingAndSuspension(t *testing.T) {
	m := NewManager()
	ctx, tx, err := m.Begin(context.Background())
	require.NoError(t, err)

	_, _, err = m.Begin(ctx)
	assert.ErrorIs(t, err, ErrNestedTx)

	bare, suspended := m.Suspend(ctx)
	assert.Same(t, tx, suspended)
	assert.Nil(t, m.Current(bare))

	inner, innerTx, err := m.Begin(bare)
	require.NoError(t, err)
	assert.NotEqual(t, tx.ID(), innerTx.ID())
	require.NoError(t, innerTx.Commit())
	assert.Nil(t, m.Current(inner))

	resumed := m.Resume(bare, suspended)
	assert.Same(t, tx, m.Current(resumed))
}

func TestSQLTx(t *testing.T) {
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "txn.db")+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	m := NewManager()
	stx, err := SQLTx(context.Background(), db)
	require.NoError(t, err)
	assert.Nil(t, stx)

	count := func() int {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
		return n
	}

	ctx, tx, err := m.Begin(context.Background())
	require.NoError(t, err)
	first, err := SQLTx(ctx, db)
	require.NoError(t, err)
	second, err := SQLTx(ctx, db)
	require.NoError(t, err)
	assert.Same(t, first, second)
	_, err = first.Exec(`INSERT INTO kv VALUES ('a', '1')`)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.Equal(t, 0, count())

	ctx, tx, err = m.Begin(context.Background())
	require.NoError(t, err)
	stx, err = SQLTx(ctx, db)
	require.NoError(t, err)
	_, err = stx.Exec(`INSERT INTO kv VALUES ('b', '2')`)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, 1, count())
}
