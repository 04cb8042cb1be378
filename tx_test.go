package bolt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errInjectedForTest = errors.New("injected failure")

func TestTx_CommitErrTxClosed(t *testing.T) {
	db := mustOpenDB(t)

	tx, err := db.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.ErrorIs(t, tx.Commit(), ErrTxClosed)
}

func TestTx_RollbackReadOnly(t *testing.T) {
	db := mustOpenDB(t)

	tx, err := db.Begin(false)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.ErrorIs(t, tx.Rollback(), ErrTxClosed)
}

func TestTx_WritesNotVisibleUntilCommit(t *testing.T) {
	db := mustOpenDB(t)

	rwtx, err := db.Begin(true)
	require.NoError(t, err)
	b, err := rwtx.CreateBucket([]byte("widgets"))
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v")))

	rotx, err := db.Begin(false)
	require.NoError(t, err)
	require.Nil(t, rotx.Bucket([]byte("widgets")))
	require.NoError(t, rotx.Rollback())

	require.NoError(t, rwtx.Commit())

	rotx2, err := db.Begin(false)
	require.NoError(t, err)
	defer rotx2.Rollback()
	wb := rotx2.Bucket([]byte("widgets"))
	require.NotNil(t, wb)
	require.Equal(t, []byte("v"), wb.Get([]byte("k")))
}

func TestTx_RollbackUndoesWrites(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))

	tx, err := db.Begin(true)
	require.NoError(t, err)
	b := tx.Bucket([]byte("widgets"))
	require.NoError(t, b.Put([]byte("k"), []byte("v")))
	require.NoError(t, tx.Rollback())

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.Nil(t, b.Get([]byte("k")))
		return nil
	}))
}

func TestTx_OnCommit(t *testing.T) {
	db := mustOpenDB(t)

	var called bool
	require.NoError(t, db.Update(func(tx *Tx) error {
		tx.OnCommit(func() { called = true })
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))
	require.True(t, called)
}

func TestTx_CreateBucketNotWritable(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.View(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		require.ErrorIs(t, err, ErrTxNotWritable)
		return nil
	}))
}

func TestTx_FailpointRollsBack(t *testing.T) {
	db := mustOpenDB(t)

	old := failpoint
	failpoint = func(stage string) error {
		if stage == "pre-meta-write" {
			return errInjectedForTest
		}
		return nil
	}
	defer func() { failpoint = old }()

	err := db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	})
	require.ErrorIs(t, err, errInjectedForTest)

	require.NoError(t, db.View(func(tx *Tx) error {
		require.Nil(t, tx.Bucket([]byte("widgets")))
		return nil
	}))
}
