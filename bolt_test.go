package bolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// mustOpenDB opens a fresh database in a temp directory, closing it when the
// test completes.
func mustOpenDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, 0666, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestOpen_CreatesFile(t *testing.T) {
	db := mustOpenDB(t)
	require.NotEmpty(t, db.Path())
}

func TestOpen_ReopensExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(path, 0666, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("a"), []byte("1"))
	}))
	require.NoError(t, db.Close())

	db2, err := Open(path, 0666, nil)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		require.Equal(t, []byte("1"), b.Get([]byte("a")))
		return nil
	}))
}

func TestOpen_ReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, 0666, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	roDB, err := Open(path, 0666, &Options{ReadOnly: true})
	require.NoError(t, err)
	defer roDB.Close()

	require.True(t, roDB.IsReadOnly())
	err = roDB.Update(func(tx *Tx) error { return nil })
	require.ErrorIs(t, err, ErrDatabaseReadOnly)
}

func TestDB_Stats_TracksTransactions(t *testing.T) {
	db := mustOpenDB(t)

	before := db.Stats()

	tx, err := db.Begin(false)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	after := db.Stats()
	require.Equal(t, before.TxN+1, after.TxN)
}

func TestDB_CopyAndCopyFile(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("a"), []byte("1"))
	}))

	dst := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, db.CopyFile(dst, 0666))

	copyDB, err := Open(dst, 0666, nil)
	require.NoError(t, err)
	defer copyDB.Close()

	require.NoError(t, copyDB.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		require.Equal(t, []byte("1"), b.Get([]byte("a")))
		return nil
	}))
}

func TestDB_Check(t *testing.T) {
	db := mustOpenDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for i := 0; i < 50; i++ {
			if err := b.Put([]byte{byte(i)}, []byte("v")); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.Check())
}
