package bolt

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIntegration_CrashBeforeMetaWriteIsInvisible simulates a crash after the
// freelist and data pages are written to disk but before the meta page
// commits. The reopened database must not observe the transaction that
// never reached durability.
func TestIntegration_CrashBeforeMetaWriteIsInvisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(path, 0666, nil)
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))

	injected := errors.New("simulated crash before meta write")
	failpoint = func(stage string) error {
		if stage == "pre-meta-write" {
			return injected
		}
		return nil
	}

	err = db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		return b.Put([]byte("k"), []byte("v"))
	})
	require.ErrorIs(t, err, injected)
	failpoint = nil

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.Nil(t, b.Get([]byte("k")))
		return nil
	}))
	require.NoError(t, db.Close())

	reopened, err := Open(path, 0666, nil)
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		require.Nil(t, b.Get([]byte("k")))
		return nil
	}))
	require.NoError(t, reopened.Check())
}

// TestIntegration_ConcurrentReadersDuringWrite exercises the MVCC guarantee
// that an in-flight read-only transaction's view never changes even while a
// writer commits new data.
func TestIntegration_ConcurrentReadersDuringWrite(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v1"))
	}))

	rotx, err := db.Begin(false)
	require.NoError(t, err)
	defer rotx.Rollback()

	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		return b.Put([]byte("k"), []byte("v2"))
	}))

	snapshotBucket := rotx.Bucket([]byte("widgets"))
	require.Equal(t, []byte("v1"), snapshotBucket.Get([]byte("k")))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.Equal(t, []byte("v2"), b.Get([]byte("k")))
		return nil
	}))
}

// TestIntegration_ReopenAfterManyCommits exercises repeated commits, freed
// and reused pages, and reloading the freelist on open.
func TestIntegration_ReopenAfterManyCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(path, 0666, nil)
	require.NoError(t, err)

	for round := 0; round < 20; round++ {
		require.NoError(t, db.Update(func(tx *Tx) error {
			b, err := tx.CreateBucketIfNotExists([]byte("widgets"))
			if err != nil {
				return err
			}
			for i := 0; i < 25; i++ {
				k := []byte(fmt.Sprintf("k-%d-%d", round, i))
				if err := b.Put(k, k); err != nil {
					return err
				}
			}
			if round > 0 {
				// Delete half of the previous round's keys to exercise
				// freelist reuse on the next round's allocations.
				for i := 0; i < 12; i++ {
					k := []byte(fmt.Sprintf("k-%d-%d", round-1, i))
					if err := b.Delete(k); err != nil {
						return err
					}
				}
			}
			return nil
		}))
	}
	require.NoError(t, db.Check())
	require.NoError(t, db.Close())

	reopened, err := Open(path, 0666, nil)
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.Check())
	require.NoError(t, reopened.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		// Round 19's keys always survive; they were never targeted for deletion.
		v := b.Get([]byte("k-19-0"))
		require.Equal(t, []byte("k-19-0"), v)
		return nil
	}))
}

// TestIntegration_BatchCoalescesWrites exercises DB.Batch's write
// coalescing interface.
func TestIntegration_BatchCoalescesWrites(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))

	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			errs <- db.Batch(func(tx *Tx) error {
				b := tx.Bucket([]byte("widgets"))
				return b.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v"))
			})
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		for i := 0; i < n; i++ {
			require.Equal(t, []byte("v"), b.Get([]byte(fmt.Sprintf("k%d", i))))
		}
		return nil
	}))
}
