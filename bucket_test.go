package bolt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBucket_PutGetDelete(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.Equal(t, []byte("bar"), b.Get([]byte("foo")))
		return nil
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		return b.Delete([]byte("foo"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.Nil(t, b.Get([]byte("foo")))
		return nil
	}))
}

func TestBucket_PutErrors(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)

		require.ErrorIs(t, b.Put(nil, []byte("v")), ErrKeyRequired)

		bigKey := make([]byte, maxKeySize+1)
		require.ErrorIs(t, b.Put(bigKey, []byte("v")), ErrKeyTooLarge)
		return nil
	}))
}

func TestBucket_CreateBucket_Errors(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		require.ErrorIs(t, err, ErrBucketExists)

		_, err = tx.CreateBucket(nil)
		require.ErrorIs(t, err, ErrBucketNameRequired)
		return nil
	}))
}

func TestBucket_NestedBuckets(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		parent, err := tx.CreateBucket([]byte("parent"))
		if err != nil {
			return err
		}
		child, err := parent.CreateBucketIfNotExists([]byte("child"))
		if err != nil {
			return err
		}
		return child.Put([]byte("k"), []byte("v"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		parent := tx.Bucket([]byte("parent"))
		require.NotNil(t, parent)
		child := parent.Bucket([]byte("child"))
		require.NotNil(t, child)
		require.Equal(t, []byte("v"), child.Get([]byte("k")))
		return nil
	}))
}

func TestBucket_DeleteBucket(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		parent, err := tx.CreateBucket([]byte("parent"))
		if err != nil {
			return err
		}
		_, err = parent.CreateBucket([]byte("child"))
		return err
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		parent := tx.Bucket([]byte("parent"))
		return parent.DeleteBucket([]byte("child"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		parent := tx.Bucket([]byte("parent"))
		require.Nil(t, parent.Bucket([]byte("child")))
		return nil
	}))
}

func TestBucket_Sequence(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			require.EqualValues(t, i+1, seq)
		}
		return nil
	}))
}

func TestBucket_ForEach(t *testing.T) {
	db := mustOpenDB(t)

	keys := []string{"a", "b", "c", "d", "e"}
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	var seen []string
	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		return b.ForEach(func(k, v []byte) error {
			seen = append(seen, string(k))
			return nil
		})
	}))
	require.Equal(t, keys, seen)
}

// TestBucket_LargeDataset exercises node splitting and spilling across many
// pages by inserting more keys than fit in a single leaf page.
func TestBucket_LargeDataset(t *testing.T) {
	db := mustOpenDB(t)

	const n = 2000
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%04d", i))
			v := []byte(fmt.Sprintf("value-%04d", i))
			if err := b.Put(k, v); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%04d", i))
			want := []byte(fmt.Sprintf("value-%04d", i))
			require.Equal(t, want, b.Get(k))
		}
		return nil
	}))
}
