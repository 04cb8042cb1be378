package bolt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursor_FirstLastNextPrev(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range []string{"b", "a", "c"} {
			if err := b.Put([]byte(k), []byte(k+k)); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("widgets")).Cursor()

		k, v := c.First()
		require.Equal(t, []byte("a"), k)
		require.Equal(t, []byte("aa"), v)

		k, v = c.Next()
		require.Equal(t, []byte("b"), k)
		require.Equal(t, []byte("bb"), v)

		k, v = c.Next()
		require.Equal(t, []byte("c"), k)
		require.Equal(t, []byte("cc"), v)

		k, v = c.Next()
		require.Nil(t, k)
		require.Nil(t, v)

		k, v = c.Last()
		require.Equal(t, []byte("c"), k)
		require.Equal(t, []byte("cc"), v)

		k, v = c.Prev()
		require.Equal(t, []byte("b"), k)
		require.Equal(t, []byte("bb"), v)
		return nil
	}))
}

func TestCursor_Seek(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range []string{"a", "c", "e"} {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("widgets")).Cursor()

		k, _ := c.Seek([]byte("b"))
		require.Equal(t, []byte("c"), k)

		k, _ = c.Seek([]byte("e"))
		require.Equal(t, []byte("e"), k)

		k, v := c.Seek([]byte("f"))
		require.Nil(t, k)
		require.Nil(t, v)
		return nil
	}))
}

func TestCursor_Delete(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range []string{"a", "b", "c"} {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		c := b.Cursor()
		k, _ := c.Seek([]byte("b"))
		require.Equal(t, []byte("b"), k)
		return c.Delete()
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.Nil(t, b.Get([]byte("b")))
		require.NotNil(t, b.Get([]byte("a")))
		require.NotNil(t, b.Get([]byte("c")))
		return nil
	}))
}

func TestCursor_SkipsNestedBucketValues(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("a"), []byte("1")); err != nil {
			return err
		}
		if _, err := b.CreateBucket([]byte("sub")); err != nil {
			return err
		}
		return b.Put([]byte("z"), []byte("2"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		c := b.Cursor()

		var keys []string
		for k, v := c.First(); k != nil; k, v = c.Next() {
			keys = append(keys, string(k))
			if string(k) == "sub" {
				require.Nil(t, v)
			}
		}
		require.Equal(t, []string{"a", "sub", "z"}, keys)
		return nil
	}))
}
