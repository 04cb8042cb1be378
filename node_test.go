package bolt

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestNode_PutAndDel(t *testing.T) {
	db := mustOpenDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		n := b.node(b.root, nil)
		n.put([]byte("b"), []byte("b"), []byte("2"), 0, 0)
		n.put([]byte("a"), []byte("a"), []byte("1"), 0, 0)
		n.put([]byte("c"), []byte("c"), []byte("3"), 0, 0)

		require.Len(t, n.inodes, 3)
		require.Equal(t, []byte("a"), n.inodes[0].key)
		require.Equal(t, []byte("b"), n.inodes[1].key)
		require.Equal(t, []byte("c"), n.inodes[2].key)

		n.del([]byte("b"))
		require.Len(t, n.inodes, 2)
		require.Equal(t, []byte("a"), n.inodes[0].key)
		require.Equal(t, []byte("c"), n.inodes[1].key)
		require.True(t, n.unbalanced)
		return nil
	}))
}

func TestNode_ReadWriteRoundTrip(t *testing.T) {
	n1 := &node{isLeaf: true, inodes: inodes{
		{key: []byte("k1"), value: []byte("v1")},
		{key: []byte("k2"), value: []byte("v2")},
	}}

	buf := make([]byte, n1.size())
	p := (*page)(unsafe.Pointer(&buf[0]))
	n1.write(p)

	n2 := &node{}
	n2.read(p)

	require.True(t, n2.isLeaf)
	require.Len(t, n2.inodes, 2)
	require.Equal(t, []byte("k1"), n2.inodes[0].key)
	require.Equal(t, []byte("v1"), n2.inodes[0].value)
	require.Equal(t, []byte("k2"), n2.inodes[1].key)
	require.Equal(t, []byte("v2"), n2.inodes[1].value)
}

func TestNode_SizeLessThan(t *testing.T) {
	n := &node{isLeaf: true, inodes: inodes{
		{key: []byte("k"), value: []byte("v")},
	}}

	require.True(t, n.sizeLessThan(n.size()+1))
	require.False(t, n.sizeLessThan(n.size()))
}
