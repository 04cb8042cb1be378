package bolt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreelist_AllocateContiguous(t *testing.T) {
	f := newFreelist()
	f.ids = []pgid{3, 4, 5, 9, 10, 11, 12}
	f.reindex()

	require.Equal(t, pgid(3), f.allocate(2))
	require.Equal(t, pgid(9), f.allocate(4))
	require.Equal(t, pgid(0), f.allocate(2))
	require.Equal(t, pgid(5), f.allocate(1))
}

func TestFreelist_FreeAndRelease(t *testing.T) {
	f := newFreelist()

	p := &page{id: 12, overflow: 1}
	f.free(100, p)
	require.True(t, f.freed(12))
	require.True(t, f.freed(13))
	require.Equal(t, 2, f.pendingCount())
	require.Equal(t, 0, f.freeCount())

	f.release(100)
	require.Equal(t, 2, f.freeCount())
	require.Equal(t, 0, f.pendingCount())
	require.True(t, f.freed(12))
}

func TestFreelist_Rollback(t *testing.T) {
	f := newFreelist()

	p := &page{id: 12}
	f.free(100, p)
	require.True(t, f.freed(12))

	f.rollback(100)
	require.False(t, f.freed(12))
	require.Equal(t, 0, f.count())
}

func TestFreelist_FreePanicsOnDoubleFree(t *testing.T) {
	f := newFreelist()
	f.free(100, &page{id: 12})
	require.Panics(t, func() {
		f.free(101, &page{id: 12})
	})
}

func TestFreelist_AllPgids(t *testing.T) {
	f := newFreelist()
	f.free(1, &page{id: 10})
	f.free(2, &page{id: 20})

	ids := f.allPgids()
	require.ElementsMatch(t, []pgid{10, 20}, ids)
}
