package bolt

import (
	"fmt"
	"sort"
	"unsafe"
)

// freelist represents a list of all pages that are available for allocation,
// plus the per-in-flight-transaction pending sets.
type freelist struct {
	ids     []pgid          // free and available right now, sorted ascending
	pending map[txid][]pgid // freed by tx, not yet released to ids
	cache   map[pgid]bool   // fast lookup of all free and pending page ids
}

// newFreelist returns an empty, initialized freelist.
func newFreelist() *freelist {
	return &freelist{
		pending: make(map[txid][]pgid),
		cache:   make(map[pgid]bool),
	}
}

// size returns the size of the page after serialization.
func (f *freelist) size() int {
	n := f.count()
	if n >= 0xFFFF {
		// The first element is used to store the count, see write().
		n++
	}
	return pageHeaderSize + (int(unsafe.Sizeof(pgid(0))) * n)
}

// count returns the number of pages on the freelist, free plus pending.
func (f *freelist) count() int {
	return f.freeCount() + f.pendingCount()
}

func (f *freelist) freeCount() int {
	return len(f.ids)
}

func (f *freelist) pendingCount() int {
	var n int
	for _, list := range f.pending {
		n += len(list)
	}
	return n
}

// copyall copies a sorted list of all free ids and all pending ids into dst.
// f.count() returns the minimum length required for dst.
func (f *freelist) copyall(dst []pgid) {
	m := make(pgids, 0, f.pendingCount())
	for _, list := range f.pending {
		m = append(m, list...)
	}
	sort.Sort(m)
	mergepgids(dst, pgids(f.ids), m)
}

// allocate finds the first contiguous run of n pgids in ids and removes it,
// returning the first id. Returns 0 if no such run exists.
func (f *freelist) allocate(n int) pgid {
	if len(f.ids) == 0 {
		return 0
	}

	var initial, previd pgid
	for i, id := range f.ids {
		if id <= 1 {
			panic(fmt.Sprintf("invalid page allocation %d", id))
		}

		// Reset initial page if this is not contiguous.
		if previd == 0 || id-previd != 1 {
			initial = id
		}

		// If we found a contiguous block then remove it and return it.
		if (id-initial)+1 == pgid(n) {
			// If we're allocating off the beginning then take the fast path
			// and just adjust the existing slice. This will use extra memory
			// temporarily but the append() in free() will realloc the slice
			// as is necessary.
			if (i + 1) == n {
				f.ids = f.ids[i+1:]
			} else {
				copy(f.ids[i-n+1:], f.ids[i+1:])
				f.ids = f.ids[:len(f.ids)-n]
			}

			// Remove from the free cache.
			for i := pgid(0); i < pgid(n); i++ {
				delete(f.cache, initial+i)
			}

			return initial
		}

		previd = id
	}
	return 0
}

// free releases a page and its overflow for a given transaction id. Panics
// if the page is a meta page, or is already free.
func (f *freelist) free(txid txid, p *page) {
	if p.id <= 1 {
		panic(fmt.Sprintf("cannot free page 0 or 1: %d", p.id))
	}

	ids := f.pending[txid]
	for id := p.id; id <= p.id+pgid(p.overflow); id++ {
		if f.cache[id] {
			panic(fmt.Sprintf("page %d already freed", id))
		}
		ids = append(ids, id)
		f.cache[id] = true
	}
	f.pending[txid] = ids
}

// release merges pending[t] for all t <= txid into ids and re-sorts, making
// those pages available once no open reader can still see them.
func (f *freelist) release(txid txid) {
	m := make(pgids, 0)
	for tid, ids := range f.pending {
		if tid <= txid {
			// Move transaction's pending pages to the available freelist.
			// Don't remove from the cache since the page is still free.
			m = append(m, ids...)
			delete(f.pending, tid)
		}
	}
	sort.Sort(m)
	f.ids = pgids(f.ids).merge(m)
}

// rollback discards pending[txid] and removes those page ids from the free
// cache.
func (f *freelist) rollback(txid txid) {
	for _, id := range f.pending[txid] {
		delete(f.cache, id)
	}
	delete(f.pending, txid)
}

// freed returns whether a given page is in the free list (including
// pending).
func (f *freelist) freed(pgid pgid) bool {
	return f.cache[pgid]
}

// allPgids returns every pgid currently known to the freelist, free or
// pending, in no particular order. Used by Tx.Check to distinguish freed
// pages from unreachable ones.
func (f *freelist) allPgids() []pgid {
	ids := make([]pgid, 0, len(f.cache))
	for id := range f.cache {
		ids = append(ids, id)
	}
	return ids
}

// read initializes the freelist from a freelist page.
func (f *freelist) read(p *page) {
	if (p.flags & freelistPageFlag) == 0 {
		panic(fmt.Sprintf("invalid freelist page: %d, page type is %s", p.id, p.typ()))
	}

	ids := p.freelistPageIDs()
	if len(ids) == 0 {
		f.ids = nil
	} else {
		idsCopy := make([]pgid, len(ids))
		copy(idsCopy, ids)
		sort.Sort(pgids(idsCopy))
		f.ids = idsCopy
	}

	f.reindex()
}

// write writes the page ids onto a freelist page. All free and pending ids
// are saved to disk since, in the event of a crash, pending ids become free
// on the next open.
func (f *freelist) write(p *page) error {
	p.flags |= freelistPageFlag

	l := f.count()
	if l == 0 {
		p.count = uint16(l)
		return nil
	}

	if l < 0xFFFF {
		p.count = uint16(l)
		data := unsafeAdd(unsafe.Pointer(p), unsafe.Sizeof(*p))
		var ids []pgid
		unsafeSlice(unsafe.Pointer(&ids), data, l)
		f.copyall(ids)
	} else {
		p.count = 0xFFFF
		data := unsafeAdd(unsafe.Pointer(p), unsafe.Sizeof(*p))
		var ids []pgid
		unsafeSlice(unsafe.Pointer(&ids), data, l+1)
		ids[0] = pgid(l)
		f.copyall(ids[1:])
	}

	return nil
}

// reload reads the freelist from a page and filters out pages that are still
// pending release to some in-flight transaction.
func (f *freelist) reload(p *page) {
	f.read(p)

	pcache := make(map[pgid]bool)
	for _, list := range f.pending {
		for _, id := range list {
			pcache[id] = true
		}
	}

	var a []pgid
	for _, id := range f.ids {
		if !pcache[id] {
			a = append(a, id)
		}
	}
	f.ids = a

	f.reindex()
}

// reindex rebuilds the free cache based on available and pending lists.
func (f *freelist) reindex() {
	f.cache = make(map[pgid]bool, len(f.ids))
	for _, id := range f.ids {
		f.cache[id] = true
	}
	for _, list := range f.pending {
		for _, id := range list {
			f.cache[id] = true
		}
	}
}
