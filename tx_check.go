package bolt

import (
	"fmt"
)

// Check performs several consistency checks on the database for this
// transaction. An error is returned for every problem found: keys out of
// order, unreachable pages, or pages referenced more than once.
//
// Check is only valid when called from a read-only transaction, but can be
// used from a writable transaction where no mutations have occurred yet.
//
// Running Check on a large database can take a long time, since it walks
// the entire tree and the page freelist.
func (tx *Tx) Check() <-chan error {
	ch := make(chan error)
	go tx.check(ch)
	return ch
}

func (tx *Tx) check(ch chan error) {
	// Track every reachable page to later cross-check it against the
	// freelist. Page 0 and 1 (the meta pages) are always reachable.
	reachable := make(map[pgid]*page)
	reachable[0] = tx.page(0)
	reachable[1] = tx.page(1)
	if tx.meta.freelist != pgidNoFreelist {
		freelistPage := tx.page(tx.meta.freelist)
		for i := pgid(0); i <= pgid(freelistPage.overflow); i++ {
			reachable[tx.meta.freelist+i] = freelistPage
		}
	}

	freed := make(map[pgid]bool)
	for _, id := range tx.db.freelist.allPgids() {
		freed[id] = true
	}

	// Recursively check the root bucket.
	tx.checkBucket(&tx.root, reachable, freed, ch)

	// Ensure all pages below the high water mark are either reachable or
	// marked as free.
	for i := pgid(0); i < tx.meta.pgid; i++ {
		_, isReachable := reachable[i]
		if !isReachable && !freed[i] {
			ch <- fmt.Errorf("page %d: unreachable unfreed", int(i))
		}
	}

	close(ch)
}

func (tx *Tx) checkBucket(b *Bucket, reachable map[pgid]*page, freed map[pgid]bool, ch chan error) {
	// Ignore inline buckets.
	if b.root == 0 {
		return
	}

	// Check every page used by this bucket.
	b.tx.forEachPage(b.root, 0, func(p *page, _ int) {
		if p.id > tx.meta.pgid {
			ch <- fmt.Errorf("page %d: out of bounds: %d", int(p.id), int(b.tx.meta.pgid))
		}

		for i := pgid(0); i <= pgid(p.overflow); i++ {
			var id = p.id + i
			if _, ok := reachable[id]; ok {
				ch <- fmt.Errorf("page %d: multiple references", int(id))
			}
			reachable[id] = p
		}

		if freed[p.id] {
			ch <- fmt.Errorf("page %d: reachable freed", int(p.id))
		} else if (p.flags & (branchPageFlag | leafPageFlag)) == 0 {
			ch <- fmt.Errorf("page %d: invalid type: %s", int(p.id), p.typ())
		}
	})

	// Check each bucket within this bucket.
	_ = b.ForEach(func(k, v []byte) error {
		if child := b.Bucket(k); child != nil {
			tx.checkBucket(child, reachable, freed, ch)
		}
		return nil
	})

	// Check that keys are in order and there are no empty/duplicate keys.
	var prev []byte
	_ = b.ForEach(func(k, _ []byte) error {
		if len(k) == 0 {
			ch <- fmt.Errorf("bucket %q: empty key", string(k))
		} else if prev != nil && compareKeys(prev, k) != -1 {
			ch <- fmt.Errorf("bucket %q: keys out of order: %x < %x", string(k), k, prev)
		}
		prev = k
		return nil
	})
}

// compareKeys compares two byte slices lexicographically.
func compareKeys(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
