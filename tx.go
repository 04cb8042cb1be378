package bolt

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"
)

// txid represents the internal transaction identifier.
type txid uint64

// failpoint lets tests simulate a crash at a specific point inside Commit,
// standing in for the fault-injection harness this implementation's
// ancestor used (see DESIGN.md: the code-generation fail-point tooling
// can't run here). Production code leaves it nil.
var failpoint func(stage string) error

func injectFailure(stage string) error {
	if failpoint == nil {
		return nil
	}
	return failpoint(stage)
}

// Tx represents a read-only or read/write transaction on the database. Any
// number of read-only transactions may run concurrently with at most one
// read/write transaction. They do not block each other, except that a
// writer that must remap the file waits until open read-only transactions
// have closed, and new ones wait for that remap.
//
// You must commit or rollback transactions when you are done with them.
// Pages cannot be reclaimed by the writer until no more transactions are
// using them, so a long-running read transaction can cause the database
// file to grow.
type Tx struct {
	writable       bool
	managed        bool
	db             *DB
	meta           *meta
	root           Bucket
	pages          map[pgid]*page
	stats          TxStats
	commitHandlers []func()

	// WriteFlag holds an open-file flag (such as syscall.O_DIRECT). No
	// method of Tx reads it; setting it has no effect.
	WriteFlag int
}

// init initializes the transaction.
func (tx *Tx) init(db *DB) {
	tx.db = db
	tx.pages = nil

	// Copy the meta page since it can be changed by the writer.
	tx.meta = &meta{}
	db.meta().copy(tx.meta)

	// Copy over the root bucket.
	tx.root = newBucket(tx)
	tx.root.bucket = &bucket{}
	*tx.root.bucket = tx.meta.root

	// Increment the transaction id and add a page cache for writable transactions.
	if tx.writable {
		tx.pages = make(map[pgid]*page)
		tx.meta.txid += txid(1)
	}
}

// ID returns the transaction id.
func (tx *Tx) ID() int {
	return int(tx.meta.txid)
}

// DB returns a reference to the database that created the transaction.
func (tx *Tx) DB() *DB {
	return tx.db
}

// Size returns current database size in bytes as seen by this transaction.
func (tx *Tx) Size() int64 {
	return int64(tx.meta.pgid) * int64(tx.db.pageSize)
}

// Writable returns whether the transaction can perform write operations.
func (tx *Tx) Writable() bool {
	return tx.writable
}

// Cursor creates a cursor associated with the root bucket. All items in the
// cursor return a nil value because every root bucket key points to a
// bucket. The cursor is only valid as long as the transaction is open.
func (tx *Tx) Cursor() *Cursor {
	return tx.root.Cursor()
}

// Stats retrieves a copy of the current transaction statistics.
func (tx *Tx) Stats() TxStats {
	return tx.stats
}

// Bucket retrieves a bucket by name. Returns nil if the bucket does not
// exist. The bucket instance is only valid for the lifetime of the
// transaction.
func (tx *Tx) Bucket(name []byte) *Bucket {
	return tx.root.Bucket(name)
}

// CreateBucket creates a new bucket. Returns an error if the bucket already
// exists, the name is blank, or the transaction is read-only.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) {
	return tx.root.CreateBucket(name)
}

// CreateBucketIfNotExists creates a new bucket if it doesn't already exist.
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

// DeleteBucket deletes a bucket. Returns an error if the bucket cannot be
// found or if the key represents a non-bucket value.
func (tx *Tx) DeleteBucket(name []byte) error {
	return tx.root.DeleteBucket(name)
}

// ForEach executes a function for each bucket in the root. If the function
// returns an error, iteration stops and the error is returned to the caller.
func (tx *Tx) ForEach(fn func(name []byte, b *Bucket) error) error {
	return tx.root.ForEach(func(k, v []byte) error {
		return fn(k, tx.root.Bucket(k))
	})
}

// OnCommit adds a handler function to be executed after the transaction
// successfully commits.
func (tx *Tx) OnCommit(fn func()) {
	tx.commitHandlers = append(tx.commitHandlers, fn)
}

// Commit writes all changes to disk and updates the meta page. Returns an
// error if a disk write error occurs or if Commit is called on a read-only
// transaction.
func (tx *Tx) Commit() error {
	_assert(!tx.managed, "managed tx commit not allowed")
	if tx.db == nil {
		return ErrTxClosed
	} else if !tx.writable {
		return ErrTxNotWritable
	}

	// Rebalance nodes which have had deletions.
	var startTime = time.Now()
	tx.root.rebalance()
	if tx.stats.GetRebalance() > 0 {
		tx.stats.IncRebalanceTime(time.Since(startTime))
	}

	opgid := tx.meta.pgid

	// Spill data onto dirty pages.
	startTime = time.Now()
	if err := tx.root.spill(); err != nil {
		tx.rollback()
		return err
	}
	tx.stats.IncSpillTime(time.Since(startTime))

	// Record the root bucket's new root page in the meta.
	tx.meta.root.root = tx.root.root

	// Free the old freelist page and allocate a new one, writing the
	// combined free+pending set so a crash before the next commit still
	// recovers every reusable page.
	if tx.meta.freelist != pgidNoFreelist {
		tx.db.freelist.free(tx.meta.txid, tx.db.page(tx.meta.freelist))
	}

	if err := injectFailure("pre-freelist-write"); err != nil {
		tx.rollback()
		return err
	}

	p, err := tx.allocate((tx.db.freelist.size() / tx.db.pageSize) + 1)
	if err != nil {
		tx.rollback()
		return err
	}
	if err := tx.db.freelist.write(p); err != nil {
		tx.rollback()
		return err
	}
	tx.meta.freelist = p.id

	// If the high water mark has moved up then attempt to grow the database.
	if tx.meta.pgid > opgid {
		if err := tx.db.grow(int(tx.meta.pgid+1) * tx.db.pageSize); err != nil {
			tx.rollback()
			return err
		}
	}

	if err := injectFailure("pre-page-write"); err != nil {
		tx.rollback()
		return err
	}

	// Write dirty pages to disk.
	startTime = time.Now()
	if err := tx.write(); err != nil {
		tx.rollback()
		return err
	}

	// If strict mode is enabled then perform a consistency check.
	if tx.db.StrictMode {
		ch := tx.Check()
		var errs []string
		for {
			err, ok := <-ch
			if !ok {
				break
			}
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			panic("check fail: " + strings.Join(errs, "\n"))
		}
	}

	if err := injectFailure("pre-meta-write"); err != nil {
		tx.rollback()
		return err
	}

	// Write meta to disk. This is the point at which the transaction
	// becomes durable: until this write lands, recovery picks the other
	// meta page and the writes above are simply unreferenced garbage.
	if err := tx.writeMeta(); err != nil {
		tx.rollback()
		return err
	}
	tx.stats.IncWriteTime(time.Since(startTime))

	// Finalize the transaction.
	tx.close()

	// Execute commit handlers now that the locks have been removed.
	for _, fn := range tx.commitHandlers {
		fn()
	}

	return nil
}

// Rollback closes the transaction and ignores all previous updates.
// Read-only transactions must be rolled back, not committed.
func (tx *Tx) Rollback() error {
	_assert(!tx.managed, "managed tx rollback not allowed")
	if tx.db == nil {
		return ErrTxClosed
	}
	tx.nonPhysicalRollback()
	return nil
}

// nonPhysicalRollback is called when the caller invokes Rollback directly,
// so there's no need to reload the free pages from disk.
func (tx *Tx) nonPhysicalRollback() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		tx.db.freelist.rollback(tx.meta.txid)
	}
	tx.close()
}

// rollback reloads the free pages from disk in case a write error happened
// partway through a commit.
func (tx *Tx) rollback() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		tx.db.freelist.rollback(tx.meta.txid)
		// When mmap fails, data may be reset to zero values, and there is
		// no way to reload free page ids in that case.
		if tx.db.data != nil {
			tx.db.freelist.reload(tx.db.page(tx.db.meta().freelist))
		}
	}
	tx.close()
}

func (tx *Tx) close() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		// Grab freelist stats.
		var freelistFreeN = tx.db.freelist.freeCount()
		var freelistPendingN = tx.db.freelist.pendingCount()
		var freelistAlloc = tx.db.freelist.size()

		// Remove transaction ref & writer lock.
		tx.db.rwtx = nil
		tx.db.rwlock.Unlock()

		// Merge statistics.
		tx.db.statlock.Lock()
		tx.db.stats.FreePageN = freelistFreeN
		tx.db.stats.PendingPageN = freelistPendingN
		tx.db.stats.FreeAlloc = (freelistFreeN + freelistPendingN) * tx.db.pageSize
		tx.db.stats.FreelistInuse = freelistAlloc
		tx.db.stats.TxStats.add(&tx.stats)
		tx.db.statlock.Unlock()
	} else {
		tx.db.removeTx(tx)
	}

	// Clear all references.
	tx.db = nil
	tx.meta = nil
	tx.root = Bucket{tx: tx}
	tx.pages = nil
}

// allocate returns a contiguous block of memory starting at a given page.
func (tx *Tx) allocate(count int) (*page, error) {
	p, err := tx.db.allocate(tx.meta.txid, count)
	if err != nil {
		return nil, err
	}

	// Save to our page cache.
	tx.pages[p.id] = p

	// Update statistics.
	tx.stats.IncPageCount(int64(count))
	tx.stats.IncPageAlloc(int64(count * tx.db.pageSize))

	return p, nil
}

// write writes any dirty pages to disk.
func (tx *Tx) write() error {
	// Sort pages by id.
	pages := make(pages, 0, len(tx.pages))
	for _, p := range tx.pages {
		pages = append(pages, p)
	}
	// Clear out page cache early.
	tx.pages = make(map[pgid]*page)
	sort.Sort(pages)

	// Write pages to disk in order.
	for _, p := range pages {
		rem := (uint64(p.overflow) + 1) * uint64(tx.db.pageSize)
		offset := int64(p.id) * int64(tx.db.pageSize)
		var written uintptr

		// Write out the page in "max allocation" sized chunks.
		for {
			sz := rem
			if sz > maxAllocSize-1 {
				sz = maxAllocSize - 1
			}
			buf := unsafeByteSlice(unsafe.Pointer(p), written, 0, int(sz))

			if _, err := tx.db.ops.writeAt(buf, offset); err != nil {
				return err
			}

			tx.stats.IncWrite(1)

			rem -= sz
			if rem == 0 {
				break
			}

			offset += int64(sz)
			written += uintptr(sz)
		}
	}

	if !tx.db.NoSync || IgnoreNoSync {
		if err := fdatasync(tx.db); err != nil {
			return err
		}
	}

	return nil
}

// writeMeta writes the meta to the disk.
func (tx *Tx) writeMeta() error {
	buf := make([]byte, tx.db.pageSize)
	p := tx.db.pageInBuffer(buf, 0)
	tx.meta.write(p)

	if _, err := tx.db.ops.writeAt(buf, int64(p.id)*int64(tx.db.pageSize)); err != nil {
		return err
	}
	if !tx.db.NoSync || IgnoreNoSync {
		if err := fdatasync(tx.db); err != nil {
			return err
		}
	}

	tx.stats.IncWrite(1)

	return nil
}

// page returns a reference to the page with a given id. If the page has
// been written to in this transaction then a dirty in-memory copy is
// returned instead of the mmap'd page.
func (tx *Tx) page(id pgid) *page {
	if tx.pages != nil {
		if p, ok := tx.pages[id]; ok {
			p.fastCheck(id)
			return p
		}
	}

	p := tx.db.page(id)
	p.fastCheck(id)
	return p
}

// forEachPage iterates over every page within a given page and executes fn.
func (tx *Tx) forEachPage(pgidnum pgid, depth int, fn func(*page, int)) {
	p := tx.page(pgidnum)

	fn(p, depth)

	if (p.flags & branchPageFlag) != 0 {
		for i := 0; i < int(p.count); i++ {
			elem := p.branchPageElement(uint16(i))
			tx.forEachPage(elem.pgid, depth+1, fn)
		}
	}
}

// Page returns page information for a given page number. Only safe for
// concurrent use when called from a writable transaction.
func (tx *Tx) Page(id int) (*PageInfo, error) {
	if tx.db == nil {
		return nil, ErrTxClosed
	} else if pgid(id) >= tx.meta.pgid {
		return nil, nil
	}

	p := tx.db.page(pgid(id))
	info := &PageInfo{
		ID:            id,
		Count:         int(p.count),
		OverflowCount: int(p.overflow),
	}

	if tx.db.freelist.freed(pgid(id)) {
		info.Type = "free"
	} else {
		info.Type = p.typ()
	}

	raw := unsafeByteSlice(unsafe.Pointer(p), 0, 0, tx.db.pageSize*(1+int(p.overflow)))
	info.Checksum = checksumPage(raw)

	return info, nil
}

// TxStats represents statistics about the actions performed by the
// transaction, exposed for the CLI and for observability.
type TxStats struct {
	PageCount int64 // number of page allocations
	PageAlloc int64 // total bytes allocated

	CursorCount int64 // number of cursors created

	NodeCount int64 // number of node allocations
	NodeDeref int64 // number of node dereferences

	Rebalance     int64         // number of node rebalances
	RebalanceTime time.Duration // total time spent rebalancing

	Split     int64         // number of nodes split
	Spill     int64         // number of nodes spilled
	SpillTime time.Duration // total time spent spilling

	Write     int64         // number of writes performed
	WriteTime time.Duration // total time spent writing to disk
}

func (s *TxStats) add(other *TxStats) {
	s.IncPageCount(other.GetPageCount())
	s.IncPageAlloc(other.GetPageAlloc())
	s.IncCursorCount(other.GetCursorCount())
	s.IncNodeCount(other.GetNodeCount())
	s.IncNodeDeref(other.GetNodeDeref())
	s.IncRebalance(other.GetRebalance())
	s.IncRebalanceTime(other.GetRebalanceTime())
	s.IncSplit(other.GetSplit())
	s.IncSpill(other.GetSpill())
	s.IncSpillTime(other.GetSpillTime())
	s.IncWrite(other.GetWrite())
	s.IncWriteTime(other.GetWriteTime())
}

// Sub returns the difference between two sets of transaction stats. Useful
// when sampling stats at two points in time and wanting only the delta.
func (s *TxStats) Sub(other *TxStats) TxStats {
	var diff TxStats
	diff.PageCount = s.GetPageCount() - other.GetPageCount()
	diff.PageAlloc = s.GetPageAlloc() - other.GetPageAlloc()
	diff.CursorCount = s.GetCursorCount() - other.GetCursorCount()
	diff.NodeCount = s.GetNodeCount() - other.GetNodeCount()
	diff.NodeDeref = s.GetNodeDeref() - other.GetNodeDeref()
	diff.Rebalance = s.GetRebalance() - other.GetRebalance()
	diff.RebalanceTime = s.GetRebalanceTime() - other.GetRebalanceTime()
	diff.Split = s.GetSplit() - other.GetSplit()
	diff.Spill = s.GetSpill() - other.GetSpill()
	diff.SpillTime = s.GetSpillTime() - other.GetSpillTime()
	diff.Write = s.GetWrite() - other.GetWrite()
	diff.WriteTime = s.GetWriteTime() - other.GetWriteTime()
	return diff
}

func (s *TxStats) GetPageCount() int64               { return atomic.LoadInt64(&s.PageCount) }
func (s *TxStats) IncPageCount(delta int64) int64     { return atomic.AddInt64(&s.PageCount, delta) }
func (s *TxStats) GetPageAlloc() int64                { return atomic.LoadInt64(&s.PageAlloc) }
func (s *TxStats) IncPageAlloc(delta int64) int64     { return atomic.AddInt64(&s.PageAlloc, delta) }
func (s *TxStats) GetCursorCount() int64              { return atomic.LoadInt64(&s.CursorCount) }
func (s *TxStats) IncCursorCount(delta int64) int64   { return atomic.AddInt64(&s.CursorCount, delta) }
func (s *TxStats) GetNodeCount() int64                { return atomic.LoadInt64(&s.NodeCount) }
func (s *TxStats) IncNodeCount(delta int64) int64     { return atomic.AddInt64(&s.NodeCount, delta) }
func (s *TxStats) GetNodeDeref() int64                { return atomic.LoadInt64(&s.NodeDeref) }
func (s *TxStats) IncNodeDeref(delta int64) int64     { return atomic.AddInt64(&s.NodeDeref, delta) }
func (s *TxStats) GetRebalance() int64                { return atomic.LoadInt64(&s.Rebalance) }
func (s *TxStats) IncRebalance(delta int64) int64     { return atomic.AddInt64(&s.Rebalance, delta) }
func (s *TxStats) GetRebalanceTime() time.Duration    { return atomicLoadDuration(&s.RebalanceTime) }
func (s *TxStats) IncRebalanceTime(delta time.Duration) time.Duration {
	return atomicAddDuration(&s.RebalanceTime, delta)
}
func (s *TxStats) GetSplit() int64            { return atomic.LoadInt64(&s.Split) }
func (s *TxStats) IncSplit(delta int64) int64 { return atomic.AddInt64(&s.Split, delta) }
func (s *TxStats) GetSpill() int64            { return atomic.LoadInt64(&s.Spill) }
func (s *TxStats) IncSpill(delta int64) int64 { return atomic.AddInt64(&s.Spill, delta) }
func (s *TxStats) GetSpillTime() time.Duration { return atomicLoadDuration(&s.SpillTime) }
func (s *TxStats) IncSpillTime(delta time.Duration) time.Duration {
	return atomicAddDuration(&s.SpillTime, delta)
}
func (s *TxStats) GetWrite() int64            { return atomic.LoadInt64(&s.Write) }
func (s *TxStats) IncWrite(delta int64) int64 { return atomic.AddInt64(&s.Write, delta) }
func (s *TxStats) GetWriteTime() time.Duration { return atomicLoadDuration(&s.WriteTime) }
func (s *TxStats) IncWriteTime(delta time.Duration) time.Duration {
	return atomicAddDuration(&s.WriteTime, delta)
}

func atomicAddDuration(ptr *time.Duration, du time.Duration) time.Duration {
	return time.Duration(atomic.AddInt64((*int64)(unsafe.Pointer(ptr)), int64(du)))
}

func atomicLoadDuration(ptr *time.Duration) time.Duration {
	return time.Duration(atomic.LoadInt64((*int64)(unsafe.Pointer(ptr))))
}
