package bolt

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
)

// The largest step that can be taken when remapping the mmap is defined in
// const.go as maxMmapStep.

// IgnoreNoSync specifies whether the NoSync field of a DB is ignored when
// syncing changes to a file. This is required as some operating systems,
// such as OpenBSD, do not have a unified buffer cache (UBC) and writes must
// be synchronized using the msync(2) syscall.
const IgnoreNoSync = runtime.GOOS == "openbsd"

// DB represents a collection of buckets persisted to a single file on disk.
// All data access happens through transactions obtained from the DB.
type DB struct {
	// When enabled, the database will perform a Check() after every commit.
	// A panic is issued if the database is in an inconsistent state. This
	// flag has a large performance impact so it should only be used for
	// debugging purposes.
	StrictMode bool

	// NoSync disables fdatasync after each commit. Setting it is unsafe and
	// should only be used transiently (e.g. a bulk load followed by an
	// explicit Sync()).
	NoSync bool

	// NoGrowSync skips invoking fdatasync when growing the database file.
	// Setting it is only safe on non-ext3/ext4 systems.
	NoGrowSync bool

	// MmapFlags are the flags passed to mmap(2). Set to unix.MAP_POPULATE
	// on Linux to improve performance on large databases.
	MmapFlags int

	// MaxBatchSize is the maximum number of Batch() calls combined into a
	// single transaction. Set to -1 to disable.
	MaxBatchSize int

	// MaxBatchDelay is the maximum time a Batch() call waits for other
	// calls to arrive before starting its transaction. Set to 0 for no
	// delay.
	MaxBatchDelay time.Duration

	// AllocSize is set to defaultAllocSize by Open. No allocation or grow
	// path reads it: the file grows to minMmapSize first and then in
	// page-size steps.
	AllocSize int

	// Logger receives a debug event when the database is opened; no other
	// code path logs. The zero value is a disabled logger; logging carries
	// no functional behavior, only observability.
	Logger zerolog.Logger

	path     string
	file     *os.File
	dataref  []byte
	data     *[maxMapSize]byte
	datasz   int
	meta0    *meta
	meta1    *meta
	pageSize int
	opened   bool
	rwtx     *Tx
	txs      []*Tx
	freelist *freelist
	stats    Stats

	pagePool sync.Pool

	batchMu sync.Mutex
	batch   *batch

	rwlock   sync.Mutex   // serializes writers
	metalock sync.Mutex   // protects meta page access
	mmaplock sync.RWMutex // protects mmap access during remapping
	statlock sync.RWMutex // protects stats access

	ops struct {
		writeAt func(b []byte, off int64) (n int, err error)
	}

	readOnly bool
}

// Path returns the path to currently open database file.
func (db *DB) Path() string {
	return db.path
}

// GoString returns the Go string representation of the database.
func (db *DB) GoString() string {
	return fmt.Sprintf("bolt.DB{path:%q}", db.path)
}

// String returns the string representation of the database.
func (db *DB) String() string {
	return fmt.Sprintf("DB<%q>", db.path)
}

// Options represents the options that can be set when opening a database.
type Options struct {
	// Timeout waits for the file lock to be available. A zero value means
	// Open() will block indefinitely.
	Timeout time.Duration

	// NoGrowSync sets DB.NoGrowSync immediately after opening.
	NoGrowSync bool

	// ReadOnly opens the database in read-only mode. Uses a shared lock
	// instead of an exclusive one.
	ReadOnly bool

	// MmapFlags are passed through to mmap(2).
	MmapFlags int

	// InitialMmapSize is the initial mmap size in bytes, used to avoid
	// resizing the mmap when the database is known to grow large.
	InitialMmapSize int

	// PageSize overrides the default OS page size.
	PageSize int

	// NoSync sets DB.NoSync immediately after opening.
	NoSync bool

	Logger zerolog.Logger
}

// DefaultOptions is used if nil options are passed into Open(). It has the
// Timeout, ReadOnly, and MmapFlags fields zeroed.
var DefaultOptions = &Options{
	Timeout:    0,
	NoGrowSync: false,
}

// Open creates and opens a database at the given path. If the file does
// not exist it is created automatically.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	db := &DB{opened: true}

	if options == nil {
		options = DefaultOptions
	}
	db.NoGrowSync = options.NoGrowSync
	db.MmapFlags = options.MmapFlags
	db.NoSync = options.NoSync
	db.Logger = options.Logger

	db.MaxBatchSize = defaultMaxBatchSize
	db.MaxBatchDelay = defaultMaxBatchDelay
	db.AllocSize = defaultAllocSize

	flag := os.O_RDWR
	if options.ReadOnly {
		flag = os.O_RDONLY
		db.readOnly = true
	}

	db.path = path
	var err error
	if db.file, err = os.OpenFile(db.path, flag|os.O_CREATE, mode); err != nil {
		_ = db.close()
		return nil, err
	}

	if err := flock(db, mode, !db.readOnly, options.Timeout); err != nil {
		_ = db.close()
		return nil, err
	}

	db.ops.writeAt = db.file.WriteAt

	if info, err := db.file.Stat(); err != nil {
		return nil, fmt.Errorf("stat error: %s", err)
	} else if info.Size() == 0 {
		if options.PageSize != 0 {
			db.pageSize = options.PageSize
		}
		if err := db.init(); err != nil {
			return nil, err
		}
	} else {
		var buf [0x1000]byte
		if _, err := db.file.ReadAt(buf[:], 0); err == nil {
			// A damaged meta page 0 is not fatal here: mmap validates both
			// meta pages and fails only when neither is valid.
			m := db.pageInBuffer(buf[:], 0).meta()
			if err := m.validate(); err == nil {
				db.pageSize = int(m.pageSize)
			}
		}
	}

	if db.pageSize == 0 {
		db.pageSize = os.Getpagesize()
	}

	db.pagePool = sync.Pool{
		New: func() interface{} {
			return make([]byte, db.pageSize)
		},
	}

	if err := db.mmap(options.InitialMmapSize); err != nil {
		_ = db.close()
		return nil, err
	}

	db.freelist = newFreelist()
	db.freelist.read(db.page(db.meta().freelist))

	db.Logger.Debug().Str("path", path).Msg("database opened")

	return db, nil
}

// mmap opens the underlying memory-mapped file and initializes the meta
// references.
func (db *DB) mmap(minsz int) error {
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	info, err := db.file.Stat()
	if err != nil {
		return fmt.Errorf("mmap stat error: %s", err)
	} else if int(info.Size()) < db.pageSize*2 {
		return fmt.Errorf("file size too small")
	}

	var size = int(info.Size())
	if size < minsz {
		size = minsz
	}
	size = db.mmapSize(size)

	if db.rwtx != nil {
		db.rwtx.root.dereference()
	}

	if err := db.munmap(); err != nil {
		return err
	}

	if err := mmap(db, size); err != nil {
		return err
	}

	db.meta0 = db.page(0).meta()
	db.meta1 = db.page(1).meta()

	err0 := db.meta0.validate()
	err1 := db.meta1.validate()
	if err0 != nil && err1 != nil {
		return ErrInvalid
	}

	return nil
}

// munmap unmaps the data file from memory.
func (db *DB) munmap() error {
	if err := munmap(db); err != nil {
		return fmt.Errorf("unmap error: %s", err)
	}
	return nil
}

// mmapSize determines the appropriate size for the mmap given the current
// size of the database. The minimum size is 32KB, doubling until it reaches
// 1GB, at which point it grows by 1GB increments.
func (db *DB) mmapSize(size int) int {
	for i := uint(15); i <= 30; i++ {
		if size <= 1<<i {
			return 1 << i
		}
	}

	if size > maxMapSize {
		return maxMapSize
	}

	sz := int64(size)
	if remainder := sz % int64(maxMmapStep); remainder > 0 {
		sz += int64(maxMmapStep) - remainder
	}

	pageSize := int64(db.pageSize)
	if (sz % pageSize) != 0 {
		sz = ((sz / pageSize) + 1) * pageSize
	}

	if sz > maxMapSize {
		sz = maxMapSize
	}

	return int(sz)
}

// init creates a new database file and initializes its meta pages: two
// meta pages, an empty freelist page, and an empty leaf root page.
func (db *DB) init() error {
	if db.pageSize == 0 {
		db.pageSize = os.Getpagesize()
	}

	buf := make([]byte, db.pageSize*4)
	for i := 0; i < 2; i++ {
		p := db.pageInBuffer(buf, pgid(i))
		p.id = pgid(i)
		p.flags = metaPageFlag

		m := p.meta()
		m.magic = magic
		m.version = version
		m.pageSize = uint32(db.pageSize)
		m.freelist = 2
		m.root = bucket{root: 3}
		m.pgid = 4
		m.txid = txid(i)
		m.checksum = m.sum64()
	}

	p := db.pageInBuffer(buf, pgid(2))
	p.id = pgid(2)
	p.flags = freelistPageFlag
	p.count = 0

	p = db.pageInBuffer(buf, pgid(3))
	p.id = pgid(3)
	p.flags = leafPageFlag
	p.count = 0

	if _, err := db.ops.writeAt(buf, 0); err != nil {
		return err
	}
	if err := fdatasync(db); err != nil {
		return err
	}

	return nil
}

// Close releases all database resources. All transactions must be closed
// before closing the database.
func (db *DB) Close() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	db.mmaplock.RLock()
	defer db.mmaplock.RUnlock()

	return db.close()
}

func (db *DB) close() error {
	if !db.opened {
		return nil
	}

	db.opened = false
	db.freelist = nil

	if err := db.munmap(); err != nil {
		return err
	}

	if db.file != nil {
		if !db.readOnly {
			_ = funlock(db)
		}
		if err := db.file.Close(); err != nil {
			return fmt.Errorf("db file close: %s", err)
		}
		db.file = nil
	}

	db.path = ""
	return nil
}

// Begin starts a new transaction. Multiple read-only transactions can run
// concurrently but only one writable transaction may be active at a time;
// additional Begin(true) calls block and serialize.
//
// IMPORTANT: read-only transactions must be closed, or the database will
// never reclaim the pages they still reference.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		return db.beginRWTx()
	}
	return db.beginTx()
}

func (db *DB) beginTx() (*Tx, error) {
	db.metalock.Lock()

	db.mmaplock.RLock()

	if !db.opened {
		db.mmaplock.RUnlock()
		db.metalock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{}
	t.init(db)

	db.txs = append(db.txs, t)
	n := len(db.txs)

	db.metalock.Unlock()

	db.statlock.Lock()
	db.stats.TxN++
	db.stats.OpenTxN = n
	db.statlock.Unlock()

	return t, nil
}

func (db *DB) beginRWTx() (*Tx, error) {
	if db.readOnly {
		return nil, ErrDatabaseReadOnly
	}

	db.rwlock.Lock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	if !db.opened {
		db.rwlock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{writable: true}
	t.init(db)
	db.rwtx = t

	var minid txid = 0xFFFFFFFFFFFFFFFF
	for _, t := range db.txs {
		if t.meta.txid < minid {
			minid = t.meta.txid
		}
	}
	if minid > 0 {
		db.freelist.release(minid - 1)
	}

	return t, nil
}

// removeTx removes a read-only transaction from the database's tracking
// set and releases the mmap read lock it held.
func (db *DB) removeTx(t *Tx) {
	db.mmaplock.RUnlock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	for i, tx := range db.txs {
		if tx == t {
			last := len(db.txs) - 1
			db.txs[i] = db.txs[last]
			db.txs[last] = nil
			db.txs = db.txs[:last]
			break
		}
	}

	db.statlock.Lock()
	db.stats.TxStats.add(&t.stats)
	db.stats.OpenTxN = len(db.txs)
	db.statlock.Unlock()
}

// Update executes fn within the context of a writable managed transaction.
// If fn returns an error (or panics) the transaction is rolled back,
// otherwise it is committed.
func (db *DB) Update(fn func(*Tx) error) error {
	t, err := db.Begin(true)
	if err != nil {
		return err
	}

	defer func() {
		if t.db != nil {
			t.rollback()
		}
	}()

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}

	return t.Commit()
}

// View executes fn within the context of a managed read-only transaction.
func (db *DB) View(fn func(*Tx) error) error {
	t, err := db.Begin(false)
	if err != nil {
		return err
	}

	defer func() {
		if t.db != nil {
			t.nonPhysicalRollback()
		}
	}()

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}

	return t.Rollback()
}

// Batch calls fn as part of a batch. Multiple calls to Batch() may be
// combined into a single, fairly expensive disk-write operation. fn may
// run more than once if a batch fails and is retried serially.
func (db *DB) Batch(fn func(*Tx) error) error {
	return db.batchEnqueue(fn)
}

// Copy writes the entire database to a writer. A reader transaction is
// maintained during the copy so the database can still be used
// concurrently.
func (db *DB) Copy(w io.Writer) error {
	t, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()

	f, err := os.Open(db.path)
	if err != nil {
		return err
	}
	defer f.Close()

	db.metalock.Lock()
	_, err = io.CopyN(w, f, int64(db.pageSize*2))
	db.metalock.Unlock()
	if err != nil {
		return fmt.Errorf("meta copy: %s", err)
	}

	if _, err := io.Copy(w, f); err != nil {
		return err
	}

	return nil
}

// CopyFile copies the entire database to file at the given path.
func (db *DB) CopyFile(path string, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if err := db.Copy(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Sync executes fdatasync against the database file handle.
func (db *DB) Sync() error { return fdatasync(db) }

// Stats retrieves ongoing performance stats for the database, updated when
// a transaction closes.
func (db *DB) Stats() Stats {
	db.statlock.RLock()
	defer db.statlock.RUnlock()
	return db.stats
}

// Check performs several consistency checks on the database, returning an
// error if any inconsistency is found.
func (db *DB) Check() error {
	return db.View(func(tx *Tx) error {
		var errs ErrorList
		for err := range tx.Check() {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return errs
		}
		return nil
	})
}

// page retrieves a page reference from the mmap based on the current page
// size.
func (db *DB) page(id pgid) *page {
	pos := id * pgid(db.pageSize)
	return (*page)(unsafe.Pointer(&db.data[pos]))
}

// pageInBuffer retrieves a page reference from a given byte array based on
// the current page size.
func (db *DB) pageInBuffer(b []byte, id pgid) *page {
	return (*page)(unsafe.Pointer(&b[id*pgid(db.pageSize)]))
}

// meta retrieves the current meta page reference, choosing the valid meta
// with the higher transaction id.
func (db *DB) meta() *meta {
	m, err := pickMeta(db.meta0, db.meta1)
	if err != nil {
		panic("bolt.DB.meta(): invalid meta pages")
	}
	return m
}

// allocate returns a contiguous block of memory starting at a given page.
func (db *DB) allocate(txid txid, count int) (*page, error) {
	var p *page
	if count == 1 {
		buf := db.pagePool.Get().([]byte)
		p = (*page)(unsafe.Pointer(&buf[0]))
	} else {
		buf := make([]byte, count*db.pageSize)
		p = (*page)(unsafe.Pointer(&buf[0]))
	}
	p.overflow = uint32(count - 1)

	if p.id = db.freelist.allocate(count); p.id != 0 {
		return p, nil
	}

	p.id = db.rwtx.meta.pgid

	var minsz = int((p.id+pgid(count))+1) * db.pageSize
	if minsz >= len(db.dataref) {
		if err := db.mmap(minsz); err != nil {
			return nil, fmt.Errorf("mmap allocate error: %s", err)
		}
	}

	db.rwtx.meta.pgid += pgid(count)

	return p, nil
}

// grow grows the database file to the given size, zero-padding as
// necessary and flushing to disk unless NoGrowSync is set.
func (db *DB) grow(sz int) error {
	if sz <= db.datasz {
		return nil
	}

	if db.datasz < minMmapSize {
		sz = minMmapSize
	} else {
		pageSize := int64(db.pageSize)
		if remainder := int64(sz) % pageSize; remainder > 0 {
			sz += int(pageSize - remainder)
		}
	}

	if !db.NoGrowSync && !db.readOnly {
		if runtime.GOOS != "windows" {
			if err := db.file.Truncate(int64(sz)); err != nil {
				return fmt.Errorf("file resize error: %s", err)
			}
		}
		if err := db.file.Sync(); err != nil {
			return fmt.Errorf("file sync error: %s", err)
		}
	}

	db.datasz = sz
	return nil
}

func (db *DB) IsReadOnly() bool {
	return db.readOnly
}

// Stats represents statistics about the database.
type Stats struct {
	FreePageN     int // total number of free pages allocated
	PendingPageN  int // total number of pending pages awaiting release
	FreeAlloc     int // total bytes allocated in free pages
	FreelistInuse int // total bytes used by the freelist

	TxN     int // total number of started read transactions
	OpenTxN int // number of currently open read transactions

	TxStats TxStats // global, ongoing stats
}

// Sub returns the difference between two sets of database stats.
func (s *Stats) Sub(other *Stats) Stats {
	if other == nil {
		return *s
	}
	var diff Stats
	diff.FreePageN = s.FreePageN
	diff.PendingPageN = s.PendingPageN
	diff.FreeAlloc = s.FreeAlloc
	diff.FreelistInuse = s.FreelistInuse
	diff.TxN = s.TxN - other.TxN
	diff.TxStats = s.TxStats.Sub(&other.TxStats)
	return diff
}

func (s *Stats) add(other *Stats) {
	s.TxStats.add(&other.TxStats)
}

const (
	defaultMaxBatchSize  = 1000
	defaultMaxBatchDelay = 10 * time.Millisecond
	defaultAllocSize     = 16 * 1024 * 1024
)

// checksumPage computes a page's checksum for PageInfo.Checksum, surfaced by
// the "pages" CLI subcommand; grounded on the FNV-1a scheme meta.sum64 uses.
func checksumPage(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
