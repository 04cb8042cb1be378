package bolt

import (
	"bytes"
	"fmt"
	"unsafe"
)

const (
	// bucketHeaderSize is the serialized size of the {root_pgid, sequence}
	// bucket header.
	bucketHeaderSize = int(unsafe.Sizeof(bucket{}))
)

// DefaultFillPercent is the percentage that split pages are filled before
// another page is added to the tree. 0.5 balances write amplification (too
// low) against future write performance (too high).
const DefaultFillPercent = defaultFillPercent

// Bucket represents a named B+tree living inside another bucket's leaf.
// Buckets nest recursively: a sub-bucket is a leaf inode
// carrying the bucket flag whose value is either a {root_pgid, sequence}
// header (its own subtree) or that header plus an embedded single-leaf-page
// (an inline bucket).
type Bucket struct {
	*bucket
	tx          *Tx
	buckets     map[string]*Bucket // subbucket cache
	page        *page              // inline page reference
	rootNode    *node              // materialized node for the root page
	nodes       map[pgid]*node     // node cache
	FillPercent float64
}

// newBucket returns a new bucket associated with a transaction.
func newBucket(tx *Tx) Bucket {
	var b = Bucket{tx: tx, FillPercent: DefaultFillPercent}
	if tx.writable {
		b.buckets = make(map[string]*Bucket)
		b.nodes = make(map[pgid]*node)
	}
	return b
}

// Tx returns the transaction that created the bucket.
func (b *Bucket) Tx() *Tx {
	return b.tx
}

// Root returns the root of the bucket.
func (b *Bucket) Root() pgid {
	return b.root
}

// Writable returns whether the bucket is writable.
func (b *Bucket) Writable() bool {
	return b.tx.writable
}

// Cursor creates a cursor associated with the bucket. The cursor is only
// valid as long as the transaction is open. Do not use a cursor after the
// transaction is closed.
func (b *Bucket) Cursor() *Cursor {
	b.tx.stats.IncCursorCount(1)
	return &Cursor{bucket: b, stack: make([]elemRef, 0)}
}

// Bucket retrieves a nested bucket by name. Returns nil if the bucket does
// not exist. The bucket instance is only valid for the lifetime of the
// transaction.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if b.buckets != nil {
		if child := b.buckets[string(name)]; child != nil {
			return child
		}
	}

	c := b.Cursor()
	k, v, flags := c.seek(name)

	if !bytes.Equal(name, k) || (flags&bucketLeafFlag) == 0 {
		return nil
	}

	child := b.openBucket(v)
	if b.buckets != nil {
		b.buckets[string(name)] = child
	}

	return child
}

// openBucket decodes a bucket header (and, for an inline bucket, its
// embedded leaf page) from a parent leaf value.
func (b *Bucket) openBucket(value []byte) *Bucket {
	child := newBucket(b.tx)

	unaligned := uintptr(unsafe.Pointer(&value[0]))%unsafe.Alignof(value) != 0
	if unaligned {
		value = cloneBytes(value)
	}

	child.bucket = &bucket{}
	*child.bucket = *(*bucket)(unsafe.Pointer(&value[0]))

	if child.root == 0 {
		child.page = (*page)(unsafe.Pointer(&value[bucketHeaderSize]))
	}

	return &child
}

// CreateBucket creates a new bucket at the given key, fails if the key
// already exists, is blank, or is too long.
func (b *Bucket) CreateBucket(key []byte) (*Bucket, error) {
	if b.tx.db == nil {
		return nil, ErrTxClosed
	} else if !b.tx.writable {
		return nil, ErrTxNotWritable
	} else if len(key) == 0 {
		return nil, ErrBucketNameRequired
	} else if len(key) > maxKeySize {
		return nil, ErrKeyTooLarge
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if bytes.Equal(key, k) {
		if (flags & bucketLeafFlag) != 0 {
			return nil, ErrBucketExists
		}
		return nil, ErrIncompatibleValue
	}

	bkt := Bucket{
		bucket:      &bucket{},
		rootNode:    &node{isLeaf: true},
		FillPercent: DefaultFillPercent,
	}
	value := bkt.write()

	c.node().put(key, key, value, 0, bucketLeafFlag)

	key = cloneBytes(key)

	return b.Bucket(key), nil
}

// CreateBucketIfNotExists creates a new bucket if it doesn't already exist.
func (b *Bucket) CreateBucketIfNotExists(key []byte) (*Bucket, error) {
	child, err := b.CreateBucket(key)
	if err == ErrBucketExists {
		return b.Bucket(key), nil
	} else if err != nil {
		return nil, err
	}
	return child, nil
}

// DeleteBucket deletes a bucket at the given key, recursively freeing every
// page owned by that sub-bucket's subtree.
func (b *Bucket) DeleteBucket(key []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if !bytes.Equal(key, k) {
		return ErrBucketNotFound
	} else if (flags & bucketLeafFlag) == 0 {
		return ErrIncompatibleValue
	}

	child := b.Bucket(key)
	err := child.ForEachBucket(func(k []byte) error {
		if err := child.DeleteBucket(k); err != nil {
			return fmt.Errorf("delete bucket: %s", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	delete(b.buckets, string(key))

	child.nodes = nil
	child.rootNode = nil
	child.free()

	c.node().del(key)

	return nil
}

// ForEachBucket calls fn for every sub-bucket key directly nested in b,
// non-recursively.
func (b *Bucket) ForEachBucket(fn func(k []byte) error) error {
	c := b.Cursor()
	for k, _, flags := c.first(); k != nil; k, _, flags = c.next() {
		if (flags & bucketLeafFlag) != 0 {
			if err := fn(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get retrieves the value for a key in the bucket. Returns nil if the key
// does not exist or if the key is a bucket.
func (b *Bucket) Get(key []byte) []byte {
	k, v, flags := b.Cursor().seek(key)

	if (flags & bucketLeafFlag) != 0 {
		return nil
	}
	if !bytes.Equal(key, k) {
		return nil
	}
	return v
}

// Put sets the value for a key in the bucket, overwriting any existing
// value. Fails on empty or oversized keys/values, on a read-only bucket, or
// if the existing key is a bucket.
func (b *Bucket) Put(key []byte, value []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	} else if len(key) == 0 {
		return ErrKeyRequired
	} else if len(key) > maxKeySize {
		return ErrKeyTooLarge
	} else if int64(len(value)) > maxValueSize {
		return ErrValueTooLarge
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if bytes.Equal(key, k) && (flags&bucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}

	key = cloneBytes(key)
	c.node().put(key, key, value, 0, 0)

	return nil
}

// Delete removes a key from the bucket. Fails with ErrIncompatibleValue if
// the key is a bucket.
func (b *Bucket) Delete(key []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if !bytes.Equal(key, k) {
		return nil
	}

	if (flags & bucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}

	c.node().del(key)

	return nil
}

// Sequence returns the current integer for the bucket without incrementing
// it.
func (b *Bucket) Sequence() uint64 { return b.bucket.sequence }

// SetSequence updates the sequence number for the bucket.
func (b *Bucket) SetSequence(v uint64) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	if b.rootNode == nil {
		_ = b.node(b.root, nil)
	}

	b.bucket.sequence = v
	return nil
}

// NextSequence returns an autoincrementing integer for the bucket.
func (b *Bucket) NextSequence() (uint64, error) {
	if b.tx.db == nil {
		return 0, ErrTxClosed
	} else if !b.Writable() {
		return 0, ErrTxNotWritable
	}

	if b.rootNode == nil {
		_ = b.node(b.root, nil)
	}

	b.bucket.sequence++
	return b.bucket.sequence, nil
}

// ForEach executes fn for each key/value pair at the current bucket level
// only (not recursive), in key order.
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns stats on a bucket.
func (b *Bucket) Stats() BucketStats {
	var s, subStats BucketStats
	pageSize := b.tx.db.pageSize
	s.BucketN += 1
	if b.root == 0 {
		s.InlineBucketN += 1
	}
	b.forEachPage(func(p *page, depth int) {
		if (p.flags & leafPageFlag) != 0 {
			s.KeyN += int(p.count)

			used := pageHeaderSize
			if p.count != 0 {
				used += leafPageElementSize * int(p.count-1)
			}
			for i := 0; i < int(p.count); i++ {
				e := p.leafPageElement(uint16(i))
				used += leafPageElementSize + len(e.key()) + len(e.value())
				if (e.flags & bucketLeafFlag) != 0 {
					subStats.BucketN++
					s.LeafInuse += used
					used = 0
				}
			}

			if b.root != 0 {
				used += leafPageElementSize
			}
			s.LeafPageN++
			s.LeafInuse += used
			s.LeafOverflowN += int(p.overflow)
		} else if (p.flags & branchPageFlag) != 0 {
			s.BranchPageN++
			lastElement := p.branchPageElement(p.count - 1)
			used := pageHeaderSize + (branchPageElementSize * int(p.count-1))
			used += int(lastElement.pos) + int(lastElement.ksize)
			s.BranchInuse += used
			s.BranchOverflowN += int(p.overflow)

			if depth+1 > s.Depth {
				s.Depth = depth + 1
			}
		}

		if depth+1 > s.Depth {
			s.Depth = depth + 1
		}
	})

	_ = b.ForEachBucket(func(k []byte) error {
		if child := b.Bucket(k); child != nil {
			subStats.Add(child.Stats())
		}
		return nil
	})
	subStats.BucketN -= 1 // remove from a multiple counted call
	s.Add(subStats)
	s.BranchAlloc = (s.BranchPageN + s.BranchOverflowN) * pageSize
	s.LeafAlloc = (s.LeafPageN + s.LeafOverflowN) * pageSize

	return s
}

// forEachPage iterates over every page in a bucket, including inline pages.
func (b *Bucket) forEachPage(fn func(*page, int)) {
	if b.root == 0 {
		if b.page != nil {
			fn(b.page, 0)
		}
		return
	}
	b.tx.forEachPage(b.root, 0, fn)
}

// forEachPageNode iterates over every page (or node, if already dirty) in a
// bucket.
func (b *Bucket) forEachPageNode(fn func(*page, *node, int)) {
	if b.root == 0 {
		if b.page != nil {
			fn(b.page, nil, 0)
		}
		return
	}
	b._forEachPageNode(b.root, 0, fn)
}

func (b *Bucket) _forEachPageNode(pgid pgid, depth int, fn func(*page, *node, int)) {
	var p, n = b.pageNode(pgid)

	fn(p, n, depth)

	if p != nil {
		if (p.flags & branchPageFlag) != 0 {
			for i := 0; i < int(p.count); i++ {
				elem := p.branchPageElement(uint16(i))
				b._forEachPageNode(elem.pgid, depth+1, fn)
			}
		}
	} else {
		if !n.isLeaf {
			for _, inode := range n.inodes {
				b._forEachPageNode(inode.pgid, depth+1, fn)
			}
		}
	}
}

// spill writes all the nodes for this bucket to dirty pages, recursively
// spilling child buckets first.
func (b *Bucket) spill() error {
	for name, child := range b.buckets {
		var value []byte

		if child.inlineable() {
			child.free()
			value = child.write()
		} else {
			if err := child.spill(); err != nil {
				return err
			}
			value = make([]byte, unsafe.Sizeof(bucket{}))
			var bkt = (*bucket)(unsafe.Pointer(&value[0]))
			*bkt = *child.bucket
		}

		if child.rootNode == nil {
			continue
		}

		c := b.Cursor()
		k, _, flags := c.seek([]byte(name))

		if !bytes.Equal([]byte(name), k) {
			panic(fmt.Sprintf("misplaced bucket header: %x -> %x", []byte(name), k))
		}
		if (flags & bucketLeafFlag) == 0 {
			panic(fmt.Sprintf("unexpected bucket header flag: %x", flags))
		}

		c.node().put([]byte(name), []byte(name), value, 0, bucketLeafFlag)
	}

	if b.rootNode == nil {
		return nil
	}

	if err := b.rootNode.spill(); err != nil {
		return err
	}
	b.rootNode = b.rootNode.root()

	if b.rootNode.pgid >= b.tx.meta.pgid {
		panic(fmt.Sprintf("pgid (%d) above high water mark (%d)", b.rootNode.pgid, b.tx.meta.pgid))
	}
	b.root = b.rootNode.pgid

	return nil
}

// inlineable returns true if a bucket is small enough to be written inline
// and if it contains no subbuckets.
func (b *Bucket) inlineable() bool {
	var n = b.rootNode

	if n == nil || !n.isLeaf {
		return false
	}

	size := pageHeaderSize
	for _, inode := range n.inodes {
		size += leafPageElementSize + len(inode.key) + len(inode.value)

		if inode.flags&bucketLeafFlag != 0 {
			return false
		} else if size > b.maxInlineBucketSize() {
			return false
		}
	}

	return true
}

// maxInlineBucketSize returns the maximum size a bucket can be to fit
// inline.
func (b *Bucket) maxInlineBucketSize() int {
	return b.tx.db.pageSize / 4
}

// write allocates and writes a bucket to a byte slice, used when this
// bucket is being stored inline in the parent's value.
func (b *Bucket) write() []byte {
	n := b.rootNode
	value := make([]byte, bucketHeaderSize+n.size())

	var bkt = (*bucket)(unsafe.Pointer(&value[0]))
	*bkt = *b.bucket

	p := (*page)(unsafe.Pointer(&value[bucketHeaderSize]))
	n.write(p)

	return value
}

// rebalance attempts to balance all nodes.
func (b *Bucket) rebalance() {
	for _, n := range b.nodes {
		n.rebalance()
	}
	for _, child := range b.buckets {
		child.rebalance()
	}
}

// node creates a node from a page and associates it with a given parent.
func (b *Bucket) node(pgid pgid, parent *node) *node {
	_assert(b.nodes != nil, "nodes map expected")

	if n := b.nodes[pgid]; n != nil {
		return n
	}

	n := &node{bucket: b, parent: parent}
	if parent == nil {
		b.rootNode = n
	} else {
		parent.children = append(parent.children, n)
	}

	var p = b.page
	if p == nil {
		p = b.tx.page(pgid)
	}

	n.read(p)
	b.nodes[pgid] = n

	b.tx.stats.IncNodeCount(1)

	return n
}

// free recursively frees all pages in the bucket.
func (b *Bucket) free() {
	if b.root == 0 {
		return
	}

	tx := b.tx
	b.forEachPageNode(func(p *page, n *node, _ int) {
		if p != nil {
			tx.db.freelist.free(tx.meta.txid, p)
		} else {
			n.free()
		}
	})
	b.root = 0
}

// dereference removes all references to the old mmap.
func (b *Bucket) dereference() {
	if b.rootNode != nil {
		b.rootNode.root().dereference()
	}

	for _, child := range b.buckets {
		child.dereference()
	}
}

// pageNode returns the in-memory node, if it exists, otherwise returns the
// underlying page.
func (b *Bucket) pageNode(id pgid) (*page, *node) {
	if b.root == 0 {
		if id != 0 {
			panic(fmt.Sprintf("inline bucket non-zero page access(2): %d != 0", id))
		}
		if b.rootNode != nil {
			return nil, b.rootNode
		}
		return b.page, nil
	}

	if b.nodes != nil {
		if n := b.nodes[id]; n != nil {
			return nil, n
		}
	}

	return b.tx.page(id), nil
}

// BucketStats records statistics about resources used by a bucket.
type BucketStats struct {
	BranchPageN     int
	BranchOverflowN int
	LeafPageN       int
	LeafOverflowN   int
	KeyN            int
	Depth           int
	BranchAlloc     int
	BranchInuse     int
	LeafAlloc       int
	LeafInuse       int
	BucketN         int
	InlineBucketN   int
}

// Add adds the statistics from another BucketStats to this one.
func (s *BucketStats) Add(other BucketStats) {
	s.BranchPageN += other.BranchPageN
	s.BranchOverflowN += other.BranchOverflowN
	s.LeafPageN += other.LeafPageN
	s.LeafOverflowN += other.LeafOverflowN
	s.KeyN += other.KeyN
	if s.Depth < other.Depth {
		s.Depth = other.Depth
	}
	s.BranchAlloc += other.BranchAlloc
	s.BranchInuse += other.BranchInuse
	s.LeafAlloc += other.LeafAlloc
	s.LeafInuse += other.LeafInuse
	s.BucketN += other.BucketN
	s.InlineBucketN += other.InlineBucketN
}

// cloneBytes returns a copy of a given slice.
func cloneBytes(v []byte) []byte {
	var clone = make([]byte, len(v))
	copy(clone, v)
	return clone
}
