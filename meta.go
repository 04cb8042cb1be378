package bolt

import (
	"hash/fnv"
	"unsafe"
)

// bucket is the on-disk header of a bucket: its root page (or 0 if the
// bucket is inlined into the parent leaf value) and its sequence counter.
type bucket struct {
	root     pgid
	sequence uint64
}

// meta is the root-of-world record for the database. Two copies exist on
// disk (pages 0 and 1), alternating per commit.
type meta struct {
	magic    uint32
	version  uint32
	pageSize uint32
	flags    uint32
	root     bucket
	freelist pgid
	pgid     pgid // high-water pgid: one past the highest pgid ever allocated
	txid     txid
	checksum uint64
}

// validate checks the magic and version of the meta page, and its checksum.
func (m *meta) validate() error {
	if m.magic != magic {
		return ErrInvalid
	} else if m.version != version {
		return ErrVersionMismatch
	} else if m.checksum != 0 && m.checksum != m.sum64() {
		return ErrChecksum
	}
	return nil
}

// copy copies one meta object to another.
func (m *meta) copy(dest *meta) {
	*dest = *m
}

// write writes the meta onto a page, recomputing the checksum.
func (m *meta) write(p *page) {
	if m.root.root >= m.pgid {
		panic("root bucket pgid greater than high water mark")
	} else if m.freelist >= m.pgid && m.freelist != pgidNoFreelist {
		panic("freelist pgid greater than high water mark")
	}

	p.id = pgid(m.txid % 2)
	p.flags |= metaPageFlag

	m.checksum = m.sum64()
	m.copy(p.meta())
}

// sum64 computes a deterministic 64-bit hash (FNV-1a) over all meta fields
// except the checksum slot itself.
func (m *meta) sum64() uint64 {
	h := fnv.New64a()
	_, _ = h.Write((*[unsafe.Offsetof(meta{}.checksum)]byte)(unsafe.Pointer(m))[:])
	return h.Sum64()
}

// pickMeta returns the valid meta with the higher txid. When both are valid
// and the txids are equal, meta0 (page 0) wins.
func pickMeta(meta0, meta1 *meta) (*meta, error) {
	err0 := meta0.validate()
	err1 := meta1.validate()
	switch {
	case err0 == nil && err1 == nil:
		if meta1.txid > meta0.txid {
			return meta1, nil
		}
		return meta0, nil
	case err0 == nil:
		return meta0, nil
	case err1 == nil:
		return meta1, nil
	default:
		return nil, ErrInvalid
	}
}
