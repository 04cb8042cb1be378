package bolt

const (
	// magic is the marker that identifies a file as a bolt database.
	magic uint32 = 0xED0CDAED

	// version is the data file format version.
	version uint32 = 2
)

const (
	// maxMapSize represents the largest mmap size supported by Bolt.
	maxMapSize = 0xFFFFFFFFFFFF // 256TB

	// maxAllocSize is the size used when creating array pointers that must be
	// bounds checked at runtime.
	maxAllocSize = 0x0FFFFFFF

	// maxKeySize is the largest allowed key.
	maxKeySize = 32768

	// maxValueSize is the largest allowed value.
	maxValueSize = (1 << 31) - 2

	// minMmapSize is the file size grow() extends to while the current
	// mapping is still smaller than it.
	minMmapSize = 1 << 22 // 4MB

	// maxMmapStep is the largest step that can be taken when remapping the
	// mmap.
	maxMmapStep = 1 << 30 // 1GB
)

// pgidNoFreelist marks a meta page as carrying no freelist pointer. Commit,
// meta.write and Check test for it; db.init always points the initial
// meta pages at freelist page 2, so no meta created here carries it.
const pgidNoFreelist pgid = 0xFFFFFFFFFFFFFFFF

const defaultFillPercent = 0.5

const (
	// minFillPercent and maxFillPercent bound the per-bucket FillPercent
	// a caller may configure; see Bucket.FillPercent in bucket.go.
	minFillPercent = 0.1
	maxFillPercent = 1.0
)
