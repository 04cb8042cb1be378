//go:build !windows

package bolt

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// flock acquires an advisory lock on a file descriptor, enforcing a single
// writer across processes even when they don't share memory.
func flock(db *DB, mode os.FileMode, exclusive bool, timeout time.Duration) error {
	var t time.Time
	if timeout != 0 {
		t = time.Now()
	}
	fd := db.file.Fd()
	flag := unix.LOCK_NB
	if exclusive {
		flag |= unix.LOCK_EX
	} else {
		flag |= unix.LOCK_SH
	}
	for {
		err := unix.Flock(int(fd), flag)
		if err == nil {
			return nil
		} else if err != unix.EWOULDBLOCK {
			return err
		}

		if timeout != 0 && time.Since(t) > timeout-flockRetryTimeout {
			return ErrTimeout
		}

		time.Sleep(flockRetryTimeout)
	}
}

const flockRetryTimeout = 50 * time.Millisecond

// funlock releases an advisory lock on a file descriptor.
func funlock(db *DB) error {
	return unix.Flock(int(db.file.Fd()), unix.LOCK_UN)
}

// mmap memory maps a DB's data file, storing the mapping in db.dataref.
func mmap(db *DB, sz int) error {
	b, err := unix.Mmap(int(db.file.Fd()), 0, sz, unix.PROT_READ, unix.MAP_SHARED|db.MmapFlags)
	if err != nil {
		return err
	}

	if err := unix.Madvise(b, unix.MADV_RANDOM); err != nil {
		return fmt.Errorf("madvise: %s", err)
	}

	db.dataref = b
	db.data = (*[maxMapSize]byte)(unsafe.Pointer(&b[0]))
	db.datasz = sz
	return nil
}

// munmap unmaps a DB's data file from memory.
func munmap(db *DB) error {
	if db.dataref == nil {
		return nil
	}

	err := unix.Munmap(db.dataref)
	db.dataref = nil
	db.data = nil
	db.datasz = 0
	return err
}

// fdatasync flushes written data to a file. It calls File.Sync (fsync(2))
// on every platform, including Linux.
func fdatasync(db *DB) error {
	return db.file.Sync()
}
