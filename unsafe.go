package bolt

import (
	"fmt"
	"unsafe"
)

func unsafeAdd(base unsafe.Pointer, offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset)
}

func unsafeIndex(base unsafe.Pointer, offset uintptr, elemsz uintptr, n int) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset + uintptr(n)*elemsz)
}

// unsafeByteSlice returns a byte slice of [i, j) from data starting at offset
// from ptr, without copying. Callers are responsible for keeping the backing
// memory (a page or node buffer) alive for the lifetime of the result.
func unsafeByteSlice(base unsafe.Pointer, offset uintptr, i, j int) []byte {
	return (*[maxAllocSize]byte)(unsafeAdd(base, offset))[i:j:j]
}

// unsafeSlice modifies the data, len, and cap of a slice variable pointed to
// by the slice parameter, by writing its slice header fields directly.
// Callers use it instead of building slice headers by hand.
func unsafeSlice(slice unsafe.Pointer, data unsafe.Pointer, len int) {
	s := (*struct {
		Data unsafe.Pointer
		Len  int
		Cap  int
	})(slice)
	s.Data = data
	s.Len = len
	s.Cap = len
}

// _assert will panic with a given formatted message if the given condition
// is false.
func _assert(condition bool, msg string, v ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assertion failed: "+msg, v...))
	}
}
