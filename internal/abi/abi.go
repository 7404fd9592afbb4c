// Package abi defines how byte payloads cross the guest linear-memory
// boundary.
//
// A payload is described by a pointer and a length packed into a single
// uint64: pointer in the high 32 bits, length in the low 32 bits. The guest
// exports allocate(size i32) i32 and deallocate(ptr i32, size i32); the host
// uses them to place parameters in guest memory and to release results.
package abi

import (
	"errors"
	"fmt"
)

// Export names a guest must provide to use the byte ABI.
const (
	ExportAllocate   = "allocate"
	ExportDeallocate = "deallocate"
	ExportMemory     = "memory"
)

// ErrNullPointer reports a packed value with a zero pointer and a non-zero
// length.
var ErrNullPointer = errors.New("abi: null pointer with non-zero length")

// PackPtrLen packs a pointer and length into a single uint64.
func PackPtrLen(ptr, length uint32) (uint64, error) {
	if ptr == 0 && length > 0 {
		return 0, fmt.Errorf("%w (%d)", ErrNullPointer, length)
	}
	return (uint64(ptr) << 32) | uint64(length), nil
}

// UnpackPtrLen splits a packed uint64 into its pointer and length.
func UnpackPtrLen(packed uint64) (ptr, length uint32, err error) {
	ptr = uint32(packed >> 32)
	length = uint32(packed)
	if ptr == 0 && length > 0 {
		return 0, 0, fmt.Errorf("%w (%d)", ErrNullPointer, length)
	}
	return ptr, length, nil
}

// Memory is the view of guest linear memory the ABI needs.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// ReadBytes copies the payload described by packed out of guest memory.
func ReadBytes(mem Memory, packed uint64) ([]byte, error) {
	ptr, length, err := UnpackPtrLen(packed)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	view, ok := mem.Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("abi: read of %d bytes at 0x%x is out of range", length, ptr)
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// WriteBytes copies data into guest memory at ptr.
func WriteBytes(mem Memory, ptr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !mem.Write(ptr, data) {
		return fmt.Errorf("abi: write of %d bytes at 0x%x is out of range", len(data), ptr)
	}
	return nil
}
