//go:build !linux && !windows

package aqlqueue

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

func allocGranularity() uint64 { return 0x1000 }

// Dual mapping needs OS support for aliasing one backing region under two
// virtual views; nothing portable provides that.
func reserveDualMapped(physBytes uint64, exec bool) (uintptr, error) {
	return 0, errors.Wrap(ErrOutOfResources, "dual-mapped ring unsupported on this platform")
}

func releaseDualMapped(base uintptr, allocBytes uint64) {}

type heapAllocator struct {
	mu   sync.Mutex
	held map[uintptr][]byte
}

var sysAlloc = &heapAllocator{held: map[uintptr][]byte{}}

// SystemAllocator returns the default system memory allocator.
func SystemAllocator() Allocator { return sysAlloc }

func (a *heapAllocator) Allocate(size, align uint64, flags AllocFlags) (uintptr, error) {
	if flags&AllocDoubleMap != 0 {
		return 0, errors.Wrap(ErrOutOfResources, "double-map allocation unsupported on this platform")
	}
	buf := make([]byte, size+align)
	base := uintptr(0)
	if len(buf) > 0 {
		base = alignPtr(&buf[0], uintptr(align))
	}
	a.mu.Lock()
	a.held[base] = buf
	a.mu.Unlock()
	return base, nil
}

func (a *heapAllocator) Free(ptr uintptr, size uint64) {
	a.mu.Lock()
	delete(a.held, ptr)
	a.mu.Unlock()
}

func alignPtr(p *byte, align uintptr) uintptr {
	v := uintptr(unsafe.Pointer(p))
	return (v + align - 1) &^ (align - 1)
}
