//go:build linux

package aqlqueue

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func allocGranularity() uint64 {
	return uint64(os.Getpagesize())
}

func rawMmap(addr uintptr, length uint64, prot, flags, fd int, offset int64) (uintptr, error) {
	p, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(prot),
		uintptr(flags),
		uintptr(fd),
		uintptr(offset),
	)
	if errno != 0 {
		return 0, errno
	}
	return p, nil
}

// reserveDualMapped reserves a virtual range of 2*physBytes and maps two
// views of one anonymous shared backing region into its halves. Writes
// through either half land in the same physical pages.
func reserveDualMapped(physBytes uint64, exec bool) (uintptr, error) {
	fd, err := unix.MemfdCreate("aql-ring", 0)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create ring backing fd")
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(physBytes)); err != nil {
		return 0, errors.Wrap(err, "failed to size ring backing fd")
	}

	reserve, err := rawMmap(0, 2*physBytes, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reserve ring address range")
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	if exec {
		prot |= unix.PROT_EXEC
	}

	// Remap the halves over the reservation. MAP_FIXED replaces the
	// reserved pages in place, so a failure midway only needs one unmap of
	// the whole range.
	if _, err := rawMmap(reserve, physBytes, prot,
		unix.MAP_SHARED|unix.MAP_FIXED, fd, 0); err != nil {
		releaseDualMapped(reserve, 2*physBytes)
		return 0, errors.Wrap(err, "failed to map ring lower half")
	}
	if _, err := rawMmap(reserve+uintptr(physBytes), physBytes, prot,
		unix.MAP_SHARED|unix.MAP_FIXED, fd, 0); err != nil {
		releaseDualMapped(reserve, 2*physBytes)
		return 0, errors.Wrap(err, "failed to map ring upper half")
	}

	return reserve, nil
}

func releaseDualMapped(base uintptr, allocBytes uint64) {
	unix.Syscall(unix.SYS_MUNMAP, base, uintptr(allocBytes), 0)
}

type mmapAllocator struct{}

// SystemAllocator returns the default pinned system memory allocator.
func SystemAllocator() Allocator { return mmapAllocator{} }

func (mmapAllocator) Allocate(size, align uint64, flags AllocFlags) (uintptr, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if flags&AllocExecutable != 0 {
		prot |= unix.PROT_EXEC
	}
	// mmap returns page-aligned memory; the engine never asks for more.
	if align > allocGranularity() {
		return 0, errors.Wrapf(ErrInvalidArgument, "alignment %#x exceeds page granularity", align)
	}
	p, err := rawMmap(0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return 0, errors.Wrap(err, "failed to allocate system memory")
	}
	return p, nil
}

func (mmapAllocator) Free(ptr uintptr, size uint64) {
	if ptr == 0 {
		return
	}
	unix.Syscall(unix.SYS_MUNMAP, ptr, uintptr(size), 0)
}
