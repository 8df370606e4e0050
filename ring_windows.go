//go:build windows

package aqlqueue

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	kernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procMapViewOfFileEx  = kernel32.NewProc("MapViewOfFileEx")
	procGetNativeSysInfo = kernel32.NewProc("GetNativeSystemInfo")
)

const memTopDown = 0x00100000

type systemInfo struct {
	ProcessorArchitecture     uint16
	Reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

func allocGranularity() uint64 {
	var si systemInfo
	procGetNativeSysInfo.Call(uintptr(unsafe.Pointer(&si)))
	return uint64(si.AllocationGranularity)
}

func mapViewOfFileEx(mapping windows.Handle, access uint32, size uint64, base uintptr) uintptr {
	view, _, _ := procMapViewOfFileEx.Call(
		uintptr(mapping), uintptr(access), 0, 0, uintptr(size), base)
	return view
}

// reserveDualMapped backs the ring with a page-file mapping and maps it into
// both halves of a reserved range. Placement races with other threads, so
// the reserve-release-map sequence retries on collision.
func reserveDualMapped(physBytes uint64, exec bool) (uintptr, error) {
	mapping, err := windows.CreateFileMapping(windows.InvalidHandle, nil,
		windows.PAGE_EXECUTE_READWRITE|windows.SEC_COMMIT,
		0, uint32(physBytes), nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create ring file mapping")
	}
	defer windows.CloseHandle(mapping)

	access := uint32(windows.FILE_MAP_ALL_ACCESS | windows.FILE_MAP_EXECUTE)

	for attempts := 0; attempts < 1000; attempts++ {
		reserve, err := windows.VirtualAlloc(0, uintptr(2*physBytes),
			memTopDown|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
		if err != nil {
			break
		}
		windows.VirtualFree(reserve, 0, windows.MEM_RELEASE)

		lower := mapViewOfFileEx(mapping, access, physBytes, reserve)
		if lower == 0 {
			// Another thread took the range.
			continue
		}
		upper := mapViewOfFileEx(mapping, access, physBytes, reserve+uintptr(physBytes))
		if upper == 0 {
			windows.UnmapViewOfFile(lower)
			continue
		}
		return lower, nil
	}

	return 0, errors.Wrap(ErrOutOfResources, "failed to place dual-mapped ring")
}

func releaseDualMapped(base uintptr, allocBytes uint64) {
	windows.UnmapViewOfFile(base)
	windows.UnmapViewOfFile(base + uintptr(allocBytes/2))
}

type virtualAllocator struct{}

// SystemAllocator returns the default pinned system memory allocator.
func SystemAllocator() Allocator { return virtualAllocator{} }

func (virtualAllocator) Allocate(size, align uint64, flags AllocFlags) (uintptr, error) {
	prot := uint32(windows.PAGE_READWRITE)
	if flags&AllocExecutable != 0 {
		prot = windows.PAGE_EXECUTE_READWRITE
	}
	if align > allocGranularity() {
		return 0, errors.Wrapf(ErrInvalidArgument, "alignment %#x exceeds allocation granularity", align)
	}
	p, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_RESERVE|windows.MEM_COMMIT, prot)
	if err != nil {
		return 0, errors.Wrap(err, "failed to allocate system memory")
	}
	return p, nil
}

func (virtualAllocator) Free(ptr uintptr, size uint64) {
	if ptr == 0 {
		return
	}
	windows.VirtualFree(ptr, 0, windows.MEM_RELEASE)
}
