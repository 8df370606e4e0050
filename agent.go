package aqlqueue

// Profile selects the device memory model. Full-profile devices share the
// host address space and can alias the ring buffer through a dual mapping.
type Profile uint32

const (
	ProfileBase Profile = iota
	ProfileFull
)

// AgentProperties describes the device attributes the queue engine needs.
// Enumeration and capability discovery happen elsewhere; the engine treats
// these values as fixed for the queue's lifetime.
type AgentProperties struct {
	Node             uint32
	EnumerationIndex int

	DoorbellType DoorbellKind
	GfxMajor     uint32
	Microcode    uint32
	Profile      Profile
	IsKV         bool

	NumComputeUnits   uint32
	NumSIMDPerCU      uint32
	MaxWavesPerSIMD   uint32
	MaxSlotsScratchCU uint32
	NumShaderBanks    uint32

	// Aperture base addresses; the descriptor carries their high bits.
	GroupSegmentAperture   uint64
	PrivateSegmentAperture uint64
}

// ScratchInfo is the scratch allocation owned by a queue between acquire and
// release calls to its agent. The agent fills Base, ProcessOffset, Large and
// Retry on acquire.
type ScratchInfo struct {
	Base          uintptr
	Size          uint64
	SizePerThread uint32
	LanesPerWave  uint32
	WavesPerGroup uint64
	WantedSlots   uint64
	DispatchSize  uint64
	ProcessOffset uint64

	Large bool
	Retry bool

	// RetrySignal is stored by the agent when an allocation could become
	// satisfiable later; raising it re-runs the scratch fault handler.
	RetrySignal *Signal
}

func (s *ScratchInfo) reset() {
	s.Base = 0
	s.Size = 0
	s.SizePerThread = 0
	s.ProcessOffset = 0
}

// AllocFlags qualifies system memory allocations.
type AllocFlags uint32

const (
	AllocExecutable AllocFlags = 1 << iota
	// AllocDoubleMap requests driver-side aliasing of the region when the
	// platform cannot dual-map itself.
	AllocDoubleMap
)

// Allocator provides pinned system memory for the ring buffer and the PM4
// indirect buffer.
type Allocator interface {
	Allocate(size, align uint64, flags AllocFlags) (uintptr, error)
	Free(ptr uintptr, size uint64)
}

// Agent is the device-side collaborator: property source, scratch
// provisioner and system memory allocator for one GPU.
type Agent interface {
	Properties() *AgentProperties

	// AcquireQueueScratch satisfies (or defers, via ScratchInfo.Retry) a
	// scratch footprint request computed by the fault handler.
	AcquireQueueScratch(*ScratchInfo)
	ReleaseQueueScratch(*ScratchInfo)

	// GWSRelease returns the queue's global-wave-sync slots to the device.
	GWSRelease()

	Allocator() Allocator
}

// ErrorCallback receives asynchronous queue faults. It runs on the event
// registry's dispatch goroutine; it must not destroy the queue.
type ErrorCallback func(status Status, q *Queue, data interface{})

// Config carries process-wide policy that queues consume at creation. The
// zero value is usable.
type Config struct {
	// GlobalCUMask restricts compute-unit scheduling per device, indexed by
	// the agent's enumeration index. Per-call masks are intersected with it.
	GlobalCUMask [][]uint32

	// CheckFlatScratch validates the private aperture at queue creation.
	CheckFlatScratch bool

	// SkipCUMaskInit suppresses the redundant driver call that would
	// program an all-default mask during queue creation.
	SkipCUMaskInit bool
}

func (c *Config) cuMask(enumerationIndex int) []uint32 {
	if c == nil || enumerationIndex < 0 || enumerationIndex >= len(c.GlobalCUMask) {
		return nil
	}
	return c.GlobalCUMask[enumerationIndex]
}
