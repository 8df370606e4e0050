package aqlqueue

import (
	"github.com/pkg/errors"
)

// Ring buffer sizing limits follow the hardware primary-queue register:
// sizes are powers of two between 256 dwords and 1G dwords.
const (
	ringMinBytes uint64 = 0x400
	ringMaxBytes uint64 = 0x100000000
)

func (q *Queue) ringBufferMinPkts() uint32 {
	minBytes := ringMinBytes
	if q.fullWorkaround {
		// Double mapping needs at least one unit of mapping granularity of
		// backing store.
		if g := allocGranularity(); g > minBytes {
			minBytes = g
		}
	}
	return uint32(minBytes / PacketBytes)
}

func (q *Queue) ringBufferMaxPkts() uint32 {
	maxBytes := ringMaxBytes
	if q.fullWorkaround {
		// Double mapping halves the maximum size.
		maxBytes /= 2
	}
	return uint32(maxBytes / PacketBytes)
}

// allocRingBuffer maps the packet ring. On devices needing the queue-full
// workaround the virtual allocation is twice the logical capacity: the upper
// half aliases the pages backing the lower half, so doorbell values may
// exceed the nominal queue size without wrap logic on the device.
func (q *Queue) allocRingBuffer(pkts uint32) error {
	props := q.agent.Properties()
	physBytes := uint64(pkts) * PacketBytes

	if props.Profile == ProfileFull && q.fullWorkaround {
		base, err := reserveDualMapped(physBytes, !props.IsKV)
		if err != nil {
			return errors.Wrapf(ErrOutOfResources, "failed to dual-map ring buffer: %v", err)
		}
		q.ring = base
		q.ringAllocBytes = 2 * physBytes
		q.ringDualMapped = true
		return nil
	}

	allocBytes := alignUp(physBytes, 4096)
	flags := AllocExecutable
	if q.fullWorkaround {
		flags |= AllocDoubleMap
	}
	base, err := q.agent.Allocator().Allocate(allocBytes, 0x1000, flags)
	if err != nil {
		return errors.Wrapf(ErrOutOfResources, "failed to allocate ring buffer: %v", err)
	}
	q.ring = base
	q.ringAllocBytes = allocBytes
	if q.fullWorkaround {
		// The allocator aliased the region; report the doubled size.
		q.ringAllocBytes *= 2
	}
	return nil
}

func (q *Queue) freeRingBuffer() {
	if q.ring == 0 {
		return
	}
	if q.ringDualMapped {
		releaseDualMapped(q.ring, q.ringAllocBytes)
	} else {
		size := q.ringAllocBytes
		if q.fullWorkaround {
			size /= 2
		}
		q.agent.Allocator().Free(q.ring, size)
	}
	q.ring = 0
	q.ringAllocBytes = 0
	q.ringDualMapped = false
}
