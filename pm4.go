package aqlqueue

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// PM4 type-3 command encoding: fixed-width header (opcode, dword count,
// generation tag) followed by opcode-specific payload.
const (
	pm4OpNop            uint32 = 0x10
	pm4OpIndirectBuffer uint32 = 0x3F
	pm4OpReleaseMem     uint32 = 0x49

	pm4ReleaseMemEventIndexAQL uint32 = 0x7

	pm4IBValid uint32 = 1 << 23

	aqlFormatPM4IB uint32 = 0x1
)

func pm4Header(opcode, sizeDwords, gfxMajor uint32) uint32 {
	h := uint32(3) << 30
	h |= ((sizeDwords - 2) & 0x3FFF) << 16
	h |= (opcode & 0xFF) << 8
	if gfxMajor == 7 {
		h |= 1 << 1
	}
	return h
}

func pm4IBBaseLo(v uint32) uint32 { return (v & 0x3FFFFFFF) << 2 }

func pm4IBBaseHi(v uint32) uint32 { return v & 0xFFFF }

func pm4IBSizeDwords(v uint32) uint32 { return v & 0xFFFFF }

func pm4ReleaseMemEventIndex(v uint32) uint32 { return (v & 0xF) << 8 }

// ExecutePM4 submits a raw vendor command to the hardware command processor
// through the queue's shared indirect buffer, for out-of-band operations
// such as instruction-cache flushes. Completion is synchronous: the call
// busy-waits until the hardware consumes the slot.
func (q *Queue) ExecutePM4(cmd []uint32) error {
	if uint64(len(cmd))*4 >= q.pm4IBSize {
		return errors.Wrap(ErrInvalidArgument, "PM4 command exceeds indirect buffer size")
	}

	// The indirect buffer is a shared resource across callers.
	q.pm4Lock.Lock()
	defer q.pm4Lock.Unlock()

	gfx := q.agent.Properties().GfxMajor

	// Obtain a queue slot for a single AQL packet.
	writeIdx := q.AddWriteIndexAcqRel(1)
	for writeIdx-q.LoadReadIndexRelaxed() >= uint64(q.desc.Size) {
		runtime.Gosched()
	}
	slotIdx := writeIdx % uint64(q.desc.Size)

	// Stage the client command in the IB.
	ib := unsafe.Slice((*uint32)(unsafe.Pointer(q.pm4IB)), len(cmd))
	copy(ib, cmd)

	ibJump := [4]uint32{
		pm4Header(pm4OpIndirectBuffer, 4, gfx),
		pm4IBBaseLo(uint32(uint64(q.pm4IB) >> 2)),
		pm4IBBaseHi(uint32(uint64(q.pm4IB) >> 32)),
		pm4IBSizeDwords(uint32(len(cmd))) | pm4IBValid,
	}

	// Buffer the slot contents first to respect multi-producer semantics.
	var slotData [packetDwords]uint32

	if gfx <= 8 {
		// Legacy command triplet padded to the slot: no-op filler, the IB
		// jump, then a release-mem that advances the read index and
		// invalidates the header. The release must come last since it
		// frees the slot for writing.
		const relMemDwords = 7
		const nopPadDwords = packetDwords - (4 + relMemDwords)

		slotData[0] = pm4Header(pm4OpNop, nopPadDwords, gfx)
		copy(slotData[nopPadDwords:], ibJump[:])

		relMem := slotData[nopPadDwords+4:]
		relMem[0] = pm4Header(pm4OpReleaseMem, relMemDwords, gfx)
		relMem[1] = pm4ReleaseMemEventIndex(pm4ReleaseMemEventIndexAQL)
	} else {
		// Newer generations take a vendor-specific AQL packet wrapping the
		// IB jump.
		slotData[0] = uint32(PacketTypeVendorSpecific) | aqlFormatPM4IB<<16
		copy(slotData[1:5], ibJump[:])
		slotData[5] = 0xA // remaining dword count
	}

	// Copy into the slot with the first word written last under release
	// ordering, so the hardware never observes a partial packet.
	slot := unsafe.Slice((*uint32)(unsafe.Pointer(q.ring+uintptr(slotIdx)*PacketBytes)), packetDwords)
	copy(slot[1:], slotData[1:])
	atomic.StoreUint32(&slot[0], slotData[0])

	q.NotifyRelease(int64(writeIdx))

	// Synchronous completion: wait for the consumer to pass the slot.
	for q.LoadReadIndexRelaxed() <= writeIdx {
		runtime.Gosched()
	}
	return nil
}
