package aqlqueue

import (
	"runtime"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// consumeOnePacket plays the hardware consumer for a single slot: it spins
// until the slot header changes from the invalid fill, captures the slot
// contents as observed at that moment, and retires the packet.
func consumeOnePacket(q *Queue, slot uint64) chan [packetDwords]uint32 {
	out := make(chan [packetDwords]uint32, 1)
	base := (*uint32)(unsafe.Pointer(q.BaseAddress() + uintptr(slot)*PacketBytes))
	words := unsafe.Slice(base, packetDwords)
	initial := atomic.LoadUint32(&words[0])
	go func() {
		for atomic.LoadUint32(&words[0]) == initial {
			runtime.Gosched()
		}

		var seen [packetDwords]uint32
		seen[0] = atomic.LoadUint32(&words[0])
		copy(seen[1:], words[1:])
		out <- seen

		atomic.AddUint64(&q.desc.ReadDispatchID, 1)
	}()
	return out
}

func ibWords(q *Queue, n int) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(q.pm4IB)), n)
}

func TestExecutePM4VendorPacket(t *testing.T) {
	env := newTestQueue(t, 64)
	defer env.queue.Destroy()
	q := env.queue

	seenCh := consumeOnePacket(q, 0)
	cmd := []uint32{0xC0012200, 0x11, 0x22}
	require.NoError(t, q.ExecutePM4(cmd))
	seen := <-seenCh

	// The client command was staged in the indirect buffer.
	assert.Equal(t, cmd, ibWords(q, len(cmd)))

	// Vendor-specific AQL packet wrapping the IB jump. The header is the
	// last word written, so the capture is of a complete packet.
	assert.Equal(t, uint32(PacketTypeVendorSpecific)|aqlFormatPM4IB<<16, seen[0])
	assert.Equal(t, pm4Header(pm4OpIndirectBuffer, 4, 9), seen[1])
	assert.Equal(t, pm4IBBaseLo(uint32(uint64(q.pm4IB)>>2)), seen[2])
	assert.Equal(t, pm4IBBaseHi(uint32(uint64(q.pm4IB)>>32)), seen[3])
	assert.Equal(t, pm4IBSizeDwords(3)|pm4IBValid, seen[4])
	assert.Equal(t, uint32(0xA), seen[5])

	// Completion is synchronous: the write index advanced past the slot
	// and the consumer already retired it.
	assert.Equal(t, uint64(1), q.LoadWriteIndexRelaxed())
	assert.Equal(t, uint64(1), q.LoadReadIndexRelaxed())
}

func TestExecutePM4LegacyTriplet(t *testing.T) {
	agent := newFakeAgent()
	agent.props.GfxMajor = 8
	agent.props.DoorbellType = DoorbellLegacyRaw
	client := &fakeClient{}
	env := newTestQueueWith(t, agent, client, 64)
	defer env.queue.Destroy()
	q := env.queue

	seenCh := consumeOnePacket(q, 0)
	cmd := []uint32{0xC0001000}
	require.NoError(t, q.ExecutePM4(cmd))
	seen := <-seenCh

	// No-op filler padding the slot, then the IB jump, then a release-mem
	// that retires the slot.
	assert.Equal(t, pm4Header(pm4OpNop, 5, 8), seen[0])
	assert.Equal(t, pm4Header(pm4OpIndirectBuffer, 4, 8), seen[5])
	assert.Equal(t, pm4IBSizeDwords(1)|pm4IBValid, seen[8])
	assert.Equal(t, pm4Header(pm4OpReleaseMem, 7, 8), seen[9])
	assert.Equal(t, pm4ReleaseMemEventIndex(pm4ReleaseMemEventIndexAQL), seen[10])

	// Legacy doorbell rang for the slot.
	assert.Equal(t, uint64(1), q.LegacyDoorbellMark())
}

func TestExecutePM4RejectsOversizedCommand(t *testing.T) {
	env := newTestQueue(t, 64, WithPM4BufferSize(64))
	defer env.queue.Destroy()

	err := env.queue.ExecutePM4(make([]uint32, 16))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPM4HeaderEncoding(t *testing.T) {
	// Count field holds dwords minus two; GFX7 tags the shader type bit.
	assert.Equal(t, uint32(0x3<<30|0x2<<16|0x3F<<8), pm4Header(pm4OpIndirectBuffer, 4, 9))
	assert.Equal(t, uint32(0x3<<30|0x2<<16|0x3F<<8|0x2), pm4Header(pm4OpIndirectBuffer, 4, 7))
}
