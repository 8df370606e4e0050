//go:build linux

package aqlqueue

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveDualMappedAliasing(t *testing.T) {
	phys := allocGranularity()
	base, err := reserveDualMapped(phys, false)
	require.NoError(t, err)
	defer releaseDualMapped(base, 2*phys)

	lower := unsafe.Slice((*byte)(unsafe.Pointer(base)), phys)
	upper := unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(phys))), phys)

	// Both halves are views of the same physical pages, in either
	// direction and at arbitrary offsets.
	lower[0] = 0x5A
	assert.Equal(t, byte(0x5A), upper[0])
	upper[phys-1] = 0xA5
	assert.Equal(t, byte(0xA5), lower[phys-1])
}

func TestDualMappedQueueRing(t *testing.T) {
	agent := newFakeAgent()
	agent.props.GfxMajor = 8
	agent.props.Profile = ProfileFull
	agent.props.DoorbellType = DoorbellLegacyWrapped
	client := &fakeClient{}
	env := newTestQueueWith(t, agent, client, 64)
	defer env.queue.Destroy()
	q := env.queue

	require.True(t, q.ringDualMapped)
	assert.Equal(t, uint64(64), uint64(q.Capacity()))
	assert.Equal(t, uint64(2*64*PacketBytes), q.ringAllocBytes)

	// A slot addressed one full queue past its logical index aliases the
	// same packet, so doorbells beyond the nominal size need no wrap.
	pkt := packetAt(q.BaseAddress(), 3)
	alias := packetAt(q.BaseAddress(), 3+64)
	pkt.KernelObject = 0x1234
	assert.Equal(t, uint64(0x1234), alias.KernelObject)

	// The invalid-header fill of the lower half shows through the alias.
	assert.Equal(t, PacketTypeInvalid, alias.Type())
}

func TestSystemAllocator(t *testing.T) {
	a := SystemAllocator()

	p, err := a.Allocate(8192, 0x1000, AllocExecutable)
	require.NoError(t, err)
	require.NotZero(t, p)
	b := unsafe.Slice((*byte)(unsafe.Pointer(p)), 8192)
	b[0], b[8191] = 1, 2
	a.Free(p, 8192)

	_, err = a.Allocate(4096, 1<<20, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
