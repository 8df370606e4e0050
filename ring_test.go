package aqlqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingSizingLimits(t *testing.T) {
	env := newTestQueue(t, 64)
	defer env.queue.Destroy()
	q := env.queue

	assert.Equal(t, uint32(ringMinBytes/PacketBytes), q.ringBufferMinPkts())
	assert.Equal(t, uint32(ringMaxBytes/PacketBytes), q.ringBufferMaxPkts())
}

func TestRingSizingLimitsWithWorkaround(t *testing.T) {
	agent := newFakeAgent()
	agent.props.GfxMajor = 8
	agent.props.DoorbellType = DoorbellLegacyWrapped
	client := &fakeClient{}
	env := newTestQueueWith(t, agent, client, 1024)
	defer env.queue.Destroy()
	q := env.queue

	// Doubling the mapping halves the maximum and raises the minimum to
	// one unit of mapping granularity.
	assert.Equal(t, uint32(ringMaxBytes/2/PacketBytes), q.ringBufferMaxPkts())
	minBytes := ringMinBytes
	if g := allocGranularity(); g > minBytes {
		minBytes = g
	}
	assert.Equal(t, uint32(minBytes/PacketBytes), q.ringBufferMinPkts())

	// Capacity stays logical while the reported allocation is doubled.
	assert.Equal(t, uint32(1024), q.Capacity())
	assert.Equal(t, uint64(2*1024*PacketBytes), q.ringAllocBytes)
}
