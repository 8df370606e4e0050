package aqlqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCUMaskDefaultAfterCreation(t *testing.T) {
	env := newTestQueue(t, 64)
	defer env.queue.Destroy()

	// Default initialization tracks an all-enabled mask without touching
	// the driver.
	assert.Empty(t, env.client.cuMasks)

	got := make([]uint32, 2)
	require.NoError(t, env.queue.GetCUMasking(64, got))
	assert.Equal(t, []uint32{^uint32(0), ^uint32(0)}, got)
}

func TestCUMaskGlobalIntersection(t *testing.T) {
	cfg := &Config{GlobalCUMask: [][]uint32{{0xFFFFFFFF, 0}}}
	env := newTestQueue(t, 64, WithConfig(cfg))
	defer env.queue.Destroy()
	q := env.queue

	// Creation-time init already applies the policy.
	require.NotEmpty(t, env.client.cuMasks)
	assert.Equal(t, []uint32{0xFFFFFFFF, 0}, env.client.cuMasks[0])

	// Requesting CUs the policy forbids succeeds with the weaker mask and
	// reports the reduction.
	reduced, err := q.SetCUMasking(64, []uint32{^uint32(0), ^uint32(0)})
	require.NoError(t, err)
	assert.True(t, reduced)
	assert.Equal(t, []uint32{0xFFFFFFFF, 0}, env.client.cuMasks[len(env.client.cuMasks)-1])

	// A request inside the policy is not a reduction.
	reduced, err = q.SetCUMasking(64, []uint32{0x0000FFFF, 0})
	require.NoError(t, err)
	assert.False(t, reduced)

	got := make([]uint32, 2)
	require.NoError(t, q.GetCUMasking(64, got))
	assert.Equal(t, []uint32{0x0000FFFF, 0}, got)
}

func TestCUMaskReset(t *testing.T) {
	env := newTestQueue(t, 64)
	defer env.queue.Destroy()
	q := env.queue

	_, err := q.SetCUMasking(64, []uint32{1, 0})
	require.NoError(t, err)

	// count == 0 re-enables every CU, through the driver this time.
	reduced, err := q.SetCUMasking(0, nil)
	require.NoError(t, err)
	assert.False(t, reduced)
	assert.Equal(t, []uint32{^uint32(0), ^uint32(0)},
		env.client.cuMasks[len(env.client.cuMasks)-1])
}

func TestCUMaskTailClipped(t *testing.T) {
	agent := newFakeAgent()
	agent.props.NumComputeUnits = 40
	client := &fakeClient{}
	env := newTestQueueWith(t, agent, client, 64)
	defer env.queue.Destroy()
	q := env.queue

	_, err := q.SetCUMasking(64, []uint32{^uint32(0), ^uint32(0)})
	require.NoError(t, err)

	// 40 CUs leave only 8 valid bits in the second word.
	assert.Equal(t, []uint32{^uint32(0), 0xFF},
		client.cuMasks[len(client.cuMasks)-1])
}

func TestGetCUMaskingZeroPadsBeyondTracked(t *testing.T) {
	env := newTestQueue(t, 64)
	defer env.queue.Destroy()

	got := []uint32{7, 7, 7, 7}
	require.NoError(t, env.queue.GetCUMasking(128, got))
	assert.Equal(t, []uint32{^uint32(0), ^uint32(0), 0, 0}, got)
}

func TestGetCUMaskingBufferTooSmall(t *testing.T) {
	env := newTestQueue(t, 64)
	defer env.queue.Destroy()

	assert.ErrorIs(t, env.queue.GetCUMasking(128, make([]uint32, 2)), ErrInvalidArgument)
}
