package aqlqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raiseException(t *testing.T, code int64, rec *callbackRecorder) (*testEnv, *Queue) {
	t.Helper()
	agent := newFakeAgent()
	client := &fakeClient{}
	env := newTestQueueWith(t, agent, client, 64,
		WithErrorHandler(rec.record, nil))
	q := env.queue

	q.exceptionSignal.Raise(code)
	waitFor(t, "exception handler to go terminal", func() bool {
		return q.exceptionState.test(handlerDone)
	})
	return env, q
}

func TestExceptionTranslation(t *testing.T) {
	cases := []struct {
		name string
		code uint32
		want Status
	}{
		{"wave abort", 1, StatusException},
		{"wave trap", 2, StatusException},
		{"illegal instruction", 4, StatusIllegalInstruction},
		{"memory violation", 5, StatusMemoryFault},
		{"aperture violation", 6, StatusMemoryApertureViolation},
		{"invalid dimensions", 16, StatusIncompatibleArguments},
		{"invalid group segment", 17, StatusInvalidAllocation},
		{"invalid code object", 18, StatusInvalidCodeObject},
		{"unsupported packet", 20, StatusInvalidPacketFormat},
		{"invalid workgroup size", 21, StatusInvalidArgument},
		{"invalid register usage", 22, StatusInvalidISA},
		{"ras error", 34, StatusError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &callbackRecorder{}
			env, q := raiseException(t, int64(1)<<(tc.code-1), rec)
			defer q.Destroy()

			require.Equal(t, []Status{tc.want}, rec.recorded())
			assert.Equal(t, 1, env.client.suspendCount())
			assert.Zero(t, q.exceptionSignal.LoadAcquire())
		})
	}
}

func TestExceptionUndefinedCodeReported(t *testing.T) {
	rec := &callbackRecorder{}
	env, q := raiseException(t, 1<<40, rec)
	defer q.Destroy()

	// Unknown hardware codes still suspend the queue and reach the
	// callback as a generic error.
	require.Equal(t, []Status{StatusError}, rec.recorded())
	assert.Equal(t, 1, env.client.suspendCount())
}

func TestExceptionDestroySkipsCallback(t *testing.T) {
	rec := &callbackRecorder{}
	agent := newFakeAgent()
	client := &fakeClient{}
	env := newTestQueueWith(t, agent, client, 64,
		WithErrorHandler(rec.record, nil))

	// Destruction rendezvouses with the idle handler; the teardown poke
	// must not look like a hardware fault.
	env.queue.Destroy()
	assert.Empty(t, rec.recorded())
	assert.Zero(t, env.client.suspendCount())
}

func TestExceptionRunsIndependentlyOfScratchRetry(t *testing.T) {
	agent := newFakeAgent()
	agent.retryFirst = 1 << 30
	client := &fakeClient{}
	rec := &callbackRecorder{}
	env := newTestQueueWith(t, agent, client, 64,
		WithErrorHandler(rec.record, nil))
	q := env.queue

	// Park the scratch machine in a pending retry.
	pkt := packetAt(q.BaseAddress(), 0)
	pkt.Header = PacketTypeKernelDispatch
	pkt.WorkgroupSizeX, pkt.WorkgroupSizeY, pkt.WorkgroupSizeZ = 64, 1, 1
	pkt.GridSizeX, pkt.GridSizeY, pkt.GridSizeZ = 64, 1, 1
	pkt.PrivateSegmentSize = 64
	q.inactiveSignal.Raise(faultScratchWave64)
	waitFor(t, "scratch retry to be recorded", func() bool {
		return q.scratchState.test(handlerScratchRetry)
	})

	// A wavefront exception is delivered and handled regardless.
	q.exceptionSignal.Raise(1 << 4)
	waitFor(t, "exception handler to go terminal", func() bool {
		return q.exceptionState.test(handlerDone)
	})
	require.Equal(t, []Status{StatusMemoryFault}, rec.recorded())

	q.Destroy()
	assert.Equal(t, 1, env.client.suspendCount())
}
