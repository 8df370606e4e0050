package aqlqueue

import (
	"log"
	"sync/atomic"
	"unsafe"
)

// Hardware fault codes raised on the queue-inactive signal.
const (
	faultScratchWave64  int64 = 0x1
	faultScratchWave32  int64 = 0x400
	faultScratchReclaim int64 = 512
)

// dynamicScratchHandler reacts to scratch faults raised on the inactive
// signal: reclaims, regrows, or (when no separate exception machine runs)
// translates exception codes. Runs on the registry dispatch goroutine; a
// true return re-arms it.
func (q *Queue) dynamicScratchHandler(errorCode int64) bool {
	status := StatusSuccess
	fatal := false
	changeWait := false
	var waitVal int64

	if q.scratchState.test(handlerScratchRetry) {
		q.scratchState.clear(handlerScratchRetry)
		changeWait = true
		waitVal = 0
		// The provider flags a retryable allocation becoming available by
		// setting the sign bit over the stalled fault code.
		q.inactiveSignal.AndRelaxed(^terminateSentinel)
		errorCode &= ^terminateSentinel
	}

	// Process faults only while the queue is not terminating.
	if !q.scratchState.test(handlerTerminate) {
		switch {
		case errorCode == faultScratchReclaim:
			// Large scratch reclaim: drop the allocation and resume. Not
			// an error.
			q.agent.ReleaseQueueScratch(&q.scratch)
			q.scratch.reset()
			q.initScratchSRD()
			q.inactiveSignal.StoreRelaxed(0)
			clearQueueProperty(&q.desc, queuePropertiesUseScratchOnce)
			return true

		case errorCode&(faultScratchWave64|faultScratchWave32) != 0:
			status = q.growScratch(errorCode, &changeWait, &waitVal)

		case q.handlesExceptions:
			status, fatal = translateLegacyException(errorCode)

		default:
			// A separate exception machine owns this code; clear the
			// signal so it can run.
			q.inactiveSignal.StoreRelaxed(0)
		}

		if status == StatusSuccess {
			if changeWait {
				q.registry.SetAsyncHandler(q.inactiveSignal, ConditionNE, waitVal, q.dynamicScratchHandler)
				return false
			}
			return true
		}

		q.suspend()
		if q.errCallback != nil {
			q.errCallback(status, q, q.errData)
		}
		if fatal {
			// Report, do not crash: debug-trap semantics are left to the
			// client.
			log.Println("aqlqueue: fatal queue error:", status)
		}
	}

	// Keep a local reference: the queue may be released between setting the
	// terminal state and storing the signal.
	sig := q.inactiveSignal
	q.scratchState.set(handlerDone)
	sig.StoreRelease(-1)
	return false
}

// growScratch recomputes the scratch footprint from the stalled dispatch
// packet and re-provisions it through the agent.
func (q *Queue) growScratch(errorCode int64, changeWait *bool, waitVal *int64) Status {
	scratch := &q.scratch
	q.agent.ReleaseQueueScratch(scratch)

	slot := atomic.LoadUint64(&q.desc.ReadDispatchID) & uint64(q.desc.Size-1)
	pkt := packetAt(q.ring, slot)
	if !pkt.Valid() || pkt.Type() != PacketTypeKernelDispatch {
		log.Println("aqlqueue: stalled packet is not a kernel dispatch")
	}

	props := q.agent.Properties()
	maxScratchSlots := uint64(q.desc.MaxCUID+1) * uint64(props.MaxSlotsScratchCU)

	scratch.LanesPerWave = 64
	if errorCode&faultScratchWave32 != 0 {
		scratch.LanesPerWave = 32
	}
	// Align whole waves to 1 KiB.
	scratch.SizePerThread = uint32(alignUp(uint64(pkt.PrivateSegmentSize),
		uint64(1024/scratch.LanesPerWave)))
	scratch.Size = uint64(scratch.SizePerThread) * maxScratchSlots * uint64(scratch.LanesPerWave)

	lanesPerGroup := uint64(pkt.WorkgroupSizeX) * uint64(pkt.WorkgroupSizeY) * uint64(pkt.WorkgroupSizeZ)
	wavesPerGroup := (lanesPerGroup + uint64(scratch.LanesPerWave) - 1) / uint64(scratch.LanesPerWave)
	scratch.WavesPerGroup = wavesPerGroup

	groups := ceilDiv(uint64(pkt.GridSizeX), uint64(pkt.WorkgroupSizeX)) *
		ceilDiv(uint64(pkt.GridSizeY), uint64(pkt.WorkgroupSizeY)) *
		ceilDiv(uint64(pkt.GridSizeZ), uint64(pkt.WorkgroupSizeZ))

	// Assign an equal number of groups to each engine, clipping to capacity
	// limits.
	engines := uint64(props.NumShaderBanks)
	groups = (groups + engines - 1) / engines * engines
	scratch.WantedSlots = groups * wavesPerGroup
	if scratch.WantedSlots > maxScratchSlots {
		scratch.WantedSlots = maxScratchSlots
	}
	scratch.DispatchSize = uint64(scratch.SizePerThread) * scratch.WantedSlots *
		uint64(scratch.LanesPerWave)

	q.agent.AcquireQueueScratch(scratch)

	if scratch.Retry {
		// No forward progress yet; re-arm against the stalled code and
		// wait for the provider to poke the signal.
		q.scratchState.set(handlerScratchRetry)
		*changeWait = true
		*waitVal = errorCode
		return StatusSuccess
	}
	if scratch.Base == 0 {
		// Persistent exhaustion; promote to the suspend/callback path.
		return StatusOutOfResources
	}

	if scratch.Large {
		// Large allocations are single-use.
		setQueueProperty(&q.desc, queuePropertiesUseScratchOnce)
		if props.GfxMajor == 8 && props.Microcode < 729 {
			// Older firmware needs a system-scope release fence to flush
			// scratch stores.
			pkt.Header &^= ((1 << packetHeaderWidthScReleaseFenceScope) - 1) <<
				packetHeaderScReleaseFenceScope
			pkt.Header |= fenceScopeSystem << packetHeaderScReleaseFenceScope
		}
	}

	q.initScratchSRD()
	// Restart the queue.
	q.inactiveSignal.StoreRelease(0)
	return StatusSuccess
}

// translateLegacyException maps queue error bits delivered on the inactive
// signal to status codes, for drivers without a dedicated exception signal.
func translateLegacyException(code int64) (Status, bool) {
	switch {
	case code&2 != 0: // invalid dispatch dimensions
		return StatusIncompatibleArguments, false
	case code&4 != 0: // invalid group memory
		return StatusInvalidAllocation, false
	case code&8 != 0: // invalid or null code descriptor
		return StatusInvalidCodeObject, false
	case code&32 != 0 || code&256 != 0: // invalid packet format, generic or vendor
		return StatusInvalidPacketFormat, false
	case code&64 != 0: // workgroup too large
		return StatusInvalidArgument, false
	case code&128 != 0: // register usage exceeds the device
		return StatusInvalidISA, false
	case code&0x20000000 != 0: // memory violation beyond 48-bit
		return StatusMemoryApertureViolation, false
	case code&0x40000000 != 0:
		return StatusIllegalInstruction, false
	case code&0x80000000 != 0: // debug trap
		return StatusException, true
	default:
		log.Println("aqlqueue: undefined queue error code:", code)
		return StatusError, true
	}
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func setQueueProperty(d *QueueDescriptor, mask uint32) {
	for {
		old := atomic.LoadUint32(&d.QueueProperties)
		if atomic.CompareAndSwapUint32(&d.QueueProperties, old, old|mask) {
			return
		}
	}
}

func clearQueueProperty(d *QueueDescriptor, mask uint32) {
	for {
		old := atomic.LoadUint32(&d.QueueProperties)
		if atomic.CompareAndSwapUint32(&d.QueueProperties, old, old&^mask) {
			return
		}
	}
}

// initScratchSRD programs the scratch resource descriptor, flat scratch
// backing parameters and the temp-ring register image from the current
// scratch allocation.
func (q *Queue) initScratchSRD() {
	props := q.agent.Properties()
	scratchBase := uint64(q.scratch.Base)
	var baseHi uint32
	if unsafe.Sizeof(uintptr(0)) == 8 {
		baseHi = uint32(scratchBase >> 32)
	}

	q.desc.ScratchResourceDescriptor[0] = uint32(scratchBase)
	q.desc.ScratchResourceDescriptor[1] = srdWord1(baseHi, 0, false, true)
	q.desc.ScratchResourceDescriptor[2] = uint32(q.scratch.Size)
	if props.GfxMajor < 10 {
		q.desc.ScratchResourceDescriptor[3] = srdWord3Legacy(props.Profile == ProfileFull)
	} else {
		q.desc.ScratchResourceDescriptor[3] = srdWord3Gfx10()
	}

	q.desc.ScratchBackingMemoryLocation = q.scratch.ProcessOffset
	q.desc.ScratchBackingMemoryByteSize = q.scratch.Size

	// For backwards compatibility this field records per-lane scratch for a
	// 64-lane wavefront; a wave32 allocation reports half its size.
	q.desc.ScratchWave64LaneByteSize = uint32(uint64(q.scratch.SizePerThread) *
		uint64(q.scratch.LanesPerWave) / 64)

	// Concurrent wavefront limits apply only while scratch is in use.
	if q.scratch.Size == 0 {
		atomic.StoreUint32(&q.desc.ComputeTmpringSize, 0)
		return
	}

	maxScratchWaves := props.NumComputeUnits * props.MaxSlotsScratchCU

	// Per-wave scratch is programmed in KiB.
	waveScratch := uint32((uint64(q.scratch.LanesPerWave)*uint64(q.scratch.SizePerThread) + 1023) / 1024)
	if tmpringWaveSize(tmpringSize(0, waveScratch)) != waveScratch {
		log.Println("aqlqueue: wave scratch size overflows register field")
	}
	numWaves := uint32(q.scratch.Size / (uint64(waveScratch) * 1024))
	if numWaves > maxScratchWaves {
		numWaves = maxScratchWaves
	}
	atomic.StoreUint32(&q.desc.ComputeTmpringSize, tmpringSize(numWaves, waveScratch))
}
