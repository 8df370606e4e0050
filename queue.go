package aqlqueue

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/FireBurn/ROCR-Runtime/kfd"
)

// Handler state machine bits. Once handlerTerminate is observed the only
// legal transition is to handlerDone, and handlerDone is sticky.
const (
	handlerScratchRetry uint32 = 1 << 0
	handlerTerminate    uint32 = 1 << 1
	handlerDone         uint32 = 1 << 2
)

// handlerState is a small bitset shared between the owning queue and the
// async handler; every transition is a compare-and-swap.
type handlerState struct {
	bits uint32
}

func (s *handlerState) set(mask uint32) {
	for {
		old := atomic.LoadUint32(&s.bits)
		if atomic.CompareAndSwapUint32(&s.bits, old, old|mask) {
			return
		}
	}
}

func (s *handlerState) clear(mask uint32) {
	for {
		old := atomic.LoadUint32(&s.bits)
		if atomic.CompareAndSwapUint32(&s.bits, old, old&^mask) {
			return
		}
	}
}

func (s *handlerState) test(mask uint32) bool {
	return atomic.LoadUint32(&s.bits)&mask == mask
}

// Sentinel stored on a monitored signal to force the handler awake during
// teardown. No hardware fault code carries the sign bit alone.
const terminateSentinel int64 = -1 << 63

var queueIDCounter uint64

// Queue ids are process-unique and never reused.
func nextQueueID() uint64 {
	return atomic.AddUint64(&queueIDCounter, 1)
}

// Queue is one hardware compute dispatch queue: the packet ring buffer
// backing it, the producer/consumer index protocol shared with the device,
// and the two asynchronous fault handlers racing against destruction.
//
// It's safe for concurrent use by multiple producing goroutines; exactly one
// hardware consumer retires packets.
type Queue struct {
	agent    Agent
	client   kfd.Client
	registry *EventRegistry
	cfg      *Config

	// desc is read by the device directly; it must not be copied.
	desc QueueDescriptor

	ring           uintptr
	ringAllocBytes uint64
	ringDualMapped bool
	fullWorkaround bool
	doorbellKind   DoorbellKind

	queueID   uint64
	doorbell  unsafe.Pointer
	active    int32
	suspended bool
	priority  kfd.Priority

	inactiveSignal    *Signal
	exceptionSignal   *Signal
	scratchState      handlerState
	exceptionState    handlerState
	handlesExceptions bool

	scratch ScratchInfo

	errCallback ErrorCallback
	errData     interface{}

	maskLock sync.Mutex
	cuMask   []uint32

	pm4Lock   sync.Mutex
	pm4IB     uintptr
	pm4IBSize uint64
}

// New creates a queue of reqPkts packet slots (clamped to the hardware
// limits, power-of-two byte size required), allocates and registers its ring
// buffer, attaches the hardware queue through client, and arms the
// asynchronous fault handlers on registry.
func New(agent Agent, client kfd.Client, registry *EventRegistry, reqPkts uint32, opts ...QueueOption) (*Queue, error) {
	props := agent.Properties()

	q := &Queue{
		agent:        agent,
		client:       client,
		registry:     registry,
		cfg:          &Config{},
		priority:     kfd.PriorityNormal,
		pm4IBSize:    0x1000,
		doorbellKind: props.DoorbellType,
	}

	// With the queue-full workaround the ring allocation is internally
	// doubled and the upper half aliases the pages backing the lower half,
	// so the hardware accepts doorbell == last_doorbell + queue_size.
	// Required for GFXIP 7 and GFXIP 8 parts.
	q.fullWorkaround = props.GfxMajor == 7 || props.GfxMajor == 8

	for _, opt := range opts {
		opt(q)
	}

	pkts := reqPkts
	if max := q.ringBufferMaxPkts(); pkts > max {
		pkts = max
	}
	if min := q.ringBufferMinPkts(); pkts < min {
		pkts = min
	}

	sizeBytes := uint64(pkts) * PacketBytes
	if sizeBytes&(sizeBytes-1) != 0 {
		return nil, errors.Wrap(ErrInvalidQueueCreation,
			"requested queue with non-power of two packet capacity")
	}

	var cleanups []func()
	fail := func(err error) (*Queue, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return nil, err
	}

	if err := q.allocRingBuffer(pkts); err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, q.freeRingBuffer)

	// Fill the ring with invalid packet headers. Content stays
	// uninitialized so unconsumed slots are distinguishable from work.
	for i := uint64(0); i < uint64(pkts); i++ {
		packetAt(q.ring, i).Header = PacketTypeInvalid
	}

	q.desc.Type = queueTypeMulti
	q.desc.Features = queueFeatureKernelDispatch
	q.desc.BaseAddress = uint64(q.ring)
	q.desc.Size = pkts
	q.desc.ID = ^uint64(0)
	q.desc.ReadDispatchIDFieldBaseByteOffset = uint32(unsafe.Offsetof(q.desc.ReadDispatchID))
	q.desc.MaxCUID = props.NumComputeUnits - 1
	q.desc.MaxWaveID = props.MaxWavesPerSIMD*props.NumSIMDPerCU - 1
	if unsafe.Sizeof(uintptr(0)) == 8 {
		q.desc.QueueProperties |= queuePropertiesIsPtr64
	}
	q.desc.GroupSegmentApertureBaseHi = apertureHi(props.GroupSegmentAperture)
	q.desc.PrivateSegmentApertureBaseHi = apertureHi(props.PrivateSegmentAperture)
	if q.desc.GroupSegmentApertureBaseHi == 0 {
		log.Println("aqlqueue: agent reports no group segment region")
	}
	if q.cfg.CheckFlatScratch && q.desc.PrivateSegmentApertureBaseHi == 0 {
		log.Println("aqlqueue: agent reports no private segment region")
	}

	registry.Retain()
	cleanups = append(cleanups, registry.Release)
	q.inactiveSignal = registry.NewSignal(0)
	q.exceptionSignal = registry.NewSignal(0)

	rsrc := kfd.QueueResource{ReadPtr: &q.desc.ReadDispatchID}
	if q.doorbellKind == DoorbellNativeAQL {
		rsrc.WritePtr = &q.desc.WriteDispatchID
	} else {
		// Hardware without native AQL write semantics reads the software
		// proxy as its write index.
		rsrc.WritePtr = &q.desc.MaxLegacyDoorbellDispatchIDPlus1
	}
	q.handlesExceptions = !client.SupportsExceptionDebugging()
	if !q.handlesExceptions {
		rsrc.ErrorReason = q.exceptionSignal.ValuePtr()
	}

	st := client.CreateQueue(props.Node, kfd.QueueTypeComputeAQL, 100, q.priority,
		unsafe.Pointer(q.ring), q.ringAllocBytes, registry.EventHandle(), &rsrc)
	if st != kfd.StatusSuccess {
		return fail(errors.Wrap(ErrOutOfResources, "driver rejected queue creation"))
	}
	q.queueID = rsrc.QueueID
	q.doorbell = rsrc.Doorbell
	q.desc.ID = nextQueueID()
	cleanups = append(cleanups, func() { client.DestroyQueue(q.queueID) })

	q.scratch.RetrySignal = q.inactiveSignal
	q.initScratchSRD()

	if err := registry.SetAsyncHandler(q.inactiveSignal, ConditionNE, 0, q.dynamicScratchHandler); err != nil {
		return fail(err)
	}
	if q.handlesExceptions {
		// Exceptions arrive on the inactive signal; no second machine runs.
		q.exceptionState.set(handlerDone)
	} else if err := registry.SetAsyncHandler(q.exceptionSignal, ConditionNE, 0, q.exceptionHandler); err != nil {
		return fail(err)
	}

	ib, err := agent.Allocator().Allocate(q.pm4IBSize, 0x1000, AllocExecutable)
	if err != nil {
		return fail(errors.Wrapf(ErrOutOfResources, "PM4 IB allocation failed: %v", err))
	}
	q.pm4IB = ib
	cleanups = append(cleanups, func() { agent.Allocator().Free(q.pm4IB, q.pm4IBSize) })

	if !q.cfg.SkipCUMaskInit {
		if _, err := q.SetCUMasking(0, nil); err != nil {
			return fail(err)
		}
	}

	atomic.StoreInt32(&q.active, 1)
	return q, nil
}

func apertureHi(base uint64) uint32 {
	if unsafe.Sizeof(uintptr(0)) == 8 {
		return uint32(base >> 32)
	}
	return uint32(base)
}

// Destroy rendezvouses with both asynchronous handlers, detaches the
// hardware queue and releases every owned resource. It must not run
// concurrently with packet submission.
//
// A cooperative queue only returns its global-wave-sync slots; the owning
// agent tears it down later.
func (q *Queue) Destroy() {
	if atomic.LoadUint32(&q.desc.Type) == queueTypeCooperative {
		q.agent.GWSRelease()
		return
	}

	// Sequence the scratch handler with destruction: force it awake with
	// the sentinel and block until it reports done. The loop re-stores the
	// sentinel because an in-flight fault may legitimately overwrite it.
	q.scratchState.set(handlerTerminate)
	for !q.scratchState.test(handlerDone) {
		q.inactiveSignal.StoreRelease(terminateSentinel)
		q.inactiveSignal.WaitNE(terminateSentinel)
	}

	q.exceptionState.set(handlerTerminate)
	for !q.exceptionState.test(handlerDone) {
		q.exceptionSignal.StoreRelease(-1)
		q.exceptionSignal.WaitNE(-1)
	}

	q.Inactivate()
	q.agent.ReleaseQueueScratch(&q.scratch)
	q.freeRingBuffer()
	q.agent.Allocator().Free(q.pm4IB, q.pm4IBSize)
	q.pm4IB = 0
	q.registry.Release()
}

// Inactivate detaches the hardware queue. Idempotent.
func (q *Queue) Inactivate() {
	if atomic.SwapInt32(&q.active, 0) == 1 {
		if st := q.client.DestroyQueue(q.queueID); st != kfd.StatusSuccess {
			log.Println("aqlqueue: driver queue destroy failed:", st)
		}
	}
}

// suspend stops the hardware from issuing new dispatches without losing
// already-consumed state.
func (q *Queue) suspend() {
	q.suspended = true
	if st := q.client.UpdateQueue(q.queueID, 0, q.priority,
		unsafe.Pointer(q.ring), q.ringAllocBytes); st != kfd.StatusSuccess {
		log.Println("aqlqueue: queue suspend failed:", st)
	}
}

// SetPriority reprograms queue scheduling priority.
func (q *Queue) SetPriority(p kfd.Priority) error {
	if q.suspended {
		return ErrInvalidQueue
	}
	q.priority = p
	if st := q.client.UpdateQueue(q.queueID, 100, p,
		unsafe.Pointer(q.ring), q.ringAllocBytes); st != kfd.StatusSuccess {
		return errors.Wrap(ErrOutOfResources, "driver rejected priority update")
	}
	return nil
}

// EnableGWS allocates global-wave-synchronization slots and marks the queue
// cooperative.
func (q *Queue) EnableGWS(slots uint32) error {
	if _, st := q.client.AllocQueueGWS(q.queueID, slots); st != kfd.StatusSuccess {
		return errors.Wrap(ErrOutOfResources, "gws slot allocation failed")
	}
	atomic.StoreUint32(&q.desc.Type, queueTypeCooperative)
	return nil
}

// ID returns the process-unique queue id.
func (q *Queue) ID() uint64 { return q.desc.ID }

// BaseAddress is the ring buffer base; producers write packets here.
func (q *Queue) BaseAddress() uintptr { return q.ring }

// Capacity is the logical packet capacity of the ring.
func (q *Queue) Capacity() uint32 { return q.desc.Size }

// PacketSlot returns the packet slot for a dispatch index.
func (q *Queue) PacketSlot(writeIdx uint64) *KernelDispatchPacket {
	return packetAt(q.ring, writeIdx&uint64(q.desc.Size-1))
}

// Dispatch index protocol. Multiple producers reserve slots with the atomic
// add variants; the hardware consumer advances the read index on its own and
// software never writes it. The write index wraps in modulo arithmetic at
// the field width, never by explicit reset.

func (q *Queue) LoadReadIndexAcquire() uint64 {
	return atomic.LoadUint64(&q.desc.ReadDispatchID)
}

func (q *Queue) LoadReadIndexRelaxed() uint64 {
	return atomic.LoadUint64(&q.desc.ReadDispatchID)
}

func (q *Queue) LoadWriteIndexAcquire() uint64 {
	return atomic.LoadUint64(&q.desc.WriteDispatchID)
}

func (q *Queue) LoadWriteIndexRelaxed() uint64 {
	return atomic.LoadUint64(&q.desc.WriteDispatchID)
}

func (q *Queue) StoreWriteIndexRelaxed(v uint64) {
	atomic.StoreUint64(&q.desc.WriteDispatchID, v)
}

func (q *Queue) StoreWriteIndexRelease(v uint64) {
	atomic.StoreUint64(&q.desc.WriteDispatchID, v)
}

func (q *Queue) CasWriteIndexAcqRel(expected, v uint64) uint64 {
	return q.casWriteIndex(expected, v)
}

func (q *Queue) CasWriteIndexAcquire(expected, v uint64) uint64 {
	return q.casWriteIndex(expected, v)
}

func (q *Queue) CasWriteIndexRelaxed(expected, v uint64) uint64 {
	return q.casWriteIndex(expected, v)
}

func (q *Queue) CasWriteIndexRelease(expected, v uint64) uint64 {
	return q.casWriteIndex(expected, v)
}

func (q *Queue) casWriteIndex(expected, v uint64) uint64 {
	for {
		old := atomic.LoadUint64(&q.desc.WriteDispatchID)
		if old != expected {
			return old
		}
		if atomic.CompareAndSwapUint64(&q.desc.WriteDispatchID, expected, v) {
			return expected
		}
	}
}

func (q *Queue) AddWriteIndexAcqRel(v uint64) uint64 {
	return atomic.AddUint64(&q.desc.WriteDispatchID, v) - v
}

func (q *Queue) AddWriteIndexAcquire(v uint64) uint64 {
	return atomic.AddUint64(&q.desc.WriteDispatchID, v) - v
}

func (q *Queue) AddWriteIndexRelaxed(v uint64) uint64 {
	return atomic.AddUint64(&q.desc.WriteDispatchID, v) - v
}

func (q *Queue) AddWriteIndexRelease(v uint64) uint64 {
	return atomic.AddUint64(&q.desc.WriteDispatchID, v) - v
}

// AcquirePacketSlot reserves one ring slot and spins (cooperative yield)
// until the hardware consumer has vacated it. Returns the dispatch index.
func (q *Queue) AcquirePacketSlot() uint64 {
	writeIdx := q.AddWriteIndexAcqRel(1)
	for writeIdx-q.LoadReadIndexRelaxed() >= uint64(q.desc.Size) {
		runtime.Gosched()
	}
	return writeIdx
}
