// Package kfd defines the call contracts of the kernel-mode compute driver.
//
// The queue engine consumes the driver as an opaque service: queue
// create/destroy/update, CU-mask programming and global-wave-sync slot
// allocation. Implementations wrap the real thunk library; tests supply
// in-memory fakes.
package kfd

import "unsafe"

type Status int32

const (
	StatusSuccess  Status = 0
	StatusError    Status = 1
	StatusNoMemory Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoMemory:
		return "no memory"
	default:
		return "error"
	}
}

type QueueType uint32

const (
	QueueTypeCompute    QueueType = 1
	QueueTypeComputeAQL QueueType = 21
)

type Priority int32

const (
	PriorityMinimum Priority = -3
	PriorityLow     Priority = -1
	PriorityNormal  Priority = 0
	PriorityHigh    Priority = 1
	PriorityMaximum Priority = 3
)

// QueueResource carries queue attach parameters in and hardware handles out.
//
// ReadPtr and WritePtr point into the caller's hardware queue descriptor and
// are read by the device directly. ErrorReason, when non-nil, is the memory
// the driver stores hardware exception bit-codes to.
type QueueResource struct {
	// In.
	ReadPtr     *uint64
	WritePtr    *uint64
	ErrorReason *int64

	// Out.
	QueueID  uint64
	Doorbell unsafe.Pointer
}

// Client is the kernel compute-driver collaborator.
//
// Calls are individually atomic; none may be invoked while holding a
// hardware-adjacent spinlock.
type Client interface {
	// CreateQueue attaches a hardware queue over the given ring buffer and
	// fills rsrc with the queue id and MMIO doorbell pointer. event is the
	// interrupt event handle the driver signals on queue faults (0 when
	// interrupt-driven waits are unavailable).
	CreateQueue(node uint32, qtype QueueType, percent uint32, prio Priority,
		ringBase unsafe.Pointer, ringBytes uint64, event uint64, rsrc *QueueResource) Status

	DestroyQueue(queueID uint64) Status

	// UpdateQueue reprograms queue scheduling parameters in place. percent 0
	// stops the hardware from issuing new dispatches without losing
	// already-consumed state.
	UpdateQueue(queueID uint64, percent uint32, prio Priority,
		ringBase unsafe.Pointer, ringBytes uint64) Status

	// SetQueueCUMask restricts the queue to the compute units enabled in
	// mask. bitCount is the number of valid bits in mask.
	SetQueueCUMask(queueID uint64, bitCount uint32, mask []uint32) Status

	// AllocQueueGWS allocates global-wave-synchronization slots for the
	// queue and returns the granted count.
	AllocQueueGWS(queueID uint64, count uint32) (uint32, Status)

	// SupportsExceptionDebugging reports whether the driver can deliver
	// hardware exception bit-codes on a dedicated signal, decoupled from
	// scratch fault reporting.
	SupportsExceptionDebugging() bool
}
