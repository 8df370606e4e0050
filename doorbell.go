package aqlqueue

import (
	"log"
	"runtime"
	"sync/atomic"
)

// Notify rings the hardware doorbell for a dispatch index, telling the
// device new packets are available up to and including value.
//
// Native AQL doorbells take the 64-bit logical index directly. Legacy
// doorbells cannot express true AQL write semantics, so submissions are
// deduplicated under a spinlock against a monotonic high-water mark: stale
// and duplicate doorbells are discarded without touching hardware.
func (q *Queue) Notify(value int64) {
	if q.doorbellKind == DoorbellNativeAQL {
		atomic.StoreUint64((*uint64)(q.doorbell), uint64(value))
		return
	}

	// Spinlock protecting the legacy doorbell. Hold times are a handful of
	// stores, so a yielding CAS loop beats a blocking wait.
	for !atomic.CompareAndSwapUint32(&q.desc.LegacyDoorbellLock, 0, 1) {
		runtime.Gosched()
	}

	var legacyDispatchID uint64
	if q.desc.QueueProperties&queuePropertiesIsPtr64 != 0 {
		// The hardware expects the index one past the last packet to be
		// processed; this field doubles as the HW-visible write index.
		legacyDispatchID = uint64(value) + 1
	} else {
		// In constrained addressing modes a wrap at 2^32 packets is
		// indistinguishable from a backwards doorbell. Ignore the caller's
		// value and submit the tracked write index, clamped to one full
		// queue beyond the read index; a doorbell for the remainder is
		// guaranteed to follow.
		legacyDispatchID = atomic.LoadUint64(&q.desc.WriteDispatchID)
		if limit := atomic.LoadUint64(&q.desc.ReadDispatchID) + uint64(q.desc.Size); legacyDispatchID > limit {
			legacyDispatchID = limit
		}
	}

	// Discard backwards and duplicate doorbells.
	if legacyDispatchID > q.desc.MaxLegacyDoorbellDispatchIDPlus1 {
		// Ring content must be visible to the device before the index.
		atomic.StoreUint64(&q.desc.MaxLegacyDoorbellDispatchIDPlus1, legacyDispatchID)

		switch q.doorbellKind {
		case DoorbellLegacyWrapped:
			// This format wants the index wrapped into the (possibly
			// doubled) ring window and converted to a dword count.
			window := uint64(q.desc.Size)
			if q.fullWorkaround {
				window *= 2
			}
			atomic.StoreUint32((*uint32)(q.doorbell),
				uint32((legacyDispatchID&(window-1))*packetDwords))
		case DoorbellLegacyRaw:
			atomic.StoreUint32((*uint32)(q.doorbell), uint32(legacyDispatchID))
		default:
			log.Println("aqlqueue: unsupported doorbell semantics", q.doorbellKind)
		}
	}

	// Releasing the lock also flushes the write-combined MMIO store
	// promptly.
	atomic.StoreUint32(&q.desc.LegacyDoorbellLock, 0)
}

// NotifyRelease publishes all prior ring writes before ringing the doorbell.
func (q *Queue) NotifyRelease(value int64) {
	q.Notify(value)
}

// LegacyDoorbellMark returns the dedup high-water mark. Monotonically
// non-decreasing.
func (q *Queue) LegacyDoorbellMark() uint64 {
	return atomic.LoadUint64(&q.desc.MaxLegacyDoorbellDispatchIDPlus1)
}
