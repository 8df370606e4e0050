package aqlqueue

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// Signal is a 64-bit value shared with the driver and hardware. The queue
// engine uses it through a narrow capability: atomic load/store/and with the
// usual orderings, a condition wait, and condition-triggered asynchronous
// handlers registered on the owning EventRegistry.
type Signal struct {
	value    int64
	registry *EventRegistry
}

func (s *Signal) LoadRelaxed() int64 { return atomic.LoadInt64(&s.value) }

func (s *Signal) LoadAcquire() int64 { return atomic.LoadInt64(&s.value) }

func (s *Signal) StoreRelaxed(v int64) {
	atomic.StoreInt64(&s.value, v)
	s.registry.wake()
}

func (s *Signal) StoreRelease(v int64) {
	atomic.StoreInt64(&s.value, v)
	s.registry.wake()
}

// AndRelaxed clears the bits absent from mask.
func (s *Signal) AndRelaxed(mask int64) {
	for {
		old := atomic.LoadInt64(&s.value)
		if atomic.CompareAndSwapInt64(&s.value, old, old&mask) {
			break
		}
	}
	s.registry.wake()
}

// ValuePtr exposes the storage the driver programs as its error-reason word.
// Hardware stores through this pointer; Raise delivers the matching wakeup.
func (s *Signal) ValuePtr() *int64 { return &s.value }

// Raise stores v on behalf of the hardware and wakes waiters and handlers.
func (s *Signal) Raise(v int64) { s.StoreRelease(v) }

// WaitNE blocks until the signal value differs from v and returns the
// observed value. This is a condition wait, not a spin.
func (s *Signal) WaitNE(v int64) int64 {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		cur := atomic.LoadInt64(&s.value)
		if cur != v {
			return cur
		}
		r.cond.Wait()
	}
}

// Condition selects when an asynchronous handler fires.
type Condition int

const (
	ConditionEQ Condition = iota
	ConditionNE
)

func (c Condition) satisfied(value, cmp int64) bool {
	if c == ConditionEQ {
		return value == cmp
	}
	return value != cmp
}

// AsyncHandler observes a signal value that satisfied its condition. A true
// return re-arms the handler with the same condition; false removes it.
type AsyncHandler func(value int64) bool

type asyncSub struct {
	signal  *Signal
	cond    Condition
	cmp     int64
	handler AsyncHandler
}

// EventRegistry owns the signals of a set of queues and runs their
// condition-triggered handlers on a single dispatch goroutine. Queues retain
// the registry for their lifetime; the final release tears the dispatcher
// down deterministically.
type EventRegistry struct {
	mu   sync.Mutex
	cond *sync.Cond

	// Registrations are queued here and folded into the dispatch loop's
	// working set on its next pass.
	pending *queue.Queue

	refs   int32
	closed bool
	done   chan struct{}

	eventHandle uint64
}

var nextEventHandle uint64

// NewEventRegistry creates a registry holding one reference for the caller
// and starts its dispatch goroutine.
func NewEventRegistry() *EventRegistry {
	r := &EventRegistry{
		pending:     queue.New(),
		refs:        1,
		done:        make(chan struct{}),
		eventHandle: atomic.AddUint64(&nextEventHandle, 1),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.dispatch()
	return r
}

// EventHandle identifies the registry's interrupt event to the driver.
func (r *EventRegistry) EventHandle() uint64 { return r.eventHandle }

// NewSignal creates a signal bound to this registry.
func (r *EventRegistry) NewSignal(initial int64) *Signal {
	return &Signal{value: initial, registry: r}
}

// SetAsyncHandler arms handler to run when s's value satisfies cond against
// cmp. Handlers run on the dispatch goroutine, outside the registry lock.
func (r *EventRegistry) SetAsyncHandler(s *Signal, cond Condition, cmp int64, handler AsyncHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.pending.Add(&asyncSub{signal: s, cond: cond, cmp: cmp, handler: handler})
	r.cond.Broadcast()
	return nil
}

// Retain adds a reference. Each queue retains the registry at creation.
func (r *EventRegistry) Retain() {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
}

// Release drops a reference. The final release stops the dispatch goroutine
// and waits for it to exit.
func (r *EventRegistry) Release() {
	r.mu.Lock()
	r.refs--
	last := r.refs == 0
	if last {
		r.closed = true
		r.cond.Broadcast()
	}
	r.mu.Unlock()
	if last {
		<-r.done
	}
}

func (r *EventRegistry) wake() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *EventRegistry) dispatch() {
	var subs []*asyncSub

	r.mu.Lock()
	for {
		for r.pending.Length() > 0 {
			subs = append(subs, r.pending.Remove().(*asyncSub))
		}
		if r.closed {
			break
		}

		fired := false
		for i := 0; i < len(subs); i++ {
			sub := subs[i]
			value := atomic.LoadInt64(&sub.signal.value)
			if !sub.cond.satisfied(value, sub.cmp) {
				continue
			}

			subs = append(subs[:i], subs[i+1:]...)
			i--
			fired = true

			// Handlers may store signals or re-register; run unlocked.
			r.mu.Unlock()
			rearm := sub.handler(value)
			r.mu.Lock()
			if rearm {
				subs = append(subs, sub)
			}
		}

		if fired || r.pending.Length() > 0 {
			continue
		}
		r.cond.Wait()
	}
	r.mu.Unlock()
	close(r.done)
}
