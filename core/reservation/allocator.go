package reservation

import (
	"fmt"

	"github.com/cordum/gridlock/core/event"
	"github.com/cordum/gridlock/core/infra/transport"
)

// allocSlot takes a slot from the node's free list (or mints a fresh one)
// and marks it allocated.
func (rt *Runtime) allocSlot(dataSize int) *slot {
	rt.mu.Lock()
	var s *slot
	if n := len(rt.free); n > 0 {
		s = rt.free[n-1]
		rt.free = rt.free[:n-1]
	} else {
		rt.nextIndex++
		s = newSlot(rt, MakeHandle(rt.nodeID, rt.nextIndex), rt.nodeID)
		rt.slots[s.me] = s
	}
	rt.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.owner != rt.nodeID || s.count != zeroCount || s.mode != ModeExclusive:
		panic(fmt.Sprintf("recycled reservation %s in dirty state", s.me))
	case len(s.localWaiters) != 0 || !s.remoteWaiterMask.Empty() || s.inUse:
		panic(fmt.Sprintf("recycled reservation %s still in use", s.me))
	}
	s.inUse = true
	if dataSize > 0 {
		s.localData = make([]byte, dataSize)
		s.ownLocal = true
	}
	return s
}

// freeSlot returns a destroyed slot to the free list for reuse; the
// recycled slot keeps its handle.
func (rt *Runtime) freeSlot(s *slot) {
	rt.mu.Lock()
	rt.free = append(rt.free, s)
	rt.mu.Unlock()
}

// destroyReservation routes a destroy to the creator node, then takes the
// reservation exclusively before recycling the slot.
func (rt *Runtime) destroyReservation(h Handle) {
	if h.CreatorNode() != rt.nodeID {
		rt.send(h.CreatorNode(), transport.Message{
			Kind:   transport.KindDestroyLock,
			Handle: uint64(h),
		})
		return
	}

	s := rt.getSlot(h)
	e := s.acquire(0, true, AcquireBlocking, event.NoEvent)
	if !rt.events.HasTriggered(e) {
		d := &deferredDestruction{s: s}
		if rt.events.AddWaiter(e, d) {
			return
		}
		if rt.events.Poisoned(e) {
			d.EventTriggered(true)
			return
		}
	}
	s.releaseReservation()
}
