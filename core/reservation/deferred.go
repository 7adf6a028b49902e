package reservation

import (
	"github.com/cordum/gridlock/core/event"
	"github.com/cordum/gridlock/core/infra/logging"
)

// Deferred operations are event waiters that run an acquire, release or
// destroy once their precondition event triggers. They own themselves; the
// garbage collector reclaims them after they fire.

type deferredAcquire struct {
	rt        *Runtime
	h         Handle
	mode      uint32
	exclusive bool
	afterLock event.Event
}

func (d *deferredAcquire) EventTriggered(poisoned bool) {
	// a poisoned precondition must not take the lock; poison the output
	// event instead
	if poisoned {
		logging.Info("reservation", "poisoned deferred acquire skipped", "rsrv", d.h, "after", d.afterLock)
		d.rt.events.Trigger(d.afterLock, true)
		return
	}
	d.rt.getSlot(d.h).acquire(d.mode, d.exclusive, AcquireBlocking, d.afterLock)
}

type deferredRelease struct {
	rt *Runtime
	h  Handle
}

func (d *deferredRelease) EventTriggered(poisoned bool) {
	// there is no output event here, so declining may hang whoever is
	// waiting on the lock
	if poisoned {
		logging.Warn("reservation", "poisoned deferred release skipped - POSSIBLE HANG", "rsrv", d.h)
		return
	}
	d.rt.getSlot(d.h).release()
}

type deferredDestroy struct {
	rt *Runtime
	h  Handle
}

func (d *deferredDestroy) EventTriggered(poisoned bool) {
	if poisoned {
		logging.Info("reservation", "poisoned deferred destruction skipped - POSSIBLE LEAK", "rsrv", d.h)
		return
	}
	d.rt.destroyReservation(d.h)
}

// deferredDestruction finishes a local destroy once the exclusive acquire
// it is gated on has been granted.
type deferredDestruction struct {
	s *slot
}

func (d *deferredDestruction) EventTriggered(poisoned bool) {
	if poisoned {
		logging.Info("reservation", "poisoned deferred destruction skipped - POSSIBLE LEAK", "rsrv", d.s.me)
		return
	}
	d.s.releaseReservation()
}
