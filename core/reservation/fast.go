package reservation

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cordum/gridlock/core/event"
	"github.com/cordum/gridlock/core/infra/logging"
)

// FastReservation state word layout. The word must stay a single 64-bit
// value so every transition can be a single atomic update; the auxiliary
// state lives behind the private mutex.
const (
	stateReaderCountMask uint64 = (1 << 32) - 1
	stateWriter          uint64 = 1 << 32
	stateWriterWaiting   uint64 = 1 << 33
	stateBaseRsrv        uint64 = 1 << 34
	stateBaseRsrvWaiting uint64 = 1 << 35
	stateSleeper         uint64 = 1 << 36
	stateSlowFallback    uint64 = 1 << 37
)

// WaitMode tells a lock operation how to behave when it cannot succeed
// immediately.
type WaitMode int

const (
	// Spin retries ordinary contention in place but returns an event for
	// exceptional conditions.
	Spin WaitMode = iota
	// AlwaysSpin never sleeps; exceptional conditions are fatal.
	AlwaysSpin
	// Wait returns an event for the caller to wait on.
	Wait
	// ExternalWait blocks inside the call until the lock is acquired.
	ExternalWait
)

// the fallback path pairs NONBLOCKING with NONBLOCKING_RETRY so that retry
// obligations drain to zero and the base reservation stays migratable
var fallbackRetryCount atomic.Int64

func fetchAdd(a *atomic.Uint64, delta uint64) uint64 {
	return a.Add(delta) - delta
}

func fetchSub(a *atomic.Uint64, delta uint64) uint64 {
	return a.Add(^delta+1) + delta
}

func cpuPause() {
	runtime.Gosched()
}

// FastReservation is a reader/writer lock whose common paths are single
// atomic updates of a state word, with a distributed base reservation as
// the slow path. When the base reservation exists it initially owns the
// lock.
type FastReservation struct {
	state atomic.Uint64

	rt      *Runtime
	base    Reservation
	hasBase bool

	mu           sync.Mutex
	rsrvReady    event.Event
	sleeperCount int
	sleeperEvent event.Event
}

// NewFastReservation builds a fast lock over a base reservation. base may
// be the zero Reservation. When the runtime is configured with
// WithFastReservationFallback every operation routes through the base
// reservation, allocating one if the caller supplied none.
func NewFastReservation(rt *Runtime, base Reservation) *FastReservation {
	f := &FastReservation{rt: rt}
	if base.h.Exists() {
		// the underlying reservation initially owns the lock
		f.state.Store(stateBaseRsrv)
		f.base = base
		f.hasBase = true
	}
	if rt.fastFallback {
		f.state.Or(stateSlowFallback)
		if !f.hasBase {
			f.base = rt.Create()
			f.hasBase = true
		}
	}
	if f.hasBase {
		rt.getSlot(f.base.h).setRequestDeferredHook(f.baseWanted)
	}
	return f
}

// Base returns the underlying reservation (zero Reservation when absent).
func (f *FastReservation) Base() Reservation { return f.base }

// Close gives the base reservation back (or destroys it in fallback mode)
// if the fast lock currently holds it.
func (f *FastReservation) Close() {
	if !f.hasBase {
		return
	}
	f.rt.getSlot(f.base.h).setRequestDeferredHook(nil)
	if f.state.Load()&stateBaseRsrv == 0 {
		if f.state.Load()&stateSlowFallback != 0 {
			f.base.Destroy(event.NoEvent)
		} else {
			f.base.Release(event.NoEvent)
		}
	}
}

// baseWanted runs when a remote request for the base reservation had to be
// parked. If the fast lock is idle the reservation is handed back right
// away; otherwise unlockers will see the waiting bit and hand it back.
func (f *FastReservation) baseWanted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		cur := f.state.Load()
		if cur&(stateBaseRsrv|stateBaseRsrvWaiting|stateSlowFallback) != 0 {
			return
		}
		if cur&(stateWriter|stateReaderCountMask) == 0 {
			if f.state.CompareAndSwap(cur, cur|stateBaseRsrv) {
				f.base.Release(event.NoEvent)
				return
			}
			continue
		}
		if f.state.CompareAndSwap(cur, cur|stateBaseRsrvWaiting) {
			return
		}
	}
}

// requestBaseRsrv issues (or reuses) an acquire of the base reservation.
// Must be called with f.mu held. Returns NoEvent once the reservation is
// held and the BASE_RSRV bit has been cleared.
func (f *FastReservation) requestBaseRsrv() event.Event {
	if !f.rsrvReady.Exists() {
		f.rsrvReady = f.rt.getSlot(f.base.h).acquire(0, true, AcquireBlocking, event.NoEvent)
	}

	// the event may reflect an earlier request that has since been
	// satisfied, or an immediate grant from the call above
	if f.rt.events.HasTriggered(f.rsrvReady) {
		f.rsrvReady = event.NoEvent
		prev := fetchSub(&f.state, stateBaseRsrv)
		if prev&stateBaseRsrv == 0 {
			panic("base reservation bit already clear")
		}
		return event.NoEvent
	}
	return f.rsrvReady
}

// fallbackAcquire routes a lock attempt through the base reservation,
// keeping the global retry pairing balanced.
func (f *FastReservation) fallbackAcquire(mode uint32, exclusive bool) event.Event {
	if !f.hasBase {
		panic("slow fallback without base reservation")
	}
	var acquireType AcquireType
	for {
		current := fallbackRetryCount.Load()
		if current == 0 {
			acquireType = AcquireNonblocking
			break
		}
		acquireType = AcquireNonblockingRetry
		if fallbackRetryCount.CompareAndSwap(current, current-1) {
			break
		}
	}
	e := f.rt.getSlot(f.base.h).acquire(mode, exclusive, acquireType, event.NoEvent)
	if e.Exists() {
		// attempt failed; we'll retry later
		fallbackRetryCount.Add(1)
	}
	return e
}

// WrLock acquires the write lock. NoEvent means the lock is held; an
// existing event must trigger before the caller retries.
func (f *FastReservation) WrLock(mode WaitMode) event.Event {
	if f.state.CompareAndSwap(0, stateWriter) {
		return event.NoEvent
	}
	return f.wrlockSlow(mode)
}

func (f *FastReservation) wrlockSlow(mode WaitMode) event.Event {
	if f.state.Load()&stateSlowFallback != 0 {
		return f.fallbackAcquire(0, true)
	}

	for {
		cur := f.state.Load()

		// with no exceptional conditions, try to clear WRITER_WAITING (if
		// set) and set WRITER, counting on the reader count being zero
		if cur&(stateSlowFallback|stateBaseRsrv|stateBaseRsrvWaiting|stateSleeper) == 0 {
			if f.state.CompareAndSwap(cur&stateWriterWaiting, stateWriter) {
				return event.NoEvent
			}

			if mode == Spin || mode == AlwaysSpin {
				// throttle new readers while we spin; losing this CAS to a
				// racing state change is fine
				f.state.CompareAndSwap(cur, cur|stateWriterWaiting)
				cpuPause()
				continue
			}
			// other modes classify the contention under the mutex below
		}

		// exceptional transitions happen under the private mutex
		f.mu.Lock()
		cur = f.state.Load()
		waitFor := event.NoEvent
		for {
			if cur&stateBaseRsrv != 0 {
				waitFor = f.requestBaseRsrv()
				break
			}
			if cur&stateSleeper != 0 {
				waitFor = f.sleeperEvent
				break
			}
			if cur&^(stateReaderCountMask|stateWriter|stateWriterWaiting) == 0 {
				break
			}
			f.mu.Unlock()
			logging.Error("reservation", "wrlock: unexpected state", "state", fmt.Sprintf("%#x", cur))
			panic(fmt.Sprintf("wrlock: unexpected state %#x", cur))
		}
		f.mu.Unlock()

		if waitFor.Exists() {
			switch mode {
			case AlwaysSpin:
				panic("wrlock: cannot spin through exceptional state")
			case Spin, Wait:
				return waitFor
			case ExternalWait:
				f.rt.events.Wait(waitFor)
			}
		}
		cpuPause()
		// retry acquisition
	}
}

// TryWrLock attempts the write lock without waiting.
func (f *FastReservation) TryWrLock() bool {
	if f.state.CompareAndSwap(0, stateWriter) {
		return true
	}
	return f.trywrlockSlow()
}

func (f *FastReservation) trywrlockSlow() bool {
	if f.state.Load()&stateSlowFallback != 0 {
		e := f.fallbackAcquire(0, true)
		return !e.Exists()
	}

	for {
		if f.state.CompareAndSwap(0, stateWriter) {
			return true
		}
		cur := f.state.Load()

		// simple contention just causes us to return
		if cur&(stateReaderCountMask|stateWriter|stateWriterWaiting) != 0 {
			return false
		}

		f.mu.Lock()
		cur = f.state.Load()
		eventNeeded := false
		for {
			if cur&stateBaseRsrv != 0 {
				if f.requestBaseRsrv().Exists() {
					eventNeeded = true
				}
				break
			}
			if cur&stateSleeper != 0 {
				eventNeeded = true
				break
			}
			if cur&^(stateReaderCountMask|stateWriter|stateWriterWaiting) == 0 {
				break
			}
			f.mu.Unlock()
			panic(fmt.Sprintf("trywrlock: unexpected state %#x", cur))
		}
		f.mu.Unlock()

		if eventNeeded {
			return false
		}
		// retry acquisition
	}
}

// RdLock acquires the lock for reading. NoEvent means the lock is held.
func (f *FastReservation) RdLock(mode WaitMode) event.Event {
	cur := f.state.Load()
	// readers tolerate sleepers; anything else goes slow
	if cur&^(stateSleeper|stateReaderCountMask) == 0 {
		prev := fetchAdd(&f.state, 1)
		if prev&^(stateSleeper|stateReaderCountMask) == 0 {
			return event.NoEvent
		}
		fetchSub(&f.state, 1)
	}
	return f.rdlockSlow(mode)
}

func (f *FastReservation) rdlockSlow(mode WaitMode) event.Event {
	if f.state.Load()&stateSlowFallback != 0 {
		return f.fallbackAcquire(1, false)
	}

	for {
		cur := f.state.Load()

		// a sleeping reader is fine, a sleeping writer is not; a waiting
		// writer sends us to the contention path to avoid cache-fighting
		sleepingWriter := cur&(stateWriter|stateSleeper) == stateWriter|stateSleeper
		if cur&(stateSlowFallback|stateBaseRsrv|stateBaseRsrvWaiting) == 0 && !sleepingWriter {
			if cur&(stateWriter|stateWriterWaiting) == 0 {
				prev := fetchAdd(&f.state, 1)
				if prev&^(stateSleeper|stateReaderCountMask) == 0 {
					return event.NoEvent
				}
				fetchSub(&f.state, 1)
			}

			if mode == Spin || mode == AlwaysSpin {
				cpuPause()
				continue
			}
			// other modes classify the contention under the mutex below
		}

		f.mu.Lock()
		cur = f.state.Load()
		waitFor := event.NoEvent
		for {
			if cur&stateBaseRsrv != 0 {
				waitFor = f.requestBaseRsrv()
				break
			}

			if cur&stateBaseRsrvWaiting != 0 {
				// with no holders left, hand the current grant back so the
				// other node gets its turn, then line up for the next one
				if cur&(stateWriter|stateReaderCountMask) == 0 {
					fetchSub(&f.state, stateBaseRsrvWaiting-stateBaseRsrv)
					f.base.Release(event.NoEvent)
				}
				waitFor = f.requestBaseRsrv()
				break
			}

			if cur&stateSleeper != 0 {
				waitFor = f.sleeperEvent
				break
			}

			if cur&^(stateReaderCountMask|stateWriter|stateWriterWaiting) == 0 {
				break
			}

			f.mu.Unlock()
			logging.Error("reservation", "rdlock: unexpected state", "state", fmt.Sprintf("%#x", cur))
			panic(fmt.Sprintf("rdlock: unexpected state %#x", cur))
		}
		f.mu.Unlock()

		if waitFor.Exists() {
			switch mode {
			case AlwaysSpin:
				panic("rdlock: cannot spin through exceptional state")
			case Spin, Wait:
				return waitFor
			case ExternalWait:
				f.rt.events.Wait(waitFor)
			}
		}
		cpuPause()
		// retry acquisition
	}
}

// TryRdLock attempts a read lock without waiting.
func (f *FastReservation) TryRdLock() bool {
	if f.state.Load()&stateSlowFallback != 0 {
		e := f.fallbackAcquire(1, false)
		return !e.Exists()
	}

	for {
		cur := f.state.Load()

		// only (possibly sleeping) readers present: take the count
		if cur&^(stateSleeper|stateReaderCountMask) == 0 {
			prev := fetchAdd(&f.state, 1)
			if prev&^(stateSleeper|stateReaderCountMask) == 0 {
				return true
			}
			cur = fetchSub(&f.state, 1)
			if cur&stateBaseRsrvWaiting != 0 {
				panic("tryrdlock: base reservation reclaim raced a reader")
			}
			return false
		}

		// the base reservation may just need requesting
		if cur&stateBaseRsrv != 0 {
			f.mu.Lock()
			cur = f.state.Load()
			retry := false
			if cur&stateBaseRsrv != 0 {
				if !f.requestBaseRsrv().Exists() {
					retry = true
				}
			}
			f.mu.Unlock()
			if retry {
				continue
			}
		}

		return false
	}
}

// Unlock drops the write lock or one reader.
func (f *FastReservation) Unlock() {
	for {
		cur := f.state.Load()
		if cur&(stateSlowFallback|stateBaseRsrv|stateBaseRsrvWaiting|stateSleeper) != 0 {
			f.unlockSlow()
			return
		}
		if cur&stateWriter != 0 {
			if f.state.CompareAndSwap(cur, cur&^stateWriter) {
				return
			}
			continue
		}
		if cur&stateReaderCountMask == 0 {
			panic("unlock of unheld fast reservation")
		}
		if f.state.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (f *FastReservation) unlockSlow() {
	if f.state.Load()&stateSlowFallback != 0 {
		f.base.Release(event.NoEvent)
		return
	}

	// hold exceptional conditions still while we decide what we're undoing
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.state.Load()
	if cur&stateWriter != 0 {
		if cur&(stateSleeper|stateBaseRsrv) != 0 {
			panic(fmt.Sprintf("unlock: writer with unexpected state %#x", cur))
		}

		// if the base reservation is waiting, give it back
		if cur&stateBaseRsrvWaiting != 0 {
			fetchSub(&f.state, stateBaseRsrvWaiting-stateBaseRsrv)
			f.base.Release(event.NoEvent)
		}

		fetchSub(&f.state, stateWriter)
		return
	}

	readerCount := cur & stateReaderCountMask
	if readerCount == 0 {
		panic("unlock of unheld fast reservation")
	}
	if cur&stateBaseRsrv != 0 {
		panic(fmt.Sprintf("unlock: reader with base reservation owning the lock %#x", cur))
	}
	if readerCount == 1 && cur&stateSleeper != 0 {
		panic("unlock: last reader with sleeper set")
	}

	// last reader out hands the base reservation back if it's waiting
	if readerCount == 1 && cur&stateBaseRsrvWaiting != 0 {
		fetchSub(&f.state, stateBaseRsrvWaiting-stateBaseRsrv)
		f.base.Release(event.NoEvent)
	}

	fetchSub(&f.state, 1)
}

// AdviseSleepEntry records that a holder is about to block elsewhere while
// still logically holding the lock. guard must trigger when the sleep
// ends. May only be called while the lock is held.
func (f *FastReservation) AdviseSleepEntry(guard event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sleeperCount == 0 {
		if f.sleeperEvent.Exists() {
			panic("sleeper event set with no sleepers")
		}
		f.sleeperEvent = guard
		old := fetchAdd(&f.state, stateSleeper)
		if old&stateSleeper != 0 {
			panic("sleeper bit already set")
		}
		// a waiting writer is going to sleep now; stop throttling readers
		if old&stateWriterWaiting != 0 {
			f.state.And(^stateWriterWaiting)
		}
		f.sleeperCount = 1
		return
	}
	f.sleeperCount++
	if guard != f.sleeperEvent {
		f.sleeperEvent = f.rt.events.Merge(f.sleeperEvent, guard)
	}
}

// AdviseSleepExit undoes one AdviseSleepEntry.
func (f *FastReservation) AdviseSleepExit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sleeperCount == 0 {
		panic("sleep exit without entry")
	}
	if f.sleeperCount == 1 {
		old := fetchSub(&f.state, stateSleeper)
		if old&stateSleeper == 0 {
			panic("sleeper bit not set")
		}
		f.sleeperCount = 0
		f.sleeperEvent = event.NoEvent
		return
	}
	f.sleeperCount--
}
