package reservation

import (
	"fmt"
	"sync"

	"github.com/cordum/gridlock/core/event"
	"github.com/cordum/gridlock/core/infra/logging"
	"github.com/cordum/gridlock/core/infra/transport"
)

// ModeExclusive is the reserved mode value that forbids concurrent holders.
// It is treated as the highest priority mode of all.
const ModeExclusive = ^uint32(0)

// count is biased so a free reservation is distinguishable from a zeroed
// struct when printed.
const zeroCount uint64 = 1 << 16

// AcquireType classifies how an acquire behaves when the grant is not
// immediately available.
type AcquireType int

const (
	// AcquireBlocking waits as long as needed.
	AcquireBlocking AcquireType = iota
	// AcquireNonblocking is the first attempt of a try-acquire; failure
	// records a retry obligation.
	AcquireNonblocking
	// AcquireNonblockingRetry is a later attempt of a previously failed
	// try-acquire; success drains the obligation.
	AcquireNonblockingRetry
	// AcquireNonblockingPlaceholder records the obligation without an
	// actual attempt (the precondition event has not triggered yet).
	AcquireNonblockingPlaceholder
)

func (a AcquireType) String() string {
	switch a {
	case AcquireBlocking:
		return "blocking"
	case AcquireNonblocking:
		return "nonblocking"
	case AcquireNonblockingRetry:
		return "nonblocking_retry"
	case AcquireNonblockingPlaceholder:
		return "nonblocking_placeholder"
	default:
		return fmt.Sprintf("acquire(%d)", int(a))
	}
}

// slot is the stateful half of a reservation on one node. Every field is
// protected by mu. The mutex is never held across a message send or an
// event trigger: the incoming handler path takes the same mutex, and a
// triggered waiter may reenter acquire/release.
type slot struct {
	rt *Runtime
	me Handle

	mu               sync.Mutex
	owner            int
	mode             uint32
	count            uint64
	localWaiters     map[uint32][]event.Event
	retryEvents      map[uint32]event.Event
	retryCount       map[uint32]uint32
	remoteWaiterMask NodeSet
	remoteSharerMask NodeSet
	requested        bool
	inUse            bool
	localData        []byte
	ownLocal         bool

	// called outside mu when a remote request had to be deferred; lets an
	// attached FastReservation learn the base reservation is wanted back
	requestDeferred func()
}

func newSlot(rt *Runtime, me Handle, owner int) *slot {
	return &slot{
		rt:           rt,
		me:           me,
		owner:        owner,
		mode:         ModeExclusive,
		count:        zeroCount,
		localWaiters: make(map[uint32][]event.Event),
		retryEvents:  make(map[uint32]event.Event),
		retryCount:   make(map[uint32]uint32),
	}
}

// modeRank orders modes by priority: smaller rank wins, ModeExclusive
// outranks everything.
func modeRank(m uint32) int64 {
	if m == ModeExclusive {
		return -1
	}
	return int64(m)
}

// sharedGrantBlocked reports (mutex held) whether a queued local waiter at
// the same or higher priority forbids an immediate shared grant.
func (s *slot) sharedGrantBlocked(newMode uint32) bool {
	for m := range s.localWaiters {
		if modeRank(m) <= modeRank(newMode) {
			return true
		}
	}
	return false
}

func minMode[V any](m map[uint32]V) (uint32, bool) {
	best, found := uint32(0), false
	for k := range m {
		if !found || modeRank(k) < modeRank(best) {
			best, found = k, true
		}
	}
	return best, found
}

// acquire runs one acquisition attempt against the slot. It returns the
// event that will trigger when the grant happens; NoEvent means the grant
// (or the placeholder bookkeeping) already took effect.
func (s *slot) acquire(newMode uint32, exclusive bool, acquireType AcquireType, afterLock event.Event) event.Event {
	rt := s.rt
	if exclusive {
		newMode = ModeExclusive
	}
	logging.Debug("reservation", "local request", "rsrv", s.me, "mode", newMode,
		"acq", acquireType, "event", afterLock)

	gotLock := false
	requestTarget := -1
	var bonusGrants []event.Event

	s.mu.Lock()

	// info is only authoritative on the creator node
	if s.me.CreatorNode() == rt.nodeID && !s.inUse {
		s.mu.Unlock()
		panic(fmt.Sprintf("acquire of destroyed reservation %s", s.me))
	}

	if acquireType == AcquireNonblockingPlaceholder {
		s.retryCount[newMode]++
		s.mu.Unlock()
		return event.NoEvent
	}

	if s.owner == rt.nodeID {
		// we own the lock; grant unless a higher priority waiter is ahead
		if s.count == zeroCount ||
			(s.mode == newMode && s.mode != ModeExclusive && !s.sharedGrantBlocked(newMode)) {
			s.mode = newMode
			s.count++
			gotLock = true
			// a shared grant can take queued waiters and retriers of the
			// same mode along for the ride
			if newMode != ModeExclusive {
				if lst, ok := s.localWaiters[newMode]; ok {
					bonusGrants = append(bonusGrants, lst...)
					delete(s.localWaiters, newMode)
				}
				if re, ok := s.retryEvents[newMode]; ok {
					bonusGrants = append(bonusGrants, re)
					delete(s.retryEvents, newMode)
				}
			}
		}
	} else {
		// somebody else owns it; we may still join existing sharers
		if s.count > zeroCount && s.mode == newMode {
			if s.mode == ModeExclusive {
				s.mu.Unlock()
				panic(fmt.Sprintf("sharing an exclusive grant of %s", s.me))
			}
			s.count++
			gotLock = true
		}

		// otherwise ask the owner, unless a request is already in flight;
		// the send happens after the mutex drops because the incoming
		// handler path takes it too
		if !gotLock && !s.requested {
			requestTarget = s.owner
			s.requested = true
		}
	}

	// a successful retry pays down the recorded obligation
	if gotLock && acquireType == AcquireNonblockingRetry {
		n, ok := s.retryCount[newMode]
		if !ok {
			s.mu.Unlock()
			panic(fmt.Sprintf("retry acquire of %s mode %d without recorded attempt", s.me, newMode))
		}
		if n > 1 {
			s.retryCount[newMode] = n - 1
		} else {
			delete(s.retryCount, newMode)
		}
	}

	if !gotLock {
		switch acquireType {
		case AcquireBlocking:
			if !afterLock.Exists() {
				afterLock = rt.events.Create()
			}
			s.localWaiters[newMode] = append(s.localWaiters[newMode], afterLock)

		case AcquireNonblocking:
			s.retryCount[newMode]++
			fallthrough

		case AcquireNonblockingRetry:
			if afterLock.Exists() {
				s.mu.Unlock()
				panic("try-acquire cannot carry a caller event")
			}
			// all pending try-acquirers of a mode share one retry event
			if re, ok := s.retryEvents[newMode]; ok {
				afterLock = re
			} else {
				afterLock = rt.events.Create()
				s.retryEvents[newMode] = afterLock
			}

		default:
			s.mu.Unlock()
			panic(fmt.Sprintf("unhandled acquire type %v", acquireType))
		}
	}

	s.mu.Unlock()

	if requestTarget != -1 {
		logging.Debug("reservation", "requesting reservation", "rsrv", s.me,
			"node", requestTarget, "mode", newMode)
		rt.send(requestTarget, transport.Message{
			Kind:      transport.KindLockRequest,
			Requester: int32(rt.nodeID),
			Handle:    uint64(s.me),
			Mode:      newMode,
		})
	}

	if gotLock {
		rt.metrics.IncAcquire("granted")
		if afterLock.Exists() {
			rt.events.Trigger(afterLock, false)
		}
	} else {
		rt.metrics.IncAcquire("queued")
	}

	for _, e := range bonusGrants {
		logging.Debug("reservation", "acquire bonus grant", "rsrv", s.me, "event", e)
		rt.events.Trigger(e, false)
	}

	return afterLock
}

// selectLocalWaiters picks the next local holder(s) while the mutex is
// held. Events to trigger are appended to toWake; returns true if any were
// found. An exclusive waiter always preempts shared waiters; otherwise the
// highest priority blocking list is drained whole, unless a retry event
// outranks it.
func (s *slot) selectLocalWaiters(toWake *[]event.Event) bool {
	if len(s.localWaiters) == 0 && len(s.retryEvents) == 0 {
		return false
	}

	if lst, ok := s.localWaiters[ModeExclusive]; ok {
		*toWake = append(*toWake, lst[0])
		if len(lst) == 1 {
			delete(s.localWaiters, ModeExclusive)
		} else {
			s.localWaiters[ModeExclusive] = lst[1:]
		}
		s.mode = ModeExclusive
		s.count = zeroCount + 1
		return true
	}

	waitMode, haveWaiters := minMode(s.localWaiters)
	retryMode, haveRetries := minMode(s.retryEvents)

	if haveWaiters && (!haveRetries || modeRank(waitMode) <= modeRank(retryMode)) {
		lst := s.localWaiters[waitMode]
		s.mode = waitMode
		s.count = zeroCount + uint64(len(lst))
		*toWake = append(*toWake, lst...)
		delete(s.localWaiters, waitMode)
		// remote nodes are not invited to co-share here
	} else {
		// wake one or more folks that will retry their try-acquires
		*toWake = append(*toWake, s.retryEvents[retryMode])
		delete(s.retryEvents, retryMode)
	}
	return true
}

// grantNextLocked hands the lock to its next holder while the mutex is
// held: local waiters first, then migration to a remote waiter if no retry
// obligations are pending. Returns the migration target (or -1) and the
// grant payload to send after the mutex drops.
func (s *slot) grantNextLocked(toWake *[]event.Event) (grantTarget int, payload []byte) {
	grantTarget = -1
	if s.selectLocalWaiters(toWake) {
		return
	}

	if !s.remoteWaiterMask.Empty() && len(s.retryCount) == 0 {
		// nobody local wants it, but another node does
		newOwner, _ := s.remoteWaiterMask.First()
		s.remoteWaiterMask.Remove(newOwner)

		copyWaiters := s.remoteWaiterMask.Clone()
		s.owner = newOwner
		s.remoteWaiterMask = NodeSet{}
		payload = transport.EncodeGrantPayload(copyWaiters.Nodes(), s.localData)
		grantTarget = newOwner
	}

	// nobody wants it? it just sits in available state
	if len(s.localWaiters) != 0 || len(s.retryEvents) != 0 {
		panic(fmt.Sprintf("idle reservation %s with queued waiters", s.me))
	}
	return
}

// release drops one grant. When the last local grant goes away the lock is
// returned to a remote owner, handed to queued waiters, migrated, or left
// idle.
func (s *slot) release() {
	rt := s.rt
	var toWake []event.Event
	releaseTarget := -1
	grantTarget := -1
	var grantPayload []byte

	s.mu.Lock()
	if s.count <= zeroCount {
		s.mu.Unlock()
		panic(fmt.Sprintf("release of unheld reservation %s", s.me))
	}
	s.count--
	if s.count > zeroCount {
		// not the last holder
		s.mu.Unlock()
		rt.metrics.IncRelease()
		return
	}

	if s.owner != rt.nodeID {
		// we were sharing somebody else's lock; tell them we're done
		if s.mode == ModeExclusive {
			s.mu.Unlock()
			panic(fmt.Sprintf("exclusive grant of %s on non-owner", s.me))
		}
		s.mode = 0
		releaseTarget = s.owner
	} else {
		grantTarget, grantPayload = s.grantNextLocked(&toWake)
	}
	s.mu.Unlock()

	rt.metrics.IncRelease()

	if releaseTarget != -1 {
		logging.Debug("reservation", "releasing back to owner", "rsrv", s.me, "owner", releaseTarget)
		rt.send(releaseTarget, transport.Message{
			Kind:   transport.KindLockRelease,
			Handle: uint64(s.me),
		})
	}

	if grantTarget != -1 {
		logging.Debug("reservation", "migrating to remote waiter", "rsrv", s.me, "new", grantTarget)
		rt.metrics.IncMigration()
		rt.send(grantTarget, transport.Message{
			Kind:    transport.KindLockGrant,
			Handle:  uint64(s.me),
			Mode:    ModeExclusive,
			Payload: grantPayload,
		})
	}

	for _, e := range toWake {
		logging.Debug("reservation", "release trigger", "rsrv", s.me, "event", e)
		rt.events.Trigger(e, false)
	}
}

// isLocked conservatively reports whether the lock is held locally in the
// given mode.
func (s *slot) isLocked(checkMode uint32, exclOK bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != s.rt.nodeID || s.count == zeroCount {
		return false
	}
	return s.mode == checkMode || (s.mode == ModeExclusive && exclOK)
}

// releaseReservation returns a destroyed slot to the free list. The caller
// must hold the reservation exclusively.
func (s *slot) releaseReservation() {
	rt := s.rt
	s.mu.Lock()
	switch {
	case s.owner != rt.nodeID:
		s.mu.Unlock()
		panic(fmt.Sprintf("destroy of %s away from owner", s.me))
	case s.count != zeroCount+1 || s.mode != ModeExclusive:
		s.mu.Unlock()
		panic(fmt.Sprintf("destroy of %s without exclusive hold", s.me))
	case len(s.localWaiters) != 0 || !s.remoteWaiterMask.Empty():
		s.mu.Unlock()
		panic(fmt.Sprintf("destroy of %s with pending waiters", s.me))
	case !s.inUse:
		s.mu.Unlock()
		panic(fmt.Sprintf("destroy of unallocated reservation %s", s.me))
	}
	s.localData = nil
	s.ownLocal = false
	s.inUse = false
	s.count = zeroCount
	s.mu.Unlock()

	logging.Info("reservation", "reservation destroyed", "rsrv", s.me)
	rt.freeSlot(s)
}

// setRequestDeferredHook registers a callback fired (outside the mutex)
// whenever a remote request for this reservation had to be queued.
func (s *slot) setRequestDeferredHook(fn func()) {
	s.mu.Lock()
	s.requestDeferred = fn
	s.mu.Unlock()
}
