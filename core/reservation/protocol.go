package reservation

import (
	"fmt"

	"github.com/cordum/gridlock/core/event"
	"github.com/cordum/gridlock/core/infra/logging"
	"github.com/cordum/gridlock/core/infra/transport"
)

// handleRequest services a LockRequest from requester. Exactly one of
// three things happens: the request is forwarded to the node we believe
// owns the lock now, granted with an ownership transfer, or parked in the
// remote waiter mask.
func (s *slot) handleRequest(requester int, mode uint32) {
	rt := s.rt
	logging.Debug("reservation", "reservation request", "rsrv", s.me, "node", requester, "mode", mode)

	forwardTarget := -1
	grantTarget := -1
	var grantPayload []byte
	deferred := false

	s.mu.Lock()

	if s.owner != rt.nodeID {
		// we don't own it any more; pass the request along
		logging.Debug("reservation", "forwarding reservation request", "rsrv", s.me,
			"from", requester, "to", s.owner, "mode", mode)
		forwardTarget = s.owner
	} else {
		if s.me.CreatorNode() == rt.nodeID && !s.inUse {
			s.mu.Unlock()
			panic(fmt.Sprintf("request for destroyed reservation %s", s.me))
		}

		// grant only when nothing is held anywhere and no local retry
		// obligation could be starved by the migration
		if s.count == zeroCount && s.remoteSharerMask.Empty() && len(s.retryCount) == 0 {
			if !s.remoteWaiterMask.Empty() {
				s.mu.Unlock()
				panic(fmt.Sprintf("idle reservation %s with parked remote waiters", s.me))
			}
			grantTarget = requester
			grantPayload = transport.EncodeGrantPayload(s.remoteWaiterMask.Nodes(), s.localData)
			s.owner = requester
		} else {
			// can't grant now; remember who's waiting
			s.remoteWaiterMask.Add(requester)
			deferred = true
		}
	}
	hook := s.requestDeferred
	s.mu.Unlock()

	if forwardTarget != -1 {
		rt.send(forwardTarget, transport.Message{
			Kind:      transport.KindLockRequest,
			Requester: int32(requester),
			Handle:    uint64(s.me),
			Mode:      mode,
		})
	}

	if grantTarget != -1 {
		logging.Debug("reservation", "granting reservation request", "rsrv", s.me, "node", grantTarget)
		rt.metrics.IncMigration()
		rt.send(grantTarget, transport.Message{
			Kind:    transport.KindLockGrant,
			Handle:  uint64(s.me),
			Mode:    ModeExclusive,
			Payload: grantPayload,
		})
	}

	if deferred && hook != nil {
		hook()
	}
}

// handleGrant absorbs a LockGrant: the remote waiter mask and opaque data
// travel with it, and an exclusive grant transfers ownership. At least one
// local waiter must be present; it is the reason the request went out.
func (s *slot) handleGrant(grantMode uint32, payload []byte) {
	rt := s.rt
	logging.Debug("reservation", "reservation request granted", "rsrv", s.me, "mode", grantMode)

	var toWake []event.Event

	s.mu.Lock()

	if s.owner == rt.nodeID || !s.requested {
		s.mu.Unlock()
		panic(fmt.Sprintf("unexpected grant of %s", s.me))
	}

	dataSize := -1
	if s.localData != nil {
		dataSize = len(s.localData)
	}
	waiters, data, err := transport.DecodeGrantPayload(payload, dataSize)
	if err != nil {
		s.mu.Unlock()
		panic(fmt.Sprintf("malformed grant payload for %s: %v", s.me, err))
	}

	s.remoteWaiterMask.Clear()
	for _, w := range waiters {
		s.remoteWaiterMask.Add(int(w))
	}

	if len(data) > 0 {
		if s.localData == nil {
			s.localData = data
			s.ownLocal = true
		} else {
			copy(s.localData, data)
		}
	}

	// take ownership if given exclusive access
	if grantMode == ModeExclusive {
		s.owner = rt.nodeID
	}
	s.mode = grantMode
	s.requested = false

	if !s.selectLocalWaiters(&toWake) {
		s.mu.Unlock()
		panic(fmt.Sprintf("grant of %s with no local waiters", s.me))
	}
	s.mu.Unlock()

	for _, e := range toWake {
		logging.Debug("reservation", "grant trigger", "rsrv", s.me, "event", e)
		rt.events.Trigger(e, false)
	}
}

// handleRelease records that a remote sharer is done. Once nothing is held
// the lock moves on exactly as after a local release.
func (s *slot) handleRelease(sender int) {
	rt := s.rt
	logging.Debug("reservation", "remote release", "rsrv", s.me, "node", sender)

	var toWake []event.Event
	grantTarget := -1
	var grantPayload []byte

	s.mu.Lock()
	if s.owner != rt.nodeID {
		s.mu.Unlock()
		panic(fmt.Sprintf("remote release of %s received by non-owner", s.me))
	}
	s.remoteSharerMask.Remove(sender)
	if s.count == zeroCount && s.remoteSharerMask.Empty() {
		grantTarget, grantPayload = s.grantNextLocked(&toWake)
	}
	s.mu.Unlock()

	if grantTarget != -1 {
		rt.metrics.IncMigration()
		rt.send(grantTarget, transport.Message{
			Kind:    transport.KindLockGrant,
			Handle:  uint64(s.me),
			Mode:    ModeExclusive,
			Payload: grantPayload,
		})
	}

	for _, e := range toWake {
		rt.events.Trigger(e, false)
	}
}
