package reservation

import (
	"fmt"
	"sync"

	"github.com/cordum/gridlock/core/event"
	"github.com/cordum/gridlock/core/infra/logging"
	"github.com/cordum/gridlock/core/infra/metrics"
	"github.com/cordum/gridlock/core/infra/transport"
)

// TapEvent describes one protocol message crossing this node, for
// debugging taps.
type TapEvent struct {
	Kind      string `json:"kind"`
	Direction string `json:"direction"`
	Handle    string `json:"handle"`
	Node      int    `json:"node"`
	Peer      int    `json:"peer"`
	Mode      uint32 `json:"mode"`
}

// SlotStatus is a point-in-time view of one reservation slot.
type SlotStatus struct {
	Handle        string  `json:"handle"`
	Owner         int     `json:"owner"`
	Mode          uint32  `json:"mode"`
	Holders       uint64  `json:"holders"`
	InUse         bool    `json:"in_use"`
	Requested     bool    `json:"requested"`
	LocalWaiters  int     `json:"local_waiters"`
	RetryPending  int     `json:"retry_pending"`
	RemoteWaiters []int32 `json:"remote_waiters,omitempty"`
}

// Runtime owns every reservation slot of one node: locally created slots
// plus replicas of remote reservations this node has touched.
type Runtime struct {
	nodeID  int
	events  *event.Table
	sender  transport.Sender
	metrics metrics.Recorder

	tapMu sync.RWMutex
	tap   func(TapEvent)

	mu           sync.Mutex
	slots        map[Handle]*slot
	free         []*slot
	nextIndex    uint32
	fastFallback bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithMetrics installs a metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(rt *Runtime) { rt.metrics = r }
}

// WithFastReservationFallback makes every FastReservation route through its
// base reservation, allocating one when the caller supplied none.
func WithFastReservationFallback() Option {
	return func(rt *Runtime) { rt.fastFallback = true }
}

// New constructs the reservation runtime for a node. The sender delivers
// protocol messages; incoming messages must be fed to HandleMessage.
func New(nodeID int, sender transport.Sender, opts ...Option) *Runtime {
	rt := &Runtime{
		nodeID:  nodeID,
		events:  event.NewTable(),
		sender:  sender,
		metrics: metrics.Noop{},
		slots:   make(map[Handle]*slot),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// NodeID returns this node's identifier.
func (rt *Runtime) NodeID() int { return rt.nodeID }

// Events exposes the node's event table so callers can wait on returned
// events.
func (rt *Runtime) Events() *event.Table { return rt.events }

// SetTap installs a callback observing protocol messages. Called outside
// all slot mutexes.
func (rt *Runtime) SetTap(fn func(TapEvent)) {
	rt.tapMu.Lock()
	rt.tap = fn
	rt.tapMu.Unlock()
}

func (rt *Runtime) emitTap(kind transport.Kind, direction string, h Handle, peer int, mode uint32) {
	rt.tapMu.RLock()
	tap := rt.tap
	rt.tapMu.RUnlock()
	if tap == nil {
		return
	}
	tap(TapEvent{
		Kind:      kind.String(),
		Direction: direction,
		Handle:    h.String(),
		Node:      rt.nodeID,
		Peer:      peer,
		Mode:      mode,
	})
}

// getSlot resolves a handle to its local slot, lazily creating a replica
// for reservations created elsewhere. An unknown locally-created handle is
// a protocol bug.
func (rt *Runtime) getSlot(h Handle) *slot {
	if h == Nil {
		panic("nil reservation handle")
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if s, ok := rt.slots[h]; ok {
		return s
	}
	if h.CreatorNode() == rt.nodeID {
		panic(fmt.Sprintf("message for unknown local reservation %s", h))
	}
	s := newSlot(rt, h, h.CreatorNode())
	rt.slots[h] = s
	return s
}

func (rt *Runtime) send(target int, m transport.Message) {
	m.Sender = int32(rt.nodeID)
	rt.metrics.IncMessage(m.Kind.String(), "sent")
	rt.emitTap(m.Kind, "sent", Handle(m.Handle), target, m.Mode)
	if err := rt.sender.Send(target, m); err != nil {
		logging.Error("reservation", "message send failed", "kind", m.Kind, "target", target, "error", err)
	}
}

// HandleMessage dispatches one incoming protocol message. It implements
// transport.Handler.
func (rt *Runtime) HandleMessage(m transport.Message) {
	rt.metrics.IncMessage(m.Kind.String(), "received")
	rt.emitTap(m.Kind, "received", Handle(m.Handle), int(m.Sender), m.Mode)
	h := Handle(m.Handle)
	switch m.Kind {
	case transport.KindLockRequest:
		rt.getSlot(h).handleRequest(int(m.Requester), m.Mode)
	case transport.KindLockGrant:
		rt.getSlot(h).handleGrant(m.Mode, m.Payload)
	case transport.KindLockRelease:
		rt.getSlot(h).handleRelease(int(m.Sender))
	case transport.KindDestroyLock:
		rt.destroyReservation(h)
	default:
		panic(fmt.Sprintf("unknown protocol message kind %v", m.Kind))
	}
}

// Create allocates a reservation with no opaque payload.
func (rt *Runtime) Create() Reservation {
	return rt.CreateWithData(0)
}

// CreateWithData allocates a reservation carrying dataSize opaque bytes
// that travel with ownership.
func (rt *Runtime) CreateWithData(dataSize int) Reservation {
	s := rt.allocSlot(dataSize)
	logging.Info("reservation", "reservation created", "rsrv", s.me)
	return Reservation{h: s.me, rt: rt}
}

// Reservation binds an existing handle (for example one received from
// another node) to this runtime.
func (rt *Runtime) Reservation(h Handle) Reservation {
	return Reservation{h: h, rt: rt}
}

// Snapshot captures the state of every slot on this node.
func (rt *Runtime) Snapshot() []SlotStatus {
	rt.mu.Lock()
	slots := make([]*slot, 0, len(rt.slots))
	for _, s := range rt.slots {
		slots = append(slots, s)
	}
	rt.mu.Unlock()

	out := make([]SlotStatus, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		retries := 0
		for _, n := range s.retryCount {
			retries += int(n)
		}
		waiters := 0
		for _, lst := range s.localWaiters {
			waiters += len(lst)
		}
		out = append(out, SlotStatus{
			Handle:        s.me.String(),
			Owner:         s.owner,
			Mode:          s.mode,
			Holders:       s.count - zeroCount,
			InUse:         s.inUse,
			Requested:     s.requested,
			LocalWaiters:  waiters,
			RetryPending:  retries,
			RemoteWaiters: s.remoteWaiterMask.Nodes(),
		})
		s.mu.Unlock()
	}
	return out
}

// Reservation is the caller-facing binding of a handle to its runtime.
type Reservation struct {
	h  Handle
	rt *Runtime
}

// Handle returns the cluster-wide name of the reservation.
func (r Reservation) Handle() Handle { return r.h }

// Acquire requests the reservation in the given mode, optionally deferred
// until waitOn triggers. The returned event triggers when the grant is
// given; NoEvent means the grant already happened.
func (r Reservation) Acquire(mode uint32, exclusive bool, waitOn event.Event) event.Event {
	rt := r.rt
	if rt.events.HasTriggered(waitOn) {
		if rt.events.Poisoned(waitOn) {
			// never touch the lock on a poisoned precondition
			logging.Info("reservation", "poisoned deferred acquire skipped", "rsrv", r.h)
			afterLock := rt.events.Create()
			rt.events.Trigger(afterLock, true)
			return afterLock
		}
		e := rt.getSlot(r.h).acquire(mode, exclusive, AcquireBlocking, event.NoEvent)
		logging.Debug("reservation", "acquire", "rsrv", r.h, "finish", e)
		return e
	}
	afterLock := rt.events.Create()
	logging.Debug("reservation", "deferred acquire", "rsrv", r.h, "finish", afterLock, "wait_on", waitOn)
	d := &deferredAcquire{rt: rt, h: r.h, mode: mode, exclusive: exclusive, afterLock: afterLock}
	if !rt.events.AddWaiter(waitOn, d) {
		d.EventTriggered(rt.events.Poisoned(waitOn))
	}
	return afterLock
}

// TryAcquire attempts a nonblocking acquire. The returned event triggers
// when a later attempt is worth making (or, for a deferred attempt, when
// waitOn triggers); callers detect success by testing the returned event.
// retry must be true on attempts after the first failed one.
func (r Reservation) TryAcquire(retry bool, mode uint32, exclusive bool, waitOn event.Event) event.Event {
	rt := r.rt
	s := rt.getSlot(r.h)

	// an unsatisfied precondition only records the retry obligation; the
	// real attempt happens once waitOn triggers
	if !rt.events.HasTriggered(waitOn) {
		s.acquire(mode, exclusive, AcquireNonblockingPlaceholder, event.NoEvent)
		return waitOn
	}

	acquireType := AcquireNonblocking
	if retry {
		acquireType = AcquireNonblockingRetry
	}
	return s.acquire(mode, exclusive, acquireType, event.NoEvent)
}

// Release drops a held grant, optionally deferred until waitOn triggers.
func (r Reservation) Release(waitOn event.Event) {
	rt := r.rt
	if rt.events.HasTriggered(waitOn) {
		if rt.events.Poisoned(waitOn) {
			logging.Warn("reservation", "poisoned deferred release skipped - POSSIBLE HANG", "rsrv", r.h)
			return
		}
		rt.getSlot(r.h).release()
		return
	}
	logging.Debug("reservation", "deferred release", "rsrv", r.h, "wait_on", waitOn)
	d := &deferredRelease{rt: rt, h: r.h}
	if !rt.events.AddWaiter(waitOn, d) {
		d.EventTriggered(rt.events.Poisoned(waitOn))
	}
}

// IsLocked conservatively reports whether this node holds the reservation
// in the given mode (or exclusively, when exclOK is set).
func (r Reservation) IsLocked(mode uint32, exclOK bool) bool {
	return r.rt.getSlot(r.h).isLocked(mode, exclOK)
}

// Destroy tears the reservation down, optionally deferred until waitOn
// triggers. The call is forwarded to the creator node when needed.
func (r Reservation) Destroy(waitOn event.Event) {
	rt := r.rt
	if rt.events.HasTriggered(waitOn) {
		if rt.events.Poisoned(waitOn) {
			logging.Info("reservation", "poisoned deferred destruction skipped - POSSIBLE LEAK", "rsrv", r.h)
			return
		}
		rt.destroyReservation(r.h)
		return
	}
	d := &deferredDestroy{rt: rt, h: r.h}
	if !rt.events.AddWaiter(waitOn, d) {
		d.EventTriggered(rt.events.Poisoned(waitOn))
	}
}
