package event

import (
	"fmt"
	"sync"
)

// Event is an opaque handle to a one-shot trigger. The zero value NoEvent
// counts as always triggered and never poisoned.
type Event uint64

// NoEvent is the nil event.
const NoEvent Event = 0

// Exists reports whether the event is a real handle rather than NoEvent.
func (e Event) Exists() bool { return e != NoEvent }

func (e Event) String() string {
	if e == NoEvent {
		return "event(none)"
	}
	return fmt.Sprintf("event(%d)", uint64(e))
}

// Waiter is notified exactly once when the event it was attached to
// triggers. It is invoked outside the table's internal lock.
type Waiter interface {
	EventTriggered(poisoned bool)
}

type eventState struct {
	triggered bool
	poisoned  bool
	waiters   []Waiter
	done      chan struct{}
}

// Table owns every event created on a node. Handles from one table are
// meaningless to another.
type Table struct {
	mu     sync.Mutex
	nextID uint64
	states map[Event]*eventState
}

// NewTable returns an empty event table.
func NewTable() *Table {
	return &Table{states: make(map[Event]*eventState)}
}

// Create allocates a fresh untriggered event.
func (t *Table) Create() Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	e := Event(t.nextID)
	t.states[e] = &eventState{done: make(chan struct{})}
	return e
}

func (t *Table) lookup(e Event) *eventState {
	st, ok := t.states[e]
	if !ok {
		panic(fmt.Sprintf("unknown event %d", uint64(e)))
	}
	return st
}

// HasTriggered reports whether the event has fired. NoEvent is always
// considered triggered.
func (t *Table) HasTriggered(e Event) bool {
	if e == NoEvent {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(e).triggered
}

// Poisoned reports whether the event fired in a failure state.
func (t *Table) Poisoned(e Event) bool {
	if e == NoEvent {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(e).poisoned
}

// Trigger fires the event, waking waiters and external waits. An event may
// trigger at most once.
func (t *Table) Trigger(e Event, poisoned bool) {
	if e == NoEvent {
		return
	}
	t.mu.Lock()
	st := t.lookup(e)
	if st.triggered {
		t.mu.Unlock()
		panic(fmt.Sprintf("double trigger of event %d", uint64(e)))
	}
	st.triggered = true
	st.poisoned = poisoned
	waiters := st.waiters
	st.waiters = nil
	close(st.done)
	t.mu.Unlock()

	for _, w := range waiters {
		w.EventTriggered(poisoned)
	}
}

// AddWaiter attaches a waiter to an untriggered event. If the event has
// already triggered (or is NoEvent) nothing is registered and false is
// returned; the caller decides whether to fire the waiter inline.
func (t *Table) AddWaiter(e Event, w Waiter) bool {
	if e == NoEvent {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.lookup(e)
	if st.triggered {
		return false
	}
	st.waiters = append(st.waiters, w)
	return true
}

// Wait blocks until the event triggers and reports whether it was poisoned.
func (t *Table) Wait(e Event) bool {
	if e == NoEvent {
		return false
	}
	t.mu.Lock()
	st := t.lookup(e)
	done := st.done
	t.mu.Unlock()
	<-done
	return t.Poisoned(e)
}

type mergeWaiter struct {
	t   *Table
	out Event

	mu       sync.Mutex
	pending  int
	poisoned bool
}

func (m *mergeWaiter) EventTriggered(poisoned bool) {
	m.mu.Lock()
	m.pending--
	if poisoned {
		m.poisoned = true
	}
	fire := m.pending == 0
	outPoisoned := m.poisoned
	m.mu.Unlock()
	if fire {
		m.t.Trigger(m.out, outPoisoned)
	}
}

// Merge returns an event that triggers once all inputs have triggered,
// poisoned if any input was poisoned. Triggered inputs (and NoEvent) are
// folded in immediately.
func (t *Table) Merge(events ...Event) Event {
	out := t.Create()
	m := &mergeWaiter{t: t, out: out, pending: 1}
	for _, e := range events {
		if e == NoEvent {
			continue
		}
		t.mu.Lock()
		st := t.lookup(e)
		if st.triggered {
			poisoned := st.poisoned
			t.mu.Unlock()
			if poisoned {
				m.mu.Lock()
				m.poisoned = true
				m.mu.Unlock()
			}
			continue
		}
		m.mu.Lock()
		m.pending++
		m.mu.Unlock()
		st.waiters = append(st.waiters, m)
		t.mu.Unlock()
	}
	// drop the guard count that kept partially-registered merges from firing
	m.EventTriggered(false)
	return out
}
