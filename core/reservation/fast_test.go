package reservation

import (
	"testing"
	"time"

	"github.com/cordum/gridlock/core/event"
)

func TestFastLockNoBase(t *testing.T) {
	rt, _ := newLocalRuntime()
	f := NewFastReservation(rt, Reservation{})

	if e := f.WrLock(Spin); e.Exists() {
		t.Fatalf("uncontended wrlock should succeed immediately")
	}
	if f.TryWrLock() {
		t.Fatalf("second wrlock should fail")
	}
	if f.TryRdLock() {
		t.Fatalf("rdlock under a writer should fail")
	}
	f.Unlock()
	if f.state.Load() != 0 {
		t.Fatalf("state not clean after unlock: %#x", f.state.Load())
	}

	if e := f.RdLock(Spin); e.Exists() {
		t.Fatalf("uncontended rdlock should succeed")
	}
	if !f.TryRdLock() {
		t.Fatalf("readers should share")
	}
	if f.state.Load()&stateReaderCountMask != 2 {
		t.Fatalf("unexpected reader count: %#x", f.state.Load())
	}
	if f.TryWrLock() {
		t.Fatalf("wrlock under readers should fail")
	}
	f.Unlock()
	f.Unlock()
	if !f.TryWrLock() {
		t.Fatalf("wrlock after readers drained should succeed")
	}
	f.Unlock()
}

func TestFastLockWriterWaitsOutReaders(t *testing.T) {
	rt, _ := newLocalRuntime()
	f := NewFastReservation(rt, Reservation{})

	if e := f.RdLock(Spin); e.Exists() {
		t.Fatalf("rdlock failed")
	}

	acquired := make(chan struct{})
	go func() {
		f.WrLock(Spin)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("writer acquired while a reader held the lock")
	case <-time.After(20 * time.Millisecond):
	}

	f.Unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatalf("writer never acquired after reader unlock")
	}
	f.Unlock()
}

func TestFastLockWriterWaitingThrottlesReaders(t *testing.T) {
	rt, _ := newLocalRuntime()
	f := NewFastReservation(rt, Reservation{})

	f.RdLock(Spin)
	go f.WrLock(Spin)

	// once the spinning writer sets its hint, new readers must back off
	deadline := time.Now().Add(2 * time.Second)
	for f.state.Load()&stateWriterWaiting == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("writer hint never set")
		}
		time.Sleep(time.Millisecond)
	}
	if f.TryRdLock() {
		t.Fatalf("reader ignored the waiting writer")
	}
	f.Unlock()
}

func TestFastLockOverBaseReservation(t *testing.T) {
	rt, _ := newLocalRuntime()
	base := rt.Create()
	f := NewFastReservation(rt, base)

	if f.state.Load()&stateBaseRsrv == 0 {
		t.Fatalf("base reservation should own the lock initially")
	}

	// the first lock claims the base reservation, which is free locally
	if e := f.RdLock(Wait); e.Exists() {
		t.Fatalf("rdlock over a free base reservation should succeed, got %v", e)
	}
	if f.state.Load()&stateBaseRsrv != 0 {
		t.Fatalf("base bit not cleared after claim")
	}
	if f.state.Load()&stateReaderCountMask != 1 {
		t.Fatalf("unexpected reader count: %#x", f.state.Load())
	}
	if !base.IsLocked(0, true) {
		t.Fatalf("base reservation should be held exclusively")
	}

	if f.TryWrLock() {
		t.Fatalf("writer should fail while a reader holds the lock")
	}
	f.Unlock()
	if !f.TryWrLock() {
		t.Fatalf("writer should succeed after the reader left")
	}
	f.Unlock()
	f.Close()
}

func TestFastLockHandsBaseBackToRemote(t *testing.T) {
	lb, rts := newCluster(t, 2)

	base0 := rts[0].Create()
	f := NewFastReservation(rts[0], base0)

	if e := f.RdLock(Wait); e.Exists() {
		t.Fatalf("rdlock failed")
	}

	// node 1 wants the base reservation while the fast lock holds it
	e1 := rts[1].Reservation(base0.Handle()).Acquire(0, true, event.NoEvent)
	waitUntil(t, func() bool {
		return f.state.Load()&stateBaseRsrvWaiting != 0
	}, "base reservation waiting bit")

	if f.TryRdLock() {
		t.Fatalf("new reader slipped in while the base reservation is wanted back")
	}

	// the last reader out hands the reservation over
	f.Unlock()
	waitTriggered(t, rts[1], e1)
	if f.state.Load()&stateBaseRsrv == 0 {
		t.Fatalf("fast lock should be back behind the base reservation")
	}

	rts[1].Reservation(base0.Handle()).Release(event.NoEvent)
	lb.Quiesce()

	// locking again pulls the reservation back across
	done := make(chan struct{})
	go func() {
		f.RdLock(ExternalWait)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("reacquire after handback never completed")
	}
	f.Unlock()
	f.Close()
}

func TestFastLockIdleHandbackOnRemoteRequest(t *testing.T) {
	lb, rts := newCluster(t, 2)

	base0 := rts[0].Create()
	f := NewFastReservation(rts[0], base0)

	// claim and release: the fast lock still holds the base reservation
	if e := f.WrLock(Wait); e.Exists() {
		t.Fatalf("wrlock failed")
	}
	f.Unlock()
	if f.state.Load()&stateBaseRsrv != 0 {
		t.Fatalf("unlock should not hand the base reservation back unasked")
	}

	// an idle fast lock hands the reservation over as soon as it's wanted
	e1 := rts[1].Reservation(base0.Handle()).Acquire(0, true, event.NoEvent)
	waitTriggered(t, rts[1], e1)
	rts[1].Reservation(base0.Handle()).Release(event.NoEvent)
	lb.Quiesce()
	f.Close()
}

func TestFastLockSleeperAdvisories(t *testing.T) {
	rt, _ := newLocalRuntime()
	f := NewFastReservation(rt, Reservation{})

	f.RdLock(Spin)
	guard := rt.Events().Create()
	f.AdviseSleepEntry(guard)
	if f.state.Load()&stateSleeper == 0 {
		t.Fatalf("sleeper bit not set")
	}

	// readers tolerate sleeping readers
	if !f.TryRdLock() {
		t.Fatalf("reader should coexist with a sleeping reader")
	}
	// writers must wait for the sleeper; Wait mode surfaces the guard
	if e := f.WrLock(Wait); e != guard {
		t.Fatalf("wrlock should return the sleeper event, got %v", e)
	}

	f.Unlock() // second reader
	f.AdviseSleepExit()
	if f.state.Load()&stateSleeper != 0 {
		t.Fatalf("sleeper bit not cleared")
	}
	f.Unlock()

	if !f.TryWrLock() {
		t.Fatalf("writer should succeed once the sleeper left")
	}
	f.Unlock()
}

func TestFastLockSleeperMergesGuards(t *testing.T) {
	rt, _ := newLocalRuntime()
	f := NewFastReservation(rt, Reservation{})

	f.RdLock(Spin)
	f.TryRdLock()
	g1 := rt.Events().Create()
	g2 := rt.Events().Create()
	f.AdviseSleepEntry(g1)
	f.AdviseSleepEntry(g2)

	merged := f.WrLock(Wait)
	if !merged.Exists() || merged == g1 || merged == g2 {
		t.Fatalf("two sleepers should produce a merged guard, got %v", merged)
	}
	rt.Events().Trigger(g1, false)
	if rt.Events().HasTriggered(merged) {
		t.Fatalf("merged guard fired with one sleeper still down")
	}
	rt.Events().Trigger(g2, false)
	if !rt.Events().HasTriggered(merged) {
		t.Fatalf("merged guard did not fire")
	}

	f.AdviseSleepExit()
	f.AdviseSleepExit()
	f.Unlock()
	f.Unlock()
}

func TestFastLockSlowFallback(t *testing.T) {
	sender := &recordingSender{}
	rt := New(0, sender, WithFastReservationFallback())
	f := NewFastReservation(rt, Reservation{})

	if f.state.Load()&stateSlowFallback == 0 {
		t.Fatalf("fallback bit not set")
	}
	if !f.Base().Handle().Exists() {
		t.Fatalf("fallback mode must allocate a base reservation")
	}

	before := fallbackRetryCount.Load()

	if e := f.WrLock(Spin); e.Exists() {
		t.Fatalf("fallback wrlock on a free reservation should succeed")
	}
	// the first failure records an obligation; the second consumes and
	// restores a retry slot, so the balance stays at one
	if f.TryWrLock() {
		t.Fatalf("fallback trywrlock should fail while held")
	}
	if f.TryRdLock() {
		t.Fatalf("fallback tryrdlock should fail while held")
	}
	if got := fallbackRetryCount.Load() - before; got != 1 {
		t.Fatalf("expected 1 pending retry, got %d", got)
	}

	f.Unlock()

	// the retries drain back to the baseline so the reservation stays
	// migratable
	if !f.TryWrLock() {
		t.Fatalf("fallback retry should succeed after release")
	}
	f.Unlock()
	if !f.TryRdLock() {
		t.Fatalf("fallback retry should succeed after release")
	}
	f.Unlock()
	if got := fallbackRetryCount.Load(); got != before {
		t.Fatalf("retry obligations not drained: %d != %d", got, before)
	}

	s := rt.getSlot(f.Base().Handle())
	s.mu.Lock()
	leftover := len(s.retryCount)
	s.mu.Unlock()
	if leftover != 0 {
		t.Fatalf("base reservation keeps retry obligations: %d", leftover)
	}
	f.Close()
}
