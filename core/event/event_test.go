package event

import (
	"sync"
	"testing"
	"time"
)

type recordingWaiter struct {
	mu       sync.Mutex
	fired    int
	poisoned bool
}

func (w *recordingWaiter) EventTriggered(poisoned bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fired++
	w.poisoned = poisoned
}

func (w *recordingWaiter) state() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired, w.poisoned
}

func TestNoEvent(t *testing.T) {
	tbl := NewTable()
	if !tbl.HasTriggered(NoEvent) {
		t.Fatalf("NoEvent must count as triggered")
	}
	if tbl.Poisoned(NoEvent) {
		t.Fatalf("NoEvent must not be poisoned")
	}
	if NoEvent.Exists() {
		t.Fatalf("NoEvent must not exist")
	}
	if tbl.AddWaiter(NoEvent, &recordingWaiter{}) {
		t.Fatalf("AddWaiter on NoEvent must decline")
	}
}

func TestTriggerFiresWaiters(t *testing.T) {
	tbl := NewTable()
	e := tbl.Create()
	if tbl.HasTriggered(e) {
		t.Fatalf("fresh event must not be triggered")
	}
	w := &recordingWaiter{}
	if !tbl.AddWaiter(e, w) {
		t.Fatalf("expected waiter registration")
	}
	tbl.Trigger(e, false)
	if fired, poisoned := w.state(); fired != 1 || poisoned {
		t.Fatalf("unexpected waiter state fired=%d poisoned=%v", fired, poisoned)
	}
	if !tbl.HasTriggered(e) {
		t.Fatalf("event should be triggered")
	}
	if tbl.AddWaiter(e, &recordingWaiter{}) {
		t.Fatalf("AddWaiter on triggered event must decline")
	}
}

func TestDoubleTriggerPanics(t *testing.T) {
	tbl := NewTable()
	e := tbl.Create()
	tbl.Trigger(e, false)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double trigger")
		}
	}()
	tbl.Trigger(e, false)
}

func TestPoisonPropagatesToWaiters(t *testing.T) {
	tbl := NewTable()
	e := tbl.Create()
	w := &recordingWaiter{}
	tbl.AddWaiter(e, w)
	tbl.Trigger(e, true)
	if fired, poisoned := w.state(); fired != 1 || !poisoned {
		t.Fatalf("expected poisoned firing, got fired=%d poisoned=%v", fired, poisoned)
	}
	if !tbl.Poisoned(e) {
		t.Fatalf("event should be poisoned")
	}
}

func TestWaitBlocksUntilTrigger(t *testing.T) {
	tbl := NewTable()
	e := tbl.Create()
	done := make(chan bool, 1)
	go func() {
		done <- tbl.Wait(e)
	}()
	select {
	case <-done:
		t.Fatalf("Wait returned before trigger")
	case <-time.After(10 * time.Millisecond):
	}
	tbl.Trigger(e, true)
	select {
	case poisoned := <-done:
		if !poisoned {
			t.Fatalf("Wait should report poison")
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after trigger")
	}
}

func TestMergeWaitsForAllInputs(t *testing.T) {
	tbl := NewTable()
	a := tbl.Create()
	b := tbl.Create()
	merged := tbl.Merge(a, b, NoEvent)
	if tbl.HasTriggered(merged) {
		t.Fatalf("merge fired before inputs")
	}
	tbl.Trigger(a, false)
	if tbl.HasTriggered(merged) {
		t.Fatalf("merge fired with one input pending")
	}
	tbl.Trigger(b, false)
	if !tbl.HasTriggered(merged) {
		t.Fatalf("merge should have fired")
	}
	if tbl.Poisoned(merged) {
		t.Fatalf("merge should not be poisoned")
	}
}

func TestMergeOfTriggeredInputsFiresImmediately(t *testing.T) {
	tbl := NewTable()
	a := tbl.Create()
	tbl.Trigger(a, true)
	merged := tbl.Merge(a, NoEvent)
	if !tbl.HasTriggered(merged) {
		t.Fatalf("merge of triggered inputs should fire at creation")
	}
	if !tbl.Poisoned(merged) {
		t.Fatalf("poison must propagate through merge")
	}
}
