package reservation

import (
	"reflect"
	"testing"
)

func TestNodeSetBasics(t *testing.T) {
	var s NodeSet
	if !s.Empty() || s.Count() != 0 {
		t.Fatalf("zero value should be empty")
	}
	if _, ok := s.First(); ok {
		t.Fatalf("First on empty set")
	}

	s.Add(5)
	s.Add(2)
	s.Add(9)
	s.Add(2)
	if s.Count() != 3 {
		t.Fatalf("unexpected count: %d", s.Count())
	}
	if !s.Contains(2) || s.Contains(3) {
		t.Fatalf("membership wrong")
	}
	if n, ok := s.First(); !ok || n != 2 {
		t.Fatalf("First should be the lowest member, got %d", n)
	}
	if got := s.Nodes(); !reflect.DeepEqual(got, []int32{2, 5, 9}) {
		t.Fatalf("unexpected nodes: %v", got)
	}

	s.Remove(2)
	if s.Contains(2) || s.Count() != 2 {
		t.Fatalf("remove failed")
	}
	s.Remove(100)

	s.Clear()
	if !s.Empty() {
		t.Fatalf("clear failed")
	}
}

func TestNodeSetUnionAndClone(t *testing.T) {
	var a, b NodeSet
	a.Add(1)
	a.Add(4)
	b.Add(4)
	b.Add(7)

	c := a.Clone()
	c.Union(&b)
	if got := c.Nodes(); !reflect.DeepEqual(got, []int32{1, 4, 7}) {
		t.Fatalf("unexpected union: %v", got)
	}
	// clone is independent
	if a.Contains(7) {
		t.Fatalf("union leaked into source set")
	}

	var empty NodeSet
	clone := empty.Clone()
	if !clone.Empty() {
		t.Fatalf("clone of empty set should be empty")
	}
}
