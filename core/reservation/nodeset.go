package reservation

import "github.com/bits-and-blooms/bitset"

// NodeSet is a compact set of node identifiers. The zero value is an empty
// set.
type NodeSet struct {
	bits *bitset.BitSet
}

// Add inserts a node.
func (s *NodeSet) Add(node int) {
	if s.bits == nil {
		s.bits = bitset.New(64)
	}
	s.bits.Set(uint(node))
}

// Remove deletes a node if present.
func (s *NodeSet) Remove(node int) {
	if s.bits == nil {
		return
	}
	s.bits.Clear(uint(node))
}

// Contains reports membership.
func (s *NodeSet) Contains(node int) bool {
	return s.bits != nil && s.bits.Test(uint(node))
}

// Empty reports whether no nodes are present.
func (s *NodeSet) Empty() bool {
	return s.bits == nil || s.bits.None()
}

// Count returns the number of members.
func (s *NodeSet) Count() int {
	if s.bits == nil {
		return 0
	}
	return int(s.bits.Count())
}

// First returns the lowest-numbered member.
func (s *NodeSet) First() (int, bool) {
	if s.bits == nil {
		return 0, false
	}
	if i, ok := s.bits.NextSet(0); ok {
		return int(i), true
	}
	return 0, false
}

// ForEach calls fn for every member in ascending order.
func (s *NodeSet) ForEach(fn func(node int)) {
	if s.bits == nil {
		return
	}
	for i, ok := s.bits.NextSet(0); ok; i, ok = s.bits.NextSet(i + 1) {
		fn(int(i))
	}
}

// Nodes returns the members in ascending order.
func (s *NodeSet) Nodes() []int32 {
	out := make([]int32, 0, s.Count())
	s.ForEach(func(node int) { out = append(out, int32(node)) })
	return out
}

// Union merges another set into this one.
func (s *NodeSet) Union(other *NodeSet) {
	other.ForEach(func(node int) { s.Add(node) })
}

// Clear removes every member.
func (s *NodeSet) Clear() {
	if s.bits != nil {
		s.bits.ClearAll()
	}
}

// Clone returns an independent copy.
func (s *NodeSet) Clone() NodeSet {
	if s.bits == nil {
		return NodeSet{}
	}
	return NodeSet{bits: s.bits.Clone()}
}
