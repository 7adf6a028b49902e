package reservation

import "fmt"

// Handle names a reservation cluster-wide. The high half holds the creator
// node, the low half the slot index on that node. The creator is the
// authoritative home: destruction must happen there.
type Handle uint64

// Nil is the distinguished empty handle. It compares equal only to itself
// and is never acquirable.
const Nil Handle = 0

// MakeHandle builds a handle from a creator node and a slot index.
func MakeHandle(creator int, index uint32) Handle {
	return Handle(uint64(uint32(creator))<<32 | uint64(index))
}

// CreatorNode returns the node the reservation was created on.
func (h Handle) CreatorNode() int {
	return int(uint32(h >> 32))
}

// Index returns the slot index within the creator node.
func (h Handle) Index() uint32 {
	return uint32(h)
}

// Exists reports whether the handle names a real reservation.
func (h Handle) Exists() bool { return h != Nil }

func (h Handle) String() string {
	if h == Nil {
		return "rsrv(nil)"
	}
	return fmt.Sprintf("rsrv(%d.%d)", h.CreatorNode(), h.Index())
}
