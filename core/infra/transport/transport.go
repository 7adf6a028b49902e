package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind identifies an active-message type of the reservation protocol.
type Kind uint8

const (
	KindLockRequest Kind = iota + 1
	KindLockGrant
	KindLockRelease
	KindDestroyLock
)

func (k Kind) String() string {
	switch k {
	case KindLockRequest:
		return "lock_request"
	case KindLockGrant:
		return "lock_grant"
	case KindLockRelease:
		return "lock_release"
	case KindDestroyLock:
		return "destroy_lock"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one active message: a small typed header plus an optional
// payload. Only LockGrant carries a payload.
type Message struct {
	Kind      Kind
	Sender    int32
	Requester int32
	Handle    uint64
	Mode      uint32
	Payload   []byte
}

// Handler consumes messages delivered to a node. Delivery for a single
// sender->receiver direction preserves send order.
type Handler interface {
	HandleMessage(m Message)
}

// Sender delivers a message to a target node, eventually and reliably.
type Sender interface {
	Send(target int, m Message) error
}

var byteOrder = binary.LittleEndian

const headerSize = 1 + 4 + 4 + 8 + 4 + 4

var (
	errShortMessage = errors.New("short message")
	errBadKind      = errors.New("unknown message kind")
)

// Encode serializes the message into the fixed wire layout.
func (m Message) Encode() []byte {
	buf := make([]byte, headerSize+len(m.Payload))
	buf[0] = byte(m.Kind)
	byteOrder.PutUint32(buf[1:], uint32(m.Sender))
	byteOrder.PutUint32(buf[5:], uint32(m.Requester))
	byteOrder.PutUint64(buf[9:], m.Handle)
	byteOrder.PutUint32(buf[17:], m.Mode)
	byteOrder.PutUint32(buf[21:], uint32(len(m.Payload)))
	copy(buf[headerSize:], m.Payload)
	return buf
}

// Decode parses a wire message.
func Decode(data []byte) (Message, error) {
	if len(data) < headerSize {
		return Message{}, errShortMessage
	}
	m := Message{
		Kind:      Kind(data[0]),
		Sender:    int32(byteOrder.Uint32(data[1:])),
		Requester: int32(byteOrder.Uint32(data[5:])),
		Handle:    byteOrder.Uint64(data[9:]),
		Mode:      byteOrder.Uint32(data[17:]),
	}
	if m.Kind < KindLockRequest || m.Kind > KindDestroyLock {
		return Message{}, errBadKind
	}
	payloadLen := byteOrder.Uint32(data[21:])
	if uint32(len(data)-headerSize) != payloadLen {
		return Message{}, fmt.Errorf("payload length mismatch: header says %d, have %d", payloadLen, len(data)-headerSize)
	}
	if payloadLen > 0 {
		m.Payload = make([]byte, payloadLen)
		copy(m.Payload, data[headerSize:])
	}
	return m, nil
}

// EncodeGrantPayload packs a grant payload: waiter count, waiter node ids,
// then the reservation's opaque data.
func EncodeGrantPayload(waiters []int32, data []byte) []byte {
	buf := make([]byte, 4*(len(waiters)+1)+len(data))
	byteOrder.PutUint32(buf, uint32(len(waiters)))
	for i, w := range waiters {
		byteOrder.PutUint32(buf[4*(i+1):], uint32(w))
	}
	copy(buf[4*(len(waiters)+1):], data)
	return buf
}

// DecodeGrantPayload unpacks a grant payload. dataSize is the receiver-side
// reservation's opaque-data size and the payload length must match it
// exactly; a negative dataSize infers the size from the payload (a replica
// seeing the reservation's data for the first time).
func DecodeGrantPayload(payload []byte, dataSize int) ([]int32, []byte, error) {
	if len(payload) < 4 {
		return nil, nil, errShortMessage
	}
	count := int(byteOrder.Uint32(payload))
	if dataSize < 0 {
		dataSize = len(payload) - 4*(count+1)
		if dataSize < 0 {
			return nil, nil, errShortMessage
		}
	}
	want := 4*(count+1) + dataSize
	if len(payload) != want {
		return nil, nil, fmt.Errorf("grant payload length mismatch: want %d, have %d", want, len(payload))
	}
	waiters := make([]int32, count)
	for i := range waiters {
		waiters[i] = int32(byteOrder.Uint32(payload[4*(i+1):]))
	}
	var data []byte
	if dataSize > 0 {
		data = make([]byte, dataSize)
		copy(data, payload[4*(count+1):])
	}
	return waiters, data, nil
}
