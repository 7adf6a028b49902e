package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cordum/gridlock/core/infra/logging"
)

// NatsTransport carries reservation protocol messages over NATS. Every node
// owns one inbox subject; NATS preserves publish order per connection, which
// gives the per-direction FIFO the protocol relies on.
type NatsTransport struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

var errNilTransport = errors.New("nats transport not initialized")

// Subject returns the inbox subject for a node.
func Subject(node int) string {
	return fmt.Sprintf("gridlock.node.%d.msgs", node)
}

// NewNatsTransport dials NATS at the provided URL.
func NewNatsTransport(url string) (*NatsTransport, error) {
	opts := []nats.Option{
		nats.Name("gridlock-transport"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("transport", "disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("transport", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("transport", "connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsTransport{nc: nc}, nil
}

// Listen subscribes the node's inbox and dispatches decoded messages to the
// handler. NATS invokes the callback sequentially per subscription, so
// handler invocations keep arrival order.
func (t *NatsTransport) Listen(node int, h Handler) error {
	if t == nil || t.nc == nil {
		return errNilTransport
	}
	if h == nil {
		return errors.New("nil handler")
	}
	sub, err := t.nc.Subscribe(Subject(node), func(msg *nats.Msg) {
		m, err := Decode(msg.Data)
		if err != nil {
			logging.Error("transport", "failed to decode message", "error", err)
			return
		}
		h.HandleMessage(m)
	})
	if err != nil {
		return err
	}
	t.sub = sub
	return nil
}

// Send publishes a message to the target node's inbox.
func (t *NatsTransport) Send(target int, m Message) error {
	if t == nil || t.nc == nil {
		return errNilTransport
	}
	return t.nc.Publish(Subject(target), m.Encode())
}

// Close drops the subscription and the underlying connection.
func (t *NatsTransport) Close() {
	if t == nil {
		return
	}
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	if t.nc != nil {
		t.nc.Close()
	}
}

// IsConnected reports whether the NATS connection is up.
func (t *NatsTransport) IsConnected() bool {
	return t != nil && t.nc != nil && t.nc.IsConnected()
}
