package inspect

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cordum/gridlock/core/infra/logging"
	"github.com/cordum/gridlock/core/reservation"
)

// Snapshotter exposes the reservation state of a node.
type Snapshotter interface {
	Snapshot() []reservation.SlotStatus
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server serves a JSON snapshot of every reservation slot and streams
// protocol tap events to websocket clients.
type Server struct {
	snap Snapshotter

	eventsCh chan reservation.TapEvent

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]chan reservation.TapEvent

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer builds an inspect server over a runtime. Wire its Tap method
// into the runtime with SetTap, then call Start.
func NewServer(snap Snapshotter) *Server {
	return &Server{
		snap:     snap,
		eventsCh: make(chan reservation.TapEvent, 256),
		clients:  make(map[*websocket.Conn]chan reservation.TapEvent),
		done:     make(chan struct{}),
	}
}

// Tap enqueues a protocol event for broadcast; events are dropped rather
// than ever blocking the runtime.
func (s *Server) Tap(ev reservation.TapEvent) {
	select {
	case s.eventsCh <- ev:
	default:
	}
}

// Start launches the broadcast loop.
func (s *Server) Start() {
	go s.broadcast()
}

// Close stops the broadcast loop and drops every client.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) broadcast() {
	for {
		select {
		case <-s.done:
			s.clientsMu.Lock()
			for conn := range s.clients {
				conn.Close()
				delete(s.clients, conn)
			}
			s.clientsMu.Unlock()
			return
		case ev := <-s.eventsCh:
			var slowClients []*websocket.Conn
			s.clientsMu.RLock()
			for conn, ch := range s.clients {
				select {
				case ch <- ev:
				default:
					slowClients = append(slowClients, conn)
				}
			}
			s.clientsMu.RUnlock()

			if len(slowClients) > 0 {
				s.clientsMu.Lock()
				for _, conn := range slowClients {
					delete(s.clients, conn)
				}
				s.clientsMu.Unlock()
				for _, conn := range slowClients {
					if err := conn.Close(); err != nil {
						logging.Error("inspect", "ws client close failed", "error", err)
					}
				}
			}
		}
	}
}

// Handler returns the HTTP mux: /v1/reservations for snapshots and
// /v1/taps for the websocket stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/reservations", s.handleSnapshot)
	mux.HandleFunc("/v1/taps", s.handleTaps)
	return mux
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snap.Snapshot()); err != nil {
		logging.Error("inspect", "snapshot encode failed", "error", err)
	}
}

func (s *Server) handleTaps(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("inspect", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("inspect", "ws connected", "remote", r.RemoteAddr)

	clientCh := make(chan reservation.TapEvent, 100)
	s.clientsMu.Lock()
	s.clients[ws] = clientCh
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
	}()

	for {
		select {
		case ev := <-clientCh:
			data, err := json.Marshal(ev)
			if err != nil {
				logging.Error("inspect", "tap marshal failed", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
