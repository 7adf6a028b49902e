package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopRecorder(t *testing.T) {
	var m Noop
	m.IncAcquire("granted")
	m.IncRelease()
	m.IncMessage("lock_request", "sent")
	m.IncMigration()
}

func TestPromRecorder(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("gridlock")
	m.IncAcquire("granted")
	m.IncAcquire("queued")
	m.IncRelease()
	m.IncMessage("lock_grant", "received")
	m.IncMigration()

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := string(raw)
	for _, want := range []string{
		"gridlock_acquires_total",
		"gridlock_releases_total",
		"gridlock_protocol_messages_total",
		"gridlock_ownership_migrations_total",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s:\n%s", want, body)
		}
	}
}
