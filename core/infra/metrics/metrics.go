package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder defines counters for the reservation runtime.
type Recorder interface {
	IncAcquire(result string)
	IncRelease()
	IncMessage(kind, direction string)
	IncMigration()
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) IncAcquire(string)         {}
func (Noop) IncRelease()               {}
func (Noop) IncMessage(string, string) {}
func (Noop) IncMigration()             {}

// Prom implements Recorder backed by Prometheus counters.
type Prom struct {
	acquires   *prometheus.CounterVec
	releases   prometheus.Counter
	messages   *prometheus.CounterVec
	migrations prometheus.Counter
	once       sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquires_total",
			Help:      "Reservation acquires by result",
		}, []string{"result"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Reservation releases",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_messages_total",
			Help:      "Protocol messages by kind and direction",
		}, []string{"kind", "direction"}),
		migrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ownership_migrations_total",
			Help:      "Reservation ownership transfers to remote nodes",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.acquires, p.releases, p.messages, p.migrations)
	})
}

func (p *Prom) IncAcquire(result string) {
	p.acquires.WithLabelValues(result).Inc()
}

func (p *Prom) IncRelease() {
	p.releases.Inc()
}

func (p *Prom) IncMessage(kind, direction string) {
	p.messages.WithLabelValues(kind, direction).Inc()
}

func (p *Prom) IncMigration() {
	p.migrations.Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
