package itemsync

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects sync counters in a private Prometheus registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	merges    *prometheus.CounterVec
	pageLoads *prometheus.CounterVec
	pending   prometheus.Gauge
	replays   *prometheus.CounterVec
	online    prometheus.Gauge
	registry  *prometheus.Registry
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	merges := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itemsync_merges_total",
			Help: "Merges applied to the cached item set",
		},
		[]string{"source"},
	)
	pageLoads := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itemsync_page_loads_total",
			Help: "Page loads by result",
		},
		[]string{"result"},
	)
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "itemsync_pending_writes",
		Help: "Writes waiting in the outbox",
	})
	replays := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itemsync_replays_total",
			Help: "Replayed pending writes by result",
		},
		[]string{"result"},
	)
	online := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "itemsync_online",
		Help: "1 while the backend is reachable",
	})

	registry.MustRegister(merges, pageLoads, pending, replays, online)

	return &Metrics{
		merges:    merges,
		pageLoads: pageLoads,
		pending:   pending,
		replays:   replays,
		online:    online,
		registry:  registry,
	}
}

// Merge sources.
const (
	SourcePage  = "page"
	SourceEvent = "event"
)

func (m *Metrics) observeMerge(source string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(source).Inc()
}

func (m *Metrics) observePageLoad(result string) {
	if m == nil {
		return
	}
	m.pageLoads.WithLabelValues(result).Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) observeReplay(result string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(result).Inc()
}

func (m *Metrics) setOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

// Registry exposes the private registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an http.Handler that serves the metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
