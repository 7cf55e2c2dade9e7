package stats

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swapchat"

// Metric names shared by the components that report them.
const (
	ActiveClients       = "active_clients"
	ActiveConversations = "active_conversations"
	OnlineUsers         = "online_users"
	MessagesSent        = "messages_sent_total"
	OperationsFailed    = "operations_failed_total"
	PublishFailures     = "publish_failures_total"
	BrokerReconnects    = "broker_reconnects_total"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterGauge(name, help string)
	RegisterCounter(name, help string)
}

// StatsUpdater exposes the process metrics in the Prometheus text format.
type StatsUpdater struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
	gauges   map[string]prometheus.Gauge
	counters map[string]prometheus.Counter
}

// NewStatsUpdater creates a new stats updater instance and serves its
// registry on GET /metrics.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
		counters: make(map[string]prometheus.Counter),
	}
	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux.Handle("GET /metrics", promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{}))

	return su
}

func (su *StatsUpdater) RegisterGauge(name, help string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.gauges[name]; ok {
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
	su.registry.MustRegister(g)
	su.gauges[name] = g
}

func (su *StatsUpdater) RegisterCounter(name, help string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.counters[name]; ok {
		return
	}

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
	su.registry.MustRegister(c)
	su.counters[name] = c
}

func (su *StatsUpdater) Incr(name string) {
	su.add(name, 1)
}

// Decr only applies to gauges; counters never go down.
func (su *StatsUpdater) Decr(name string) {
	su.add(name, -1)
}

func (su *StatsUpdater) add(name string, v float64) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	if g, ok := su.gauges[name]; ok {
		g.Add(v)
		return
	}

	if c, ok := su.counters[name]; ok {
		if v > 0 {
			c.Add(v)
		}
		return
	}

	panic("metric not found: " + name)
}
