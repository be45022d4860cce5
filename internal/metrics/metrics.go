// Package metrics exports node counters to Prometheus. Both node kinds share
// one collector set; gauges a node never touches simply stay at zero.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector a node exports.
type Metrics struct {
	reg *prometheus.Registry

	sessions     prometheus.Gauge
	stages       *prometheus.GaugeVec
	actors       prometheus.Gauge
	peers        prometheus.Gauge
	pendingReqs  prometheus.Gauge
	activeTimers prometheus.Gauge

	packetsIn  prometheus.Counter
	packetsOut prometheus.Counter
	bytesIn    prometheus.Counter
	bytesOut   prometheus.Counter

	envelopesIn  prometheus.Counter
	envelopesOut prometheus.Counter

	dispatchLatency prometheus.Histogram
	queueDrops      prometheus.Counter
	malformed       prometheus.Counter
	errors          *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New(nodeId string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"node_id": nodeId}

	m := &Metrics{
		reg: reg,
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "playhouse_sessions",
			Help:        "Current connected client sessions.",
			ConstLabels: labels,
		}),
		stages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "playhouse_stages",
			Help:        "Live stages by stage type.",
			ConstLabels: labels,
		}, []string{"stage_type"}),
		actors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "playhouse_actors",
			Help:        "Actors joined across all stages.",
			ConstLabels: labels,
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "playhouse_cluster_peers",
			Help:        "Cluster peers with a live connection.",
			ConstLabels: labels,
		}),
		pendingReqs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "playhouse_pending_requests",
			Help:        "Server-initiated requests awaiting a reply.",
			ConstLabels: labels,
		}),
		activeTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "playhouse_active_timers",
			Help:        "Scheduled stage timers.",
			ConstLabels: labels,
		}),
		packetsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "playhouse_client_packets_in_total",
			Help:        "Packets received from clients.",
			ConstLabels: labels,
		}),
		packetsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "playhouse_client_packets_out_total",
			Help:        "Packets sent to clients.",
			ConstLabels: labels,
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "playhouse_client_bytes_in_total",
			Help:        "Bytes received from clients.",
			ConstLabels: labels,
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "playhouse_client_bytes_out_total",
			Help:        "Bytes sent to clients.",
			ConstLabels: labels,
		}),
		envelopesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "playhouse_cluster_envelopes_in_total",
			Help:        "S2S envelopes received.",
			ConstLabels: labels,
		}),
		envelopesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "playhouse_cluster_envelopes_out_total",
			Help:        "S2S envelopes sent.",
			ConstLabels: labels,
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "playhouse_dispatch_latency_seconds",
			Help:        "Time an event spends in a handler.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "playhouse_stage_queue_drops_total",
			Help:        "Events rejected because a stage queue was full.",
			ConstLabels: labels,
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "playhouse_malformed_packets_total",
			Help:        "Connections dropped for framing violations.",
			ConstLabels: labels,
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "playhouse_errors_total",
			Help:        "Error replies sent, by error name.",
			ConstLabels: labels,
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.sessions, m.stages, m.actors, m.peers, m.pendingReqs, m.activeTimers,
		m.packetsIn, m.packetsOut, m.bytesIn, m.bytesOut,
		m.envelopesIn, m.envelopesOut,
		m.dispatchLatency, m.queueDrops, m.malformed, m.errors,
	)
	return m
}

// Registry exposes the underlying registry for the admin endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler returns the scrape handler for this node's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() { m.sessions.Inc() }
func (m *Metrics) SessionClosed() { m.sessions.Dec() }

func (m *Metrics) StageCreated(stageType string)   { m.stages.WithLabelValues(stageType).Inc() }
func (m *Metrics) StageDestroyed(stageType string) { m.stages.WithLabelValues(stageType).Dec() }

func (m *Metrics) ActorJoined() { m.actors.Inc() }
func (m *Metrics) ActorLeft()   { m.actors.Dec() }

func (m *Metrics) PeerUp()   { m.peers.Inc() }
func (m *Metrics) PeerDown() { m.peers.Dec() }

func (m *Metrics) PendingRequests(n int) { m.pendingReqs.Set(float64(n)) }
func (m *Metrics) ActiveTimers(n int)    { m.activeTimers.Set(float64(n)) }

func (m *Metrics) PacketIn(bytes int) {
	m.packetsIn.Inc()
	m.bytesIn.Add(float64(bytes))
}

func (m *Metrics) PacketOut(bytes int) {
	m.packetsOut.Inc()
	m.bytesOut.Add(float64(bytes))
}

func (m *Metrics) EnvelopeIn()  { m.envelopesIn.Inc() }
func (m *Metrics) EnvelopeOut() { m.envelopesOut.Inc() }

func (m *Metrics) Dispatch(d time.Duration) { m.dispatchLatency.Observe(d.Seconds()) }
func (m *Metrics) QueueDrop()               { m.queueDrops.Inc() }
func (m *Metrics) Malformed()               { m.malformed.Inc() }

func (m *Metrics) ErrorSent(name string) { m.errors.WithLabelValues(name).Inc() }
