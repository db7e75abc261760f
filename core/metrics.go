package core

// Prometheus metrics (supplemental: the distilled spec's component budget
// has no observability line item, but every teacher binary exposes a
// metrics registry and the ambient-stack rule carries it regardless).

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters and gauges a Node updates as it runs.
type Metrics struct {
	EventsAccepted   prometheus.Counter
	EventsRejected   *prometheus.CounterVec
	LogLength        prometheus.Gauge
	SnapshotsCreated prometheus.Counter
	PeerCount        prometheus.Gauge
	RangeSyncApplied prometheus.Counter
}

// NewMetrics constructs and registers the node's metrics against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawnet", Name: "events_accepted_total", Help: "Events accepted into the local store.",
		}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawnet", Name: "events_rejected_total", Help: "Events rejected, by error code.",
		}, []string{"code"}),
		LogLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawnet", Name: "log_length", Help: "Current accepted-event log length.",
		}),
		SnapshotsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawnet", Name: "snapshots_created_total", Help: "Snapshots created by the local scheduler.",
		}),
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawnet", Name: "peer_count", Help: "Currently connected peer count.",
		}),
		RangeSyncApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawnet", Name: "range_sync_events_applied_total", Help: "Events applied via range sync.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsAccepted, m.EventsRejected, m.LogLength, m.SnapshotsCreated, m.PeerCount, m.RangeSyncApplied)
	}
	return m
}
