// Package metrics holds the Prometheus collectors of the collaboration
// service. Every recording method is safe on a nil *Collab.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collab struct {
	Connections        prometheus.Gauge
	OperationsAccepted prometheus.Counter
	OperationsRejected *prometheus.CounterVec
	Conflicts          *prometheus.CounterVec
	DispatchDropped    *prometheus.CounterVec
	DispatchRetries    *prometheus.CounterVec
	Reaped             prometheus.Counter
	Evicted            prometheus.Counter

	reg prometheus.Registerer
}

func New(reg prometheus.Registerer) *Collab {
	f := promauto.With(reg)
	return &Collab{
		reg: reg,
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "collab_connections",
			Help: "Authenticated live connections",
		}),
		OperationsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "collab_operations_accepted_total",
			Help: "Operations appended to a document log",
		}),
		OperationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_operations_rejected_total",
			Help: "Operations refused, by error code",
		}, []string{"code"}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_unresolved_conflicts_total",
			Help: "Same-element concurrent pairs without a merge rule",
		}, []string{"incoming", "accepted"}),
		DispatchDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_dispatch_dropped_total",
			Help: "Accepted entries a sink never received",
		}, []string{"sink"}),
		DispatchRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_dispatch_retries_total",
			Help: "Sink delivery retries",
		}, []string{"sink"}),
		Reaped: f.NewCounter(prometheus.CounterOpts{
			Name: "collab_connections_reaped_total",
			Help: "Connections closed by the idle reaper",
		}),
		Evicted: f.NewCounter(prometheus.CounterOpts{
			Name: "collab_sessions_evicted_total",
			Help: "Document sessions evicted from memory",
		}),
	}
}

// RegisterStats exposes live document/user counts computed on scrape.
func (m *Collab) RegisterStats(stats func() (documents, users int)) {
	if m == nil || m.reg == nil {
		return
	}
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "collab_active_documents",
		Help: "Documents with a live session",
	}, func() float64 {
		d, _ := stats()
		return float64(d)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "collab_active_users",
		Help: "Participants across all live sessions",
	}, func() float64 {
		_, u := stats()
		return float64(u)
	})
}

func (m *Collab) Connected() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Collab) Disconnected() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Collab) OperationAccepted() {
	if m == nil {
		return
	}
	m.OperationsAccepted.Inc()
}

func (m *Collab) OperationRejected(code string) {
	if m == nil {
		return
	}
	m.OperationsRejected.WithLabelValues(code).Inc()
}

func (m *Collab) Conflict(incoming, accepted string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(incoming, accepted).Inc()
}

func (m *Collab) Dropped(sink string) {
	if m == nil {
		return
	}
	m.DispatchDropped.WithLabelValues(sink).Inc()
}

func (m *Collab) Retried(sink string) {
	if m == nil {
		return
	}
	m.DispatchRetries.WithLabelValues(sink).Inc()
}

func (m *Collab) ConnectionReaped() {
	if m == nil {
		return
	}
	m.Reaped.Inc()
}

func (m *Collab) SessionEvicted() {
	if m == nil {
		return
	}
	m.Evicted.Inc()
}
