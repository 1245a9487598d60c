package datafile

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts update attempts.
type Metrics struct {
	updates *prometheus.CounterVec
}

// NewMetrics creates the update counter and registers it with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datafile_updates_total",
				Help: "Datafile update attempts partitioned by identifier and status",
			},
			[]string{"identifier", "status"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.updates)
	}
	return m
}

func (m *Metrics) record(identifier string, status UpdateStatus) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(identifier, string(status)).Inc()
}
