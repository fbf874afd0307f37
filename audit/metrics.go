package audit

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink counts audit records by action and outcome.
type MetricsSink struct {
	events *prometheus.CounterVec
}

var _ Sink = (*MetricsSink)(nil)

// NewMetricsSink registers ironra_audit_events_total with reg.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	return &MetricsSink{
		events: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ironra_audit_events_total",
				Help: "Total number of audit events by action and outcome",
			},
			[]string{"action", "outcome"},
		),
	}
}

func (s *MetricsSink) Write(_ context.Context, rec Record) error {
	s.events.WithLabelValues(string(rec.Action), string(rec.Outcome)).Inc()
	return nil
}
