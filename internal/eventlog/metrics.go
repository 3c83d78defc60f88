package eventlog

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics holds the Prometheus collectors for the append path. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	appends        *prometheus.CounterVec
	eventsAppended *prometheus.CounterVec
	appendLatency  *prometheus.HistogramVec
	lockWait       prometheus.Histogram
}

// NewMetrics builds the collectors and registers them with registerer when it is not nil.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		appends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventlog_appends_total",
				Help: "Total number of append calls by aggregate type and outcome.",
			},
			[]string{"aggregate_type", "outcome"},
		),
		eventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventlog_events_appended_total",
				Help: "Total number of events assigned a sequence number.",
			},
			[]string{"aggregate_type"},
		),
		appendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventlog_append_duration_seconds",
				Help:    "Append latency in seconds, excluding commit.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"aggregate_type"},
		),
		lockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "eventlog_lock_wait_seconds",
				Help:    "Time spent waiting for aggregate locks in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	if registerer == nil {
		return metrics, nil
	}
	for _, collector := range []prometheus.Collector{metrics.appends, metrics.eventsAppended, metrics.appendLatency, metrics.lockWait} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) observeAppend(aggregateType string, events int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.appends.WithLabelValues(aggregateType, outcomeFailure).Inc()
		return
	}
	m.appends.WithLabelValues(aggregateType, outcomeSuccess).Inc()
	m.eventsAppended.WithLabelValues(aggregateType).Add(float64(events))
	m.appendLatency.WithLabelValues(aggregateType).Observe(elapsed.Seconds())
}

func (m *Metrics) observeLockWait(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(elapsed.Seconds())
}
