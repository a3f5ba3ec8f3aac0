package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for workflow execution. All metrics
// are namespaced with "contd_".
//
// Metrics exposed:
//
// 1. steps_total (counter): Step commit outcomes.
// Labels: workflow_id, status (committed, cached, failed).
//
// 2. step_latency_ms (histogram): Step attempt duration in milliseconds.
// Labels: workflow_id, step_name, status.
//
// 3. retries_total (counter): Retry attempts across all steps.
// Labels: workflow_id, step_name, kind.
//
// 4. snapshots_total (counter): Snapshots written, by trigger.
// Labels: workflow_id, trigger (cadence, savepoint, time_travel).
//
// 5. lease_takeovers_total (counter): Leases acquired over an expired owner.
// Labels: workflow_id.
//
// 6. heartbeat_failures_total (counter): Heartbeats refused by the store.
// Labels: workflow_id.
//
// 7. replayed_events (histogram): Events replayed per recovery.
// Labels: workflow_id.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewMetrics(registry)
//	eng, err := workflow.NewEngine(st, workflow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe for concurrent use and become no-ops on a nil
// receiver, so the engine never guards metric calls.
type Metrics struct {
	steps             *prometheus.CounterVec
	stepLatency       *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	snapshots         *prometheus.CounterVec
	leaseTakeovers    *prometheus.CounterVec
	heartbeatFailures *prometheus.CounterVec
	replayedEvents    *prometheus.HistogramVec

	registry prometheus.Registerer
	enabled  bool
}

// NewMetrics creates and registers all workflow execution metrics with the
// provided registry. A nil registry uses prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		enabled:  true,
	}

	m.steps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contd",
		Name:      "steps_total",
		Help:      "Step commit outcomes across all workflows",
	}, []string{"workflow_id", "status"}) // status: committed, cached, failed

	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "contd",
		Name:      "step_latency_ms",
		Help:      "Step attempt duration in milliseconds (from intention to commit)",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
	}, []string{"workflow_id", "step_name", "status"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contd",
		Name:      "retries_total",
		Help:      "Retry attempts across all steps, by error kind",
	}, []string{"workflow_id", "step_name", "kind"})

	m.snapshots = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contd",
		Name:      "snapshots_total",
		Help:      "Snapshots written, by trigger",
	}, []string{"workflow_id", "trigger"}) // trigger: cadence, savepoint, time_travel

	m.leaseTakeovers = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contd",
		Name:      "lease_takeovers_total",
		Help:      "Leases acquired over an expired previous owner",
	}, []string{"workflow_id"})

	m.heartbeatFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contd",
		Name:      "heartbeat_failures_total",
		Help:      "Heartbeats refused because the lease was lost or fenced",
	}, []string{"workflow_id"})

	m.replayedEvents = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "contd",
		Name:      "replayed_events",
		Help:      "Events replayed per recovery, after the snapshot base",
		Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
	}, []string{"workflow_id"})

	return m
}

// RecordStep records the outcome of one step invocation.
func (m *Metrics) RecordStep(workflowID, status string) {
	if m == nil || !m.enabled {
		return
	}
	m.steps.WithLabelValues(workflowID, status).Inc()
}

// RecordStepLatency records the duration of one step attempt.
func (m *Metrics) RecordStepLatency(workflowID, stepName string, latency time.Duration, status string) {
	if m == nil || !m.enabled {
		return
	}
	m.stepLatency.WithLabelValues(workflowID, stepName, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts a retry attempt by error kind.
func (m *Metrics) IncrementRetries(workflowID, stepName, kind string) {
	if m == nil || !m.enabled {
		return
	}
	m.retries.WithLabelValues(workflowID, stepName, kind).Inc()
}

// RecordSnapshot counts a snapshot write by trigger.
func (m *Metrics) RecordSnapshot(workflowID, trigger string) {
	if m == nil || !m.enabled {
		return
	}
	m.snapshots.WithLabelValues(workflowID, trigger).Inc()
}

// RecordLeaseTakeover counts a lease acquired over an expired owner.
func (m *Metrics) RecordLeaseTakeover(workflowID string) {
	if m == nil || !m.enabled {
		return
	}
	m.leaseTakeovers.WithLabelValues(workflowID).Inc()
}

// RecordHeartbeatFailure counts a refused heartbeat.
func (m *Metrics) RecordHeartbeatFailure(workflowID string) {
	if m == nil || !m.enabled {
		return
	}
	m.heartbeatFailures.WithLabelValues(workflowID).Inc()
}

// RecordReplay records the number of events replayed during one recovery.
func (m *Metrics) RecordReplay(workflowID string, events int) {
	if m == nil || !m.enabled {
		return
	}
	m.replayedEvents.WithLabelValues(workflowID).Observe(float64(events))
}

// SetEnabled toggles metric recording without unregistering collectors.
func (m *Metrics) SetEnabled(enabled bool) {
	if m == nil {
		return
	}
	m.enabled = enabled
}
