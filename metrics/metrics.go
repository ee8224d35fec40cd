// Package metrics carries the ambient observability stack the task
// dispatch system runs with: Prometheus counters for message outcomes,
// exposed alongside a liveness endpoint. Grounded on
// jordigilh-kubernaut's prometheus/client_golang use for counter shape,
// Ap3pp3rs94-Chartly2.0's gorilla/mux for the HTTP surface (see
// server.go). Carried per task instructions even though spec.md's
// non-goals exclude cross-queue priority scheduling — that is a
// different concern from having any metrics at all.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of counters worker.Supervisor updates.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	MessagesDeleted  *prometheus.CounterVec
	MessagesRetained *prometheus.CounterVec
	TaskErrors       *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
}

// New registers and returns a fresh Metrics against reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "messages_received_total",
			Help:      "Messages pulled off a queue by a fetcher.",
		}, []string{"queue"}),
		MessagesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "messages_deleted_total",
			Help:      "Messages acked (deleted) after handling.",
		}, []string{"queue", "task"}),
		MessagesRetained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "messages_retained_total",
			Help:      "Messages left for redelivery after handling.",
		}, []string{"queue", "task"}),
		TaskErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "task_errors_total",
			Help:      "Task invocations that returned an error.",
		}, []string{"task"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "queue_approximate_depth",
			Help:      "Last observed ApproximateNumberOfMessages for a queue.",
		}, []string{"queue"}),
	}
	reg.MustRegister(m.MessagesReceived, m.MessagesDeleted, m.MessagesRetained, m.TaskErrors, m.QueueDepth)
	return m
}
