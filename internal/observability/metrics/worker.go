package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics covers review task execution and agent health in the worker.
type WorkerMetrics struct {
	service  string
	registry *prometheus.Registry

	taskTotal          *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	taskInFlight       prometheus.Gauge
	taskCoalescedTotal *prometheus.CounterVec
	analysisConfidence *prometheus.HistogramVec
	memoryDegraded     *prometheus.GaugeVec
	queueLag           *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	taskTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ter",
			Subsystem: "worker",
			Name:      "review_task_total",
			Help:      "Total review tasks by kind and status.",
		},
		[]string{"service", "kind", "status"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ter",
			Subsystem: "worker",
			Name:      "review_task_duration_seconds",
			Help:      "Review task duration in seconds by kind and status.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "kind", "status"},
	)
	taskInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ter",
			Subsystem: "worker",
			Name:      "review_task_in_flight",
			Help:      "Number of in-flight review tasks.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	taskCoalescedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ter",
			Subsystem: "worker",
			Name:      "review_task_coalesced_total",
			Help:      "Review tasks folded into a pending task for the same report.",
		},
		[]string{"service", "kind"},
	)
	analysisConfidence := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ter",
			Subsystem: "document",
			Name:      "analysis_confidence",
			Help:      "Confidence of document analyses by document type.",
			Buckets:   []float64{0, 0.2, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
		[]string{"service", "document_type"},
	)
	memoryDegraded := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ter",
			Subsystem: "agent",
			Name:      "memory_degraded",
			Help:      "1 when an agent's durable memory is failing and it runs cache-only.",
		},
		[]string{"service", "agent"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ter",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between review event creation and dispatch.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	registry.MustRegister(taskTotal, taskDuration, taskInFlight, taskCoalescedTotal, analysisConfidence, memoryDegraded, queueLag)

	return &WorkerMetrics{
		service:            service,
		registry:           registry,
		taskTotal:          taskTotal,
		taskDuration:       taskDuration,
		taskInFlight:       taskInFlight,
		taskCoalescedTotal: taskCoalescedTotal,
		analysisConfidence: analysisConfidence,
		memoryDegraded:     memoryDegraded,
		queueLag:           queueLag,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartTask(string) {
	m.taskInFlight.Inc()
}

func (m *WorkerMetrics) FinishTask(kind string, duration time.Duration, err error) {
	m.taskInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.taskTotal.WithLabelValues(m.service, kind, status).Inc()
	m.taskDuration.WithLabelValues(m.service, kind, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) TaskCoalesced(kind string) {
	m.taskCoalescedTotal.WithLabelValues(m.service, kind).Inc()
}

func (m *WorkerMetrics) ObserveAnalysisConfidence(documentType string, confidence float64) {
	m.analysisConfidence.WithLabelValues(m.service, documentType).Observe(confidence)
}

func (m *WorkerMetrics) SetMemoryDegraded(agent string, degraded bool) {
	value := 0.0
	if degraded {
		value = 1
	}
	m.memoryDegraded.WithLabelValues(m.service, agent).Set(value)
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}
