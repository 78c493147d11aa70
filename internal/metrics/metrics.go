package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	BroadcastsCreated  *prometheus.CounterVec
	Rejections         *prometheus.CounterVec
	RecipientsSelected *prometheus.HistogramVec
	SelectionPoolSize  *prometheus.HistogramVec
	FanoutLatency      *prometheus.HistogramVec
	Notifications      *prometheus.CounterVec
	FanoutJobs         *prometheus.CounterVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace
// on the default Prometheus registerer.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = New(namespace, prometheus.DefaultRegisterer)
	})
	return metricsInstance
}

// New builds the collectors and registers them on reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	recipientBuckets := []float64{0, 1, 2, 3, 5, 10, 25, 50, 100}
	m := &Metrics{
		BroadcastsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_created_total",
			Help:      "Total broadcasts committed, by fan-out mode.",
		}, []string{"mode"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_rejections_total",
			Help:      "Total rejected broadcast operations by reason code.",
		}, []string{"code"}),
		RecipientsSelected: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_recipients_selected",
			Help:      "Recipients selected per broadcast.",
			Buckets:   recipientBuckets,
		}, []string{"strategy"}),
		SelectionPoolSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "selection_pool_size",
			Help:      "Eligible candidate pool size after exclusions.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"strategy"}),
		FanoutLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Latency of the fan-out persistence transaction.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification delivery attempts by kind and outcome.",
		}, []string{"kind", "status"}),
		FanoutJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_jobs_total",
			Help:      "Background fan-out job executions by outcome.",
		}, []string{"status"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors grouped by component.",
		}, []string{"component"}),
	}

	reg.MustRegister(
		m.BroadcastsCreated,
		m.Rejections,
		m.RecipientsSelected,
		m.SelectionPoolSize,
		m.FanoutLatency,
		m.Notifications,
		m.FanoutJobs,
		m.Errors,
	)
	return m
}
