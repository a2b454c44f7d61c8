// Package metrics exposes the pipeline's operator-facing counters.
// Drops and escalations are observable here, never as producer-side
// errors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsEnqueuedTotal counts records accepted into the bounded
	// queue, by layer.
	RecordsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layerlog_records_enqueued_total",
			Help: "Total records accepted into the delivery queue",
		},
		[]string{"layer"},
	)

	// RecordsDroppedTotal counts records dropped, by reason
	// (overflow, overload, terminal).
	RecordsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layerlog_records_dropped_total",
			Help: "Total records dropped by the pipeline",
		},
		[]string{"reason"},
	)

	// RecordsDeliveredTotal counts per-handler successful item writes.
	RecordsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layerlog_records_delivered_total",
			Help: "Total records delivered per destination handler",
		},
		[]string{"handler"},
	)

	// FallbackWritesTotal counts sync fallback path writes, by trigger
	// (critical_bypass, fail_fast, retry_exhausted).
	FallbackWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layerlog_fallback_writes_total",
			Help: "Total writes routed through the sync fallback path",
		},
		[]string{"trigger"},
	)

	// RetriesTotal counts retry attempts scheduled by the dispatcher.
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layerlog_retries_total",
		Help: "Total retry attempts scheduled",
	})

	// AbandonedTotal counts items abandoned at the drain deadline and
	// logged to the side channel.
	AbandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layerlog_abandoned_total",
		Help: "Total items abandoned at shutdown and journaled",
	})

	// QueueUtilization is the bounded queue's fill fraction.
	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "layerlog_queue_utilization",
		Help: "Bounded queue utilization (0.0 to 1.0)",
	})

	// QueueSize is the current bounded queue length.
	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "layerlog_queue_size",
		Help: "Current number of items in the bounded queue",
	})

	// DispatchDuration observes one dispatch cycle end to end.
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "layerlog_dispatch_duration_seconds",
		Help:    "Time spent dispatching one batch to all handlers",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
	})

	// HandlerWriteDuration observes per-handler batch writes.
	HandlerWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "layerlog_handler_write_duration_seconds",
			Help:    "Time spent writing one batch to one handler",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	// HandlerHealth reports per-handler health (1 healthy, 0 skipped).
	HandlerHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "layerlog_handler_health",
			Help: "Destination handler health (1 = receiving batches)",
		},
		[]string{"handler"},
	)

	// ErrorsTotal counts internal errors by component and class.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layerlog_errors_total",
			Help: "Total internal errors",
		},
		[]string{"component", "class"},
	)

	// SideChannelEventsTotal counts last-resort journal events by kind.
	SideChannelEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layerlog_side_channel_events_total",
			Help: "Total events written to the last-resort side channel",
		},
		[]string{"kind"},
	)

	// MemoryUtilization and CPUUtilization mirror the resource
	// monitor's last sample (0.0 to 1.0).
	MemoryUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "layerlog_memory_utilization",
		Help: "System memory utilization sampled by the resource monitor",
	})
	CPUUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "layerlog_cpu_utilization",
		Help: "System CPU utilization sampled by the resource monitor",
	})

	// SanitizeCacheHitsTotal / Misses track the redaction result cache.
	SanitizeCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layerlog_sanitize_cache_hits_total",
		Help: "Sanitization cache hits",
	})
	SanitizeCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layerlog_sanitize_cache_misses_total",
		Help: "Sanitization cache misses",
	})
)

// RecordError increments the internal error counter.
func RecordError(component, class string) {
	ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordDrop increments the dropped-records counter.
func RecordDrop(reason string) {
	RecordsDroppedTotal.WithLabelValues(reason).Inc()
}

// SetHandlerHealth mirrors a handler's gate state.
func SetHandlerHealth(handler string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	HandlerHealth.WithLabelValues(handler).Set(v)
}

// Handler returns the HTTP handler serving the Prometheus exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}
