package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ReportsAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbor_report_reports_accepted_total",
			Help: "Total number of payloads accepted into a delivery queue.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_report_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // success, success_throttled, rate_limited, api_error, communication_error, internal_error
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harbor_report_delivery_latency_seconds",
			Help:    "Latency of delivery attempts by outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_report_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. rate_limited, timeout, network, dns_error
	)

	DroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_report_dropped_total",
			Help: "Total number of bundles dropped by reason.",
		},
		[]string{"reason"}, // overflow_oldest, overflow_newest, rejected, exhausted, internal, teardown, scope_limit
	)

	OfflineTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_report_offline_records_total",
			Help: "Offline store operations by kind.",
		},
		[]string{"op"}, // stored, replayed, discarded, error
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harbor_report_queue_depth",
			Help: "Number of bundles waiting in each delivery queue.",
		},
		[]string{"queue"},
	)

	TokenDelaySeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harbor_report_token_delay_seconds",
			Help: "Induced delay currently applied to an access token (masked).",
		},
		[]string{"token"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		ReportsAcceptedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		DroppedTotal,
		OfflineTotal,
		QueueDepth,
		TokenDelaySeconds,
	)
}

// RecordAccepted counts one payload entering a queue.
func RecordAccepted() {
	ReportsAcceptedTotal.Inc()
}

// RecordDelivery counts one attempt and observes its latency.
func RecordDelivery(outcome string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	DeliveryLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDropped(reason string) {
	DroppedTotal.WithLabelValues(reason).Inc()
}

func RecordOffline(op string) {
	OfflineTotal.WithLabelValues(op).Inc()
}

func SetQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ForgetQueue removes the depth series of a destroyed queue.
func ForgetQueue(queue string) {
	QueueDepth.DeleteLabelValues(queue)
}

func SetTokenDelay(maskedToken string, d time.Duration) {
	TokenDelaySeconds.WithLabelValues(maskedToken).Set(d.Seconds())
}
