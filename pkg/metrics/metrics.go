package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync registry metrics
	SensorsEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetsync_sensors_enabled_total",
			Help: "Number of sensor streams currently enabled for sync",
		},
	)

	SyncProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetsync_sync_progress_percent",
			Help: "Backfill progress per sensor stream",
		},
		[]string{"device_type", "sensor_id"},
	)

	// Backfill metrics
	BackfillJobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetsync_backfill_jobs_active",
			Help: "Number of backfill jobs currently running",
		},
	)

	BackfillJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_backfill_jobs_total",
			Help: "Total number of backfill jobs by result",
		},
		[]string{"result"},
	)

	BackfillPagesFetched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsync_backfill_pages_fetched_total",
			Help: "Total number of historical API pages fetched",
		},
	)

	HistoryRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetsync_history_request_duration_seconds",
			Help:    "Historical API page fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Event writer metrics
	SamplesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_samples_written_total",
			Help: "Total number of samples written to the index by write mode",
		},
		[]string{"mode"},
	)

	SamplesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsync_samples_skipped_total",
			Help: "Total number of samples skipped due to value coercion errors",
		},
	)

	MergeRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsync_merge_retries_total",
			Help: "Total number of composite-event merge retries after write conflicts",
		},
	)

	IndexWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetsync_index_write_duration_seconds",
			Help:    "Index write duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Live tail metrics
	SubscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetsync_subscriptions_active",
			Help: "Number of broker topic subscriptions per tenant",
		},
		[]string{"tenant"},
	)

	LiveMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_live_messages_total",
			Help: "Total number of live telemetry messages received per tenant",
		},
		[]string{"tenant"},
	)

	LiveMessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsync_live_messages_dropped_total",
			Help: "Total number of live messages dropped due to a full dispatch queue",
		},
	)

	SubscribeBatchErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsync_subscribe_batch_errors_total",
			Help: "Total number of broker subscribe batches that failed",
		},
	)

	RebuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsync_subscription_rebuilds_total",
			Help: "Total number of live-tail subscription rebuilds",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SensorsEnabled,
		SyncProgress,
		BackfillJobsActive,
		BackfillJobsTotal,
		BackfillPagesFetched,
		HistoryRequestDuration,
		SamplesWritten,
		SamplesSkipped,
		MergeRetries,
		IndexWriteDuration,
		SubscriptionsActive,
		LiveMessages,
		LiveMessagesDropped,
		SubscribeBatchErrors,
		RebuildsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
