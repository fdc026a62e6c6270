package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the kline recorder.
type Metrics struct {
	// Stream ingest
	FramesTotal        prometheus.Counter
	CandlesClosedTotal prometheus.Counter
	MalformedFrames    prometheus.Counter
	OutOfOrderRejected prometheus.Counter
	GapsDetected       prometheus.Counter
	Reconnects         prometheus.Counter

	// Backfill
	BackfillDur     prometheus.Histogram
	BackfillCandles prometheus.Gauge

	// Indicator engine
	IndicatorComputeDur prometheus.Histogram

	// Record store
	RecordsInserted  prometheus.Counter
	RecordDuplicates prometheus.Counter
	AppendRetries    prometheus.Counter
	SQLiteAppendDur  prometheus.Histogram

	// Feed state
	FeedState           prometheus.Gauge // 0=disconnected, 1=backfilling, 2=live, 3=error
	WindowLength        prometheus.Gauge
	LastRecordTimestamp prometheus.Gauge

	// Notifications
	NotificationsDropped *prometheus.CounterVec // labels: channel
	NotificationErrors   *prometheus.CounterVec // labels: channel

	// Redis publisher / circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
	RedisBufferDrops         prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg means the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_frames_total",
			Help: "Total frames received from the kline stream",
		}),
		CandlesClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_candles_closed_total",
			Help: "Closed candles processed",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_malformed_frames_total",
			Help: "Frames that could not be decoded",
		}),
		OutOfOrderRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_out_of_order_total",
			Help: "Closed candles rejected for being older than the window head",
		}),
		GapsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_gaps_total",
			Help: "Closed candles that skipped at least one interval",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_reconnects_total",
			Help: "Stream reconnection attempts",
		}),

		BackfillDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_backfill_duration_seconds",
			Help:    "Historical backfill latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		BackfillCandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_backfill_candles",
			Help: "Candles loaded into the window by the last backfill",
		}),

		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_indicator_compute_duration_seconds",
			Help:    "Indicator snapshot compute latency per closed candle",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),

		RecordsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_records_inserted_total",
			Help: "Records newly persisted",
		}),
		RecordDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_record_duplicates_total",
			Help: "Appends skipped because the timestamp was already stored",
		}),
		AppendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_append_retries_total",
			Help: "Record appends retried after a storage failure",
		}),
		SQLiteAppendDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_sqlite_append_duration_seconds",
			Help:    "SQLite append latency",
			Buckets: prometheus.DefBuckets,
		}),

		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_feed_state",
			Help: "Feed lifecycle state (0=disconnected, 1=backfilling, 2=live, 3=error)",
		}),
		WindowLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_window_length",
			Help: "Observations currently held in the rolling window",
		}),
		LastRecordTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_last_record_timestamp_seconds",
			Help: "Open time of the newest persisted record",
		}),

		NotificationsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_notifications_dropped_total",
			Help: "Notifications dropped because the dispatch queue was full",
		}, []string{"channel"}),
		NotificationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_notification_errors_total",
			Help: "Notifications the backend failed to deliver",
		}, []string{"channel"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_redis_buffered_writes_total",
			Help: "Records buffered locally while Redis was unavailable",
		}),
		RedisBufferDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_redis_buffer_drops_total",
			Help: "Buffered records evicted before Redis recovered",
		}),
	}

	reg.MustRegister(
		m.FramesTotal,
		m.CandlesClosedTotal,
		m.MalformedFrames,
		m.OutOfOrderRejected,
		m.GapsDetected,
		m.Reconnects,
		m.BackfillDur,
		m.BackfillCandles,
		m.IndicatorComputeDur,
		m.RecordsInserted,
		m.RecordDuplicates,
		m.AppendRetries,
		m.SQLiteAppendDur,
		m.FeedState,
		m.WindowLength,
		m.LastRecordTimestamp,
		m.NotificationsDropped,
		m.NotificationErrors,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.RedisBufferDrops,
	)

	return m
}
