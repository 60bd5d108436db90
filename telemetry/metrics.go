// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	StatusOnline        prometheus.Counter
	StatusOffline       prometheus.Counter
	RenamesTotal        prometheus.Counter
	RestoresTotal       prometheus.Counter
	EditFailures        prometheus.Counter
	FeedReconnects      prometheus.Counter
	ReconcilePasses     prometheus.Counter
	ReconcileFailures   prometheus.Counter
	SubscriptionCreates prometheus.Counter
	SubscriptionDeletes prometheus.Counter
	UnknownStreamUsers  prometheus.Counter

	// Gauges
	QueueDepthGauge   prometheus.Gauge
	LiveStreamsGauge  prometheus.Gauge
	RenamedRoomsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		StatusOnline = promauto.NewCounter(prometheus.CounterOpts{Name: "voicemark_status_online_total", Help: "Number of stream.online notifications processed"})
		StatusOffline = promauto.NewCounter(prometheus.CounterOpts{Name: "voicemark_status_offline_total", Help: "Number of stream.offline notifications processed"})
		RenamesTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "voicemark_renames_total", Help: "Number of live renames requested"})
		RestoresTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "voicemark_restores_total", Help: "Number of restores requested"})
		EditFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "voicemark_edit_failures_total", Help: "Number of room edit calls that returned an error"})
		FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "voicemark_feed_reconnects_total", Help: "Number of EventSub websocket reconnects"})
		ReconcilePasses = promauto.NewCounter(prometheus.CounterOpts{Name: "voicemark_reconcile_passes_total", Help: "Number of subscription reconciliation passes completed"})
		ReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "voicemark_reconcile_failures_total", Help: "Number of subscription reconciliation passes that failed"})
		SubscriptionCreates = promauto.NewCounter(prometheus.CounterOpts{Name: "voicemark_subscription_creates_total", Help: "Number of EventSub subscriptions created"})
		SubscriptionDeletes = promauto.NewCounter(prometheus.CounterOpts{Name: "voicemark_subscription_deletes_total", Help: "Number of EventSub subscriptions deleted"})
		UnknownStreamUsers = promauto.NewCounter(prometheus.CounterOpts{Name: "voicemark_unknown_stream_users_total", Help: "Number of notifications dropped for unmapped broadcaster ids"})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "voicemark_ingest_queue_depth", Help: "Current number of buffered status messages"})
		LiveStreamsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "voicemark_live_streams", Help: "Monitored users currently live"})
		RenamedRoomsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "voicemark_renamed_rooms", Help: "Rooms currently carrying the live name"})
	})
}

// SetQueueDepth records the current ingest queue depth.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// SetLiveStreams records the current number of live monitored users.
func SetLiveStreams(n int) {
	if LiveStreamsGauge != nil {
		LiveStreamsGauge.Set(float64(n))
	}
}

// SetRenamedRooms records the current number of renamed rooms.
func SetRenamedRooms(n int) {
	if RenamedRoomsGauge != nil {
		RenamedRoomsGauge.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or an empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if one is present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
