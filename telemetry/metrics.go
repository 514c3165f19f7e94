// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	RepliesPosted   prometheus.Counter
	RepliesFailed   prometheus.Counter
	RepliesRequeued prometheus.Counter
	WorkerCycles    prometheus.Counter
	ChargesRefused  prometheus.Counter
	WebhooksDeduped prometheus.Counter

	// Histograms (seconds)
	PostDuration prometheus.Observer
	PaceDelay    prometheus.Observer

	// Gauges
	QueueDepthGauge   prometheus.Gauge
	WorkerPausedGauge prometheus.Gauge // 1=cooldown active, 0=running
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RepliesPosted = promauto.NewCounter(prometheus.CounterOpts{Name: "reply_posts_succeeded_total", Help: "Number of replies posted to the platform"})
		RepliesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "reply_posts_failed_total", Help: "Number of reply jobs that terminated in failed"})
		RepliesRequeued = promauto.NewCounter(prometheus.CounterOpts{Name: "reply_posts_requeued_total", Help: "Number of reply jobs returned to pending"})
		WorkerCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "reply_worker_cycles_total", Help: "Number of worker claim cycles"})
		ChargesRefused = promauto.NewCounter(prometheus.CounterOpts{Name: "credit_charges_refused_total", Help: "Number of ledger charges refused for insufficient credit"})
		WebhooksDeduped = promauto.NewCounter(prometheus.CounterOpts{Name: "billing_webhooks_deduped_total", Help: "Number of duplicate billing webhook deliveries skipped"})
		PostDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "reply_post_duration_seconds", Help: "Gateway post duration seconds", Buckets: prometheus.DefBuckets})
		PaceDelay = promauto.NewHistogram(prometheus.HistogramOpts{Name: "reply_pace_delay_seconds", Help: "Randomized pacing delay between posts", Buckets: []float64{1, 2, 4, 6, 8, 10, 12, 16}})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "reply_queue_depth", Help: "Current number of pending reply jobs"})
		WorkerPausedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "reply_worker_paused", Help: "Rate-limit cooldown active=1 running=0"})
	})
}

// UpdatePausedGauge sets gauge to 1 if the global cooldown is active else 0.
func UpdatePausedGauge(paused bool) {
	if WorkerPausedGauge != nil {
		if paused {
			WorkerPausedGauge.Set(1)
		} else {
			WorkerPausedGauge.Set(0)
		}
	}
}

// SetQueueDepth records the current pending job count.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
