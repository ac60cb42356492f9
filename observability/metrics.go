package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	chainSyncMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epochsync",
			Subsystem: "chainsync",
			Name:      "messages_total",
			Help:      "Chain-sync messages received, by type.",
		},
		[]string{"type"},
	)
	chainSyncDecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "epochsync",
			Subsystem: "chainsync",
			Name:      "decode_errors_total",
			Help:      "Chain-sync messages that failed to decode.",
		},
	)
	chainIndexFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "epochsync",
			Subsystem: "chainindex",
			Name:      "flushes_total",
			Help:      "Committed header batches.",
		},
	)
	chainIndexFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "epochsync",
			Subsystem: "chainindex",
			Name:      "flush_duration_seconds",
			Help:      "Header batch commit duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	chainIndexRollbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "epochsync",
			Subsystem: "chainindex",
			Name:      "rollbacks_total",
			Help:      "Rollbacks applied to the chain index.",
		},
	)
	chainIndexTipSlot = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "epochsync",
			Subsystem: "chainindex",
			Name:      "tip_slot",
			Help:      "Slot of the most recently committed header.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			chainSyncMessages,
			chainSyncDecodeErrors,
			chainIndexFlushes,
			chainIndexFlushDuration,
			chainIndexRollbacks,
			chainIndexTipSlot,
		)
	})
}

func RecordMessage(kind string) {
	RegisterMetrics()
	chainSyncMessages.WithLabelValues(kind).Inc()
}

func RecordDecodeError() {
	RegisterMetrics()
	chainSyncDecodeErrors.Inc()
}

func RecordFlush(tipSlot uint64, duration time.Duration) {
	RegisterMetrics()
	chainIndexFlushes.Inc()
	chainIndexFlushDuration.Observe(duration.Seconds())
	chainIndexTipSlot.Set(float64(tipSlot))
}

func RecordRollback(slot uint64) {
	RegisterMetrics()
	chainIndexRollbacks.Inc()
	chainIndexTipSlot.Set(float64(slot))
}
