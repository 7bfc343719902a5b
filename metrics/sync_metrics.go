package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var BlocksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minebot",
	Name:      "blocks_processed_total",
	Help:      "Total number of finalized blocks processed by the sync engine.",
}, []string{"result"})

var BlocksSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "minebot",
	Name:      "blocks_skipped_total",
	Help:      "Total number of already-applied blocks ignored as duplicates.",
})

var SyncProgress = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "minebot",
	Name:      "sync_progress",
	Help:      "Overall sync progress percentage, 0-100.",
})

var SyncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "minebot",
	Name:      "sync_queue_depth",
	Help:      "Finalized headers queued but not yet processed.",
})

var CurrentFrameID = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "minebot",
	Name:      "current_frame_id",
	Help:      "Frame id of the most recently processed block.",
})
