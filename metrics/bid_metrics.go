package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var BidBatchesSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minebot",
	Name:      "bid_batches_submitted_total",
	Help:      "Total number of bid batches submitted to the chain.",
}, []string{"result"})

var BidsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minebot",
	Name:      "bids_submitted_total",
	Help:      "Total number of individual seat bids submitted.",
}, []string{"result"})

var BidRoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minebot",
	Name:      "bid_rounds_total",
	Help:      "Total number of bid evaluation rounds, by outcome.",
}, []string{"outcome"})

var SeatReductionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minebot",
	Name:      "seat_reductions_total",
	Help:      "Total number of rounds where the candidate seat set was reduced.",
}, []string{"reason"})

var SeatsWon = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "minebot",
	Name:      "seats_won",
	Help:      "Seats won in the most recently finalized cohort.",
})

var StoreWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minebot",
	Name:      "store_writes_total",
	Help:      "Total number of durable document writes, by document kind.",
}, []string{"kind"})
