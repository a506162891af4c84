package octree

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	fetchModeLabel   = "mode"
	fetchResultLabel = "result"

	fetchModeSync  = "sync"
	fetchModeAsync = "async"

	fetchResultOK      = "ok"
	fetchResultError   = "error"
	fetchResultDropped = "dropped"
)

var (
	slotsAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "octstream_slots_acquired_total",
		Help: "The number of buffer slots handed to nodes.",
	})

	slotsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "octstream_slots_released_total",
		Help: "The number of buffer slots taken back from nodes.",
	})

	slotCapacityExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "octstream_slot_capacity_exhausted_total",
		Help: "The number of nodes skipped because no buffer slot was free.",
	})

	rejectedPointsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "octstream_rejected_points_total",
		Help: "The number of stars rejected on insert.",
	})

	residentSlotsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "octstream_resident_slots",
		Help: "The number of buffer slots held after the last traversal.",
	})

	renderedPointsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "octstream_rendered_points",
		Help: "The number of stars uploaded after the last traversal.",
	})

	branchFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "octstream_branch_fetches_total",
		Help: "The number of branch fetches from disk.",
	}, []string{
		fetchModeLabel,
		fetchResultLabel,
	})

	branchFetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "octstream_branch_fetch_seconds",
		Help:    "The time to read and decode a branch file.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{
		fetchModeLabel,
	})
)

func instrumentFetch(mode, result string, elapsed time.Duration) {
	branchFetches.With(prometheus.Labels{
		fetchModeLabel:   mode,
		fetchResultLabel: result,
	}).Inc()
	if result != fetchResultDropped {
		branchFetchLatency.With(prometheus.Labels{
			fetchModeLabel: mode,
		}).Observe(elapsed.Seconds())
	}
}

func instrumentFrame(resident, rendered int) {
	residentSlotsGauge.Set(float64(resident))
	renderedPointsGauge.Set(float64(rendered))
}
