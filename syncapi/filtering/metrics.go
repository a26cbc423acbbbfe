// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package filtering

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// slowFilterThreshold is the duration above which a filter operation is logged.
const slowFilterThreshold = 10 * time.Millisecond

var (
	filterOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncengine",
			Subsystem: "syncapi",
			Name:      "filter_operations_total",
			Help:      "Total number of filter operations by kind",
		},
		[]string{"kind"},
	)
	filterProcessingSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncengine",
			Subsystem: "syncapi",
			Name:      "filter_processing_seconds",
			Help:      "Time spent applying filters",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"kind"},
	)
	eventsFiltered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncengine",
			Subsystem: "syncapi",
			Name:      "events_filtered_total",
			Help:      "Total number of events removed by filters",
		},
		[]string{"kind"},
	)
)

var registerFilterMetrics sync.Once

func init() {
	registerFilterMetrics.Do(func() {
		prometheus.MustRegister(filterOperations, filterProcessingSeconds, eventsFiltered)
	})
}

func observeFilter(kind string, start time.Time, before, after int) {
	elapsed := time.Since(start)
	filterOperations.WithLabelValues(kind).Inc()
	filterProcessingSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
	if removed := before - after; removed > 0 {
		eventsFiltered.WithLabelValues(kind).Add(float64(removed))
	}
	if elapsed > slowFilterThreshold {
		logrus.WithFields(logrus.Fields{
			"kind":     kind,
			"duration": elapsed,
			"events":   before,
		}).Warn("Slow filter operation")
	}
}
