// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncengine",
			Subsystem: "syncapi",
			Name:      "sync_duration_seconds",
			Help:      "Time taken to produce a sync update",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{},
	)
	syncLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "syncengine",
			Subsystem: "syncapi",
			Name:      "sync_lag_seconds",
			Help:      "Time between the first change of an update arriving and the update being emitted",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "syncengine",
			Subsystem: "syncapi",
			Name:      "active_sessions",
			Help:      "Number of sync sessions currently open",
		},
	)
	liveUpdatesEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "syncengine",
			Subsystem: "syncapi",
			Name:      "live_updates_total",
			Help:      "Total number of non-empty sync updates emitted",
		},
	)
	sourceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncengine",
			Subsystem: "syncapi",
			Name:      "source_failures_total",
			Help:      "Total number of change subscriptions that failed after a session started",
		},
		[]string{"category"},
	)
)

var registerMetrics sync.Once

func init() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(syncDurationHistogram, syncLagSeconds, activeSessions, liveUpdatesEmitted, sourceFailures)
	})
}

func observeSyncMetrics(duration, lag time.Duration) {
	syncDurationHistogram.WithLabelValues().Observe(duration.Seconds())
	syncLagSeconds.Set(lag.Seconds())
}
