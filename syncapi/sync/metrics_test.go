// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestObserveSyncMetrics(t *testing.T) {
	syncDurationHistogram.Reset()
	syncLagSeconds.Set(0)

	observeSyncMetrics(150*time.Millisecond, 75*time.Millisecond)

	metrics := make(chan prometheus.Metric, 10)
	syncDurationHistogram.Collect(metrics)
	close(metrics)

	found := false
	for metric := range metrics {
		dtoMetric := &dto.Metric{}
		require.NoError(t, metric.Write(dtoMetric))
		if dtoMetric.GetHistogram() == nil {
			continue
		}
		found = true
		require.Equal(t, uint64(1), dtoMetric.GetHistogram().GetSampleCount(), "expected a single sync duration observation")
		require.InDelta(t, 0.150, dtoMetric.GetHistogram().GetSampleSum(), 0.1, "unexpected duration sum")
	}
	require.True(t, found, "expected histogram sample for sync duration")

	require.InDelta(t, 0.075, testutil.ToFloat64(syncLagSeconds), 0.0001, "expected lag gauge to be updated")
}

func TestSourceFailuresAreCountedPerCategory(t *testing.T) {
	sourceFailures.Reset()
	sourceFailures.WithLabelValues("presence").Inc()
	sourceFailures.WithLabelValues("presence").Inc()
	sourceFailures.WithLabelValues("to_device").Inc()

	require.Equal(t, 2.0, testutil.ToFloat64(sourceFailures.WithLabelValues("presence")))
	require.Equal(t, 1.0, testutil.ToFloat64(sourceFailures.WithLabelValues("to_device")))
}
