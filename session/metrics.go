// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/klog/v2"
)

var (
	sessionRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataflow_session_runs_total",
		Help: "Number of times a session executed a step (Run or RunCallable).",
	})

	inputBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dataflow_session_run_input_bytes",
		Help:    "Aggregate bytes fed into one step.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 12),
	})

	outputBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dataflow_session_run_output_bytes",
		Help:    "Aggregate bytes fetched out of one step.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 12),
	})

	runWallTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dataflow_graph_run_time_seconds",
		Help: "Wall time of the most recent graph execution.",
	})
)

// recordRunMetrics updates the step-boundary metrics.
func recordRunMetrics(in, out int64, elapsed time.Duration) {
	sessionRuns.Inc()
	inputBytes.Observe(float64(in))
	outputBytes.Observe(float64(out))
	runWallTime.Set(elapsed.Seconds())
	if klog.V(2).Enabled() {
		klog.Infof("step done in %s: %s in, %s out",
			elapsed, humanize.Bytes(uint64(in)), humanize.Bytes(uint64(out)))
	}
}
