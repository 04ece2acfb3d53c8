// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "authgate",
		Name:      "flow_duration_seconds",
		Help:      "Time from flow start to finalize, by login type.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
	}, []string{"login_type"})

	flowsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authgate",
		Name:      "flows_cancelled_total",
		Help:      "Flows vetoed by a pre-authenticate listener.",
	})
)
