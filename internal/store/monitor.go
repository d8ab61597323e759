// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"github.com/cobaltcore-dev/valet/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type Monitor struct {
	// Time spent waiting for advisory locks.
	lockWait prometheus.Histogram
	// Number of lock acquisitions that ran into the timeout.
	lockTimeouts prometheus.Counter
}

func NewStoreMonitor(registry *monitoring.Registry) Monitor {
	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    monitoring.Namespace + "_store_lock_wait_seconds",
		Help:    "Time spent waiting for advisory row locks",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	lockTimeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: monitoring.Namespace + "_store_lock_timeouts_total",
		Help: "Total number of advisory row locks that could not be acquired in time",
	})
	registry.MustRegister(lockWait, lockTimeouts)
	return Monitor{lockWait: lockWait, lockTimeouts: lockTimeouts}
}
