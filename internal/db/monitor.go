// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"github.com/cobaltcore-dev/valet/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type Monitor struct {
	connectionAttempts prometheus.Counter
	// Observes how long SELECT queries take, by table.
	selectTimer *prometheus.HistogramVec
}

func NewDBMonitor(registry *monitoring.Registry) Monitor {
	connectionAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: monitoring.Namespace + "_db_connection_attempts_total",
		Help: "Total number of attempts to connect to the database",
	})
	selectTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    monitoring.Namespace + "_db_select_duration_seconds",
		Help:    "Duration of SELECT queries in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})
	registry.MustRegister(connectionAttempts, selectTimer)
	return Monitor{
		connectionAttempts: connectionAttempts,
		selectTimer:        selectTimer,
	}
}

// Monitor that is not registered anywhere, for tests.
func NewNoopMonitor() Monitor {
	return Monitor{
		connectionAttempts: prometheus.NewCounter(prometheus.CounterOpts{Name: "noop"}),
	}
}
