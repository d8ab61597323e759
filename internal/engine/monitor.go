// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/cobaltcore-dev/valet/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type Monitor struct {
	// Number of processed jobs, by action and result status.
	jobs *prometheus.CounterVec
	// Duration of placements, by mode.
	placementTimer *prometheus.HistogramVec
	// Number of processed compute events, by kind.
	events *prometheus.CounterVec
}

func NewEngineMonitor(registry *monitoring.Registry) Monitor {
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: monitoring.Namespace + "_engine_jobs_total",
		Help: "Total number of processed jobs",
	}, []string{"action", "status"})
	placementTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    monitoring.Namespace + "_engine_placement_duration_seconds",
		Help:    "Duration of placements including the commit",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"mode"})
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: monitoring.Namespace + "_engine_events_total",
		Help: "Total number of processed compute events",
	}, []string{"kind"})
	registry.MustRegister(jobs, placementTimer, events)
	return Monitor{jobs: jobs, placementTimer: placementTimer, events: events}
}
