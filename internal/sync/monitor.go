// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"github.com/cobaltcore-dev/valet/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type Monitor struct {
	// Duration of a complete sync pass, by syncer.
	RunTimer *prometheus.HistogramVec
	// Number of objects seen in the last pass, by kind.
	ObjectsGauge *prometheus.GaugeVec
	// Duration of requests against the inventory, by api.
	RequestTimer *prometheus.HistogramVec
	// Number of failed passes, by syncer.
	RunFailures *prometheus.CounterVec
}

func NewSyncMonitor(registry *monitoring.Registry) Monitor {
	runTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    monitoring.Namespace + "_sync_run_duration_seconds",
		Help:    "Duration of sync run",
		Buckets: prometheus.DefBuckets,
	}, []string{"syncer"})
	objectsGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: monitoring.Namespace + "_sync_objects",
		Help: "Number of objects synced",
	}, []string{"kind"})
	requestTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    monitoring.Namespace + "_sync_request_duration_seconds",
		Help:    "Duration of sync request",
		Buckets: prometheus.DefBuckets,
	}, []string{"api"})
	runFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: monitoring.Namespace + "_sync_run_failures_total",
		Help: "Number of failed sync runs",
	}, []string{"syncer"})
	registry.MustRegister(runTimer, objectsGauge, requestTimer, runFailures)
	return Monitor{
		RunTimer:     runTimer,
		ObjectsGauge: objectsGauge,
		RequestTimer: requestTimer,
		RunFailures:  runFailures,
	}
}
