// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cobaltcore-dev/valet/internal/conf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sapcc/go-bits/httpext"
)

// Prefix of all metrics exported by valet.
const Namespace = "valet"

// Registry shared by the monitors of all valet components. Collectors
// registered through it carry the configured site labels.
type Registry struct {
	*prometheus.Registry

	labeled prometheus.Registerer
	port    int
}

// Registry with the go and process collectors already registered.
func NewRegistry(config conf.MonitoringConfig) *Registry {
	inner := prometheus.NewRegistry()
	r := &Registry{
		Registry: inner,
		labeled:  prometheus.WrapRegistererWith(prometheus.Labels(config.Labels), inner),
		port:     config.Port,
	}
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Register the collectors with the site labels. Panics on conflicts.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	if r.labeled == nil {
		r.Registry.MustRegister(cs...)
		return
	}
	r.labeled.MustRegister(cs...)
}

// Serve /metrics until the context is cancelled.
func (r *Registry) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
	slog.Info("metrics listening", "port", r.port)
	return httpext.ListenAndServeContext(ctx, fmt.Sprintf(":%d", r.port), mux)
}
