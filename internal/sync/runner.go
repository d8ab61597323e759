// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
)

type Syncer interface {
	Name() string
	Sync(ctx context.Context) error
}

// Runs a syncer periodically until the context is cancelled.
type Runner struct {
	syncer   Syncer
	interval time.Duration
	monitor  Monitor
}

func NewRunner(syncer Syncer, interval time.Duration, monitor Monitor) *Runner {
	return &Runner{syncer: syncer, interval: interval, monitor: monitor}
}

// Sync once and log failures. The next tick retries.
func (r *Runner) RunOnce(ctx context.Context) {
	name := r.syncer.Name()
	if r.monitor.RunTimer != nil {
		timer := prometheus.NewTimer(r.monitor.RunTimer.WithLabelValues(name))
		defer timer.ObserveDuration()
	}
	if err := r.syncer.Sync(ctx); err != nil {
		slog.Error("sync: failed to sync", "syncer", name, "error", err)
		if r.monitor.RunFailures != nil {
			r.monitor.RunFailures.WithLabelValues(name).Inc()
		}
	}
}

// Block until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("sync: starting syncer", "syncer", r.syncer.Name(), "interval", r.interval)
	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			slog.Info("sync: syncer shutting down", "syncer", r.syncer.Name())
			return nil
		case <-time.After(jobloop.DefaultJitter(r.interval)):
		}
	}
}
