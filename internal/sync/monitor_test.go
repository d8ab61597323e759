// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"strings"
	"testing"

	"github.com/cobaltcore-dev/valet/internal/conf"
	"github.com/cobaltcore-dev/valet/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMonitor(t *testing.T) {
	registry := monitoring.NewRegistry(conf.MonitoringConfig{})
	monitor := NewSyncMonitor(registry)

	monitor.ObjectsGauge.WithLabelValues("hosts").Set(3)
	expectedObjects := strings.NewReader(`
        # HELP valet_sync_objects Number of objects synced
        # TYPE valet_sync_objects gauge
        valet_sync_objects{kind="hosts"} 3
    `)
	if err := testutil.GatherAndCompare(registry, expectedObjects, "valet_sync_objects"); err != nil {
		t.Fatalf("unexpected objects gauge: %v", err)
	}

	monitor.RunFailures.WithLabelValues("compute").Inc()
	expectedFailures := strings.NewReader(`
        # HELP valet_sync_run_failures_total Number of failed sync runs
        # TYPE valet_sync_run_failures_total counter
        valet_sync_run_failures_total{syncer="compute"} 1
    `)
	if err := testutil.GatherAndCompare(registry, expectedFailures, "valet_sync_run_failures_total"); err != nil {
		t.Fatalf("unexpected failure counter: %v", err)
	}
}
