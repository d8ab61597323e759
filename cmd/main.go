// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cobaltcore-dev/valet/internal/conf"
	"github.com/cobaltcore-dev/valet/internal/db"
	"github.com/cobaltcore-dev/valet/internal/engine"
	"github.com/cobaltcore-dev/valet/internal/monitoring"
	"github.com/cobaltcore-dev/valet/internal/mqtt"
	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/cobaltcore-dev/valet/internal/store"
	"github.com/cobaltcore-dev/valet/internal/sync"
	"github.com/cobaltcore-dev/valet/internal/sync/openstack"
	"github.com/cobaltcore-dev/valet/internal/sync/simulation"
	libconf "github.com/cobaltcore-dev/valet/pkg/conf"
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/must"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
)

// Serve the health endpoint until the context is cancelled.
func runAPIServer(ctx context.Context, c conf.APIConfig) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	slog.Info("api listening", "port", c.Port)
	return httpext.ListenAndServeContext(ctx, fmt.Sprintf(":%d", c.Port), mux)
}

// Inventory of the compute service, simulated if no keystone is configured.
func newInventory(config conf.Config, monitor sync.Monitor) sync.Inventory {
	if config.KeystoneConfig.URL == "" {
		slog.Info("using simulation inventory", "path", config.SimulationInventoryPath)
		return simulation.NewInventory(config.SimulationInventoryPath)
	}
	keystoneAPI := openstack.NewKeystoneAPI(config.KeystoneConfig)
	nova := openstack.NewNovaAPI(monitor, keystoneAPI, config.KeystoneConfig.Availability)
	return openstack.NewInventory(nova)
}

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		// If called with `--version`, report version and exit.
		bininfo.HandleVersionArgument()
	}

	config := libconf.GetConfigOrDie[conf.Config]()
	config.LoggingConfig.SetDefaultLogger()

	// Set runtime concurrency to match CPU limit imposed by Kubernetes
	undoMaxprocs := must.Return(maxprocs.Set(maxprocs.Logger(slog.Debug)))
	defer undoMaxprocs()

	wrap := httpext.WrapTransport(&http.DefaultTransport)
	wrap.SetOverrideUserAgent(bininfo.Component(), bininfo.VersionOr("rolling"))

	// Gracefully shut down on SIGINT, after a delay that lets Kubernetes
	// stop routing to this pod.
	ctx := httpext.ContextWithSIGINT(context.Background(), 10*time.Second)

	registry := monitoring.NewRegistry(config.MonitoringConfig)
	database := must.Return(db.NewPostgresDB(ctx, config.DBConfig, db.NewDBMonitor(registry)))
	defer database.Close()

	st := store.New(database, config.EngineConfig, store.NewStoreMonitor(registry))
	must.Succeed(st.Init())

	res := resource.New(config.ResourceConfig, st)
	status, ok, err := st.ResourceStatus(config.DatacenterName)
	must.Succeed(err)
	if ok {
		slog.Info("bootstrapping resource model from persisted status", "datacenter", config.DatacenterName)
		must.Succeed(res.BootstrapFromStatus(status))
	}
	model := resource.NewSharedModel(res)
	registry.MustRegister(monitoring.NewModelCollector(model))

	mqttClient := mqtt.NewClient(config.MQTTConfig, mqtt.NewMQTTMonitor(registry))
	must.Succeed(mqttClient.Connect())
	defer mqttClient.Disconnect()

	syncMonitor := sync.NewSyncMonitor(registry)
	compute := sync.NewRunner(
		sync.NewComputeSyncer(newInventory(config, syncMonitor), model, syncMonitor, mqttClient),
		config.ComputeInterval(), syncMonitor,
	)
	topology := sync.NewRunner(
		sync.NewTopologySyncer(config.TopologyConfig, model, syncMonitor, mqttClient),
		config.TopologyInterval(), syncMonitor,
	)
	// The engine needs hosts and racks before it can place anything.
	compute.RunOnce(ctx)
	topology.RunOnce(ctx)

	e := engine.New(st, model, config.EngineConfig, engine.NewEngineMonitor(registry), mqttClient)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.Serve(ctx) })
	g.Go(func() error { return runAPIServer(ctx, config.APIConfig) })
	g.Go(func() error { return compute.Run(ctx) })
	g.Go(func() error { return topology.Run(ctx) })
	g.Go(func() error { return e.Run(ctx) })
	must.Succeed(g.Wait())
}
