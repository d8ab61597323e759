// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"time"

	"github.com/cobaltcore-dev/valet/internal/mqtt"
	"github.com/cobaltcore-dev/valet/internal/optimizer"
	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/cobaltcore-dev/valet/internal/topology"
)

// Published on mqtt after a placement was committed.
type PlacementCommitted struct {
	StackID    string            `json:"stack_id"`
	Mode       optimizer.Mode    `json:"mode"`
	Placements map[string]string `json:"placements"`
}

// Create or replan a stack. A stack placed before is replanned: nodes
// whose resources did not change stay where they are.
func (e *Engine) place(ctx context.Context, job Job) (Result, error) {
	if job.StackID == "" {
		return errorResult("missing stack_id"), nil
	}
	if len(job.Resources) == 0 {
		return errorResult("no resources in stack " + job.StackID), nil
	}
	record, err := e.loadApp(job.StackID)
	if err != nil {
		return Result{}, err
	}
	prepare := func(app *topology.AppTopology) {
		if record != nil {
			app.OldPlacements = maps.Clone(record.Placed)
			pinUnchanged(app, record, job.Resources)
		}
	}
	out, result := e.optimize(ctx, job.StackID, job.Resources, prepare)
	if !out.OK() {
		return result, nil
	}
	record = &AppRecord{StackID: job.StackID, Resources: job.Resources, Placed: out.Placed}
	if err := e.saveApp(ctx, record); err != nil {
		return Result{}, err
	}
	e.publish(job.StackID, out)
	return placementResult(out.Placements), nil
}

// Move one vm of a placed stack away from the excluded hosts. The vm may
// be given by orchestration id or physical uuid.
func (e *Engine) migrate(ctx context.Context, job Job) (Result, error) {
	stackID, orchID := job.StackID, job.OrchestrationID
	if orchID == "" {
		return errorResult("missing orchestration_id"), nil
	}
	var record *AppRecord
	var err error
	if stackID != "" {
		if record, err = e.loadApp(stackID); err != nil {
			return Result{}, err
		}
	}
	if record == nil || !hasNode(record, orchID) {
		m, err := e.store.GetUUIDMapping(orchID)
		if err != nil {
			return Result{}, err
		}
		if m != nil {
			orchID, stackID = m.OrchID, m.StackID
			if record, err = e.loadApp(stackID); err != nil {
				return Result{}, err
			}
		}
	}
	if record == nil {
		return errorResult(fmt.Sprintf("unknown stack %q", stackID)), nil
	}
	current, ok := record.Placed[orchID]
	if !ok {
		return errorResult(fmt.Sprintf("unknown vm %q in stack %s", orchID, stackID)), nil
	}
	excluded := job.ExcludedHosts
	if len(excluded) == 0 {
		excluded = []string{current.Host}
	}
	prepare := func(app *topology.AppTopology) {
		app.OldPlacements = maps.Clone(record.Placed)
		app.ExcludedHosts[orchID] = excluded
	}
	out, result := e.optimize(ctx, stackID, record.Resources, prepare)
	if !out.OK() {
		return result, nil
	}
	record.Placed = out.Placed
	if err := e.saveApp(ctx, record); err != nil {
		return Result{}, err
	}
	e.publish(stackID, out)
	return placementResult(map[string]string{orchID: out.Placements[orchID]}), nil
}

// Build the topology under the model lock and run the optimizer on it.
// The outcome is only OK when the placement was committed, otherwise the
// returned result carries the reason.
func (e *Engine) optimize(
	ctx context.Context,
	stackID string,
	resources map[string]topology.ResourceSpec,
	prepare func(*topology.AppTopology),
) (optimizer.Outcome, Result) {
	var out optimizer.Outcome
	var parseErr error
	start := time.Now()
	err := e.model.Do(func(res *resource.Resource) error {
		app, err := topology.Parse(stackID, resources, res.Flavors)
		if err != nil {
			parseErr = err
			return nil
		}
		prepare(app)
		out, err = optimizer.Place(ctx, res, app)
		return err
	})
	switch {
	case parseErr != nil:
		slog.Warn("engine: invalid topology", "stack", stackID, "error", parseErr)
		return optimizer.Outcome{Status: parseErr.Error()}, errorResult(parseErr.Error())
	case err != nil:
		slog.Error("engine: failed to commit placement", "stack", stackID, "error", err)
		return optimizer.Outcome{Status: err.Error()}, errorResult(err.Error())
	}
	if e.monitor.placementTimer != nil {
		e.monitor.placementTimer.WithLabelValues(string(out.Mode)).Observe(time.Since(start).Seconds())
	}
	if !out.OK() {
		slog.Info("engine: placement failed", "stack", stackID, "mode", out.Mode, "status", out.Status)
		return out, errorResult(out.Status)
	}
	return out, Result{}
}

func (e *Engine) publish(stackID string, out optimizer.Outcome) {
	if e.mqtt == nil {
		return
	}
	e.mqtt.Publish(mqtt.TriggerPlacementCommitted, PlacementCommitted{
		StackID: stackID, Mode: out.Mode, Placements: out.Placements,
	})
}

// Pin the leaves that kept their resource spec to their old location.
// When a group assignment or pipe changed nothing is pinned.
func pinUnchanged(app *topology.AppTopology, record *AppRecord, resources map[string]topology.ResourceSpec) {
	for id, spec := range resources {
		if spec.Type != topology.TypeGroupAssignment && spec.Type != topology.TypePipe {
			continue
		}
		if !reflect.DeepEqual(record.Resources[id], spec) {
			return
		}
	}
	for id, old := range record.Resources {
		if old.Type != topology.TypeGroupAssignment && old.Type != topology.TypePipe {
			continue
		}
		if _, ok := resources[id]; !ok {
			return
		}
	}
	for _, id := range app.AllLeaves() {
		placed, ok := record.Placed[id]
		if !ok || !reflect.DeepEqual(record.Resources[id], resources[id]) {
			continue
		}
		app.Planned[id] = location(placed)
	}
}

func location(p topology.PlacedNode) string {
	if p.Storage == "" {
		return p.Host
	}
	return p.Host + "@" + p.Storage
}

func hasNode(record *AppRecord, id string) bool {
	_, ok := record.Placed[id]
	return ok
}
