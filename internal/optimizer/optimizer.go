// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/cobaltcore-dev/valet/internal/search"
	"github.com/cobaltcore-dev/valet/internal/search/snapshot"
	"github.com/cobaltcore-dev/valet/internal/topology"
)

type Mode string

const (
	ModeCreate    Mode = "create"
	ModeReplan    Mode = "replan"
	ModeMigration Mode = "migration"
)

// Location of every node: the host, host@storage for volumes, or the name
// of the unit a group is bound to.
type PlacementMap map[string]string

// Outcome of one placement.
type Outcome struct {
	Mode Mode
	// Empty unless the placement succeeded.
	Placements PlacementMap
	// Leaves as they were committed, to be stored with the application.
	Placed map[string]topology.PlacedNode
	// Why the placement failed, empty on success.
	Status string
}

func (o Outcome) OK() bool {
	return o.Status == ""
}

// Determine the mode from the maps populated on the topology.
func DetectMode(app *topology.AppTopology) Mode {
	switch {
	case len(app.ExcludedHosts) > 0:
		return ModeMigration
	case len(app.OldPlacements) > 0 || len(app.CandidateHosts) > 0 || len(app.Planned) > 0:
		return ModeReplan
	default:
		return ModeCreate
	}
}

// Search a placement for the application on a snapshot of the resource
// model and commit it into the live model. A failed search leaves the
// model untouched. Errors are only returned when the live model rejects
// the commit.
func Place(ctx context.Context, res *resource.Resource, app *topology.AppTopology) (Outcome, error) {
	mode := DetectMode(app)
	out := Outcome{Mode: mode}
	if err := app.Validate(); err != nil {
		out.Status = err.Error()
		return out, nil
	}
	s := search.New(app, snapshot.New(res))
	var result search.Result
	switch mode {
	case ModeMigration:
		result = s.MigrateNodes()
	case ModeReplan:
		result = s.RePlaceNodes()
	default:
		result = s.PlaceNodes()
	}
	if !result.OK() {
		out.Status = result.Status
		return out, nil
	}

	if err := deleteOldPlacements(res, app); err != nil {
		return out, fmt.Errorf("failed to delete old placements of %s: %w", app.StackID, err)
	}
	placed, err := commit(res, app, result)
	if err != nil {
		return out, fmt.Errorf("failed to commit placement of %s: %w", app.StackID, err)
	}
	// A failed persist is retried with the next topology update.
	if err := res.UpdateTopology(ctx, true); err != nil {
		slog.Warn("optimizer: failed to persist resource status", "stack", app.StackID, "error", err)
	}
	out.Placed = placed
	out.Placements = placementMap(app, result)
	slog.Info("optimizer: placed application", "stack", app.StackID, "mode", mode, "nodes", len(out.Placements))
	return out, nil
}

func placementMap(app *topology.AppTopology, result search.Result) PlacementMap {
	m := PlacementMap{}
	for id, n := range app.Nodes {
		p, ok := result.Placements[id]
		if !ok {
			continue
		}
		switch v := n.(type) {
		case *topology.VGroup:
			m[id] = p.NameAt(v.Level)
		case *topology.Volume:
			m[id] = p.Host + "@" + p.Storage
		default:
			m[id] = p.Host
		}
	}
	return m
}

func vmInfo(id, name, uuid string) resource.VMInfo {
	if uuid == "" {
		uuid = resource.None
	}
	return resource.VMInfo{OrchID: id, Name: name, UUID: uuid}
}

// Take the previous placements of the application out of the live model.
func deleteOldPlacements(res *resource.Resource, app *topology.AppTopology) error {
	for _, id := range slices.Sorted(maps.Keys(app.OldPlacements)) {
		p := app.OldPlacements[id]
		if _, ok := res.Hosts[p.Host]; !ok {
			slog.Warn("optimizer: old placement on unknown host", "stack", app.StackID, "node", id, "host", p.Host)
			continue
		}
		if p.Type == topology.TypeVolume {
			if err := res.RemoveVolumeFromStorage(p.Host, p.Storage, id, p.Demand.VolumeSize()); err != nil {
				return err
			}
			continue
		}
		vm := vmInfo(id, p.Name, p.UUID)
		if err := res.RemoveVMFromLogicalGroups(p.Host, vm); err != nil {
			return err
		}
		if err := res.RemoveVMFromHost(p.Host, vm); err != nil {
			return err
		}
		if err := res.ReturnHostResources(p.Host, p.Demand.VCPUs, p.Demand.Mem, p.Demand.LocalDisk); err != nil {
			return err
		}
		for _, l := range p.Links {
			other, ok := app.OldPlacements[l.Target]
			if !ok {
				continue
			}
			if err := res.DeductBandwidth(p.Host, res.PlacementLevel(p.Host, other.Host), -l.Bandwidth); err != nil {
				return err
			}
		}
	}
	return nil
}

// Write the placed leaves into the live model: resources, bandwidth along
// the tiers each link crosses, and the logical groups of the vm.
func commit(res *resource.Resource, app *topology.AppTopology, result search.Result) (map[string]topology.PlacedNode, error) {
	placed := map[string]topology.PlacedNode{}
	for _, id := range app.AllLeaves() {
		n := app.Nodes[id]
		p := result.Placements[id]
		pn := topology.PlacedNode{
			ID: id, Name: n.Name(), Host: p.Host, Storage: p.Storage,
			Demand: n.Demand(), Links: n.Links(), UUID: resource.None,
		}
		if old, ok := app.OldPlacements[id]; ok && old.UUID != "" {
			pn.UUID = old.UUID
		}
		switch v := n.(type) {
		case *topology.Volume:
			pn.Type = topology.TypeVolume
			if err := res.AddVolumeToStorage(p.Host, p.Storage, id, v.Size); err != nil {
				return nil, err
			}
		case *topology.VM:
			pn.Type = topology.TypeServer
			groups, err := commitVM(res, app, v, p, pn.UUID)
			if err != nil {
				return nil, err
			}
			pn.Groups = groups
		}
		for _, l := range n.Links() {
			target, ok := result.Placements[l.Target]
			if !ok || target.Host == "" {
				continue
			}
			if err := res.DeductBandwidth(p.Host, res.PlacementLevel(p.Host, target.Host), l.Bandwidth); err != nil {
				return nil, err
			}
		}
		placed[id] = pn
	}
	return placed, nil
}

func commitVM(res *resource.Resource, app *topology.AppTopology, v *topology.VM, p snapshot.Placement, uuid string) ([]string, error) {
	vm := vmInfo(v.ID(), v.Name(), uuid)
	if err := res.AddVMToHost(p.Host, vm); err != nil {
		return nil, err
	}
	d := v.Demand()
	if err := res.DeductHostResources(p.Host, d.VCPUs, d.Mem, d.LocalDisk); err != nil {
		return nil, err
	}
	placementGroups := app.PlacementGroups(v.ID())
	groups := slices.Sorted(maps.Keys(placementGroups))
	for _, gid := range groups {
		if err := res.AddLogicalGroup(p.Host, gid, placementGroups[gid]); err != nil {
			return nil, err
		}
	}
	for name, t := range res.Hosts[p.Host].Memberships {
		if t == resource.GroupTypeAZ {
			groups = append(groups, name)
		}
	}
	groups = append(groups, p.Aggregates...)
	slices.Sort(groups)
	groups = slices.Compact(groups)
	if err := res.AddVMToLogicalGroups(p.Host, vm, groups); err != nil {
		return nil, err
	}
	return groups, nil
}
