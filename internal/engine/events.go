// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/cobaltcore-dev/valet/internal/store"
	"github.com/cobaltcore-dev/valet/internal/topology"
)

const (
	EventInstanceCreated = "instance.created"
	EventInstanceDeleted = "instance.deleted"
	EventInstanceMoved   = "instance.moved"
)

// Payload of a compute event. The orchestration id and stack are only
// known for instances the orchestrator created through a placement.
type InstanceEvent struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name,omitempty"`
	Host    string `json:"host,omitempty"`
	OrchID  string `json:"orch_id,omitempty"`
	StackID string `json:"stack_id,omitempty"`
}

func (e *Engine) processEvents(ctx context.Context) error {
	events, err := e.store.PendingEvents()
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		var payload InstanceEvent
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil || payload.UUID == "" {
			slog.Warn("engine: dropping malformed event", "event", ev.ID, "kind", ev.Kind, "error", err)
		} else if err := e.handleEvent(ctx, ev.Kind, payload); err != nil {
			return fmt.Errorf("failed to process event %s: %w", ev.ID, err)
		}
		if e.monitor.events != nil {
			e.monitor.events.WithLabelValues(ev.Kind).Inc()
		}
		if err := e.store.DeleteEvent(ev.ID); err != nil {
			return fmt.Errorf("failed to delete event %s: %w", ev.ID, err)
		}
	}
	return nil
}

func (e *Engine) handleEvent(ctx context.Context, kind string, ev InstanceEvent) error {
	// Fill in the orchestration identity from the mapping if the event
	// does not carry it.
	if ev.OrchID == "" {
		m, err := e.store.GetUUIDMapping(ev.UUID)
		if err != nil {
			return err
		}
		if m != nil {
			ev.OrchID, ev.StackID = m.OrchID, m.StackID
		}
	}
	var record *AppRecord
	if ev.StackID != "" {
		var err error
		if record, err = e.loadApp(ev.StackID); err != nil {
			return err
		}
	}
	var placed *topology.PlacedNode
	if record != nil {
		if p, ok := record.Placed[ev.OrchID]; ok {
			placed = &p
		}
	}

	var recordChanged bool
	err := e.model.Do(func(res *resource.Resource) error {
		var err error
		switch kind {
		case EventInstanceCreated:
			recordChanged, err = instanceCreated(res, &ev, placed)
		case EventInstanceMoved:
			recordChanged, err = instanceMoved(res, ev, placed)
		case EventInstanceDeleted:
			recordChanged, err = instanceDeleted(res, ev, placed)
		default:
			slog.Warn("engine: unknown event kind", "kind", kind, "uuid", ev.UUID)
			return nil
		}
		if err != nil {
			return err
		}
		return res.UpdateTopology(ctx, true)
	})
	if err != nil {
		// The model is corrected with the next compute sync.
		slog.Error("engine: failed to apply event", "kind", kind, "uuid", ev.UUID, "error", err)
		return nil
	}

	switch kind {
	case EventInstanceCreated:
		if ev.OrchID != "" {
			m := store.UUIDMapping{UUID: ev.UUID, OrchID: ev.OrchID, StackID: ev.StackID}
			if err := e.store.PutUUIDMapping(ctx, m); err != nil {
				return err
			}
		}
	case EventInstanceDeleted:
		if err := e.store.DeleteUUIDMapping(ev.UUID); err != nil {
			return err
		}
	}
	if record == nil || placed == nil || !recordChanged {
		return nil
	}
	if kind == EventInstanceDeleted {
		delete(record.Placed, ev.OrchID)
	} else {
		record.Placed[ev.OrchID] = *placed
	}
	return e.saveApp(ctx, record)
}

// Attach the physical uuid to the planned vm. If the instance landed on
// another host than planned it is re-registered there.
func instanceCreated(res *resource.Resource, ev *InstanceEvent, placed *topology.PlacedNode) (bool, error) {
	if host, vm, ok := findVM(res, resource.VMInfo{OrchID: resource.None, Name: resource.None, UUID: ev.UUID}); ok {
		return relocateIfMoved(res, *ev, host, vm, placed)
	}
	host, vm, ok := findUnresolvedVM(res, ev.OrchID, ev.Name)
	if !ok {
		if _, known := res.Hosts[ev.Host]; !known {
			slog.Warn("engine: instance created on unknown host", "uuid", ev.UUID, "host", ev.Host)
			return false, nil
		}
		slog.Warn("engine: instance created without placement", "uuid", ev.UUID, "host", ev.Host)
		return false, res.AddVMToHost(ev.Host, resource.VMInfo{OrchID: resource.None, Name: orNone(ev.Name), UUID: ev.UUID})
	}
	if err := res.UpdateVMUUID(host, vm.OrchID, ev.UUID); err != nil {
		return false, err
	}
	vm.UUID = ev.UUID
	if ev.OrchID == "" && vm.OrchID != resource.None {
		ev.OrchID = vm.OrchID
	}
	if placed != nil {
		placed.UUID = ev.UUID
	}
	if _, err := relocateIfMoved(res, *ev, host, vm, placed); err != nil {
		return false, err
	}
	return true, nil
}

func instanceMoved(res *resource.Resource, ev InstanceEvent, placed *topology.PlacedNode) (bool, error) {
	host, vm, ok := findVM(res, resource.VMInfo{OrchID: resource.None, Name: resource.None, UUID: ev.UUID})
	if !ok {
		slog.Warn("engine: moved instance is unknown", "uuid", ev.UUID)
		return false, nil
	}
	return relocateIfMoved(res, ev, host, vm, placed)
}

// Take the instance out of the model and give its resources back.
func instanceDeleted(res *resource.Resource, ev InstanceEvent, placed *topology.PlacedNode) (bool, error) {
	host, vm, ok := findVM(res, resource.VMInfo{OrchID: resource.None, Name: resource.None, UUID: ev.UUID})
	if !ok {
		return placed != nil, nil
	}
	if err := res.RemoveVMFromLogicalGroups(host, vm); err != nil {
		return false, err
	}
	if err := res.RemoveVMFromHost(host, vm); err != nil {
		return false, err
	}
	if placed != nil {
		d := placed.Demand
		if err := res.ReturnHostResources(host, d.VCPUs, d.Mem, d.LocalDisk); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Move the vm from the host it is registered on to the host the event
// reports, with its resources and placement groups.
func relocateIfMoved(res *resource.Resource, ev InstanceEvent, from string, vm resource.VMInfo, placed *topology.PlacedNode) (bool, error) {
	to := ev.Host
	if to == "" || to == from {
		return false, nil
	}
	if _, ok := res.Hosts[to]; !ok {
		slog.Warn("engine: instance moved to unknown host", "uuid", ev.UUID, "host", to)
		return false, nil
	}
	slog.Warn("engine: instance is not on its registered host", "uuid", ev.UUID, "registered", from, "actual", to)
	placementGroups := map[string]resource.GroupType{}
	for name, lg := range res.LogicalGroups {
		if lg.GroupType.IsPlacementGroup() && lg.ExistVM(vm) {
			placementGroups[name] = lg.GroupType
		}
	}
	if err := res.RemoveVMFromLogicalGroups(from, vm); err != nil {
		return false, err
	}
	if err := res.RemoveVMFromHost(from, vm); err != nil {
		return false, err
	}
	if err := res.AddVMToHost(to, vm); err != nil {
		return false, err
	}
	if placed != nil {
		d := placed.Demand
		if err := res.ReturnHostResources(from, d.VCPUs, d.Mem, d.LocalDisk); err != nil {
			return false, err
		}
		if err := res.DeductHostResources(to, d.VCPUs, d.Mem, d.LocalDisk); err != nil {
			return false, err
		}
	}
	groups := slices.Sorted(maps.Keys(placementGroups))
	for _, name := range groups {
		if err := res.AddLogicalGroup(to, name, placementGroups[name]); err != nil {
			return false, err
		}
	}
	for name, t := range res.Hosts[to].Memberships {
		if t == resource.GroupTypeAZ || t == resource.GroupTypeAggr {
			groups = append(groups, name)
		}
	}
	if err := res.AddVMToLogicalGroups(to, vm, groups); err != nil {
		return false, err
	}
	if placed != nil {
		placed.Host = to
		placed.Groups = groups
		slices.Sort(placed.Groups)
	}
	return true, nil
}

// Host and registered info of the vm matching the given identity.
func findVM(res *resource.Resource, query resource.VMInfo) (string, resource.VMInfo, bool) {
	host, ok := res.FindVM(query)
	if !ok {
		return "", resource.VMInfo{}, false
	}
	for _, vm := range res.Hosts[host].VMList {
		if vm.Matches(query) {
			return host, vm, true
		}
	}
	return "", resource.VMInfo{}, false
}

// Vm that is still waiting for its physical uuid, by orchestration id or
// else by name.
func findUnresolvedVM(res *resource.Resource, orchID, name string) (string, resource.VMInfo, bool) {
	for _, host := range res.HostNames() {
		for _, vm := range res.Hosts[host].VMList {
			if vm.UUID != resource.None {
				continue
			}
			if orchID != "" && vm.OrchID == orchID {
				return host, vm, true
			}
			if orchID == "" && name != "" && vm.Name == name {
				return host, vm, true
			}
		}
	}
	return "", resource.VMInfo{}, false
}

func orNone(s string) string {
	if s == "" {
		return resource.None
	}
	return s
}
