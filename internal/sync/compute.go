// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/cobaltcore-dev/valet/internal/mqtt"
	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/prometheus/client_golang/prometheus"
)

// Tag of hosts managed by the compute inventory.
const computeTag = "nova"

// Keeps hosts, aggregates, flavors, storages and instances of the resource
// model in line with the inventory.
type ComputeSyncer struct {
	inventory Inventory
	model     *resource.SharedModel
	monitor   Monitor
	mqtt      mqtt.Client
}

func NewComputeSyncer(inventory Inventory, model *resource.SharedModel, monitor Monitor, mqttClient mqtt.Client) *ComputeSyncer {
	return &ComputeSyncer{inventory: inventory, model: model, monitor: monitor, mqtt: mqttClient}
}

func (s *ComputeSyncer) Name() string { return "compute" }

// Pull the inventory without holding the model lock, then diff it into the
// model and persist the changes.
func (s *ComputeSyncer) Sync(ctx context.Context) error {
	inv, err := func() (ComputeInventory, error) {
		if s.monitor.RequestTimer != nil {
			timer := prometheus.NewTimer(s.monitor.RequestTimer.WithLabelValues("inventory"))
			defer timer.ObserveDuration()
		}
		return s.inventory.Pull(ctx)
	}()
	if err != nil {
		return fmt.Errorf("failed to pull compute inventory: %w", err)
	}
	if s.monitor.ObjectsGauge != nil {
		s.monitor.ObjectsGauge.WithLabelValues("hosts").Set(float64(len(inv.Hosts)))
		s.monitor.ObjectsGauge.WithLabelValues("aggregates").Set(float64(len(inv.Aggregates)))
		s.monitor.ObjectsGauge.WithLabelValues("flavors").Set(float64(len(inv.Flavors)))
		s.monitor.ObjectsGauge.WithLabelValues("instances").Set(float64(len(inv.Instances)))
		s.monitor.ObjectsGauge.WithLabelValues("storages").Set(float64(len(inv.Storages)))
	}
	err = s.model.Do(func(res *resource.Resource) error {
		if err := ApplyComputeInventory(res, inv); err != nil {
			return err
		}
		return res.UpdateTopology(ctx, true)
	})
	if err != nil {
		return err
	}
	slog.Info("sync: compute inventory synced", "hosts", len(inv.Hosts), "instances", len(inv.Instances))
	s.mqtt.Publish(mqtt.TriggerComputeSynced, map[string]int{
		"hosts":     len(inv.Hosts),
		"instances": len(inv.Instances),
	})
	return nil
}

// Diff the inventory into the model. Only actual changes are stamped.
func ApplyComputeInventory(res *resource.Resource, inv ComputeInventory) error {
	if err := syncHosts(res, inv.Hosts); err != nil {
		return err
	}
	syncLogicalGroups(res, inv.Aggregates)
	syncFlavors(res, inv.Flavors)
	syncStorages(res, inv.Storages)
	return syncInstances(res, inv.Instances)
}

func syncHosts(res *resource.Resource, hosts []HostInfo) error {
	seen := map[string]bool{}
	for _, hi := range hosts {
		seen[hi.Name] = true
		h, ok := res.Hosts[hi.Name]
		if !ok {
			h = resource.NewHost(hi.Name)
			h.Tags = []string{computeTag}
			res.Hosts[hi.Name] = h
			h.LastUpdate = res.Tick()
			slog.Info("sync: new host", "host", hi.Name)
		}
		state := hi.State
		if state == "" {
			state = "up"
		}
		if h.State != state {
			h.State = state
			h.LastUpdate = res.Tick()
		}
		status := resource.StatusEnabled
		if hi.Status == resource.StatusDisabled {
			status = resource.StatusDisabled
		}
		if _, err := res.UpdateHostResources(hi.Name, status,
			hi.VCPUs, hi.VCPUsUsed, hi.MemMB, hi.FreeMemMB,
			hi.DiskGB, hi.FreeDiskGB, hi.DiskAvailableLeast,
		); err != nil {
			return err
		}
	}
	for _, name := range res.HostNames() {
		h := res.Hosts[name]
		if seen[name] || !slices.Contains(h.Tags, computeTag) || h.Status == resource.StatusDisabled {
			continue
		}
		slog.Warn("sync: host disappeared from inventory", "host", name)
		h.Status = resource.StatusDisabled
		h.LastUpdate = res.Tick()
	}
	return nil
}

type desiredGroup struct {
	groupType resource.GroupType
	metadata  map[string]string
	hosts     map[string]bool
}

// Availability zones and host aggregates become logical groups. An
// aggregate named like its zone is folded into the zone.
func syncLogicalGroups(res *resource.Resource, aggregates []AggregateInfo) {
	desired := map[string]*desiredGroup{}
	get := func(name string, t resource.GroupType) *desiredGroup {
		d, ok := desired[name]
		if !ok {
			d = &desiredGroup{groupType: t, metadata: map[string]string{}, hosts: map[string]bool{}}
			desired[name] = d
		}
		return d
	}
	for _, agg := range aggregates {
		if agg.AvailabilityZone != "" {
			az := get(agg.AvailabilityZone, resource.GroupTypeAZ)
			az.groupType = resource.GroupTypeAZ
			for _, h := range agg.Hosts {
				az.hosts[h] = true
			}
		}
		d := get(agg.Name, resource.GroupTypeAggr)
		maps.Copy(d.metadata, agg.Metadata)
		for _, h := range agg.Hosts {
			d.hosts[h] = true
		}
	}

	for _, name := range slices.Sorted(maps.Keys(desired)) {
		d := desired[name]
		lg, ok := res.LogicalGroups[name]
		if !ok || lg.GroupType != d.groupType {
			if ok && lg.GroupType.IsPlacementGroup() {
				slog.Warn("sync: aggregate shadows a placement group", "group", name)
				continue
			}
			lg = resource.NewLogicalGroup(name, d.groupType)
			res.LogicalGroups[name] = lg
			lg.LastUpdate = res.Tick()
		}
		if lg.Status != resource.StatusEnabled {
			lg.Status = resource.StatusEnabled
			lg.LastUpdate = res.Tick()
		}
		if !maps.Equal(lg.Metadata, d.metadata) {
			lg.Metadata = d.metadata
			lg.LastUpdate = res.Tick()
		}
		for _, hostName := range res.HostNames() {
			setMembership(res, hostName, name, d.groupType, d.hosts[hostName])
		}
	}

	for _, name := range slices.Sorted(maps.Keys(res.LogicalGroups)) {
		lg := res.LogicalGroups[name]
		if lg.GroupType.IsPlacementGroup() || desired[name] != nil || lg.Status == resource.StatusDisabled {
			continue
		}
		slog.Info("sync: logical group removed", "group", name, "type", lg.GroupType)
		lg.Status = resource.StatusDisabled
		lg.LastUpdate = res.Tick()
		for _, hostName := range res.HostNames() {
			setMembership(res, hostName, name, lg.GroupType, false)
		}
	}
}

func setMembership(res *resource.Resource, hostName, group string, t resource.GroupType, want bool) {
	h := res.Hosts[hostName]
	_, has := h.Memberships[group]
	switch {
	case want && !has:
		h.Memberships[group] = t
		h.LastUpdate = res.Tick()
	case !want && has:
		delete(h.Memberships, group)
		h.LastUpdate = res.Tick()
	}
}

func syncFlavors(res *resource.Resource, flavors []FlavorInfo) {
	seen := map[string]bool{}
	for _, fi := range flavors {
		seen[fi.Name] = true
		f := fi.toResource()
		if old, ok := res.Flavors[fi.Name]; ok && sameFlavor(old, f) {
			continue
		}
		f.LastUpdate = res.Tick()
		res.Flavors[fi.Name] = f
	}
	for _, name := range slices.Sorted(maps.Keys(res.Flavors)) {
		f := res.Flavors[name]
		if seen[name] || f.Status == resource.StatusDisabled {
			continue
		}
		f.Status = resource.StatusDisabled
		f.LastUpdate = res.Tick()
	}
}

func sameFlavor(a, b *resource.Flavor) bool {
	return a.FlavorID == b.FlavorID && a.Status == b.Status &&
		a.VCPUs == b.VCPUs && a.MemMB == b.MemMB && a.DiskGB == b.DiskGB &&
		maps.Equal(a.ExtraSpecs, b.ExtraSpecs)
}

func syncStorages(res *resource.Resource, storages []StorageInfo) {
	seen := map[string]bool{}
	perHost := map[string][]string{}
	for _, si := range storages {
		seen[si.Name] = true
		st, ok := res.StorageHosts[si.Name]
		if !ok {
			st = &resource.StorageHost{Name: si.Name, Status: resource.StatusEnabled, VolumeList: []string{}}
			res.StorageHosts[si.Name] = st
			st.LastUpdate = res.Tick()
		}
		hosts := slices.Sorted(slices.Values(si.Hosts))
		if st.StorageClass != si.Class || st.DiskCap != si.DiskGB || st.AvailDiskCap != si.AvailGB ||
			st.Status != resource.StatusEnabled || !slices.Equal(st.HostList, hosts) {
			st.StorageClass = si.Class
			st.DiskCap = si.DiskGB
			st.AvailDiskCap = si.AvailGB
			st.Status = resource.StatusEnabled
			st.HostList = hosts
			st.LastUpdate = res.Tick()
		}
		for _, h := range hosts {
			perHost[h] = append(perHost[h], si.Name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(res.StorageHosts)) {
		st := res.StorageHosts[name]
		if seen[name] || st.Status == resource.StatusDisabled {
			continue
		}
		st.Status = resource.StatusDisabled
		st.LastUpdate = res.Tick()
	}
	for _, name := range res.HostNames() {
		h := res.Hosts[name]
		want := perHost[name]
		slices.Sort(want)
		if want == nil {
			want = []string{}
		}
		if !slices.Equal(h.Storages, want) {
			h.Storages = want
			h.LastUpdate = res.Tick()
		}
	}
	names := slices.Sorted(maps.Keys(seen))
	if names == nil {
		names = []string{}
	}
	if !slices.Equal(res.Datacenter.Storages, names) {
		res.Datacenter.Storages = names
		res.Datacenter.LastUpdate = res.Tick()
	}
}

// Reconcile the vm lists of all hosts with the running instances. Vms that
// were placed but not yet created get their uuid by name.
func syncInstances(res *resource.Resource, instances []InstanceInfo) error {
	byHost := map[string][]InstanceInfo{}
	for _, inst := range instances {
		byHost[inst.Host] = append(byHost[inst.Host], inst)
	}
	for _, name := range res.HostNames() {
		h := res.Hosts[name]
		running := byHost[name]
		uuids := map[string]bool{}
		for _, inst := range running {
			uuids[inst.UUID] = true
		}
		known := map[string]bool{}
		for _, vm := range slices.Clone(h.VMList) {
			if vm.UUID != resource.None {
				if uuids[vm.UUID] {
					known[vm.UUID] = true
					continue
				}
				slog.Info("sync: instance is gone from host", "host", name, "uuid", vm.UUID, "name", vm.Name)
				if err := res.RemoveVMFromLogicalGroups(name, vm); err != nil {
					return err
				}
				if err := res.RemoveVMFromHost(name, vm); err != nil {
					return err
				}
				continue
			}
			for _, inst := range running {
				if inst.Name != vm.Name || known[inst.UUID] {
					continue
				}
				if err := res.UpdateVMUUID(name, vm.OrchID, inst.UUID); err != nil {
					return err
				}
				known[inst.UUID] = true
				break
			}
		}
		for _, inst := range running {
			if known[inst.UUID] {
				continue
			}
			vm := resource.VMInfo{OrchID: resource.None, Name: inst.Name, UUID: inst.UUID}
			if err := res.AddVMToHost(name, vm); err != nil {
				return err
			}
			known[inst.UUID] = true
		}
	}
	for hostName, running := range byHost {
		if _, ok := res.Hosts[hostName]; !ok {
			slog.Warn("sync: instances on unknown host", "host", hostName, "count", len(running))
		}
	}
	return nil
}
