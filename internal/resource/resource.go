// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/cobaltcore-dev/valet/internal/conf"
)

// Bandwidth of links without a known limit, in Mbps.
const UnlimitedBandwidth = 1e18

var (
	ErrUnknownHost    = errors.New("unknown host")
	ErrUnknownStorage = errors.New("unknown storage")
)

// Receives the changed parts of the resource model.
type Persister interface {
	UpdateResourceStatus(ctx context.Context, datacenter string, delta Status) error
}

// Live view of the datacenter. All entities are keyed by name and refer to
// each other by name.
type Resource struct {
	Config conf.ResourceConfig

	Datacenter    *Datacenter
	HostGroups    map[string]*HostGroup
	Hosts         map[string]*Host
	Switches      map[string]*Switch
	StorageHosts  map[string]*StorageHost
	LogicalGroups map[string]*LogicalGroup
	Flavors       map[string]*Flavor

	// Logical clock stamped onto every change.
	clock int64
	// Changes up to this stamp are persisted.
	cursor int64
	// Clock value at which each host group was last aggregated.
	aggregated map[string]int64

	// Global avail totals over all available hosts.
	CPUAvail         float64
	MemAvail         float64
	LocalDiskAvail   float64
	DiskAvail        float64
	NwBandwidthAvail float64

	persister Persister
}

func New(c conf.ResourceConfig, persister Persister) *Resource {
	return &Resource{
		Config:        c,
		Datacenter:    NewDatacenter(c.DatacenterName),
		HostGroups:    map[string]*HostGroup{},
		Hosts:         map[string]*Host{},
		Switches:      map[string]*Switch{},
		StorageHosts:  map[string]*StorageHost{},
		LogicalGroups: map[string]*LogicalGroup{},
		Flavors:       map[string]*Flavor{},
		aggregated:    map[string]int64{},
		persister:     persister,
	}
}

// Advance the logical clock and return the new stamp.
func (r *Resource) Tick() int64 {
	r.clock++
	return r.clock
}

// Current stamp of the logical clock.
func (r *Resource) Now() int64 {
	return r.clock
}

// Stamp up to which all changes are persisted.
func (r *Resource) Cursor() int64 {
	return r.cursor
}

// Walk from a host over its rack and cluster. The callback receives the
// level and the name of each ancestor that exists.
func (r *Resource) ancestors(host *Host, fn func(Level, *HostGroup)) {
	rack, ok := r.HostGroups[host.HostGroup]
	if !ok {
		return
	}
	fn(rack.HostType, rack)
	for parent := rack.ParentResource; parent != ""; {
		g, ok := r.HostGroups[parent]
		if !ok {
			return
		}
		fn(g.HostType, g)
		parent = g.ParentResource
	}
}

// Rack and cluster names of a host, empty if missing.
func (r *Resource) RackAndCluster(hostName string) (rack, cluster string) {
	host, ok := r.Hosts[hostName]
	if !ok {
		return "", ""
	}
	r.ancestors(host, func(level Level, g *HostGroup) {
		switch level {
		case LevelRack:
			rack = g.Name
		case LevelCluster:
			cluster = g.Name
		}
	})
	return rack, cluster
}

// Common placement level of two hosts: ANY for the same host, host for the
// same rack, rack for the same cluster, cluster otherwise.
func (r *Resource) PlacementLevel(hostA, hostB string) Level {
	if hostA == hostB {
		return LevelAny
	}
	rackA, clusterA := r.RackAndCluster(hostA)
	rackB, clusterB := r.RackAndCluster(hostB)
	switch {
	case rackA != "" && rackA == rackB:
		return LevelHost
	case clusterA != "" && clusterA == clusterB:
		return LevelRack
	default:
		return LevelCluster
	}
}

// Names of all hosts sorted, for deterministic iteration.
func (r *Resource) HostNames() []string {
	names := make([]string, 0, len(r.Hosts))
	for name := range r.Hosts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Recompute the avail capacity of a host from its raw counters.
func (r *Resource) computeAvail(h *Host) {
	h.ComputeAvailVCPUs(r.Config.CPUOvercommitRatio, r.Config.StandbyRatio)
	h.ComputeAvailMem(r.Config.MemOvercommitRatio, r.Config.StandbyRatio)
	h.ComputeAvailDisk(r.Config.DiskOvercommitRatio, r.Config.StandbyRatio)
}

// Overwrite the raw counters of a host. Only actual changes are stamped.
func (r *Resource) UpdateHostResources(name, status string, vcpus, vcpusUsed, mem, freeMem, disk, freeDisk, diskAvailLeast float64) (bool, error) {
	h, ok := r.Hosts[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownHost, name)
	}
	changed := false
	set := func(dst *float64, v float64) {
		if *dst != v {
			*dst = v
			changed = true
		}
	}
	if h.Status != status {
		h.Status = status
		changed = true
	}
	set(&h.OriginalVCPUs, vcpus)
	set(&h.VCPUsUsed, vcpusUsed)
	set(&h.OriginalMemCap, mem)
	set(&h.FreeMemMB, freeMem)
	set(&h.OriginalLocalDiskCap, disk)
	set(&h.FreeDiskGB, freeDisk)
	set(&h.DiskAvailableLeast, diskAvailLeast)
	if changed {
		r.computeAvail(h)
		h.LastUpdate = r.Tick()
	}
	return changed, nil
}

// Deduct (or with negative values return) vm resources on a host.
func (r *Resource) DeductHostResources(name string, vcpus, mem, disk float64) error {
	h, ok := r.Hosts[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, name)
	}
	h.VCPUsUsed += vcpus
	h.FreeMemMB -= mem
	h.FreeDiskGB -= disk
	if h.DiskAvailableLeast > 0 {
		h.DiskAvailableLeast -= disk
	}
	r.computeAvail(h)
	h.LastUpdate = r.Tick()
	return nil
}

func (r *Resource) ReturnHostResources(name string, vcpus, mem, disk float64) error {
	return r.DeductHostResources(name, -vcpus, -mem, -disk)
}

// Register a vm on a host. The triple must be unique per host.
func (r *Resource) AddVMToHost(hostName string, vm VMInfo) error {
	h, ok := r.Hosts[hostName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, hostName)
	}
	if h.AddVM(vm) {
		h.LastUpdate = r.Tick()
	}
	return nil
}

// Remove a vm from a host by uuid, falling back to the orchestration id
// while the uuid is unknown.
func (r *Resource) RemoveVMFromHost(hostName string, vm VMInfo) error {
	h, ok := r.Hosts[hostName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, hostName)
	}
	var removed bool
	if vm.UUID != None && vm.UUID != "" {
		removed = h.RemoveVMByUUID(vm.UUID)
	}
	if !removed && vm.OrchID != None && vm.OrchID != "" {
		removed = h.RemoveVMByOrchID(vm.OrchID)
	}
	if removed {
		h.LastUpdate = r.Tick()
	}
	return nil
}

// Find the host a vm is placed on.
func (r *Resource) FindVM(vm VMInfo) (string, bool) {
	for _, name := range r.HostNames() {
		for _, v := range r.Hosts[name].VMList {
			if v.Matches(vm) {
				return name, true
			}
		}
	}
	return "", false
}

// Fill in the physical uuid of a vm everywhere it is listed.
func (r *Resource) UpdateVMUUID(hostName, orchID, uuid string) error {
	h, ok := r.Hosts[hostName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, hostName)
	}
	if h.UpdateVMUUID(orchID, uuid) {
		h.LastUpdate = r.Tick()
	}
	for _, lg := range r.LogicalGroups {
		if lg.UpdateVMUUID(orchID, uuid) {
			lg.LastUpdate = r.Tick()
		}
	}
	return nil
}

// Place a volume on a storage attached to the host.
func (r *Resource) AddVolumeToStorage(hostName, storageName, volume string, size float64) error {
	h, ok := r.Hosts[hostName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, hostName)
	}
	s, ok := r.StorageHosts[storageName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStorage, storageName)
	}
	if !slices.Contains(s.VolumeList, volume) {
		s.VolumeList = append(s.VolumeList, volume)
		s.AvailDiskCap -= size
		s.LastUpdate = r.Tick()
	}
	if !slices.Contains(h.VolumeList, volume) {
		h.VolumeList = append(h.VolumeList, volume)
		h.LastUpdate = r.Tick()
	}
	return nil
}

func (r *Resource) RemoveVolumeFromStorage(hostName, storageName, volume string, size float64) error {
	if s, ok := r.StorageHosts[storageName]; ok {
		before := len(s.VolumeList)
		s.VolumeList = slices.DeleteFunc(s.VolumeList, func(v string) bool { return v == volume })
		if len(s.VolumeList) != before {
			s.AvailDiskCap += size
			s.LastUpdate = r.Tick()
		}
	}
	if h, ok := r.Hosts[hostName]; ok {
		before := len(h.VolumeList)
		h.VolumeList = slices.DeleteFunc(h.VolumeList, func(v string) bool { return v == volume })
		if len(h.VolumeList) != before {
			h.LastUpdate = r.Tick()
		}
	}
	return nil
}

// Deduct bandwidth along the switches between the host and the given
// placement level. Negative values return bandwidth.
func (r *Resource) DeductBandwidth(hostName string, placementLevel Level, bw float64) error {
	h, ok := r.Hosts[hostName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, hostName)
	}
	if placementLevel.Index() < 0 || bw == 0 {
		return nil
	}
	r.deductSwitches(h.Switches, bw)
	r.ancestors(h, func(level Level, g *HostGroup) {
		if level.Index() <= placementLevel.Index() {
			r.deductSwitches(g.Switches, bw)
		}
	})
	return nil
}

func (r *Resource) deductSwitches(names []string, bw float64) {
	for _, name := range names {
		s, ok := r.Switches[name]
		if !ok {
			continue
		}
		for _, l := range s.UpLinks {
			l.AvailBandwidth -= bw
		}
		s.LastUpdate = r.Tick()
	}
}

// Largest bandwidth headroom over the given switches. Without switches or
// links the tier is unconstrained.
func (r *Resource) MaxAvailBandwidth(switches []string) float64 {
	best, found := 0.0, false
	for _, name := range switches {
		s, ok := r.Switches[name]
		if !ok {
			continue
		}
		if bw, ok := s.MaxAvailBandwidth(); ok && (!found || bw > best) {
			best, found = bw, true
		}
	}
	if !found {
		return UnlimitedBandwidth
	}
	return best
}

// Create the placement group if missing and make the unit at the group's
// level (the host itself, its rack or its cluster) a member.
func (r *Resource) AddLogicalGroup(hostName, groupName string, groupType GroupType) error {
	h, ok := r.Hosts[hostName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, hostName)
	}
	lg, ok := r.LogicalGroups[groupName]
	if !ok || lg.Status == StatusDisabled {
		lg = NewLogicalGroup(groupName, groupType)
		r.LogicalGroups[groupName] = lg
		lg.LastUpdate = r.Tick()
	}
	level, _ := SplitGroupID(groupName)
	if !groupType.IsPlacementGroup() || level == LevelHost || level == "" {
		if _, ok := h.Memberships[groupName]; !ok {
			h.Memberships[groupName] = groupType
			h.LastUpdate = r.Tick()
		}
		if groupType.IsPlacementGroup() {
			if _, ok := lg.VMsPerHost[h.Name]; !ok {
				lg.VMsPerHost[h.Name] = []VMInfo{}
			}
		}
		return nil
	}
	r.ancestors(h, func(l Level, g *HostGroup) {
		if l != level {
			return
		}
		if _, ok := g.Memberships[groupName]; !ok {
			g.Memberships[groupName] = groupType
			g.LastUpdate = r.Tick()
		}
		if _, ok := lg.VMsPerHost[g.Name]; !ok {
			lg.VMsPerHost[g.Name] = []VMInfo{}
		}
	})
	return nil
}

// Register the vm in every given group the host or its ancestors are a
// member of. Host groups only count for placement groups of their level.
func (r *Resource) AddVMToLogicalGroups(hostName string, vm VMInfo, groups []string) error {
	h, ok := r.Hosts[hostName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, hostName)
	}
	for _, name := range groups {
		lg, ok := r.LogicalGroups[name]
		if !ok || lg.Status == StatusDisabled {
			slog.Warn("resource: vm refers to unknown logical group", "group", name, "vm", vm.OrchID)
			continue
		}
		if _, ok := h.Memberships[name]; ok {
			if lg.AddVM(vm, h.Name) {
				lg.LastUpdate = r.Tick()
			}
		}
		level, _ := SplitGroupID(name)
		r.ancestors(h, func(l Level, g *HostGroup) {
			if !lg.GroupType.IsPlacementGroup() || l != level {
				return
			}
			if _, ok := g.Memberships[name]; ok {
				if lg.AddVM(vm, g.Name) {
					lg.LastUpdate = r.Tick()
				}
			}
		})
	}
	return nil
}

// Remove the vm from all logical groups of the host and its ancestors.
// Memberships without vms are dropped and empty placement groups disabled.
func (r *Resource) RemoveVMFromLogicalGroups(hostName string, vm VMInfo) error {
	h, ok := r.Hosts[hostName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, hostName)
	}
	match := func(v VMInfo) bool { return v.Matches(vm) }
	remove := func(unitName string, unitLevel Level, memberships map[string]GroupType) bool {
		unitChanged := false
		for name := range memberships {
			if level, _ := SplitGroupID(name); unitLevel != LevelHost && level != unitLevel {
				continue
			}
			lg, ok := r.LogicalGroups[name]
			if !ok {
				continue
			}
			if lg.RemoveVM(match, unitName) {
				lg.LastUpdate = r.Tick()
			}
			if !lg.GroupType.IsPlacementGroup() {
				continue
			}
			if _, ok := lg.VMsPerHost[unitName]; !ok {
				delete(memberships, name)
				unitChanged = true
			}
			if len(lg.VMList) == 0 && lg.Status != StatusDisabled {
				lg.Status = StatusDisabled
				lg.LastUpdate = r.Tick()
			}
		}
		return unitChanged
	}
	if remove(h.Name, LevelHost, h.Memberships) {
		h.LastUpdate = r.Tick()
	}
	r.ancestors(h, func(l Level, g *HostGroup) {
		if remove(g.Name, l, g.Memberships) {
			g.LastUpdate = r.Tick()
		}
	})
	return nil
}
