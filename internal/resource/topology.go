// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

// Recompute dirty rollups and global totals, then persist the changes
// newer than the cursor. The cursor only advances when persisting worked,
// so failed deltas are retried with the next call.
func (r *Resource) UpdateTopology(ctx context.Context, persist bool) error {
	r.aggregate()
	r.computeGlobalAvail()
	if !persist || r.persister == nil {
		return nil
	}
	stamp := r.clock
	if stamp <= r.cursor {
		return nil
	}
	delta := r.Delta(r.cursor)
	if err := r.persister.UpdateResourceStatus(ctx, r.Datacenter.Name, delta); err != nil {
		return fmt.Errorf("failed to persist resource status: %w", err)
	}
	slog.Debug("resource: persisted delta", "from", r.cursor, "to", stamp)
	r.cursor = stamp
	r.purgeDisabledGroups()
	return nil
}

// Empty placement groups stay around as disabled until the deletion is
// persisted.
func (r *Resource) purgeDisabledGroups() {
	for name, lg := range r.LogicalGroups {
		if lg.GroupType.IsPlacementGroup() && lg.Status == StatusDisabled && lg.LastUpdate <= r.cursor {
			delete(r.LogicalGroups, name)
		}
	}
}

type rollup struct {
	vcpus, originalVCPUs, availVCPUs float64
	mem, originalMem, availMem       float64
	disk, originalDisk, availDisk    float64
	vms                              []VMInfo
	volumes                          []string
	memberships                      map[string]GroupType
	storages                         []string
	newest                           int64
}

func newRollup() *rollup {
	return &rollup{vms: []VMInfo{}, volumes: []string{}, memberships: map[string]GroupType{}, storages: []string{}}
}

func (u *rollup) addHost(h *Host) {
	u.newest = max(u.newest, h.LastUpdate)
	if !h.IsAvailable() {
		return
	}
	u.vcpus += h.VCPUs
	u.originalVCPUs += h.OriginalVCPUs
	u.availVCPUs += h.AvailVCPUs
	u.mem += h.MemCap
	u.originalMem += h.OriginalMemCap
	u.availMem += h.AvailMemCap
	u.disk += h.LocalDiskCap
	u.originalDisk += h.OriginalLocalDiskCap
	u.availDisk += h.AvailLocalDiskCap
	u.vms = append(u.vms, h.VMList...)
	u.volumes = append(u.volumes, h.VolumeList...)
	maps.Copy(u.memberships, h.Memberships)
	u.storages = appendMissing(u.storages, h.Storages...)
}

func (u *rollup) addGroup(g *HostGroup, stamp int64) {
	u.newest = max(u.newest, stamp)
	if !g.IsAvailable() {
		return
	}
	u.vcpus += g.VCPUs
	u.originalVCPUs += g.OriginalVCPUs
	u.availVCPUs += g.AvailVCPUs
	u.mem += g.MemCap
	u.originalMem += g.OriginalMemCap
	u.availMem += g.AvailMemCap
	u.disk += g.LocalDiskCap
	u.originalDisk += g.OriginalLocalDiskCap
	u.availDisk += g.AvailLocalDiskCap
	u.vms = append(u.vms, g.VMList...)
	u.volumes = append(u.volumes, g.VolumeList...)
	maps.Copy(u.memberships, g.Memberships)
	u.storages = appendMissing(u.storages, g.Storages...)
}

// Rebuild rack, cluster and datacenter rollups whose children changed
// since the last aggregation.
func (r *Resource) aggregate() {
	for _, level := range []Level{LevelRack, LevelCluster} {
		for _, name := range sortedKeys(r.HostGroups) {
			g := r.HostGroups[name]
			if g.HostType != level {
				continue
			}
			u := newRollup()
			for _, child := range g.ChildResources {
				if h, ok := r.Hosts[child]; ok {
					u.addHost(h)
				} else if cg, ok := r.HostGroups[child]; ok {
					u.addGroup(cg, max(cg.LastUpdate, r.aggregated[cg.Name]))
				}
			}
			last, seen := r.aggregated[name]
			if seen && u.newest <= last {
				continue
			}
			// Placement groups of the own level are registered directly.
			for id, t := range g.Memberships {
				if l, _ := SplitGroupID(id); t.IsPlacementGroup() && l == g.HostType {
					u.memberships[id] = t
				}
			}
			if r.applyRollup(g, u) {
				g.LastUpdate = r.Tick()
			}
			r.aggregated[name] = r.clock
		}
	}

	dc := r.Datacenter
	u := newRollup()
	for _, name := range dc.Resources {
		if h, ok := r.Hosts[name]; ok {
			u.addHost(h)
		} else if g, ok := r.HostGroups[name]; ok {
			u.addGroup(g, max(g.LastUpdate, r.aggregated[g.Name]))
		}
	}
	last, seen := r.aggregated[""]
	if seen && u.newest <= last {
		return
	}
	changed := dc.VCPUs != u.vcpus || dc.OriginalVCPUs != u.originalVCPUs || dc.AvailVCPUs != u.availVCPUs ||
		dc.MemCap != u.mem || dc.OriginalMemCap != u.originalMem || dc.AvailMemCap != u.availMem ||
		dc.LocalDiskCap != u.disk || dc.OriginalLocalDiskCap != u.originalDisk || dc.AvailLocalDiskCap != u.availDisk ||
		!slices.Equal(dc.VMList, u.vms) || !slices.Equal(dc.VolumeList, u.volumes) || !maps.Equal(dc.Memberships, u.memberships)
	if changed {
		dc.VCPUs, dc.OriginalVCPUs, dc.AvailVCPUs = u.vcpus, u.originalVCPUs, u.availVCPUs
		dc.MemCap, dc.OriginalMemCap, dc.AvailMemCap = u.mem, u.originalMem, u.availMem
		dc.LocalDiskCap, dc.OriginalLocalDiskCap, dc.AvailLocalDiskCap = u.disk, u.originalDisk, u.availDisk
		dc.VMList, dc.VolumeList, dc.Memberships = u.vms, u.volumes, u.memberships
		dc.LastUpdate = r.Tick()
	}
	r.aggregated[""] = r.clock
}

func (r *Resource) applyRollup(g *HostGroup, u *rollup) bool {
	changed := g.VCPUs != u.vcpus || g.OriginalVCPUs != u.originalVCPUs || g.AvailVCPUs != u.availVCPUs ||
		g.MemCap != u.mem || g.OriginalMemCap != u.originalMem || g.AvailMemCap != u.availMem ||
		g.LocalDiskCap != u.disk || g.OriginalLocalDiskCap != u.originalDisk || g.AvailLocalDiskCap != u.availDisk ||
		!slices.Equal(g.VMList, u.vms) || !slices.Equal(g.VolumeList, u.volumes) ||
		!maps.Equal(g.Memberships, u.memberships) || !slices.Equal(g.Storages, u.storages)
	if !changed {
		return false
	}
	g.VCPUs, g.OriginalVCPUs, g.AvailVCPUs = u.vcpus, u.originalVCPUs, u.availVCPUs
	g.MemCap, g.OriginalMemCap, g.AvailMemCap = u.mem, u.originalMem, u.availMem
	g.LocalDiskCap, g.OriginalLocalDiskCap, g.AvailLocalDiskCap = u.disk, u.originalDisk, u.availDisk
	g.VMList, g.VolumeList = u.vms, u.volumes
	g.Memberships, g.Storages = u.memberships, u.storages
	return true
}

func (r *Resource) computeGlobalAvail() {
	r.CPUAvail, r.MemAvail, r.LocalDiskAvail, r.DiskAvail, r.NwBandwidthAvail = 0, 0, 0, 0, 0
	for _, h := range r.Hosts {
		if !h.IsAvailable() {
			continue
		}
		r.CPUAvail += h.AvailVCPUs
		r.MemAvail += h.AvailMemCap
		r.LocalDiskAvail += h.AvailLocalDiskCap
		r.NwBandwidthAvail += min(r.MaxAvailBandwidth(h.Switches), UnlimitedBandwidth)
	}
	for _, s := range r.StorageHosts {
		if s.Status == StatusEnabled {
			r.DiskAvail += s.AvailDiskCap
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return keys
}

func appendMissing(list []string, items ...string) []string {
	for _, item := range items {
		if !slices.Contains(list, item) {
			list = append(list, item)
		}
	}
	return list
}
