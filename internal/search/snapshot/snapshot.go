// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"maps"
	"slices"

	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/cobaltcore-dev/valet/internal/topology"
)

// Host, rack or cluster as seen by the search.
type Unit struct {
	Name  string
	Level resource.Level
	// Names of the host, rack and cluster this unit is or belongs to.
	// Empty below the unit's own level.
	Host, Rack, Cluster string

	TotalVCPUs     float64
	AvailVCPUs     float64
	TotalMem       float64
	AvailMem       float64
	TotalLocalDisk float64
	AvailLocalDisk float64
	// Largest headroom over the switches of this tier.
	AvailBandwidth float64

	NumPlacedVMs int
	Memberships  map[string]resource.GroupType
	Storages     []string
}

// Name of the unit's ancestor (or itself) at the level.
func (u *Unit) NameAt(level resource.Level) string {
	switch level {
	case resource.LevelHost:
		return u.Host
	case resource.LevelRack:
		return u.Rack
	default:
		return u.Cluster
	}
}

// Check if the unit has a membership of the given type.
func (u *Unit) HasGroup(id string, t resource.GroupType) bool {
	got, ok := u.Memberships[id]
	return ok && got == t
}

// Volume pool.
type Storage struct {
	Name      string
	Class     string
	AvailDisk float64
}

// Logical group as seen by the search.
type Group struct {
	ID           string
	Type         resource.GroupType
	Metadata     map[string]string
	NumPlacedVMs int
}

// Where a node is placed so far. Finer fields stay empty until the search
// reaches their level.
type Placement struct {
	Level      resource.Level
	Host       string
	Rack       string
	Cluster    string
	Storage    string
	Aggregates []string
}

func (p Placement) NameAt(level resource.Level) string {
	switch level {
	case resource.LevelHost:
		return p.Host
	case resource.LevelRack:
		return p.Rack
	default:
		return p.Cluster
	}
}

// Point-in-time copy of the resource model that the search mutates.
// Every mutation records its inverse so it can be rolled back.
type Snapshot struct {
	Units      map[resource.Level]map[string]*Unit
	Groups     map[string]*Group
	StorageMap map[string]*Storage
	Placements map[string]Placement
	// Datacenter totals at the time of the snapshot.
	Avail topology.Avail

	undo []func()
}

// Take a snapshot of all available hosts. Hosts without a rack or cluster
// are put into a rack and cluster named after the datacenter.
func New(r *resource.Resource) *Snapshot {
	s := &Snapshot{
		Units: map[resource.Level]map[string]*Unit{
			resource.LevelHost:    {},
			resource.LevelRack:    {},
			resource.LevelCluster: {},
		},
		Groups:     map[string]*Group{},
		StorageMap: map[string]*Storage{},
		Placements: map[string]Placement{},
		Avail: topology.Avail{
			Bandwidth: r.NwBandwidthAvail,
			CPU:       r.CPUAvail,
			Mem:       r.MemAvail,
			LocalDisk: r.LocalDiskAvail,
			Volume:    r.DiskAvail,
		},
	}
	for name, lg := range r.LogicalGroups {
		if lg.Status != resource.StatusEnabled {
			continue
		}
		s.Groups[name] = &Group{
			ID:           name,
			Type:         lg.GroupType,
			Metadata:     maps.Clone(lg.Metadata),
			NumPlacedVMs: len(lg.VMList),
		}
	}
	for name, st := range r.StorageHosts {
		if st.Status != resource.StatusEnabled {
			continue
		}
		s.StorageMap[name] = &Storage{Name: name, Class: st.StorageClass, AvailDisk: st.AvailDiskCap}
	}
	synthetic := r.Datacenter.Name
	for _, name := range r.HostNames() {
		h := r.Hosts[name]
		if !h.IsAvailable() {
			continue
		}
		rack, cluster := r.RackAndCluster(name)
		if rack == "" {
			rack = synthetic
		}
		if cluster == "" {
			cluster = synthetic
		}
		hu := &Unit{
			Name: name, Level: resource.LevelHost,
			Host: name, Rack: rack, Cluster: cluster,
			TotalVCPUs: h.VCPUs, AvailVCPUs: h.AvailVCPUs,
			TotalMem: h.MemCap, AvailMem: h.AvailMemCap,
			TotalLocalDisk: h.LocalDiskCap, AvailLocalDisk: h.AvailLocalDiskCap,
			AvailBandwidth: r.MaxAvailBandwidth(h.Switches),
			NumPlacedVMs:   len(h.VMList),
			Memberships:    s.enabledMemberships(h.Memberships),
			Storages:       s.enabledStorages(h.Storages),
		}
		s.Units[resource.LevelHost][name] = hu
		s.addToGroupUnit(r, resource.LevelRack, rack, hu)
		s.addToGroupUnit(r, resource.LevelCluster, cluster, hu)
	}
	return s
}

func (s *Snapshot) addToGroupUnit(r *resource.Resource, level resource.Level, name string, hu *Unit) {
	u, ok := s.Units[level][name]
	if !ok {
		u = &Unit{
			Name: name, Level: level, Cluster: hu.Cluster,
			AvailBandwidth: resource.UnlimitedBandwidth,
			Memberships:    map[string]resource.GroupType{},
			Storages:       []string{},
		}
		if level == resource.LevelRack {
			u.Rack = name
		}
		if g, ok := r.HostGroups[name]; ok {
			u.AvailBandwidth = r.MaxAvailBandwidth(g.Switches)
			for id, t := range g.Memberships {
				if l, _ := resource.SplitGroupID(id); l == level && s.Groups[id] != nil {
					u.Memberships[id] = t
				}
			}
		}
		s.Units[level][name] = u
	}
	u.TotalVCPUs += hu.TotalVCPUs
	u.AvailVCPUs += hu.AvailVCPUs
	u.TotalMem += hu.TotalMem
	u.AvailMem += hu.AvailMem
	u.TotalLocalDisk += hu.TotalLocalDisk
	u.AvailLocalDisk += hu.AvailLocalDisk
	u.NumPlacedVMs += hu.NumPlacedVMs
	maps.Copy(u.Memberships, hu.Memberships)
	for _, st := range hu.Storages {
		if !slices.Contains(u.Storages, st) {
			u.Storages = append(u.Storages, st)
		}
	}
}

func (s *Snapshot) enabledMemberships(m map[string]resource.GroupType) map[string]resource.GroupType {
	out := map[string]resource.GroupType{}
	for id, t := range m {
		if _, ok := s.Groups[id]; ok {
			out[id] = t
		}
	}
	return out
}

func (s *Snapshot) enabledStorages(names []string) []string {
	out := []string{}
	for _, name := range names {
		if _, ok := s.StorageMap[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Units at the level, restricted to the ones inside scope if given, in
// name order.
func (s *Snapshot) Candidates(level resource.Level, scope *Unit) []*Unit {
	var out []*Unit
	for _, name := range slices.Sorted(maps.Keys(s.Units[level])) {
		u := s.Units[level][name]
		if scope != nil && u.NameAt(scope.Level) != scope.Name {
			continue
		}
		out = append(out, u)
	}
	return out
}

// The unit at the level that contains the host.
func (s *Snapshot) UnitOf(level resource.Level, host string) *Unit {
	hu, ok := s.Units[resource.LevelHost][host]
	if !ok {
		return nil
	}
	return s.Units[level][hu.NameAt(level)]
}

// Position in the undo log to roll back to.
func (s *Snapshot) Mark() int {
	return len(s.undo)
}

// Undo all mutations made after the mark, newest first.
func (s *Snapshot) Rollback(mark int) {
	for i := len(s.undo) - 1; i >= mark; i-- {
		s.undo[i]()
	}
	s.undo = s.undo[:mark]
}

// Record where a node is placed.
func (s *Snapshot) SetPlacement(id string, p Placement) {
	old, existed := s.Placements[id]
	s.Placements[id] = p
	s.undo = append(s.undo, func() {
		if existed {
			s.Placements[id] = old
		} else {
			delete(s.Placements, id)
		}
	})
}

// Deduct vm resources from a host and its rack and cluster. Negative
// values credit resources back and remove a placed vm.
func (s *Snapshot) DeductCompute(host string, vcpus, mem, disk float64) {
	placed := 1
	if vcpus < 0 || mem < 0 || disk < 0 {
		placed = -1
	}
	for _, level := range resource.Levels {
		u := s.UnitOf(level, host)
		if u == nil {
			continue
		}
		u.AvailVCPUs -= vcpus
		u.AvailMem -= mem
		u.AvailLocalDisk -= disk
		u.NumPlacedVMs += placed
		s.undo = append(s.undo, func() {
			u.AvailVCPUs += vcpus
			u.AvailMem += mem
			u.AvailLocalDisk += disk
			u.NumPlacedVMs -= placed
		})
	}
}

// Deduct volume space from a storage.
func (s *Snapshot) DeductStorage(name string, size float64) {
	st, ok := s.StorageMap[name]
	if !ok {
		return
	}
	st.AvailDisk -= size
	s.undo = append(s.undo, func() { st.AvailDisk += size })
}

// Deduct bandwidth headroom of one unit.
func (s *Snapshot) DeductBandwidth(u *Unit, bw float64) {
	if bw == 0 {
		return
	}
	u.AvailBandwidth -= bw
	s.undo = append(s.undo, func() { u.AvailBandwidth += bw })
}

// Count one placed vm less in the placement group. Other groups and
// unknown ids are ignored.
func (s *Snapshot) ReleaseMembership(id string) {
	g, ok := s.Groups[id]
	if !ok || !g.Type.IsPlacementGroup() || g.NumPlacedVMs == 0 {
		return
	}
	g.NumPlacedVMs--
	s.undo = append(s.undo, func() { g.NumPlacedVMs++ })
}

// Register one more placed vm of the group on the host. The unit at the
// group's level and all coarser units containing the host become members.
func (s *Snapshot) AddMembership(host, id string, t resource.GroupType) {
	g, ok := s.Groups[id]
	if !ok {
		g = &Group{ID: id, Type: t, Metadata: map[string]string{}}
		s.Groups[id] = g
		s.undo = append(s.undo, func() { delete(s.Groups, id) })
	}
	g.NumPlacedVMs++
	s.undo = append(s.undo, func() { g.NumPlacedVMs-- })

	level, _ := resource.SplitGroupID(id)
	if level == "" {
		level = resource.LevelHost
	}
	for _, l := range resource.Levels[level.Index():] {
		u := s.UnitOf(l, host)
		if u == nil {
			continue
		}
		if _, ok := u.Memberships[id]; ok {
			continue
		}
		u.Memberships[id] = t
		s.undo = append(s.undo, func() { delete(u.Memberships, id) })
	}
}
