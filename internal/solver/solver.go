// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package solver

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/cobaltcore-dev/valet/internal/search/snapshot"
	"github.com/cobaltcore-dev/valet/internal/topology"
)

// Filters the units of a snapshot against the hard constraints of the
// nodes of one application.
type Solver struct {
	app      *topology.AppTopology
	snap     *snapshot.Snapshot
	traceLog *slog.Logger
}

func New(app *topology.AppTopology, snap *snapshot.Snapshot) *Solver {
	return &Solver{
		app:      app,
		snap:     snap,
		traceLog: slog.With("stack", app.StackID),
	}
}

// One stage of the pipeline. An empty status means the default violation
// message of the stage.
type filter struct {
	name string
	run  func(s *Solver, level resource.Level, n topology.Node, candidates []*snapshot.Unit) ([]*snapshot.Unit, string)
}

// Stages in the order they are applied. The order only changes which
// violation is reported, not the outcome.
var pipeline = []filter{
	{"seed", (*Solver).filterSeed},
	{"availability zone", (*Solver).filterAvailabilityZone},
	{"host aggregate", (*Solver).filterAggregates},
	{"cpu capacity", (*Solver).filterCPU},
	{"memory capacity", (*Solver).filterMem},
	{"disk capacity", (*Solver).filterDisk},
	{"nw bandwidth capacity", (*Solver).filterBandwidth},
	{"diversity", (*Solver).filterDiversity},
	{"exclusivity", (*Solver).filterExclusivity},
	{"affinity", (*Solver).filterAffinity},
}

// Return the candidates at the level that can take the node, or an empty
// list and the reason why none can.
func (s *Solver) ComputeCandidates(level resource.Level, n topology.Node, candidates []*snapshot.Unit) ([]*snapshot.Unit, string) {
	if len(candidates) == 0 {
		return nil, "no available hosts for node = " + n.ID()
	}
	for _, f := range pipeline {
		out, status := f.run(s, level, n, candidates)
		if len(out) == 0 {
			if status == "" {
				status = fmt.Sprintf("violate %s constraint for node = %s", f.name, n.ID())
			}
			s.traceLog.Debug("solver: no candidates left", "node", n.ID(), "level", level, "filter", f.name)
			return nil, status
		}
		candidates = out
	}
	return candidates, ""
}

func keep(candidates []*snapshot.Unit, pred func(*snapshot.Unit) bool) []*snapshot.Unit {
	out := make([]*snapshot.Unit, 0, len(candidates))
	for _, u := range candidates {
		if pred(u) {
			out = append(out, u)
		}
	}
	return out
}

// Forced hosts of replans and "az:host" requests narrow the candidates to
// the units containing those hosts.
func (s *Solver) filterSeed(level resource.Level, n topology.Node, candidates []*snapshot.Unit) ([]*snapshot.Unit, string) {
	vm, ok := n.(*topology.VM)
	if !ok {
		return candidates, ""
	}
	hosts := s.app.CandidateHosts[vm.ID()]
	if vm.ForcedHost != "" {
		hosts = []string{vm.ForcedHost}
	}
	if len(hosts) == 0 {
		return candidates, ""
	}
	names := map[string]bool{}
	for _, h := range hosts {
		if u := s.snap.UnitOf(level, h); u != nil {
			names[u.Name] = true
		}
	}
	return keep(candidates, func(u *snapshot.Unit) bool { return names[u.Name] }), "no available hosts for node = " + n.ID()
}

func (s *Solver) filterAvailabilityZone(level resource.Level, n topology.Node, candidates []*snapshot.Unit) ([]*snapshot.Unit, string) {
	azs := n.AvailabilityZones()
	if len(azs) == 0 {
		return candidates, ""
	}
	return keep(candidates, func(u *snapshot.Unit) bool {
		for _, az := range azs {
			if !u.HasGroup(az, resource.GroupTypeAZ) {
				return false
			}
		}
		return true
	}), ""
}

// Vms of the node whose extra specs are checked, the vm itself or all vms
// inside a group.
func (s *Solver) vmsOf(n topology.Node) []*topology.VM {
	var vms []*topology.VM
	for _, id := range s.app.Leaves(n.ID()) {
		if vm, ok := s.app.Nodes[id].(*topology.VM); ok {
			vms = append(vms, vm)
		}
	}
	return vms
}

func (s *Solver) filterAggregates(level resource.Level, n topology.Node, candidates []*snapshot.Unit) ([]*snapshot.Unit, string) {
	vms := s.vmsOf(n)
	return keep(candidates, func(u *snapshot.Unit) bool {
		for _, vm := range vms {
			if _, ok := s.MatchedAggregates(u, vm); !ok {
				return false
			}
		}
		return true
	}), ""
}

// Aggregates of the unit whose metadata satisfies the extra specs of the
// vm. Every spec must be satisfied by at least one aggregate.
func (s *Solver) MatchedAggregates(u *snapshot.Unit, vm *topology.VM) ([]string, bool) {
	var aggregates []string
	for id, t := range u.Memberships {
		if t == resource.GroupTypeAggr && s.snap.Groups[id] != nil {
			aggregates = append(aggregates, id)
		}
	}
	slices.Sort(aggregates)

	var matched []string
	for _, key := range slices.Sorted(maps.Keys(vm.ExtraSpecs)) {
		metaKey, ok := aggregateKey(key)
		if !ok {
			continue
		}
		found := false
		for _, id := range aggregates {
			value, ok := s.snap.Groups[id].Metadata[metaKey]
			if !ok || !matchMetadataValue(value, vm.ExtraSpecs[key]) {
				continue
			}
			found = true
			if !slices.Contains(matched, id) {
				matched = append(matched, id)
			}
		}
		if !found {
			return nil, false
		}
	}
	slices.Sort(matched)
	return matched, true
}

// Overcommitting a single unit with one node is never allowed, even if
// the avail capacity went negative through other workloads.
func fits(avail, total, req float64) bool {
	return req <= 0 || (avail >= req && total >= req)
}

func (s *Solver) filterCPU(level resource.Level, n topology.Node, candidates []*snapshot.Unit) ([]*snapshot.Unit, string) {
	req := n.Demand().VCPUs
	return keep(candidates, func(u *snapshot.Unit) bool { return fits(u.AvailVCPUs, u.TotalVCPUs, req) }), ""
}

func (s *Solver) filterMem(level resource.Level, n topology.Node, candidates []*snapshot.Unit) ([]*snapshot.Unit, string) {
	req := n.Demand().Mem
	return keep(candidates, func(u *snapshot.Unit) bool { return fits(u.AvailMem, u.TotalMem, req) }), ""
}

// Local disk for vms, storage of the requested class for volumes.
func (s *Solver) filterDisk(level resource.Level, n topology.Node, candidates []*snapshot.Unit) ([]*snapshot.Unit, string) {
	d := n.Demand()
	_, single := n.(*topology.Volume)
	return keep(candidates, func(u *snapshot.Unit) bool {
		if !fits(u.AvailLocalDisk, u.TotalLocalDisk, d.LocalDisk) {
			return false
		}
		for class, size := range d.Volumes {
			if !s.storageFits(u, class, size, single) {
				return false
			}
		}
		return true
	}), ""
}

// A single volume needs one pool with enough space. Groups may spread
// their volumes over all pools of the class.
func (s *Solver) storageFits(u *snapshot.Unit, class string, size float64, single bool) bool {
	if size <= 0 {
		return true
	}
	total := 0.0
	for _, name := range u.Storages {
		st, ok := s.snap.StorageMap[name]
		if !ok || (class != "any" && st.Class != class) {
			continue
		}
		if single && st.AvailDisk >= size {
			return true
		}
		total += st.AvailDisk
	}
	return !single && total >= size
}

// Pick the pool for a volume on the host, the one with the most space left.
func (s *Solver) PickStorage(u *snapshot.Unit, v *topology.Volume) (string, bool) {
	best, found := "", false
	bestAvail := 0.0
	for _, name := range u.Storages {
		st, ok := s.snap.StorageMap[name]
		if !ok || (v.Class != "any" && st.Class != v.Class) || st.AvailDisk < v.Size {
			continue
		}
		if !found || st.AvailDisk > bestAvail || (st.AvailDisk == bestAvail && name < best) {
			best, bestAvail, found = name, st.AvailDisk, true
		}
	}
	return best, found
}

func (s *Solver) filterBandwidth(level resource.Level, n topology.Node, candidates []*snapshot.Unit) ([]*snapshot.Unit, string) {
	if n.Demand().Bandwidth <= 0 {
		return candidates, ""
	}
	return keep(candidates, func(u *snapshot.Unit) bool {
		hostReq, rackReq := s.BandwidthReservations(n, u)
		if level == resource.LevelHost {
			rackBW := u.AvailBandwidth
			if rack := s.snap.Units[resource.LevelRack][u.Rack]; rack != nil {
				rackBW = min(rackBW, rack.AvailBandwidth)
			}
			return u.AvailBandwidth >= hostReq && rackBW >= rackReq
		}
		return u.AvailBandwidth >= rackReq
	}), ""
}

func (s *Solver) filterDiversity(level resource.Level, n topology.Node, candidates []*snapshot.Unit) ([]*snapshot.Unit, string) {
	var own []string
	for id, l := range n.DiversityGroups() {
		if l == level {
			own = append(own, id)
		}
	}
	out := keep(candidates, func(u *snapshot.Unit) bool {
		for _, id := range own {
			if u.HasGroup(id, resource.GroupTypeDIV) {
				return false
			}
		}
		return true
	})
	if len(n.DiversityGroups()) == 0 {
		return out, ""
	}
	// Nodes of this application placed so far are not registered in the
	// groups until their leaves are committed.
	for _, id := range slices.Sorted(maps.Keys(s.snap.Placements)) {
		other, ok := s.app.Nodes[id]
		if !ok || id == n.ID() || s.app.Related(id, n.ID()) {
			continue
		}
		radius := CommonDiversityLevel(n, other)
		if radius.Index() < level.Index() {
			continue
		}
		p := s.snap.Placements[id]
		name := p.NameAt(radius)
		if name == "" {
			continue
		}
		out = keep(out, func(u *snapshot.Unit) bool { return u.NameAt(radius) != name })
	}
	return out, ""
}

func (s *Solver) filterExclusivity(level resource.Level, n topology.Node, candidates []*snapshot.Unit) ([]*snapshot.Unit, string) {
	exs := s.app.ExclusivitiesAt(n, level)
	switch len(exs) {
	case 0:
		return keep(candidates, func(u *snapshot.Unit) bool { return !holdsExclusivityAt(u, level) }), ""
	case 1:
		id := exs[0]
		out := keep(candidates, func(u *snapshot.Unit) bool { return u.HasGroup(id, resource.GroupTypeEX) })
		if len(out) > 0 {
			return out, ""
		}
		// Units without any placed vm may start hosting the group.
		return keep(candidates, func(u *snapshot.Unit) bool {
			return u.NumPlacedVMs == 0 && !holdsExclusivityAt(u, level)
		}), ""
	default:
		s.traceLog.Warn("solver: node declares more than one exclusivity group", "node", n.ID(), "level", level, "groups", exs)
		return nil, fmt.Sprintf("more than one exclusivity group at level %s for node = %s", level, n.ID())
	}
}

func holdsExclusivityAt(u *snapshot.Unit, level resource.Level) bool {
	for id, t := range u.Memberships {
		if l, _ := resource.SplitGroupID(id); t == resource.GroupTypeEX && l == level {
			return true
		}
	}
	return false
}

// Once an affinity group has members, further members must join them.
func (s *Solver) filterAffinity(level resource.Level, n topology.Node, candidates []*snapshot.Unit) ([]*snapshot.Unit, string) {
	g, ok := n.(*topology.VGroup)
	if !ok || g.Level != level {
		return candidates, ""
	}
	id := g.AffinityID()
	if _, exists := s.snap.Groups[id]; !exists {
		return candidates, ""
	}
	return keep(candidates, func(u *snapshot.Unit) bool { return u.HasGroup(id, resource.GroupTypeAFF) }), ""
}
