// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"maps"
	"slices"
	"strings"

	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/cobaltcore-dev/valet/internal/search/snapshot"
	"github.com/cobaltcore-dev/valet/internal/solver"
	"github.com/cobaltcore-dev/valet/internal/topology"
)

// Give the resources of the previous placements back to the snapshot:
// compute and storage, the bandwidth of links between old placements and
// the vm counts of their placement groups. Memberships stay as they are.
func (s *Search) creditOldPlacements() {
	for _, id := range slices.Sorted(maps.Keys(s.app.OldPlacements)) {
		p := s.app.OldPlacements[id]
		hu, ok := s.snap.Units[resource.LevelHost][p.Host]
		if !ok {
			continue
		}
		switch p.Type {
		case topology.TypeVolume:
			if p.Storage != "" {
				s.snap.DeductStorage(p.Storage, -p.Demand.VolumeSize())
			}
		default:
			d := p.Demand
			s.snap.DeductCompute(p.Host, -d.VCPUs, -d.Mem, -d.LocalDisk)
			for _, gid := range p.Groups {
				s.snap.ReleaseMembership(gid)
			}
		}
		s.creditOldLinks(hu, p)
	}
}

// Links are symmetric, so every old placement credits its own end.
func (s *Search) creditOldLinks(hu *snapshot.Unit, p topology.PlacedNode) {
	for _, l := range p.Links {
		other, ok := s.app.OldPlacements[l.Target]
		if !ok {
			continue
		}
		target := snapshot.Placement{Level: resource.LevelHost, Host: other.Host}
		if ou, ok := s.snap.Units[resource.LevelHost][other.Host]; ok {
			target = placementOn(ou)
		}
		level := solver.CommonPlacementLevel(hu, target)
		s.snap.DeductBandwidth(hu, -solver.ComputeReservation(resource.LevelHost, level, l.Bandwidth))
		if rack := s.snap.UnitOf(resource.LevelRack, hu.Name); rack != nil {
			s.snap.DeductBandwidth(rack, -solver.ComputeReservation(resource.LevelRack, level, l.Bandwidth))
		}
	}
}

// Check if the node needs no search: a pinned leaf or a group whose leaves
// are all pinned.
func (s *Search) isPinned(id string) bool {
	for _, leaf := range s.app.Leaves(id) {
		if _, ok := s.app.Planned[leaf]; !ok {
			return false
		}
	}
	return true
}

// Walk the pinned leaves down to their planned hosts without searching,
// only to deduct their resources and register their groups. Groups with
// pinned descendants are fixed to the unit that contains them.
func (s *Search) placeAsPlanned() bool {
	for _, id := range slices.Sorted(maps.Keys(s.app.Planned)) {
		n := s.app.Nodes[id]
		host, storage, _ := strings.Cut(s.app.Planned[id], "@")
		hu, ok := s.snap.Units[resource.LevelHost][host]
		if !ok {
			s.status = "planned host " + host + " is not available for node = " + id
			return false
		}
		if !s.commitPlanned(n, hu, storage) {
			return false
		}
		for _, anc := range s.app.Ancestors(id) {
			g := s.app.Nodes[anc].(*topology.VGroup)
			u := s.snap.UnitOf(g.Level, host)
			if prev, ok := s.fixed[anc]; ok && prev != u {
				s.traceLog.Warn("search: pinned nodes split an affinity group", "group", anc, "units", []string{prev.Name, u.Name})
				s.status = "pinned nodes violate affinity constraint for node = " + anc
				return false
			}
			s.fixed[anc] = u
			s.snap.SetPlacement(anc, placementOn(u))
		}
	}
	return true
}

func (s *Search) commitPlanned(n topology.Node, host *snapshot.Unit, storage string) bool {
	v, ok := n.(*topology.Volume)
	if !ok || storage == "" {
		return s.commit(n, host)
	}
	s.snap.DeductStorage(storage, v.Size)
	s.snap.SetPlacement(v.ID(), snapshot.Placement{
		Level: resource.LevelHost, Host: host.Host, Rack: host.Rack, Cluster: host.Cluster, Storage: storage,
	})
	s.deductLinks(n, host)
	s.registerGroups(v.ID(), host)
	return true
}
