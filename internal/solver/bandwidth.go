// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package solver

import (
	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/cobaltcore-dev/valet/internal/search/snapshot"
	"github.com/cobaltcore-dev/valet/internal/topology"
)

// Bandwidth to reserve at the switches of a tier for a link whose
// endpoints share the given placement level. Every tier crossed between
// the two endpoints is charged twice, once per direction.
func ComputeReservation(level, placementLevel resource.Level, bw float64) float64 {
	if placementLevel == resource.LevelAny || placementLevel.Index() < 0 {
		return 0
	}
	diff := placementLevel.Index() - level.Index() + 1
	if diff <= 0 {
		return 0
	}
	return bw * float64(diff) * 2
}

// Level at which a unit and an earlier placement meet: cluster when they
// are in different clusters, rack in different racks, host on different
// hosts and ANY on the same host. Unknown names count as different.
func CommonPlacementLevel(u *snapshot.Unit, p snapshot.Placement) resource.Level {
	differ := func(a, b string) bool { return a == "" || b == "" || a != b }
	switch {
	case differ(u.Cluster, p.Cluster):
		return resource.LevelCluster
	case differ(u.Rack, p.Rack):
		return resource.LevelRack
	case differ(u.Host, p.Host):
		return resource.LevelHost
	default:
		return resource.LevelAny
	}
}

// Coarsest level of the diversity groups two nodes share, ANY if they
// share none.
func CommonDiversityLevel(a, b topology.Node) resource.Level {
	common := resource.LevelAny
	for id, l := range a.DiversityGroups() {
		if _, ok := b.DiversityGroups()[id]; ok && l.Index() > common.Index() {
			common = l
		}
	}
	return common
}

// Where a node or its innermost placed enclosing group is placed so far.
func (s *Solver) PlacementOf(id string) (snapshot.Placement, bool) {
	if p, ok := s.snap.Placements[id]; ok {
		return p, true
	}
	for _, anc := range s.app.Ancestors(id) {
		if p, ok := s.snap.Placements[anc]; ok {
			return p, true
		}
	}
	return snapshot.Placement{}, false
}

// Link of a node evaluated against a candidate unit.
type LinkLevel struct {
	Target    string
	Bandwidth float64
	// Level at which the two endpoints would meet.
	Level resource.Level
	// False if the target is not placed yet and the level is estimated
	// from the diversity groups both share.
	Placed bool
}

// Levels at which the links of the node would cross the network if it
// were placed on the unit.
func (s *Solver) LinkLevels(n topology.Node, u *snapshot.Unit) []LinkLevel {
	links := make([]LinkLevel, 0, len(n.Links()))
	for _, l := range n.Links() {
		if p, ok := s.PlacementOf(l.Target); ok {
			links = append(links, LinkLevel{l.Target, l.Bandwidth, CommonPlacementLevel(u, p), true})
			continue
		}
		target, ok := s.app.Nodes[l.Target]
		if !ok {
			continue
		}
		links = append(links, LinkLevel{l.Target, l.Bandwidth, CommonDiversityLevel(n, target), false})
	}
	return links
}

// Bandwidth the node needs at the host tier and at the rack tier when it
// is placed on the unit.
func (s *Solver) BandwidthReservations(n topology.Node, u *snapshot.Unit) (hostReq, rackReq float64) {
	for _, l := range s.LinkLevels(n, u) {
		hostReq += ComputeReservation(resource.LevelHost, l.Level, l.Bandwidth)
		rackReq += ComputeReservation(resource.LevelRack, l.Level, l.Bandwidth)
	}
	return hostReq, rackReq
}
