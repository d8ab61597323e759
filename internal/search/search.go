// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/cobaltcore-dev/valet/internal/search/snapshot"
	"github.com/cobaltcore-dev/valet/internal/solver"
	"github.com/cobaltcore-dev/valet/internal/topology"
)

// Candidates tried over the whole search before giving up. Every
// candidate that fails deeper down counts once.
const maxAttempts = 10000

// Outcome of a search.
type Result struct {
	// Placement of every node. Leaves are placed down to the host, groups
	// down to their own level.
	Placements map[string]snapshot.Placement
	// Why the search failed, empty on success.
	Status string
}

func (r Result) OK() bool {
	return r.Status == ""
}

// Greedy placement of one application over a snapshot, descending from
// clusters over racks to hosts and backtracking when a choice fails further
// down.
type Search struct {
	app      *topology.AppTopology
	snap     *snapshot.Snapshot
	solver   *solver.Solver
	traceLog *slog.Logger

	// Units of groups whose location is fixed by pinned descendants.
	fixed    map[string]*snapshot.Unit
	attempts int
	status   string
}

func New(app *topology.AppTopology, snap *snapshot.Snapshot) *Search {
	return &Search{
		app:      app,
		snap:     snap,
		solver:   solver.New(app, snap),
		traceLog: slog.With("stack", app.StackID),
		fixed:    map[string]*snapshot.Unit{},
	}
}

// Place all nodes of a new application.
func (s *Search) PlaceNodes() Result {
	s.app.SetOptimizationPriorities(s.snap.Avail)
	s.traceLog.Info("search: placing nodes", "nodes", len(s.app.Nodes), "priorities", s.app.Priorities)
	ok := s.placeNodes(s.app.TopLevel, resource.LevelCluster, nil)
	return s.result(ok)
}

// Place an application again. Resources of its old placements are given
// back first, pinned nodes are put where they were planned and only the
// remaining nodes are searched.
func (s *Search) RePlaceNodes() Result {
	s.app.SetOptimizationPriorities(s.snap.Avail)
	s.creditOldPlacements()
	if !s.placeAsPlanned() {
		return s.result(false)
	}
	s.traceLog.Info("search: replacing nodes", "nodes", len(s.app.Nodes), "pinned", len(s.app.Planned))
	ok := s.placeNodes(s.app.TopLevel, resource.LevelCluster, nil)
	return s.result(ok)
}

// Move the vms with excluded hosts to any other available host. All other
// nodes stay where they are.
func (s *Search) MigrateNodes() Result {
	for id, excluded := range s.app.ExcludedHosts {
		var candidates []string
		for _, u := range s.snap.Candidates(resource.LevelHost, nil) {
			if !slices.Contains(excluded, u.Name) {
				candidates = append(candidates, u.Name)
			}
		}
		if len(candidates) == 0 {
			s.status = "no available hosts for node = " + id
			return s.result(false)
		}
		s.app.CandidateHosts[id] = candidates
	}
	for id, p := range s.app.OldPlacements {
		if _, migrating := s.app.CandidateHosts[id]; migrating {
			continue
		}
		if _, known := s.app.Nodes[id]; !known {
			continue
		}
		if _, pinned := s.app.Planned[id]; !pinned {
			s.app.Planned[id] = location(p.Host, p.Storage)
		}
	}
	s.app.ExcludedHosts = map[string][]string{}
	result := s.RePlaceNodes()
	if !result.OK() && !strings.HasPrefix(result.Status, "no available hosts") {
		result.Status = "no available hosts: " + result.Status
	}
	return result
}

func (s *Search) result(ok bool) Result {
	if !ok {
		if s.status == "" {
			s.status = "no available hosts"
		}
		s.traceLog.Info("search: placement failed", "status", s.status, "attempts", s.attempts)
		return Result{Status: s.status}
	}
	s.traceLog.Info("search: placement found", "attempts", s.attempts)
	return Result{Placements: maps.Clone(s.snap.Placements)}
}

// Host, or host@storage for volumes.
func location(host, storage string) string {
	if storage == "" {
		return host
	}
	return host + "@" + storage
}

// Nodes with the largest share of the demand go first.
func (s *Search) sortNodes(ids []string) []string {
	sorted := slices.Clone(ids)
	slices.SortStableFunc(sorted, func(a, b string) int {
		if c := cmp.Compare(s.app.Nodes[b].SortBase(), s.app.Nodes[a].SortBase()); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return sorted
}

// Place the nodes one after another within the scope. Fails as soon as one
// node cannot be placed, leaving the caller to roll back.
func (s *Search) placeNodes(ids []string, level resource.Level, scope *snapshot.Unit) bool {
	for _, id := range s.sortNodes(ids) {
		if s.isPinned(id) {
			continue
		}
		if !s.placeNode(id, level, scope) {
			return false
		}
	}
	return true
}

func (s *Search) placeNode(id string, level resource.Level, scope *snapshot.Unit) bool {
	n := s.app.Nodes[id]
	if u, ok := s.fixed[id]; ok {
		at := s.snap.Units[level][u.NameAt(level)]
		if at == nil {
			s.status = "no available hosts for node = " + id
			return false
		}
		return s.descend(n, level, at)
	}
	candidates, status := s.solver.ComputeCandidates(level, n, s.snap.Candidates(level, scope))
	if len(candidates) == 0 {
		s.status = status
		return false
	}
	s.sortCandidates(n, candidates)
	for _, c := range candidates {
		if s.attempts >= maxAttempts {
			s.status = fmt.Sprintf("search exceeded %d attempts for node = %s", maxAttempts, id)
			return false
		}
		s.attempts++
		mark := s.snap.Mark()
		if s.descend(n, level, c) {
			return true
		}
		s.traceLog.Debug("search: rolling back candidate", "node", id, "level", level, "candidate", c.Name)
		s.snap.Rollback(mark)
	}
	return false
}

// Continue with the node on the chosen unit: commit leaves on hosts,
// place the children of a group at its own level, and move everything
// else one level down.
func (s *Search) descend(n topology.Node, level resource.Level, u *snapshot.Unit) bool {
	s.snap.SetPlacement(n.ID(), placementOn(u))
	if g, ok := n.(*topology.VGroup); ok && g.Level == level {
		return s.placeNodes(g.Children, level, u)
	}
	if level == resource.LevelHost {
		if _, ok := n.(*topology.VGroup); ok {
			s.status = "group " + n.ID() + " cannot be placed below host level"
			return false
		}
		return s.commit(n, u)
	}
	return s.placeNode(n.ID(), level.Lower(), u)
}

func placementOn(u *snapshot.Unit) snapshot.Placement {
	return snapshot.Placement{Level: u.Level, Host: u.Host, Rack: u.Rack, Cluster: u.Cluster}
}

// Deduct the resources of a leaf from its host and register it in its
// placement groups.
func (s *Search) commit(n topology.Node, host *snapshot.Unit) bool {
	p := placementOn(host)
	switch v := n.(type) {
	case *topology.VM:
		aggregates, _ := s.solver.MatchedAggregates(host, v)
		p.Aggregates = aggregates
		d := v.Demand()
		s.snap.DeductCompute(host.Name, d.VCPUs, d.Mem, d.LocalDisk)
	case *topology.Volume:
		storage, ok := s.solver.PickStorage(host, v)
		if !ok {
			s.status = "violate disk capacity constraint for node = " + v.ID()
			return false
		}
		p.Storage = storage
		s.snap.DeductStorage(storage, v.Size)
	}
	s.snap.SetPlacement(n.ID(), p)
	s.deductLinks(n, host)
	s.registerGroups(n.ID(), host)
	return true
}

func (s *Search) registerGroups(id string, host *snapshot.Unit) {
	groups := s.app.PlacementGroups(id)
	for _, gid := range slices.Sorted(maps.Keys(groups)) {
		s.snap.AddMembership(host.Name, gid, groups[gid])
	}
}

// Reserve bandwidth for the links to leaves already on a host, at both
// ends.
func (s *Search) deductLinks(n topology.Node, host *snapshot.Unit) {
	for _, l := range s.solver.LinkLevels(n, host) {
		p, ok := s.snap.Placements[l.Target]
		if !ok || p.Level != resource.LevelHost {
			continue
		}
		other := s.snap.Units[resource.LevelHost][p.Host]
		for _, end := range []*snapshot.Unit{host, other} {
			if end == nil {
				continue
			}
			s.snap.DeductBandwidth(end, solver.ComputeReservation(resource.LevelHost, l.Level, l.Bandwidth))
			if rack := s.snap.UnitOf(resource.LevelRack, end.Name); rack != nil {
				s.snap.DeductBandwidth(rack, solver.ComputeReservation(resource.LevelRack, l.Level, l.Bandwidth))
			}
		}
	}
}
