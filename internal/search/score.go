// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"cmp"
	"slices"
	"strings"

	"github.com/cobaltcore-dev/valet/internal/search/snapshot"
	"github.com/cobaltcore-dev/valet/internal/topology"
)

// Order the candidates best first. When bandwidth dominates the demand,
// the candidate closest to the placed neighbors wins. Otherwise the
// candidate with the most headroom relative to the datacenter wins, which
// spreads the load.
func (s *Search) sortCandidates(n topology.Node, candidates []*snapshot.Unit) {
	bandwidth := map[string]float64{}
	compute := map[string]float64{}
	for _, u := range candidates {
		bandwidth[u.Name] = s.bandwidthPenalty(n, u)
		compute[u.Name] = s.computeScore(n, u)
	}
	byBandwidth := s.app.PrimaryPriority() == topology.PriorityBandwidth
	slices.SortStableFunc(candidates, func(a, b *snapshot.Unit) int {
		if byBandwidth {
			if c := cmp.Compare(bandwidth[a.Name], bandwidth[b.Name]); c != 0 {
				return c
			}
			if c := cmp.Compare(compute[b.Name], compute[a.Name]); c != 0 {
				return c
			}
		} else {
			if c := cmp.Compare(compute[b.Name], compute[a.Name]); c != 0 {
				return c
			}
			if c := cmp.Compare(b.AvailBandwidth, a.AvailBandwidth); c != 0 {
				return c
			}
		}
		return strings.Compare(a.Name, b.Name)
	})
}

// Bandwidth times the number of tiers it would cross, over all links to
// placed neighbors.
func (s *Search) bandwidthPenalty(n topology.Node, u *snapshot.Unit) float64 {
	penalty := 0.0
	for _, l := range s.solver.LinkLevels(n, u) {
		if l.Placed {
			penalty += l.Bandwidth * float64(l.Level.Index()+1)
		}
	}
	return penalty
}

// Weighted share of the datacenter's avail capacity the unit holds. Types
// the application weighs heavily count less so that the scarce resource
// is not the only one deciding.
func (s *Search) computeScore(n topology.Node, u *snapshot.Unit) float64 {
	ratio := func(v, total float64) float64 {
		if total <= 0 {
			return 0
		}
		return v / total
	}
	avail := s.snap.Avail
	if _, ok := n.(*topology.Volume); ok {
		storage := 0.0
		for _, name := range u.Storages {
			if st, ok := s.snap.StorageMap[name]; ok {
				storage += st.AvailDisk
			}
		}
		return (1 - s.app.Weight(topology.PriorityVolume)) * ratio(storage, avail.Volume)
	}
	return (1-s.app.Weight(topology.PriorityCPU))*ratio(u.AvailVCPUs, avail.CPU) +
		(1-s.app.Weight(topology.PriorityMem))*ratio(u.AvailMem, avail.Mem) +
		(1-s.app.Weight(topology.PriorityLocalDisk))*ratio(u.AvailLocalDisk, avail.LocalDisk)
}
