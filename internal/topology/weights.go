// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"cmp"
	"slices"
)

// Available capacity of the datacenter per priority type.
type Avail struct {
	Bandwidth float64
	CPU       float64
	Mem       float64
	LocalDisk float64
	Volume    float64
}

var priorityOrder = []string{PriorityBandwidth, PriorityCPU, PriorityMem, PriorityLocalDisk, PriorityVolume}

// Weigh every resource type by how much of the available capacity the
// application asks for, and derive the sort base of each node from it.
func (a *AppTopology) SetOptimizationPriorities(avail Avail) {
	a.Totals = map[string]float64{}
	for _, id := range a.AllLeaves() {
		d := a.Nodes[id].Demand()
		a.Totals[PriorityBandwidth] += d.Bandwidth
		a.Totals[PriorityCPU] += d.VCPUs
		a.Totals[PriorityMem] += d.Mem
		a.Totals[PriorityLocalDisk] += d.LocalDisk
		a.Totals[PriorityVolume] += d.VolumeSize()
	}
	capacity := map[string]float64{
		PriorityBandwidth: avail.Bandwidth,
		PriorityCPU:       avail.CPU,
		PriorityMem:       avail.Mem,
		PriorityLocalDisk: avail.LocalDisk,
		PriorityVolume:    avail.Volume,
	}
	weights := map[string]float64{}
	sum := 0.0
	for _, t := range priorityOrder {
		if capacity[t] > 0 {
			weights[t] = a.Totals[t] / capacity[t]
		} else if a.Totals[t] > 0 {
			// Asking for something that is not there outweighs everything.
			weights[t] = 1
		}
		sum += weights[t]
	}
	a.Priorities = make([]Priority, 0, len(priorityOrder))
	for _, t := range priorityOrder {
		w := 0.0
		if sum > 0 {
			w = weights[t] / sum
		}
		a.Priorities = append(a.Priorities, Priority{Type: t, Weight: w})
	}
	// Stable so that equal weights keep the fixed type order.
	slices.SortStableFunc(a.Priorities, func(x, y Priority) int {
		return cmp.Compare(y.Weight, x.Weight)
	})
	for _, n := range a.Nodes {
		n.base().sortBase = a.sortBase(n.Demand())
	}
}

// Weight of a priority type, 0 if unknown.
func (a *AppTopology) Weight(t string) float64 {
	for _, p := range a.Priorities {
		if p.Type == t {
			return p.Weight
		}
	}
	return 0
}

// Type with the highest weight.
func (a *AppTopology) PrimaryPriority() string {
	if len(a.Priorities) == 0 || a.Priorities[0].Weight == 0 {
		return PriorityCPU
	}
	return a.Priorities[0].Type
}

func (a *AppTopology) sortBase(d Demand) float64 {
	share := func(t string, v float64) float64 {
		if a.Totals[t] <= 0 {
			return 0
		}
		return a.Weight(t) * v / a.Totals[t]
	}
	return share(PriorityBandwidth, d.Bandwidth) +
		share(PriorityCPU, d.VCPUs) +
		share(PriorityMem, d.Mem) +
		share(PriorityLocalDisk, d.LocalDisk) +
		share(PriorityVolume, d.VolumeSize())
}
