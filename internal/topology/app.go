// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"errors"
	"slices"

	"github.com/cobaltcore-dev/valet/internal/resource"
)

// Where a node of an earlier placement ended up.
type PlacedNode struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	UUID    string   `json:"uuid"`
	Host    string   `json:"host"`
	Storage string   `json:"storage,omitempty"`
	Demand  Demand   `json:"demand"`
	Links   []Link   `json:"links,omitempty"`
	Groups  []string `json:"groups,omitempty"`
}

// Weight of one resource type in the optimization objective.
type Priority struct {
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

const (
	PriorityBandwidth = "bw"
	PriorityCPU       = "cpu"
	PriorityMem       = "mem"
	PriorityLocalDisk = "lvol"
	PriorityVolume    = "vol"
)

var ErrCandidatesAndExclusions = errors.New("candidate hosts and excluded hosts must not be combined")

// Requested topology of one stack.
type AppTopology struct {
	StackID string
	Nodes   map[string]Node
	// Ids of nodes without a parent, sorted.
	TopLevel []string

	// Optimization priorities sorted by descending weight.
	Priorities []Priority
	// Application demand per priority type.
	Totals map[string]float64

	// Hosts a node may be placed on (replan).
	CandidateHosts map[string][]string
	// Hosts a node must not be placed on (migration).
	ExcludedHosts map[string][]string
	// Pinned nodes and their host.
	Planned map[string]string
	// Placements of the previous version of this stack.
	OldPlacements map[string]PlacedNode
}

func newAppTopology(stackID string) *AppTopology {
	return &AppTopology{
		StackID:        stackID,
		Nodes:          map[string]Node{},
		Totals:         map[string]float64{},
		CandidateHosts: map[string][]string{},
		ExcludedHosts:  map[string][]string{},
		Planned:        map[string]string{},
		OldPlacements:  map[string]PlacedNode{},
	}
}

// Ids of all enclosing groups, innermost first.
func (a *AppTopology) Ancestors(id string) []string {
	var chain []string
	n, ok := a.Nodes[id]
	for ok && n.Parent() != "" && !slices.Contains(chain, n.Parent()) {
		chain = append(chain, n.Parent())
		n, ok = a.Nodes[n.Parent()]
	}
	return chain
}

// Check if one of the nodes encloses the other.
func (a *AppTopology) Related(x, y string) bool {
	return slices.Contains(a.Ancestors(x), y) || slices.Contains(a.Ancestors(y), x)
}

// Ids of all vms and volumes under the node, the node itself for leaves.
func (a *AppTopology) Leaves(id string) []string {
	g, ok := a.Nodes[id].(*VGroup)
	if !ok {
		return []string{id}
	}
	var leaves []string
	for _, child := range g.Children {
		leaves = append(leaves, a.Leaves(child)...)
	}
	return leaves
}

// Ids of all vms and volumes sorted.
func (a *AppTopology) AllLeaves() []string {
	var leaves []string
	for id, n := range a.Nodes {
		if _, ok := n.(*VGroup); !ok {
			leaves = append(leaves, id)
		}
	}
	slices.Sort(leaves)
	return leaves
}

// Exclusivity groups at the level that bind the node, including the ones
// of its enclosing groups.
func (a *AppTopology) ExclusivitiesAt(n Node, level resource.Level) []string {
	var ids []string
	add := func(groups map[string]resource.Level) {
		for id, l := range groups {
			if l == level && !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	add(n.ExclusivityGroups())
	for _, anc := range a.Ancestors(n.ID()) {
		_, exs := OwnGroups(a.Nodes[anc])
		add(exs)
	}
	slices.Sort(ids)
	return ids
}

// Placement groups a leaf is registered in once it is placed: its own
// diversity and exclusivity groups and those of all enclosing groups plus
// their affinities.
func (a *AppTopology) PlacementGroups(id string) map[string]resource.GroupType {
	groups := map[string]resource.GroupType{}
	add := func(n Node) {
		divs, exs := OwnGroups(n)
		for gid := range divs {
			groups[gid] = resource.GroupTypeDIV
		}
		for gid := range exs {
			groups[gid] = resource.GroupTypeEX
		}
	}
	add(a.Nodes[id])
	for _, anc := range a.Ancestors(id) {
		g := a.Nodes[anc].(*VGroup)
		add(g)
		groups[g.AffinityID()] = resource.GroupTypeAFF
	}
	return groups
}

// Check the replan and migration inputs against the parsed nodes.
func (a *AppTopology) Validate() error {
	if len(a.CandidateHosts) > 0 && len(a.ExcludedHosts) > 0 {
		return ErrCandidatesAndExclusions
	}
	for _, m := range []map[string][]string{a.CandidateHosts, a.ExcludedHosts} {
		for id := range m {
			if _, ok := a.Nodes[id].(*VM); !ok {
				return errors.New("host hints are only supported for vms: " + id)
			}
		}
	}
	for id := range a.Planned {
		n, ok := a.Nodes[id]
		if !ok {
			return errors.New("planned placement for unknown node: " + id)
		}
		if _, ok := n.(*VGroup); ok {
			return errors.New("planned placements are only supported for vms and volumes: " + id)
		}
	}
	return nil
}
