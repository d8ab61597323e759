// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"maps"

	"github.com/cobaltcore-dev/valet/internal/resource"
)

// Requested resources of a node, rolled up for groups.
type Demand struct {
	VCPUs     float64 `json:"vcpus"`
	Mem       float64 `json:"mem"`
	LocalDisk float64 `json:"local_disk"`
	// Volume size per storage class.
	Volumes map[string]float64 `json:"volumes,omitempty"`
	// Sum of the bandwidth of all links leaving the node.
	Bandwidth float64 `json:"bandwidth"`
}

// Total volume size over all classes.
func (d Demand) VolumeSize() float64 {
	total := 0.0
	for _, size := range d.Volumes {
		total += size
	}
	return total
}

// Bandwidth demand between two nodes, in Mbps.
type Link struct {
	Target    string  `json:"target"`
	Bandwidth float64 `json:"bandwidth"`
}

// A node of the requested topology. Implemented by *VM, *Volume and
// *VGroup only.
type Node interface {
	ID() string
	Name() string
	// Id of the enclosing affinity group, empty for top level nodes.
	Parent() string
	Links() []Link
	Demand() Demand
	// Group ids ("level:name") this node must be diverse or exclusive in.
	DiversityGroups() map[string]resource.Level
	ExclusivityGroups() map[string]resource.Level
	AvailabilityZones() []string
	// Weighted share of the application's demand, used for ordering.
	SortBase() float64

	base() *nodeBase
}

type nodeBase struct {
	id       string
	name     string
	parent   string
	links    []Link
	demand   Demand
	divs     map[string]resource.Level
	exs      map[string]resource.Level
	azs      []string
	sortBase float64
}

func newNodeBase(id, name string) nodeBase {
	return nodeBase{
		id:   id,
		name: name,
		divs: map[string]resource.Level{},
		exs:  map[string]resource.Level{},
	}
}

func (b *nodeBase) ID() string                                   { return b.id }
func (b *nodeBase) Name() string                                 { return b.name }
func (b *nodeBase) Parent() string                               { return b.parent }
func (b *nodeBase) Links() []Link                                { return b.links }
func (b *nodeBase) Demand() Demand                               { return b.demand }
func (b *nodeBase) DiversityGroups() map[string]resource.Level   { return b.divs }
func (b *nodeBase) ExclusivityGroups() map[string]resource.Level { return b.exs }
func (b *nodeBase) AvailabilityZones() []string                  { return b.azs }
func (b *nodeBase) SortBase() float64                            { return b.sortBase }
func (b *nodeBase) base() *nodeBase                              { return b }

// Bandwidth of the link to the given node, 0 if there is none.
func BandwidthTo(n Node, target string) float64 {
	total := 0.0
	for _, l := range n.Links() {
		if l.Target == target {
			total += l.Bandwidth
		}
	}
	return total
}

// Virtual machine, sized by its flavor.
type VM struct {
	nodeBase
	Flavor           string
	AvailabilityZone string
	// Host requested with the "az:host" notation.
	ForcedHost string
	ExtraSpecs map[string]string
}

// Block storage volume.
type Volume struct {
	nodeBase
	Class string
	Size  float64
}

// Affinity group: all children share one unit at Level.
type VGroup struct {
	nodeBase
	GroupType resource.GroupType
	Level     resource.Level
	Children  []string
	// Groups the vgroup itself was assigned to, without the ones rolled up
	// from its children.
	ownDivs map[string]resource.Level
	ownExs  map[string]resource.Level
}

// Group id of the affinity this group enforces.
func (g *VGroup) AffinityID() string {
	return resource.GroupID(g.Level, g.name)
}

// Diversity and exclusivity groups assigned to the node itself. For
// vgroups this excludes the groups rolled up from children.
func OwnGroups(n Node) (divs, exs map[string]resource.Level) {
	if g, ok := n.(*VGroup); ok {
		return g.ownDivs, g.ownExs
	}
	return n.DiversityGroups(), n.ExclusivityGroups()
}

func cloneLevels(m map[string]resource.Level) map[string]resource.Level {
	return maps.Clone(m)
}
