// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/cobaltcore-dev/valet/internal/resource"
)

const (
	TypeServer           = "OS::Nova::Server"
	TypeVolume           = "OS::Cinder::Volume"
	TypeVolumeAttachment = "OS::Cinder::VolumeAttachment"
	TypeGroupAssignment  = "Valet::GroupAssignment"
	TypePipe             = "Valet::Pipe"
)

// One entry of the heat-like resources map of a request.
type ResourceSpec struct {
	Type       string         `json:"type"`
	Name       string         `json:"name,omitempty"`
	Properties map[string]any `json:"properties"`
}

type groupAssignment struct {
	id        string
	groupType string
	name      string
	level     resource.Level
	members   []string
}

// Build the topology of a stack from its resources. Flavors are looked up
// by name or id.
func Parse(stackID string, resources map[string]ResourceSpec, flavors map[string]*resource.Flavor) (*AppTopology, error) {
	app := newAppTopology(stackID)
	var assignments []groupAssignment
	var attachments, pipes []string

	for _, id := range slices.Sorted(maps.Keys(resources)) {
		spec := resources[id]
		props := spec.Properties
		name := stringProp(props, "name", spec.Name)
		if name == "" {
			name = id
		}
		switch spec.Type {
		case TypeServer:
			vm, err := parseServer(id, name, props, flavors)
			if err != nil {
				return nil, err
			}
			app.Nodes[id] = vm
		case TypeVolume:
			size, ok := floatProp(props, "size")
			if !ok || size <= 0 {
				return nil, fmt.Errorf("volume %s has no valid size", id)
			}
			vol := &Volume{nodeBase: newNodeBase(id, name), Class: stringProp(props, "volume_type", "any"), Size: size}
			vol.demand = Demand{Volumes: map[string]float64{vol.Class: size}}
			app.Nodes[id] = vol
		case TypeGroupAssignment:
			ga, err := parseGroupAssignment(id, props)
			if err != nil {
				return nil, err
			}
			if ga.groupType == "affinity" {
				g := &VGroup{
					nodeBase:  newNodeBase(id, ga.name),
					GroupType: resource.GroupTypeAFF,
					Level:     ga.level,
					ownDivs:   map[string]resource.Level{},
					ownExs:    map[string]resource.Level{},
				}
				app.Nodes[id] = g
			}
			assignments = append(assignments, ga)
		case TypeVolumeAttachment:
			attachments = append(attachments, id)
		case TypePipe:
			pipes = append(pipes, id)
		default:
			return nil, fmt.Errorf("resource %s has unsupported type %q", id, spec.Type)
		}
	}

	// Affinity groups first so that the tree is complete before
	// diversity and exclusivity are attached.
	for _, ga := range assignments {
		if ga.groupType != "affinity" {
			continue
		}
		g := app.Nodes[ga.id].(*VGroup)
		for _, member := range ga.members {
			n, ok := app.Nodes[member]
			if !ok {
				return nil, fmt.Errorf("group %s refers to unknown resource %s", ga.id, member)
			}
			if n.Parent() != "" {
				return nil, fmt.Errorf("resource %s is in more than one affinity group", member)
			}
			if child, ok := n.(*VGroup); ok && child.Level.Index() > g.Level.Index() {
				return nil, fmt.Errorf("group %s has a higher level than its parent %s", member, ga.id)
			}
			n.base().parent = ga.id
			g.Children = append(g.Children, member)
		}
		slices.Sort(g.Children)
	}
	for id := range app.Nodes {
		if hasCycle(app, id) {
			return nil, fmt.Errorf("affinity groups of %s form a cycle", id)
		}
	}
	for _, ga := range assignments {
		if ga.groupType == "affinity" {
			continue
		}
		gid := resource.GroupID(ga.level, ga.name)
		for _, member := range ga.members {
			n, ok := app.Nodes[member]
			if !ok {
				return nil, fmt.Errorf("group %s refers to unknown resource %s", ga.id, member)
			}
			b := n.base()
			if ga.groupType == "diversity" {
				b.divs[gid] = ga.level
			} else {
				b.exs[gid] = ga.level
			}
			if g, ok := n.(*VGroup); ok {
				if ga.groupType == "diversity" {
					g.ownDivs[gid] = ga.level
				} else {
					g.ownExs[gid] = ga.level
				}
			}
		}
	}

	for _, id := range attachments {
		props := resources[id].Properties
		vmID := stringProp(props, "instance_uuid", "")
		volID := stringProp(props, "volume_id", "")
		if _, ok := app.Nodes[vmID].(*VM); !ok {
			return nil, fmt.Errorf("attachment %s refers to unknown server %s", id, vmID)
		}
		if _, ok := app.Nodes[volID].(*Volume); !ok {
			return nil, fmt.Errorf("attachment %s refers to unknown volume %s", id, volID)
		}
		bw, _ := floatProp(props, "bandwidth")
		link(app, vmID, volID, bw)
	}
	for _, id := range pipes {
		props := resources[id].Properties
		members := stringsProp(props, "resources")
		if len(members) != 2 {
			return nil, fmt.Errorf("pipe %s must connect exactly two resources", id)
		}
		for _, m := range members {
			if _, ok := app.Nodes[m]; !ok {
				return nil, fmt.Errorf("pipe %s refers to unknown resource %s", id, m)
			}
			if _, ok := app.Nodes[m].(*VGroup); ok {
				return nil, fmt.Errorf("pipe %s must connect servers or volumes", id)
			}
		}
		bw, _ := floatProp(props, "bandwidth")
		link(app, members[0], members[1], bw)
	}

	for id, n := range app.Nodes {
		if n.Parent() == "" {
			app.TopLevel = append(app.TopLevel, id)
		}
	}
	slices.Sort(app.TopLevel)
	for _, id := range app.TopLevel {
		rollUp(app, id)
	}
	if err := checkContradictions(app); err != nil {
		return nil, err
	}
	return app, nil
}

func hasCycle(app *AppTopology, id string) bool {
	seen := map[string]bool{id: true}
	for n := app.Nodes[id]; n.Parent() != ""; n = app.Nodes[n.Parent()] {
		if seen[n.Parent()] {
			return true
		}
		seen[n.Parent()] = true
	}
	return false
}

func parseServer(id, name string, props map[string]any, flavors map[string]*resource.Flavor) (*VM, error) {
	flavorName := stringProp(props, "flavor", "")
	var flavor *resource.Flavor
	for _, f := range flavors {
		if f.Status != resource.StatusDisabled && (f.Name == flavorName || f.FlavorID == flavorName) {
			flavor = f
			break
		}
	}
	if flavor == nil {
		return nil, fmt.Errorf("server %s uses unknown flavor %q", id, flavorName)
	}
	vm := &VM{
		nodeBase:         newNodeBase(id, name),
		Flavor:           flavor.Name,
		AvailabilityZone: stringProp(props, "availability_zone", ""),
		ExtraSpecs:       maps.Clone(flavor.ExtraSpecs),
	}
	if vm.ExtraSpecs == nil {
		vm.ExtraSpecs = map[string]string{}
	}
	// "az:host" pins the host as in nova.
	if az, host, ok := strings.Cut(vm.AvailabilityZone, ":"); ok {
		vm.AvailabilityZone = az
		vm.ForcedHost = host
	}
	if vm.AvailabilityZone != "" {
		vm.azs = []string{vm.AvailabilityZone}
	}
	vm.demand = Demand{VCPUs: flavor.VCPUs, Mem: flavor.MemMB, LocalDisk: flavor.DiskGB}
	return vm, nil
}

func parseGroupAssignment(id string, props map[string]any) (groupAssignment, error) {
	ga := groupAssignment{
		id:        id,
		groupType: strings.ToLower(stringProp(props, "group_type", "")),
		name:      stringProp(props, "group_name", id),
		members:   stringsProp(props, "resources"),
	}
	switch ga.groupType {
	case "affinity", "diversity", "exclusivity":
	default:
		return ga, fmt.Errorf("group %s has unsupported group type %q", id, ga.groupType)
	}
	level, err := resource.ParseLevel(stringProp(props, "level", ""))
	if err != nil {
		return ga, fmt.Errorf("group %s: %w", id, err)
	}
	ga.level = level
	if len(ga.members) == 0 {
		return ga, fmt.Errorf("group %s has no resources", id)
	}
	return ga, nil
}

func link(app *AppTopology, a, b string, bw float64) {
	na, nb := app.Nodes[a].base(), app.Nodes[b].base()
	na.links = append(na.links, Link{Target: b, Bandwidth: bw})
	nb.links = append(nb.links, Link{Target: a, Bandwidth: bw})
	na.demand.Bandwidth += bw
	nb.demand.Bandwidth += bw
}

// Fill in the demand, links, availability zones and the diversity and
// exclusivity groups a vgroup has to honor for its children.
func rollUp(app *AppTopology, id string) {
	g, ok := app.Nodes[id].(*VGroup)
	if !ok {
		return
	}
	leaves := map[string]bool{}
	for _, leaf := range app.Leaves(id) {
		leaves[leaf] = true
	}
	d := Demand{Volumes: map[string]float64{}}
	for _, childID := range g.Children {
		rollUp(app, childID)
		child := app.Nodes[childID]
		cd := child.Demand()
		d.VCPUs += cd.VCPUs
		d.Mem += cd.Mem
		d.LocalDisk += cd.LocalDisk
		for class, size := range cd.Volumes {
			d.Volumes[class] += size
		}
		for _, az := range child.AvailabilityZones() {
			if !slices.Contains(g.azs, az) {
				g.azs = append(g.azs, az)
			}
		}
		for gid, level := range child.DiversityGroups() {
			if level.Index() >= g.Level.Index() {
				g.divs[gid] = level
			}
		}
		for gid, level := range child.ExclusivityGroups() {
			if level.Index() >= g.Level.Index() {
				g.exs[gid] = level
			}
		}
	}
	slices.Sort(g.azs)
	for _, leaf := range slices.Sorted(maps.Keys(leaves)) {
		for _, l := range app.Nodes[leaf].Links() {
			if leaves[l.Target] {
				continue
			}
			g.links = append(g.links, l)
			d.Bandwidth += l.Bandwidth
		}
	}
	g.demand = d
}

// Members of one diversity group must not share an affinity group that
// binds them at the same or a finer level.
func checkContradictions(app *AppTopology) error {
	for _, leafA := range app.AllLeaves() {
		for gid, level := range app.Nodes[leafA].DiversityGroups() {
			for _, leafB := range app.AllLeaves() {
				if leafA >= leafB {
					continue
				}
				if _, ok := app.Nodes[leafB].DiversityGroups()[gid]; !ok {
					continue
				}
				for _, anc := range app.Ancestors(leafA) {
					g := app.Nodes[anc].(*VGroup)
					if slices.Contains(app.Ancestors(leafB), anc) && g.Level.Index() <= level.Index() {
						return fmt.Errorf("diversity group %s conflicts with affinity group %s", gid, anc)
					}
				}
			}
		}
	}
	return nil
}

func stringProp(props map[string]any, key, fallback string) string {
	if v, ok := props[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func floatProp(props map[string]any, key string) (float64, bool) {
	switch v := props[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func stringsProp(props map[string]any, key string) []string {
	switch v := props[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
