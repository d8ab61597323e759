// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"unicode"

	"github.com/cobaltcore-dev/valet/internal/conf"
	"github.com/cobaltcore-dev/valet/internal/mqtt"
	"github.com/cobaltcore-dev/valet/internal/resource"
	"gopkg.in/yaml.v3"
)

// Network layout read from a yaml file.
type NetworkTopology struct {
	Switches []SwitchSpec `yaml:"switches"`
}

type SwitchSpec struct {
	Name string `yaml:"name"`
	// ROOT, SPINE or TOR.
	Type string `yaml:"type"`
	// Upstream switch to link bandwidth in Mbps.
	UpLinks   map[string]float64 `yaml:"uplinks"`
	PeerLinks map[string]float64 `yaml:"peerlinks"`
	// Hosts for TOR switches, racks for SPINE and clusters for ROOT.
	Attached []string `yaml:"attached"`
}

func LoadNetworkTopology(path string) (*NetworkTopology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t NetworkTopology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse network topology %s: %w", path, err)
	}
	return &t, nil
}

// Groups hosts into racks and clusters by their names and attaches the
// network switches.
type TopologySyncer struct {
	conf    conf.TopologyConfig
	model   *resource.SharedModel
	monitor Monitor
	mqtt    mqtt.Client
}

func NewTopologySyncer(c conf.TopologyConfig, model *resource.SharedModel, monitor Monitor, mqttClient mqtt.Client) *TopologySyncer {
	return &TopologySyncer{conf: c, model: model, monitor: monitor, mqtt: mqttClient}
}

func (s *TopologySyncer) Name() string { return "topology" }

func (s *TopologySyncer) Sync(ctx context.Context) error {
	var network *NetworkTopology
	if s.conf.NetworkTopologyPath != "" {
		var err error
		if network, err = LoadNetworkTopology(s.conf.NetworkTopologyPath); err != nil {
			return err
		}
	}
	var racks int
	err := s.model.Do(func(res *resource.Resource) error {
		layout := BuildLayout(s.conf, res.Datacenter.Name, res.HostNames())
		racks = len(layout.Racks)
		ApplyLayout(res, layout)
		if network != nil {
			ApplyNetworkTopology(res, network)
		} else {
			ApplySyntheticSwitches(res, layout)
		}
		return res.UpdateTopology(ctx, true)
	})
	if err != nil {
		return err
	}
	if s.monitor.ObjectsGauge != nil {
		s.monitor.ObjectsGauge.WithLabelValues("racks").Set(float64(racks))
	}
	slog.Info("sync: topology synced", "racks", racks)
	s.mqtt.Publish(mqtt.TriggerTopologySynced, map[string]int{"racks": racks})
	return nil
}

// Rack and cluster grouping derived from host names.
type Layout struct {
	// Rack name to cluster name.
	Racks map[string]string
	// Host name to rack name.
	Hosts map[string]string
}

// Parse a host name of the form <region><rack code><digits><node code>...
// into its cluster (the region) and rack.
func ParseHostName(c conf.TopologyConfig, name string) (cluster, rack string, err error) {
	if len(name) <= c.NumRegionChars+2 {
		return "", "", fmt.Errorf("host name %q is too short", name)
	}
	region, rest := name[:c.NumRegionChars], name[c.NumRegionChars:]
	if !slices.Contains(c.RackCodes, rest[:1]) {
		return "", "", fmt.Errorf("host name %q has no rack code", name)
	}
	i := 1
	for i < len(rest) && unicode.IsDigit(rune(rest[i])) {
		i++
	}
	if i == 1 {
		return "", "", fmt.Errorf("host name %q has no rack number", name)
	}
	if i == len(rest) || !slices.Contains(c.NodeCodes, rest[i:i+1]) {
		return "", "", fmt.Errorf("host name %q has no node code", name)
	}
	return region, region + rest[:i], nil
}

// Hosts not following the naming convention end up in a default rack and
// cluster named after the datacenter.
func BuildLayout(c conf.TopologyConfig, datacenter string, hosts []string) Layout {
	l := Layout{Racks: map[string]string{}, Hosts: map[string]string{}}
	for _, name := range hosts {
		cluster, rack, err := ParseHostName(c, strings.ToLower(name))
		if err != nil {
			slog.Warn("sync: using default rack", "host", name, "error", err)
			cluster, rack = datacenter, datacenter+"-default"
		}
		l.Racks[rack] = cluster
		l.Hosts[name] = rack
	}
	return l
}

// Create missing racks and clusters and rewire parents and children. Only
// actual changes are stamped.
func ApplyLayout(res *resource.Resource, l Layout) {
	children := map[string][]string{}
	for host, rack := range l.Hosts {
		children[rack] = append(children[rack], host)
	}
	for rack, cluster := range l.Racks {
		children[cluster] = append(children[cluster], rack)
	}
	group := func(name string, level resource.Level) *resource.HostGroup {
		g, ok := res.HostGroups[name]
		if !ok {
			g = resource.NewHostGroup(name, level)
			res.HostGroups[name] = g
			g.LastUpdate = res.Tick()
		}
		return g
	}
	clusters := slices.Sorted(maps.Values(l.Racks))
	clusters = slices.Compact(clusters)
	for _, name := range clusters {
		g := group(name, resource.LevelCluster)
		setChildren(res, g, children[name])
	}
	for _, name := range slices.Sorted(maps.Keys(l.Racks)) {
		g := group(name, resource.LevelRack)
		if g.ParentResource != l.Racks[name] {
			g.ParentResource = l.Racks[name]
			g.LastUpdate = res.Tick()
		}
		setChildren(res, g, children[name])
	}
	for _, name := range slices.Sorted(maps.Keys(l.Hosts)) {
		h := res.Hosts[name]
		if h.HostGroup != l.Hosts[name] {
			h.HostGroup = l.Hosts[name]
			h.LastUpdate = res.Tick()
		}
	}
	// Groups without children are left over from earlier layouts.
	for _, name := range slices.Sorted(maps.Keys(res.HostGroups)) {
		g := res.HostGroups[name]
		if len(children[name]) == 0 && g.Status != resource.StatusDisabled {
			g.Status = resource.StatusDisabled
			g.ChildResources = []string{}
			g.LastUpdate = res.Tick()
		}
	}
	if !slices.Equal(res.Datacenter.Resources, clusters) {
		res.Datacenter.Resources = clusters
		res.Datacenter.LastUpdate = res.Tick()
	}
}

func setChildren(res *resource.Resource, g *resource.HostGroup, children []string) {
	slices.Sort(children)
	if g.Status != resource.StatusEnabled {
		g.Status = resource.StatusEnabled
		g.LastUpdate = res.Tick()
	}
	if !slices.Equal(g.ChildResources, children) {
		g.ChildResources = children
		g.LastUpdate = res.Tick()
	}
}

// One root switch for the datacenter, a spine per cluster and a ToR per
// rack, all with unlimited bandwidth.
func ApplySyntheticSwitches(res *resource.Resource, l Layout) {
	root := res.Datacenter.Name + "-root"
	ensureSwitch(res, root, resource.SwitchTypeRoot, nil, nil)
	setSwitches(res, &res.Datacenter.RootSwitches, &res.Datacenter.LastUpdate, root)
	for _, cluster := range res.Datacenter.Resources {
		spine := cluster + "-spine"
		ensureSwitch(res, spine, resource.SwitchTypeSpine, map[string]float64{root: resource.UnlimitedBandwidth}, nil)
		g := res.HostGroups[cluster]
		setSwitches(res, &g.Switches, &g.LastUpdate, root)
	}
	for _, rack := range slices.Sorted(maps.Keys(l.Racks)) {
		tor := rack + "-tor"
		ensureSwitch(res, tor, resource.SwitchTypeTOR, map[string]float64{l.Racks[rack] + "-spine": resource.UnlimitedBandwidth}, nil)
		g := res.HostGroups[rack]
		setSwitches(res, &g.Switches, &g.LastUpdate, l.Racks[rack]+"-spine")
	}
	for _, name := range slices.Sorted(maps.Keys(l.Hosts)) {
		h := res.Hosts[name]
		setSwitches(res, &h.Switches, &h.LastUpdate, l.Hosts[name]+"-tor")
	}
}

// Switches and links as described by the network topology. Unknown
// attachments are skipped with a warning.
func ApplyNetworkTopology(res *resource.Resource, t *NetworkTopology) {
	attached := map[string][]string{}
	for _, spec := range t.Switches {
		ensureSwitch(res, spec.Name, strings.ToUpper(spec.Type), spec.UpLinks, spec.PeerLinks)
		for _, a := range spec.Attached {
			attached[a] = append(attached[a], spec.Name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(attached)) {
		switches := attached[name]
		if h, ok := res.Hosts[name]; ok {
			setSwitches(res, &h.Switches, &h.LastUpdate, switches...)
		} else if g, ok := res.HostGroups[name]; ok {
			setSwitches(res, &g.Switches, &g.LastUpdate, switches...)
		} else if name == res.Datacenter.Name {
			setSwitches(res, &res.Datacenter.RootSwitches, &res.Datacenter.LastUpdate, switches...)
		} else {
			slog.Warn("sync: switch attached to unknown resource", "resource", name, "switches", switches)
		}
	}
}

func ensureSwitch(res *resource.Resource, name, switchType string, upLinks, peerLinks map[string]float64) {
	s, ok := res.Switches[name]
	if !ok {
		s = resource.NewSwitch(name, switchType)
		res.Switches[name] = s
		s.LastUpdate = res.Tick()
	}
	if s.SwitchType != switchType {
		s.SwitchType = switchType
		s.LastUpdate = res.Tick()
	}
	up := setLinks(s.UpLinks, upLinks)
	peer := setLinks(s.PeerLinks, peerLinks)
	if up || peer {
		s.LastUpdate = res.Tick()
	}
}

// Add missing links and update changed nic bandwidths. The avail bandwidth
// of a resized link moves by the same amount.
func setLinks(links map[string]*resource.Link, want map[string]float64) bool {
	changed := false
	for name, bw := range want {
		l, ok := links[name]
		if !ok {
			links[name] = &resource.Link{Name: name, ResourceName: name, NicBandwidth: bw, AvailBandwidth: bw}
			changed = true
			continue
		}
		if l.NicBandwidth != bw {
			l.AvailBandwidth += bw - l.NicBandwidth
			l.NicBandwidth = bw
			changed = true
		}
	}
	for name := range links {
		if _, ok := want[name]; !ok {
			delete(links, name)
			changed = true
		}
	}
	return changed
}

func setSwitches(res *resource.Resource, dst *[]string, stamp *int64, switches ...string) {
	want := slices.Sorted(slices.Values(switches))
	if slices.Equal(*dst, want) {
		return
	}
	*dst = want
	*stamp = res.Tick()
}
