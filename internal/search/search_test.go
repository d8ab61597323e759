// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"strings"
	"testing"

	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/cobaltcore-dev/valet/internal/search/snapshot"
	"github.com/cobaltcore-dev/valet/internal/topology"
)

type testHost struct {
	name, rack string
	vcpus      float64
}

// Snapshot of cluster c1 with the given hosts. Every host has 16 GB of
// memory and 200 GB of local disk.
func newTestSnapshot(hosts ...testHost) *snapshot.Snapshot {
	s := &snapshot.Snapshot{
		Units: map[resource.Level]map[string]*snapshot.Unit{
			resource.LevelHost:    {},
			resource.LevelRack:    {},
			resource.LevelCluster: {},
		},
		Groups:     map[string]*snapshot.Group{},
		StorageMap: map[string]*snapshot.Storage{},
		Placements: map[string]snapshot.Placement{},
	}
	for _, th := range hosts {
		h := &snapshot.Unit{
			Name: th.name, Level: resource.LevelHost, Host: th.name, Rack: th.rack, Cluster: "c1",
			TotalVCPUs: th.vcpus, AvailVCPUs: th.vcpus,
			TotalMem: 16384, AvailMem: 16384,
			TotalLocalDisk: 200, AvailLocalDisk: 200,
			AvailBandwidth: 10000,
			Memberships:    map[string]resource.GroupType{},
			Storages:       []string{},
		}
		s.Units[resource.LevelHost][th.name] = h
		s.Avail.CPU += h.AvailVCPUs
		s.Avail.Mem += h.AvailMem
		s.Avail.LocalDisk += h.AvailLocalDisk
		s.Avail.Bandwidth += h.AvailBandwidth
		for _, level := range []resource.Level{resource.LevelRack, resource.LevelCluster} {
			u, ok := s.Units[level][h.NameAt(level)]
			if !ok {
				u = &snapshot.Unit{
					Name: h.NameAt(level), Level: level, Cluster: "c1",
					AvailBandwidth: 10000,
					Memberships:    map[string]resource.GroupType{},
					Storages:       []string{},
				}
				if level == resource.LevelRack {
					u.Rack = th.rack
				}
				s.Units[level][u.Name] = u
			}
			u.TotalVCPUs += h.TotalVCPUs
			u.AvailVCPUs += h.AvailVCPUs
			u.TotalMem += h.TotalMem
			u.AvailMem += h.AvailMem
			u.TotalLocalDisk += h.TotalLocalDisk
			u.AvailLocalDisk += h.AvailLocalDisk
		}
	}
	return s
}

func testFlavors() map[string]*resource.Flavor {
	return map[string]*resource.Flavor{
		"small": {Name: "small", FlavorID: "1", Status: resource.StatusEnabled, VCPUs: 2, MemMB: 4096, DiskGB: 20},
	}
}

func server() topology.ResourceSpec {
	return topology.ResourceSpec{Type: topology.TypeServer, Properties: map[string]any{"flavor": "small"}}
}

func group(groupType, level string, members ...string) topology.ResourceSpec {
	anyMembers := make([]any, 0, len(members))
	for _, m := range members {
		anyMembers = append(anyMembers, m)
	}
	return topology.ResourceSpec{Type: topology.TypeGroupAssignment, Properties: map[string]any{
		"group_type": groupType,
		"group_name": groupType,
		"level":      level,
		"resources":  anyMembers,
	}}
}

func parse(t *testing.T, resources map[string]topology.ResourceSpec) *topology.AppTopology {
	t.Helper()
	app, err := topology.Parse("stack1", resources, testFlavors())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return app
}

func hostOf(t *testing.T, r Result, id string) string {
	t.Helper()
	p, ok := r.Placements[id]
	if !ok || p.Level != resource.LevelHost {
		t.Fatalf("expected %s to be placed on a host, got %+v", id, p)
	}
	return p.Host
}

func TestPlaceNodes_SingleVM(t *testing.T) {
	s := newTestSnapshot(testHost{"h1", "r1", 4})
	s.Units[resource.LevelHost]["h1"].AvailMem = 8192
	s.Units[resource.LevelHost]["h1"].AvailLocalDisk = 100
	app := parse(t, map[string]topology.ResourceSpec{"vm1": server()})

	r := New(app, s).PlaceNodes()
	if !r.OK() {
		t.Fatalf("expected placement, got %q", r.Status)
	}
	if hostOf(t, r, "vm1") != "h1" {
		t.Errorf("expected h1, got %s", hostOf(t, r, "vm1"))
	}
	h1 := s.Units[resource.LevelHost]["h1"]
	if h1.AvailVCPUs != 2 || h1.AvailMem != 4096 || h1.AvailLocalDisk != 80 {
		t.Errorf("unexpected avail after placement: %v vcpus, %v mem, %v disk", h1.AvailVCPUs, h1.AvailMem, h1.AvailLocalDisk)
	}
	if h1.NumPlacedVMs != 1 {
		t.Errorf("expected 1 placed vm, got %d", h1.NumPlacedVMs)
	}
}

func TestPlaceNodes_Affinity(t *testing.T) {
	resources := map[string]topology.ResourceSpec{
		"vm1": server(), "vm2": server(),
		"aff": group("affinity", "host", "vm1", "vm2"),
	}
	s := newTestSnapshot(testHost{"h1", "r1", 4}, testHost{"h2", "r1", 2})
	r := New(parse(t, resources), s).PlaceNodes()
	if !r.OK() {
		t.Fatalf("expected placement, got %q", r.Status)
	}
	if hostOf(t, r, "vm1") != "h1" || hostOf(t, r, "vm2") != "h1" {
		t.Errorf("expected both vms on h1, got %s and %s", hostOf(t, r, "vm1"), hostOf(t, r, "vm2"))
	}
	if r.Placements["aff"].Host != "h1" {
		t.Errorf("expected the group on h1, got %+v", r.Placements["aff"])
	}
	if !s.Units[resource.LevelHost]["h1"].HasGroup("host:affinity", resource.GroupTypeAFF) {
		t.Error("expected h1 to become a member of the affinity group")
	}

	s = newTestSnapshot(testHost{"h1", "r1", 3}, testHost{"h2", "r1", 3})
	r = New(parse(t, resources), s).PlaceNodes()
	if r.OK() {
		t.Fatalf("expected failure, got %v", r.Placements)
	}
	if !strings.Contains(r.Status, "capacity") && !strings.Contains(r.Status, "affinity") {
		t.Errorf("expected a capacity or affinity violation, got %q", r.Status)
	}
	if s.Units[resource.LevelHost]["h1"].AvailVCPUs != 3 || s.Mark() != 0 {
		t.Error("expected the snapshot to be rolled back")
	}
}

func TestPlaceNodes_DiversityBacktracks(t *testing.T) {
	// r1 looks best by capacity but only h1 has vcpus left, so the second
	// vm of the rack affinity group cannot be diverse there.
	s := newTestSnapshot(testHost{"h0", "r1", 0}, testHost{"h1", "r1", 8}, testHost{"h2", "r2", 2}, testHost{"h3", "r2", 2})
	app := parse(t, map[string]topology.ResourceSpec{
		"vm1": server(), "vm2": server(),
		"aff": group("affinity", "rack", "vm1", "vm2"),
		"div": group("diversity", "host", "vm1", "vm2"),
	})
	r := New(app, s).PlaceNodes()
	if !r.OK() {
		t.Fatalf("expected placement, got %q", r.Status)
	}
	h1, h2 := hostOf(t, r, "vm1"), hostOf(t, r, "vm2")
	if h1 == h2 {
		t.Errorf("expected different hosts, got %s twice", h1)
	}
	if r.Placements["vm1"].Rack != "r2" || r.Placements["vm2"].Rack != "r2" {
		t.Errorf("expected both vms in r2, got %+v", r.Placements)
	}
	if got := s.Units[resource.LevelHost]["h1"].AvailVCPUs; got != 8 {
		t.Errorf("expected h1 to be rolled back to 8 vcpus, got %v", got)
	}
	if s.Units[resource.LevelHost]["h1"].HasGroup("host:diversity", resource.GroupTypeDIV) {
		t.Error("expected the rolled back membership to be gone")
	}
}

func TestPlaceNodes_DiversityFails(t *testing.T) {
	s := newTestSnapshot(testHost{"h1", "r1", 8}, testHost{"h2", "r1", 8})
	app := parse(t, map[string]topology.ResourceSpec{
		"vm1": server(), "vm2": server(), "vm3": server(),
		"div": group("diversity", "host", "vm1", "vm2", "vm3"),
	})
	r := New(app, s).PlaceNodes()
	if r.OK() {
		t.Fatalf("expected failure, got %v", r.Placements)
	}
	if !strings.Contains(r.Status, "diversity") {
		t.Errorf("expected a diversity violation, got %q", r.Status)
	}
}

func TestPlaceNodes_Exclusivity(t *testing.T) {
	s := newTestSnapshot(testHost{"h1", "r1", 8}, testHost{"h2", "r1", 8})
	s.Units[resource.LevelHost]["h1"].NumPlacedVMs = 1
	app := parse(t, map[string]topology.ResourceSpec{
		"vm1": server(), "vm2": server(),
		"ex": group("exclusivity", "host", "vm1", "vm2"),
	})
	r := New(app, s).PlaceNodes()
	if !r.OK() {
		t.Fatalf("expected placement, got %q", r.Status)
	}
	if hostOf(t, r, "vm1") != "h2" || hostOf(t, r, "vm2") != "h2" {
		t.Errorf("expected both vms on the empty host h2, got %v", r.Placements)
	}
}

func TestPlaceNodes_Scoring(t *testing.T) {
	hosts := []testHost{{"h1", "r1", 8}, {"h2", "r1", 8}}

	// Without bandwidth demand the load is spread.
	r := New(parse(t, map[string]topology.ResourceSpec{"vm1": server(), "vm2": server()}), newTestSnapshot(hosts...)).PlaceNodes()
	if !r.OK() {
		t.Fatalf("expected placement, got %q", r.Status)
	}
	if hostOf(t, r, "vm1") == hostOf(t, r, "vm2") {
		t.Errorf("expected the vms to be spread, got %v", r.Placements)
	}

	// With a heavy pipe the vms are kept together.
	r = New(parse(t, map[string]topology.ResourceSpec{
		"vm1": server(), "vm2": server(),
		"pipe": {Type: topology.TypePipe, Properties: map[string]any{"resources": []any{"vm1", "vm2"}, "bandwidth": 4000.0}},
	}), newTestSnapshot(hosts...)).PlaceNodes()
	if !r.OK() {
		t.Fatalf("expected placement, got %q", r.Status)
	}
	if hostOf(t, r, "vm1") != hostOf(t, r, "vm2") {
		t.Errorf("expected the vms to be consolidated, got %v", r.Placements)
	}
}

func TestPlaceNodes_Volume(t *testing.T) {
	s := newTestSnapshot(testHost{"h1", "r1", 8})
	s.StorageMap["pool1"] = &snapshot.Storage{Name: "pool1", Class: "ssd", AvailDisk: 100}
	s.Units[resource.LevelHost]["h1"].Storages = []string{"pool1"}
	s.Units[resource.LevelRack]["r1"].Storages = []string{"pool1"}
	s.Units[resource.LevelCluster]["c1"].Storages = []string{"pool1"}
	s.Avail.Volume = 100
	app := parse(t, map[string]topology.ResourceSpec{
		"vol1": {Type: topology.TypeVolume, Properties: map[string]any{"size": 40.0, "volume_type": "ssd"}},
	})
	r := New(app, s).PlaceNodes()
	if !r.OK() {
		t.Fatalf("expected placement, got %q", r.Status)
	}
	if r.Placements["vol1"].Storage != "pool1" {
		t.Errorf("expected pool1, got %+v", r.Placements["vol1"])
	}
	if s.StorageMap["pool1"].AvailDisk != 60 {
		t.Errorf("expected 60 left on pool1, got %v", s.StorageMap["pool1"].AvailDisk)
	}
}

func TestMigrateNodes(t *testing.T) {
	newSnapshot := func(h2CPUs float64) *snapshot.Snapshot {
		s := newTestSnapshot(testHost{"h1", "r1", 8}, testHost{"h2", "r1", h2CPUs})
		// vm1 and vm2 are on h1 already.
		s.DeductCompute("h1", 4, 8192, 40)
		return s
	}
	newApp := func() *topology.AppTopology {
		app := parse(t, map[string]topology.ResourceSpec{"vm1": server(), "vm2": server()})
		for _, id := range []string{"vm1", "vm2"} {
			app.OldPlacements[id] = topology.PlacedNode{
				ID: id, Type: topology.TypeServer, Host: "h1",
				Demand: topology.Demand{VCPUs: 2, Mem: 4096, LocalDisk: 20},
			}
		}
		app.ExcludedHosts["vm1"] = []string{"h1"}
		return app
	}

	s := newSnapshot(8)
	r := New(newApp(), s).MigrateNodes()
	if !r.OK() {
		t.Fatalf("expected placement, got %q", r.Status)
	}
	if hostOf(t, r, "vm1") != "h2" {
		t.Errorf("expected vm1 to move to h2, got %s", hostOf(t, r, "vm1"))
	}
	if hostOf(t, r, "vm2") != "h1" {
		t.Errorf("expected vm2 to stay on h1, got %s", hostOf(t, r, "vm2"))
	}
	if got := s.Units[resource.LevelHost]["h1"].AvailVCPUs; got != 6 {
		t.Errorf("expected 6 vcpus left on h1, got %v", got)
	}

	r = New(newApp(), newSnapshot(1)).MigrateNodes()
	if r.OK() {
		t.Fatalf("expected failure, got %v", r.Placements)
	}
	if !strings.HasPrefix(r.Status, "no available hosts") {
		t.Errorf("expected no available hosts, got %q", r.Status)
	}
}

func TestRePlaceNodes_PartiallyPinnedGroup(t *testing.T) {
	s := newTestSnapshot(testHost{"h1", "r1", 8}, testHost{"h2", "r1", 8}, testHost{"h3", "r2", 16})
	s.DeductCompute("h2", 2, 4096, 20)
	app := parse(t, map[string]topology.ResourceSpec{
		"vm1": server(), "vm2": server(),
		"aff": group("affinity", "rack", "vm1", "vm2"),
	})
	app.OldPlacements["vm1"] = topology.PlacedNode{
		ID: "vm1", Type: topology.TypeServer, Host: "h2",
		Demand: topology.Demand{VCPUs: 2, Mem: 4096, LocalDisk: 20},
	}
	app.Planned["vm1"] = "h2"
	r := New(app, s).RePlaceNodes()
	if !r.OK() {
		t.Fatalf("expected placement, got %q", r.Status)
	}
	if hostOf(t, r, "vm1") != "h2" {
		t.Errorf("expected vm1 to stay on h2, got %s", hostOf(t, r, "vm1"))
	}
	if r.Placements["vm2"].Rack != "r1" {
		t.Errorf("expected vm2 to join the pinned vm in r1, got %+v", r.Placements["vm2"])
	}
	if got := s.Units[resource.LevelHost]["h2"].NumPlacedVMs; got < 1 {
		t.Errorf("expected vm1 to stay registered on h2, got %d placed vms", got)
	}
}

func TestPlaceNodes_BandwidthReservation(t *testing.T) {
	// Two diverse vms on hosts of one rack cross the ToR in both
	// directions, so a 1000 Mbps pipe needs 2000 Mbps of headroom.
	resources := map[string]topology.ResourceSpec{
		"vm1": server(), "vm2": server(),
		"div":  group("diversity", "host", "vm1", "vm2"),
		"pipe": {Type: topology.TypePipe, Properties: map[string]any{"resources": []any{"vm1", "vm2"}, "bandwidth": 1000.0}},
	}
	tests := []struct {
		name      string
		headroom  float64
		expectOK  bool
		expectAvl float64
	}{
		{"raw amount fits but reservation does not", 1999, false, 1999},
		{"reservation fits exactly", 2000, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSnapshot(testHost{"h1", "r1", 8}, testHost{"h2", "r1", 8})
			s.Units[resource.LevelHost]["h1"].AvailBandwidth = tt.headroom
			r := New(parse(t, resources), s).PlaceNodes()
			if r.OK() != tt.expectOK {
				t.Fatalf("expected ok=%v, got %q %v", tt.expectOK, r.Status, r.Placements)
			}
			if got := s.Units[resource.LevelHost]["h1"].AvailBandwidth; got != tt.expectAvl {
				t.Errorf("expected %v left on h1, got %v", tt.expectAvl, got)
			}
			if !tt.expectOK {
				return
			}
			if got := s.Units[resource.LevelHost]["h2"].AvailBandwidth; got != 8000 {
				t.Errorf("expected 8000 left on h2, got %v", got)
			}
			// Both ends meet below the rack switches.
			if got := s.Units[resource.LevelRack]["r1"].AvailBandwidth; got != 10000 {
				t.Errorf("expected the rack untouched, got %v", got)
			}
		})
	}
}

func TestRePlaceNodes_CreditsOldLinksAndGroups(t *testing.T) {
	s := newTestSnapshot(testHost{"h1", "r1", 8}, testHost{"h2", "r1", 8})
	// vm1 and vm2 were placed before with their pipe and diversity group.
	s.DeductCompute("h1", 2, 4096, 20)
	s.DeductCompute("h2", 2, 4096, 20)
	for _, h := range []string{"h1", "h2"} {
		s.DeductBandwidth(s.Units[resource.LevelHost][h], 2000)
		s.AddMembership(h, "host:diversity", resource.GroupTypeDIV)
	}
	app := parse(t, map[string]topology.ResourceSpec{
		"vm1": server(), "vm2": server(),
		"div":  group("diversity", "host", "vm1", "vm2"),
		"pipe": {Type: topology.TypePipe, Properties: map[string]any{"resources": []any{"vm1", "vm2"}, "bandwidth": 1000.0}},
	})
	for id, host := range map[string]string{"vm1": "h1", "vm2": "h2"} {
		other := map[string]string{"vm1": "vm2", "vm2": "vm1"}[id]
		app.OldPlacements[id] = topology.PlacedNode{
			ID: id, Type: topology.TypeServer, Host: host,
			Demand: topology.Demand{VCPUs: 2, Mem: 4096, LocalDisk: 20},
			Links:  []topology.Link{{Target: other, Bandwidth: 1000}},
			Groups: []string{"host:diversity"},
		}
		app.Planned[id] = host
	}
	r := New(app, s).RePlaceNodes()
	if !r.OK() {
		t.Fatalf("expected placement, got %q", r.Status)
	}
	for _, h := range []string{"h1", "h2"} {
		u := s.Units[resource.LevelHost][h]
		if u.AvailBandwidth != 8000 || u.AvailVCPUs != 6 || u.NumPlacedVMs != 1 {
			t.Errorf("expected %s to be charged once, got %v bandwidth, %v vcpus, %d vms", h, u.AvailBandwidth, u.AvailVCPUs, u.NumPlacedVMs)
		}
	}
	if got := s.Groups["host:diversity"].NumPlacedVMs; got != 2 {
		t.Errorf("expected 2 vms in the diversity group, got %d", got)
	}
}
