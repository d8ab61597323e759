// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"testing"

	"github.com/cobaltcore-dev/valet/internal/conf"
)

type mockPersister struct {
	err    error
	deltas []Status
}

func (m *mockPersister) UpdateResourceStatus(_ context.Context, _ string, delta Status) error {
	if m.err != nil {
		return m.err
	}
	m.deltas = append(m.deltas, delta)
	return nil
}

// Build c1 -> {r1 -> {h1, h2}, r2 -> {h3}} with one ToR switch per rack.
func newTestResource(t *testing.T, p Persister) *Resource {
	t.Helper()
	r := New(conf.ResourceConfig{
		DatacenterName:      "dc1",
		CPUOvercommitRatio:  1,
		MemOvercommitRatio:  1,
		DiskOvercommitRatio: 1,
	}, p)
	cluster := NewHostGroup("c1", LevelCluster)
	r.HostGroups["c1"] = cluster
	r.Datacenter.Resources = []string{"c1"}
	for rack, hosts := range map[string][]string{"r1": {"h1", "h2"}, "r2": {"h3"}} {
		g := NewHostGroup(rack, LevelRack)
		g.ParentResource = "c1"
		g.ChildResources = hosts
		tor := NewSwitch(rack+"-tor", SwitchTypeTOR)
		tor.UpLinks["up"] = &Link{Name: "up", NicBandwidth: 1000, AvailBandwidth: 1000}
		r.Switches[tor.Name] = tor
		g.Switches = []string{}
		cluster.ChildResources = append(cluster.ChildResources, rack)
		r.HostGroups[rack] = g
		for _, name := range hosts {
			h := NewHost(name)
			h.Tags = []string{"nova"}
			h.HostGroup = rack
			h.Switches = []string{tor.Name}
			r.Hosts[name] = h
			if _, err := r.UpdateHostResources(name, StatusEnabled, 8, 0, 16384, 16384, 100, 100, 0); err != nil {
				t.Fatalf("failed to update host: %v", err)
			}
		}
	}
	if err := r.UpdateTopology(t.Context(), false); err != nil {
		t.Fatalf("failed to update topology: %v", err)
	}
	return r
}

func TestHost_ComputeAvail(t *testing.T) {
	tests := []struct {
		name          string
		overcommit    float64
		standby       float64
		host          Host
		expectedCPU   float64
		expectedMem   float64
		expectedDisk  float64
		expectedTotal float64
	}{
		{
			name:       "no overcommit",
			overcommit: 1,
			host: Host{
				OriginalVCPUs: 4, VCPUsUsed: 1,
				OriginalMemCap: 8192, FreeMemMB: 4096,
				OriginalLocalDiskCap: 100, FreeDiskGB: 80,
			},
			expectedCPU: 3, expectedMem: 4096, expectedDisk: 80, expectedTotal: 4,
		},
		{
			name:       "overcommit with standby",
			overcommit: 2,
			standby:    0.25,
			host: Host{
				OriginalVCPUs: 4, VCPUsUsed: 2,
				OriginalMemCap: 8192, FreeMemMB: 8192,
				OriginalLocalDiskCap: 100, FreeDiskGB: 100,
			},
			expectedCPU: 4, expectedMem: 12288, expectedDisk: 150, expectedTotal: 6,
		},
		{
			name:       "disk available least caps free disk",
			overcommit: 1,
			host: Host{
				OriginalLocalDiskCap: 100, FreeDiskGB: 80, DiskAvailableLeast: 50,
			},
			expectedDisk: 50,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.host
			h.ComputeAvailVCPUs(tt.overcommit, tt.standby)
			h.ComputeAvailMem(tt.overcommit, tt.standby)
			h.ComputeAvailDisk(tt.overcommit, tt.standby)
			if h.AvailVCPUs != tt.expectedCPU {
				t.Errorf("expected avail vcpus %v, got %v", tt.expectedCPU, h.AvailVCPUs)
			}
			if h.VCPUs != tt.expectedTotal {
				t.Errorf("expected total vcpus %v, got %v", tt.expectedTotal, h.VCPUs)
			}
			if h.AvailMemCap != tt.expectedMem {
				t.Errorf("expected avail mem %v, got %v", tt.expectedMem, h.AvailMemCap)
			}
			if h.AvailLocalDiskCap != tt.expectedDisk {
				t.Errorf("expected avail disk %v, got %v", tt.expectedDisk, h.AvailLocalDiskCap)
			}
		})
	}
}

func TestResource_UpdateTopology_Aggregation(t *testing.T) {
	r := newTestResource(t, nil)
	if err := r.DeductHostResources("h1", 2, 4096, 20); err != nil {
		t.Fatal(err)
	}
	r.Hosts["h2"].Status = StatusDisabled
	r.Hosts["h2"].LastUpdate = r.Tick()
	if err := r.UpdateTopology(t.Context(), false); err != nil {
		t.Fatal(err)
	}
	if got := r.HostGroups["r1"].AvailVCPUs; got != 6 {
		t.Errorf("expected rack r1 avail vcpus 6 (h2 disabled), got %v", got)
	}
	if got := r.HostGroups["c1"].AvailVCPUs; got != 14 {
		t.Errorf("expected cluster avail vcpus 14, got %v", got)
	}
	if got := r.Datacenter.AvailMemCap; got != 16384-4096+16384 {
		t.Errorf("unexpected datacenter avail mem %v", got)
	}
	if r.CPUAvail != 14 || r.LocalDiskAvail != 180 {
		t.Errorf("unexpected global totals cpu=%v disk=%v", r.CPUAvail, r.LocalDiskAvail)
	}
	for _, g := range r.HostGroups {
		if g.HostType != LevelRack {
			continue
		}
		sum := 0.0
		for _, child := range g.ChildResources {
			if h := r.Hosts[child]; h.IsAvailable() {
				sum += h.AvailVCPUs
			}
		}
		if sum != g.AvailVCPUs {
			t.Errorf("rack %s avail vcpus %v does not match children %v", g.Name, g.AvailVCPUs, sum)
		}
	}
}

func TestResource_LogicalGroups(t *testing.T) {
	r := newTestResource(t, nil)
	vm := VMInfo{OrchID: "o1", Name: "vm1", UUID: None}
	if err := r.AddVMToHost("h1", vm); err != nil {
		t.Fatal(err)
	}
	if err := r.AddLogicalGroup("h1", "host:ex1", GroupTypeEX); err != nil {
		t.Fatal(err)
	}
	if err := r.AddLogicalGroup("h1", "rack:div1", GroupTypeDIV); err != nil {
		t.Fatal(err)
	}
	if err := r.AddVMToLogicalGroups("h1", vm, []string{"host:ex1", "rack:div1"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Hosts["h1"].Memberships["host:ex1"]; !ok {
		t.Error("expected host h1 to be a member of host:ex1")
	}
	if _, ok := r.HostGroups["r1"].Memberships["rack:div1"]; !ok {
		t.Error("expected rack r1 to be a member of rack:div1")
	}
	if vms := r.LogicalGroups["rack:div1"].VMsPerHost["r1"]; len(vms) != 1 {
		t.Errorf("expected one vm for r1 in rack:div1, got %v", vms)
	}
	if vms := r.LogicalGroups["host:ex1"].VMsPerHost["h1"]; len(vms) != 1 {
		t.Errorf("expected one vm for h1 in host:ex1, got %v", vms)
	}
	if err := r.UpdateTopology(t.Context(), false); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.HostGroups["r1"].Memberships["host:ex1"]; !ok {
		t.Error("expected rack r1 to inherit host:ex1 from its children")
	}

	if err := r.RemoveVMFromLogicalGroups("h1", vm); err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveVMFromHost("h1", vm); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"host:ex1", "rack:div1"} {
		if lg := r.LogicalGroups[name]; lg.Status != StatusDisabled {
			t.Errorf("expected empty group %s to be disabled", name)
		}
	}
	if _, ok := r.Hosts["h1"].Memberships["host:ex1"]; ok {
		t.Error("expected membership host:ex1 to be dropped")
	}
	if _, ok := r.HostGroups["r1"].Memberships["rack:div1"]; ok {
		t.Error("expected membership rack:div1 to be dropped")
	}
	if len(r.Hosts["h1"].VMList) != 0 {
		t.Errorf("expected no vms on h1, got %v", r.Hosts["h1"].VMList)
	}
	p := &mockPersister{}
	r.persister = p
	if err := r.UpdateTopology(t.Context(), true); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.LogicalGroups["host:ex1"]; ok {
		t.Error("expected disabled group to be purged after persisting")
	}
}

func TestResource_AggregatesAreNotPlacementGroups(t *testing.T) {
	r := newTestResource(t, nil)
	r.LogicalGroups["az1"] = NewLogicalGroup("az1", GroupTypeAZ)
	if err := r.AddLogicalGroup("h1", "az1", GroupTypeAZ); err != nil {
		t.Fatal(err)
	}
	vm := VMInfo{OrchID: "o1", Name: "vm1", UUID: "u1"}
	if err := r.AddVMToLogicalGroups("h1", vm, []string{"az1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveVMFromLogicalGroups("h1", vm); err != nil {
		t.Fatal(err)
	}
	lg := r.LogicalGroups["az1"]
	if lg.Status != StatusEnabled {
		t.Error("expected availability zone to stay enabled when empty")
	}
	if len(lg.VMsPerHost) != 0 {
		t.Errorf("expected no per host tracking for availability zones, got %v", lg.VMsPerHost)
	}
}

func TestResource_DeductBandwidth(t *testing.T) {
	r := newTestResource(t, nil)
	spine := NewSwitch("c1-spine", SwitchTypeSpine)
	spine.UpLinks["up"] = &Link{Name: "up", NicBandwidth: 5000, AvailBandwidth: 5000}
	r.Switches[spine.Name] = spine
	r.HostGroups["r1"].Switches = []string{spine.Name}

	if err := r.DeductBandwidth("h1", LevelHost, 100); err != nil {
		t.Fatal(err)
	}
	if got := r.Switches["r1-tor"].UpLinks["up"].AvailBandwidth; got != 900 {
		t.Errorf("expected tor headroom 900, got %v", got)
	}
	if got := spine.UpLinks["up"].AvailBandwidth; got != 5000 {
		t.Errorf("expected spine untouched for host level, got %v", got)
	}
	if err := r.DeductBandwidth("h1", LevelRack, 100); err != nil {
		t.Fatal(err)
	}
	if got := spine.UpLinks["up"].AvailBandwidth; got != 4900 {
		t.Errorf("expected spine headroom 4900, got %v", got)
	}
	if err := r.DeductBandwidth("h1", LevelAny, 100); err != nil {
		t.Fatal(err)
	}
	if got := r.Switches["r1-tor"].UpLinks["up"].AvailBandwidth; got != 800 {
		t.Errorf("expected no deduction for the same host, got %v", got)
	}
	if got := r.MaxAvailBandwidth(nil); got != UnlimitedBandwidth {
		t.Errorf("expected unlimited bandwidth without switches, got %v", got)
	}
}

func TestResource_PlacementLevel(t *testing.T) {
	r := newTestResource(t, nil)
	tests := []struct {
		a, b     string
		expected Level
	}{
		{"h1", "h1", LevelAny},
		{"h1", "h2", LevelHost},
		{"h1", "h3", LevelRack},
	}
	for _, tt := range tests {
		if got := r.PlacementLevel(tt.a, tt.b); got != tt.expected {
			t.Errorf("placement level of %s and %s: expected %s, got %s", tt.a, tt.b, tt.expected, got)
		}
	}
}

func TestResource_PersistCursor(t *testing.T) {
	p := &mockPersister{err: errors.New("store down")}
	r := newTestResource(t, p)
	if err := r.UpdateTopology(t.Context(), true); err == nil {
		t.Fatal("expected an error from the persister")
	}
	if r.Cursor() != 0 {
		t.Fatalf("expected cursor to stay at 0, got %d", r.Cursor())
	}
	p.err = nil
	if err := r.UpdateTopology(t.Context(), true); err != nil {
		t.Fatal(err)
	}
	if len(p.deltas) != 1 || len(p.deltas[0].Hosts) != 3 {
		t.Fatalf("expected the full delta to be retried, got %+v", p.deltas)
	}
	if r.Cursor() != r.Now() {
		t.Errorf("expected cursor %d, got %d", r.Now(), r.Cursor())
	}
	if err := r.DeductHostResources("h3", 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateTopology(t.Context(), true); err != nil {
		t.Fatal(err)
	}
	delta := p.deltas[1]
	if len(delta.Hosts) != 1 || delta.Hosts["h3"] == nil {
		t.Errorf("expected only h3 in the delta, got %v", slices.Collect(maps.Keys(delta.Hosts)))
	}
	if delta.HostGroups["r2"] == nil || delta.HostGroups["r1"] != nil {
		t.Errorf("expected only rack r2 in the delta")
	}
	// Nothing changed, nothing is written.
	if err := r.UpdateTopology(t.Context(), true); err != nil {
		t.Fatal(err)
	}
	if len(p.deltas) != 2 {
		t.Errorf("expected no write without changes, got %d writes", len(p.deltas))
	}
}

func TestResource_StatusRoundTrip(t *testing.T) {
	r := newTestResource(t, nil)
	vm := VMInfo{OrchID: "o1", Name: "vm1", UUID: "u1"}
	if err := r.AddVMToHost("h2", vm); err != nil {
		t.Fatal(err)
	}
	if err := r.DeductHostResources("h2", 2, 1024, 10); err != nil {
		t.Fatal(err)
	}
	if err := r.AddLogicalGroup("h2", "host:aff1", GroupTypeAFF); err != nil {
		t.Fatal(err)
	}
	if err := r.AddVMToLogicalGroups("h2", vm, []string{"host:aff1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateTopology(t.Context(), false); err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(r.Status())
	if err != nil {
		t.Fatal(err)
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatal(err)
	}
	fresh := New(r.Config, nil)
	if err := fresh.BootstrapFromStatus(status); err != nil {
		t.Fatal(err)
	}
	if fresh.CPUAvail != r.CPUAvail || fresh.MemAvail != r.MemAvail || fresh.LocalDiskAvail != r.LocalDiskAvail {
		t.Errorf("expected equal totals, got cpu %v/%v mem %v/%v disk %v/%v",
			fresh.CPUAvail, r.CPUAvail, fresh.MemAvail, r.MemAvail, fresh.LocalDiskAvail, r.LocalDiskAvail)
	}
	for name, h := range r.Hosts {
		if !maps.Equal(h.Memberships, fresh.Hosts[name].Memberships) {
			t.Errorf("memberships of %s differ: %v vs %v", name, h.Memberships, fresh.Hosts[name].Memberships)
		}
	}
	if !maps.Equal(r.HostGroups["r1"].Memberships, fresh.HostGroups["r1"].Memberships) {
		t.Errorf("rack memberships differ")
	}
	if fresh.Cursor() != status.Timestamp {
		t.Errorf("expected cursor %d, got %d", status.Timestamp, fresh.Cursor())
	}
}

func TestStatus_Merge(t *testing.T) {
	base := Status{
		Timestamp: 1,
		Hosts:     map[string]*Host{"h1": NewHost("h1")},
		LogicalGroups: map[string]*LogicalGroup{
			"host:ex1": NewLogicalGroup("host:ex1", GroupTypeEX),
		},
	}
	disabled := NewLogicalGroup("host:ex1", GroupTypeEX)
	disabled.Status = StatusDisabled
	base.Merge(Status{
		Timestamp:     5,
		Hosts:         map[string]*Host{"h2": NewHost("h2")},
		LogicalGroups: map[string]*LogicalGroup{"host:ex1": disabled},
	})
	if base.Timestamp != 5 {
		t.Errorf("expected timestamp 5, got %d", base.Timestamp)
	}
	if len(base.Hosts) != 2 {
		t.Errorf("expected both hosts, got %d", len(base.Hosts))
	}
	if _, ok := base.LogicalGroups["host:ex1"]; ok {
		t.Error("expected disabled placement group to be removed")
	}
}

func TestSharedModel_Do(t *testing.T) {
	m := NewSharedModel(New(conf.ResourceConfig{DatacenterName: "dc1"}, nil))
	done := make(chan struct{})
	for range 10 {
		go func() {
			_ = m.Do(func(r *Resource) error { r.Tick(); return nil })
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}
	var now int64
	if err := m.Do(func(r *Resource) error { now = r.Now(); return nil }); err != nil {
		t.Fatal(err)
	}
	if now != 10 {
		t.Errorf("expected 10 serialized ticks, got %d", now)
	}
	wantErr := errors.New("boom")
	if err := m.Do(func(*Resource) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("expected the callback error, got %v", err)
	}
}
