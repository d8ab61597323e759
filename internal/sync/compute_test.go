// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/cobaltcore-dev/valet/internal/conf"
	"github.com/cobaltcore-dev/valet/internal/mqtt"
	"github.com/cobaltcore-dev/valet/internal/resource"
)

type mockInventory struct {
	inv   ComputeInventory
	err   error
	pulls int
}

func (m *mockInventory) Pull(_ context.Context) (ComputeInventory, error) {
	m.pulls++
	return m.inv, m.err
}

func newTestModel() (*resource.Resource, *resource.SharedModel) {
	res := resource.New(conf.ResourceConfig{
		DatacenterName: "dc1", CPUOvercommitRatio: 1, MemOvercommitRatio: 1, DiskOvercommitRatio: 1,
	}, nil)
	return res, resource.NewSharedModel(res)
}

func testHost(name string) HostInfo {
	return HostInfo{
		Name: name, Status: "enabled", State: "up",
		VCPUs: 8, VCPUsUsed: 2, MemMB: 16384, FreeMemMB: 12288, DiskGB: 100, FreeDiskGB: 80,
	}
}

func testInventory() ComputeInventory {
	return ComputeInventory{
		Hosts: []HostInfo{testHost("h1"), testHost("h2")},
		Aggregates: []AggregateInfo{
			{Name: "agg1", AvailabilityZone: "az1", Hosts: []string{"h1"}, Metadata: map[string]string{"ssd": "true"}},
		},
		Flavors: []FlavorInfo{
			{ID: "1", Name: "small", VCPUs: 2, MemMB: 4096, DiskGB: 20},
		},
		Instances: []InstanceInfo{{UUID: "u1", Name: "web", Host: "h1"}},
		Storages: []StorageInfo{
			{Name: "pool1", Class: "ssd", DiskGB: 1000, AvailGB: 900, Hosts: []string{"h2", "h1"}},
		},
	}
}

func TestComputeSyncer_Sync(t *testing.T) {
	res, model := newTestModel()
	inventory := &mockInventory{inv: testInventory()}
	syncer := NewComputeSyncer(inventory, model, Monitor{}, mqtt.NewClient(conf.MQTTConfig{}, mqtt.Monitor{}))

	if err := syncer.Sync(t.Context()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	h1, ok := res.Hosts["h1"]
	if !ok {
		t.Fatal("expected h1 to be created")
	}
	if !h1.IsAvailable() {
		t.Errorf("expected h1 to be available, got %+v", h1)
	}
	if h1.AvailVCPUs != 6 || h1.AvailMemCap != 12288 || h1.AvailLocalDiskCap != 80 {
		t.Errorf("unexpected avail %v/%v/%v", h1.AvailVCPUs, h1.AvailMemCap, h1.AvailLocalDiskCap)
	}
	expectedMemberships := map[string]resource.GroupType{"az1": resource.GroupTypeAZ, "agg1": resource.GroupTypeAggr}
	if !reflect.DeepEqual(h1.Memberships, expectedMemberships) {
		t.Errorf("expected memberships %v, got %v", expectedMemberships, h1.Memberships)
	}
	if len(res.Hosts["h2"].Memberships) != 0 {
		t.Errorf("expected h2 without memberships, got %v", res.Hosts["h2"].Memberships)
	}
	if res.LogicalGroups["agg1"].Metadata["ssd"] != "true" {
		t.Errorf("expected aggregate metadata, got %v", res.LogicalGroups["agg1"].Metadata)
	}
	if f := res.Flavors["small"]; f == nil || f.VCPUs != 2 {
		t.Errorf("expected flavor small, got %+v", f)
	}
	if !h1.ExistVM(resource.VMInfo{OrchID: resource.None, Name: "web", UUID: "u1"}) {
		t.Errorf("expected instance on h1, got %v", h1.VMList)
	}
	if !reflect.DeepEqual(h1.Storages, []string{"pool1"}) || !reflect.DeepEqual(res.Datacenter.Storages, []string{"pool1"}) {
		t.Errorf("expected pool1 to be attached, got %v and %v", h1.Storages, res.Datacenter.Storages)
	}
	if !reflect.DeepEqual(res.StorageHosts["pool1"].HostList, []string{"h1", "h2"}) {
		t.Errorf("expected sorted storage hosts, got %v", res.StorageHosts["pool1"].HostList)
	}
	if res.CPUAvail != 12 {
		t.Errorf("expected global cpu avail of 12, got %v", res.CPUAvail)
	}

	// A second identical pass changes nothing.
	clock := res.Now()
	if err := syncer.Sync(t.Context()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Now() != clock {
		t.Errorf("expected no changes, clock moved from %d to %d", clock, res.Now())
	}
}

func TestComputeSyncer_Removals(t *testing.T) {
	res, model := newTestModel()
	inventory := &mockInventory{inv: testInventory()}
	syncer := NewComputeSyncer(inventory, model, Monitor{}, mqtt.NewClient(conf.MQTTConfig{}, mqtt.Monitor{}))
	if err := syncer.Sync(t.Context()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	inventory.inv = ComputeInventory{Hosts: []HostInfo{testHost("h1")}}
	if err := syncer.Sync(t.Context()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Hosts["h2"].Status != resource.StatusDisabled {
		t.Error("expected h2 to be disabled")
	}
	if res.LogicalGroups["agg1"].Status != resource.StatusDisabled || res.LogicalGroups["az1"].Status != resource.StatusDisabled {
		t.Error("expected the aggregate and zone to be disabled")
	}
	if len(res.Hosts["h1"].Memberships) != 0 {
		t.Errorf("expected memberships to be dropped, got %v", res.Hosts["h1"].Memberships)
	}
	if res.Flavors["small"].Status != resource.StatusDisabled {
		t.Error("expected flavor small to be disabled")
	}
	if res.StorageHosts["pool1"].Status != resource.StatusDisabled || len(res.Hosts["h1"].Storages) != 0 {
		t.Error("expected pool1 to be detached and disabled")
	}
	if len(res.Hosts["h1"].VMList) != 0 {
		t.Errorf("expected the instance to be gone, got %v", res.Hosts["h1"].VMList)
	}
}

func TestComputeSyncer_FillsUUIDByName(t *testing.T) {
	res, model := newTestModel()
	inventory := &mockInventory{inv: ComputeInventory{Hosts: []HostInfo{testHost("h1")}}}
	syncer := NewComputeSyncer(inventory, model, Monitor{}, mqtt.NewClient(conf.MQTTConfig{}, mqtt.Monitor{}))
	if err := syncer.Sync(t.Context()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	placed := resource.VMInfo{OrchID: "vm1", Name: "web", UUID: resource.None}
	if err := res.AddVMToHost("h1", placed); err != nil {
		t.Fatal(err)
	}

	inventory.inv.Instances = []InstanceInfo{{UUID: "u1", Name: "web", Host: "h1"}}
	if err := syncer.Sync(t.Context()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	expected := []resource.VMInfo{{OrchID: "vm1", Name: "web", UUID: "u1"}}
	if !reflect.DeepEqual(res.Hosts["h1"].VMList, expected) {
		t.Errorf("expected %v, got %v", expected, res.Hosts["h1"].VMList)
	}
}

func TestComputeSyncer_PullError(t *testing.T) {
	res, model := newTestModel()
	inventory := &mockInventory{err: errors.New("nova is down")}
	syncer := NewComputeSyncer(inventory, model, Monitor{}, mqtt.NewClient(conf.MQTTConfig{}, mqtt.Monitor{}))
	if err := syncer.Sync(t.Context()); err == nil {
		t.Fatal("expected an error")
	}
	if res.Now() != 0 || len(res.Hosts) != 0 {
		t.Error("expected the model to stay untouched")
	}
}
