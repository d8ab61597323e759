// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package monitoring

import (
	"strings"
	"testing"

	"github.com/cobaltcore-dev/valet/internal/conf"
	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestModelCollector(t *testing.T) {
	r := resource.New(conf.ResourceConfig{
		DatacenterName: "dc1", CPUOvercommitRatio: 1, MemOvercommitRatio: 1, DiskOvercommitRatio: 1,
	}, nil)
	h := resource.NewHost("h1")
	r.Hosts["h1"] = h
	if _, err := r.UpdateHostResources("h1", resource.StatusEnabled, 4, 0, 8192, 8192, 100, 100, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.AddVMToHost("h1", resource.VMInfo{OrchID: "vm1", Name: "vm1", UUID: resource.None}); err != nil {
		t.Fatal(err)
	}
	if err := r.DeductHostResources("h1", 2, 4096, 20); err != nil {
		t.Fatal(err)
	}
	tor := resource.NewSwitch("r1-tor", resource.SwitchTypeTOR)
	tor.UpLinks["up"] = &resource.Link{Name: "up", NicBandwidth: 1000, AvailBandwidth: 750}
	r.Switches[tor.Name] = tor

	collector := NewModelCollector(resource.NewSharedModel(r))
	expected := strings.NewReader(`
        # HELP valet_host_vcpus Total and available vcpus of a host after overcommit
        # TYPE valet_host_vcpus gauge
        valet_host_vcpus{host="h1",kind="avail"} 2
        valet_host_vcpus{host="h1",kind="total"} 4
        # HELP valet_host_vms Number of vms registered on a host
        # TYPE valet_host_vms gauge
        valet_host_vms{host="h1"} 1
        # HELP valet_switch_uplink_avail_bandwidth_mbps Bandwidth left on a switch up-link
        # TYPE valet_switch_uplink_avail_bandwidth_mbps gauge
        valet_switch_uplink_avail_bandwidth_mbps{link="up",switch="r1-tor"} 750
    `)
	err := testutil.CollectAndCompare(collector, expected,
		"valet_host_vcpus", "valet_host_vms", "valet_switch_uplink_avail_bandwidth_mbps")
	if err != nil {
		t.Fatalf("unexpected model metrics: %v", err)
	}
}
