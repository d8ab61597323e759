// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"fmt"
	"strings"

	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/cobaltcore-dev/valet/internal/sync"
)

// Compute inventory backed by nova.
type Inventory struct {
	nova        NovaAPI
	initialized bool
}

func NewInventory(nova NovaAPI) *Inventory {
	return &Inventory{nova: nova}
}

func (i *Inventory) Pull(ctx context.Context) (sync.ComputeInventory, error) {
	var inv sync.ComputeInventory
	if !i.initialized {
		if err := i.nova.Init(ctx); err != nil {
			return inv, err
		}
		i.initialized = true
	}
	hypervisors, err := i.nova.GetAllHypervisors(ctx)
	if err != nil {
		return inv, fmt.Errorf("failed to list hypervisors: %w", err)
	}
	aggregates, err := i.nova.GetAllAggregates(ctx)
	if err != nil {
		return inv, fmt.Errorf("failed to list aggregates: %w", err)
	}
	flavors, err := i.nova.GetAllFlavors(ctx)
	if err != nil {
		return inv, fmt.Errorf("failed to list flavors: %w", err)
	}
	servers, err := i.nova.GetAllServers(ctx)
	if err != nil {
		return inv, fmt.Errorf("failed to list servers: %w", err)
	}
	for _, h := range hypervisors {
		inv.Hosts = append(inv.Hosts, hostInfo(h))
	}
	for _, a := range aggregates {
		info := sync.AggregateInfo{Name: a.Name, Hosts: a.Hosts, Metadata: a.Metadata}
		if a.AvailabilityZone != nil {
			info.AvailabilityZone = *a.AvailabilityZone
		}
		inv.Aggregates = append(inv.Aggregates, info)
	}
	for _, f := range flavors {
		inv.Flavors = append(inv.Flavors, sync.FlavorInfo{
			ID: f.ID, Name: f.Name,
			VCPUs: float64(f.VCPUs), MemMB: float64(f.RAM), DiskGB: float64(f.Disk),
			ExtraSpecs: f.ExtraSpecs,
		})
	}
	for _, s := range servers {
		// Servers in scheduling or error without a host are not placed yet.
		if s.Host == "" || strings.EqualFold(s.Status, "DELETED") {
			continue
		}
		inv.Instances = append(inv.Instances, sync.InstanceInfo{UUID: s.ID, Name: s.Name, Host: s.Host})
	}
	return inv, nil
}

func hostInfo(h Hypervisor) sync.HostInfo {
	name := h.ServiceHost
	if name == "" {
		name = h.Hostname
	}
	status := resource.StatusEnabled
	if h.Status == resource.StatusDisabled {
		status = resource.StatusDisabled
	}
	info := sync.HostInfo{
		Name: name, Status: status, State: h.State,
		VCPUs: float64(h.VCPUs), VCPUsUsed: float64(h.VCPUsUsed),
		MemMB: float64(h.MemoryMB), FreeMemMB: float64(h.FreeRAMMB),
		DiskGB: float64(h.LocalGB), FreeDiskGB: float64(h.FreeDiskGB),
	}
	if h.DiskAvailableLeast != nil {
		info.DiskAvailableLeast = float64(*h.DiskAvailableLeast)
	}
	return info
}
