// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"context"

	"github.com/cobaltcore-dev/valet/internal/resource"
)

// Hypervisor as reported by the compute service.
type HostInfo struct {
	Name string `yaml:"name"`
	// "enabled" or "disabled".
	Status string `yaml:"status"`
	// "up" or "down".
	State string `yaml:"state"`

	VCPUs              float64 `yaml:"vcpus"`
	VCPUsUsed          float64 `yaml:"vcpusUsed"`
	MemMB              float64 `yaml:"memMB"`
	FreeMemMB          float64 `yaml:"freeMemMB"`
	DiskGB             float64 `yaml:"diskGB"`
	FreeDiskGB         float64 `yaml:"freeDiskGB"`
	DiskAvailableLeast float64 `yaml:"diskAvailableLeast"`
}

// Host aggregate, optionally bound to an availability zone.
type AggregateInfo struct {
	Name             string            `yaml:"name"`
	AvailabilityZone string            `yaml:"availabilityZone"`
	Hosts            []string          `yaml:"hosts"`
	Metadata         map[string]string `yaml:"metadata"`
}

// Running instance and the host it runs on.
type InstanceInfo struct {
	UUID string `yaml:"uuid"`
	Name string `yaml:"name"`
	Host string `yaml:"host"`
}

// Volume pool reachable from a set of hosts.
type StorageInfo struct {
	Name    string   `yaml:"name"`
	Class   string   `yaml:"class"`
	DiskGB  float64  `yaml:"diskGB"`
	AvailGB float64  `yaml:"availGB"`
	Hosts   []string `yaml:"hosts"`
}

type FlavorInfo struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	VCPUs      float64           `yaml:"vcpus"`
	MemMB      float64           `yaml:"memMB"`
	DiskGB     float64           `yaml:"diskGB"`
	ExtraSpecs map[string]string `yaml:"extraSpecs"`
}

// Everything pulled from the inventory in one pass.
type ComputeInventory struct {
	Hosts      []HostInfo      `yaml:"hosts"`
	Aggregates []AggregateInfo `yaml:"aggregates"`
	Flavors    []FlavorInfo    `yaml:"flavors"`
	Instances  []InstanceInfo  `yaml:"instances"`
	Storages   []StorageInfo   `yaml:"storages"`
}

// Source of the compute inventory, such as nova or a simulation file.
type Inventory interface {
	Pull(ctx context.Context) (ComputeInventory, error)
}

func (f FlavorInfo) toResource() *resource.Flavor {
	specs := f.ExtraSpecs
	if specs == nil {
		specs = map[string]string{}
	}
	return &resource.Flavor{
		Name:       f.Name,
		FlavorID:   f.ID,
		Status:     resource.StatusEnabled,
		VCPUs:      f.VCPUs,
		MemMB:      f.MemMB,
		DiskGB:     f.DiskGB,
		ExtraSpecs: specs,
	}
}
