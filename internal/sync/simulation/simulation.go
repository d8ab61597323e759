// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package simulation

import (
	"context"
	"fmt"
	"os"

	"github.com/cobaltcore-dev/valet/internal/sync"
	"gopkg.in/yaml.v3"
)

// Generates uniform hosts named <region>r<rack>c<node>, matching the
// default naming convention of the topology syncer.
type Generator struct {
	Region       string  `yaml:"region"`
	Racks        int     `yaml:"racks"`
	HostsPerRack int     `yaml:"hostsPerRack"`
	VCPUs        float64 `yaml:"vcpus"`
	MemMB        float64 `yaml:"memMB"`
	DiskGB       float64 `yaml:"diskGB"`
}

// Inventory file: generated hosts plus everything listed explicitly.
type File struct {
	Generate              *Generator `yaml:"generate"`
	sync.ComputeInventory `yaml:",inline"`
}

func (g Generator) Hosts() []sync.HostInfo {
	hosts := make([]sync.HostInfo, 0, g.Racks*g.HostsPerRack)
	for rack := 1; rack <= g.Racks; rack++ {
		for node := 1; node <= g.HostsPerRack; node++ {
			hosts = append(hosts, sync.HostInfo{
				Name:   fmt.Sprintf("%sr%02dc%03d", g.Region, rack, node),
				Status: "enabled", State: "up",
				VCPUs: g.VCPUs, MemMB: g.MemMB, FreeMemMB: g.MemMB,
				DiskGB: g.DiskGB, FreeDiskGB: g.DiskGB,
			})
		}
	}
	return hosts
}

// Inventory read from a yaml file on every pull, so edits show up with the
// next sync.
type Inventory struct {
	path string
}

func NewInventory(path string) *Inventory {
	return &Inventory{path: path}
}

func (i *Inventory) Pull(_ context.Context) (sync.ComputeInventory, error) {
	data, err := os.ReadFile(i.path)
	if err != nil {
		return sync.ComputeInventory{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (sync.ComputeInventory, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return sync.ComputeInventory{}, fmt.Errorf("failed to parse simulation inventory: %w", err)
	}
	inv := f.ComputeInventory
	if f.Generate != nil {
		inv.Hosts = append(f.Generate.Hosts(), inv.Hosts...)
	}
	for i, h := range inv.Hosts {
		if h.Status == "" {
			inv.Hosts[i].Status = "enabled"
		}
		if h.State == "" {
			inv.Hosts[i].State = "up"
		}
	}
	return inv, nil
}
