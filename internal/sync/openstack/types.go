// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import "encoding/json"

// Hypervisor as returned by the Nova API under /os-hypervisors/detail.
// See: https://docs.openstack.org/api-ref/compute/#list-hypervisors-details
type Hypervisor struct {
	ID                 string `json:"id"`
	Hostname           string `json:"hypervisor_hostname"`
	State              string `json:"state"`
	Status             string `json:"status"`
	VCPUs              int    `json:"vcpus"`
	VCPUsUsed          int    `json:"vcpus_used"`
	MemoryMB           int    `json:"memory_mb"`
	FreeRAMMB          int    `json:"free_ram_mb"`
	LocalGB            int    `json:"local_gb"`
	FreeDiskGB         int    `json:"free_disk_gb"`
	DiskAvailableLeast *int   `json:"disk_available_least"`
	// From the nested service object. Instances refer to this name.
	ServiceHost string `json:"-"`
}

// Unwrap the nested service object.
func (h *Hypervisor) UnmarshalJSON(data []byte) error {
	type Alias Hypervisor
	aux := &struct {
		Service struct {
			Host string `json:"host"`
		} `json:"service"`
		*Alias
	}{
		Alias: (*Alias)(h),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	h.ServiceHost = aux.Service.Host
	return nil
}

// Server as returned by the Nova API under /servers/detail.
type Server struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Host   string `json:"OS-EXT-SRV-ATTR:host"`
}

// Flavor as returned by the Nova API under /flavors/detail with extra specs
// (microversion 2.61 and later).
type Flavor struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	VCPUs      int               `json:"vcpus"`
	RAM        int               `json:"ram"`
	Disk       int               `json:"disk"`
	ExtraSpecs map[string]string `json:"extra_specs"`
}

// Host aggregate as returned by the Nova API under /os-aggregates.
type Aggregate struct {
	Name             string            `json:"name"`
	AvailabilityZone *string           `json:"availability_zone"`
	Hosts            []string          `json:"hosts"`
	Metadata         map[string]string `json:"metadata"`
}
