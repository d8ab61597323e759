// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cobaltcore-dev/valet/internal/resource"
)

const (
	QueryGetTime   = "get_time"
	QueryGroupVMs  = "group_vms"
	QueryAllGroups = "all_groups"
	QueryHostInfo  = "host_info"
)

type GroupSummary struct {
	Name   string             `json:"name"`
	Type   resource.GroupType `json:"type"`
	Status string             `json:"status"`
	VMs    int                `json:"vms"`
	// Hosts or host groups the group is bound to.
	Units []string `json:"units"`
}

type HostSummary struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	State   string `json:"state"`
	Rack    string `json:"rack"`
	Cluster string `json:"cluster"`

	VCPUs          float64 `json:"vcpus"`
	AvailVCPUs     float64 `json:"avail_vcpus"`
	Mem            float64 `json:"mem"`
	AvailMem       float64 `json:"avail_mem"`
	LocalDisk      float64 `json:"local_disk"`
	AvailLocalDisk float64 `json:"avail_local_disk"`

	VMs         []resource.VMInfo `json:"vms"`
	Memberships []string          `json:"memberships"`
}

// Answer a read-only question about the resource model.
func (e *Engine) query(job Job) Result {
	var result Result
	err := e.model.Do(func(res *resource.Resource) error {
		result = runQuery(res, job.Type, job.Parameters)
		return nil
	})
	if err != nil {
		return errorResult(err.Error())
	}
	return result
}

func runQuery(res *resource.Resource, queryType string, params map[string]any) Result {
	switch queryType {
	case QueryGetTime:
		return okResult(map[string]any{
			"time":  time.Now().UTC().Format(time.RFC3339),
			"clock": res.Now(),
		})
	case QueryGroupVMs:
		name, ok := stringParam(params, "group_name")
		if !ok {
			return errorResult("missing parameter group_name")
		}
		lg, ok := res.LogicalGroups[name]
		if !ok {
			return errorResult(fmt.Sprintf("unknown group %q", name))
		}
		return okResult(slices.Clone(lg.VMList))
	case QueryAllGroups:
		groups := make([]GroupSummary, 0, len(res.LogicalGroups))
		for _, name := range slices.Sorted(maps.Keys(res.LogicalGroups)) {
			groups = append(groups, groupSummary(res, res.LogicalGroups[name]))
		}
		return okResult(groups)
	case QueryHostInfo:
		name, ok := stringParam(params, "host_name")
		if !ok {
			return errorResult("missing parameter host_name")
		}
		h, ok := res.Hosts[name]
		if !ok {
			return errorResult(fmt.Sprintf("unknown host %q", name))
		}
		return okResult(hostSummary(res, h))
	default:
		return errorResult(fmt.Sprintf("unknown query type %q", queryType))
	}
}

func groupSummary(res *resource.Resource, lg *resource.LogicalGroup) GroupSummary {
	s := GroupSummary{Name: lg.Name, Type: lg.GroupType, Status: lg.Status, VMs: len(lg.VMList)}
	if lg.GroupType.IsPlacementGroup() {
		s.Units = slices.Sorted(maps.Keys(lg.VMsPerHost))
		return s
	}
	s.Units = []string{}
	for _, name := range res.HostNames() {
		if _, ok := res.Hosts[name].Memberships[lg.Name]; ok {
			s.Units = append(s.Units, name)
		}
	}
	return s
}

func hostSummary(res *resource.Resource, h *resource.Host) HostSummary {
	rack, cluster := res.RackAndCluster(h.Name)
	return HostSummary{
		Name: h.Name, Status: h.Status, State: h.State, Rack: rack, Cluster: cluster,
		VCPUs: h.VCPUs, AvailVCPUs: h.AvailVCPUs,
		Mem: h.MemCap, AvailMem: h.AvailMemCap,
		LocalDisk: h.LocalDiskCap, AvailLocalDisk: h.AvailLocalDiskCap,
		VMs:         slices.Clone(h.VMList),
		Memberships: slices.Sorted(maps.Keys(h.Memberships)),
	}
}

// Non-empty string parameter, ok=false if it is missing or of another type.
func stringParam(params map[string]any, key string) (string, bool) {
	s, ok := params[key].(string)
	return s, ok && s != ""
}
