// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"errors"
	"maps"
)

// Serialized form of the resource model, either complete or a delta.
type Status struct {
	// Logical clock value the status was taken at.
	Timestamp     int64                    `json:"timestamp"`
	Datacenter    *Datacenter              `json:"datacenter,omitempty"`
	HostGroups    map[string]*HostGroup    `json:"host_groups,omitempty"`
	Hosts         map[string]*Host         `json:"hosts,omitempty"`
	Switches      map[string]*Switch       `json:"switches,omitempty"`
	StorageHosts  map[string]*StorageHost  `json:"storages,omitempty"`
	LogicalGroups map[string]*LogicalGroup `json:"logical_groups,omitempty"`
	Flavors       map[string]*Flavor       `json:"flavors,omitempty"`
}

// Complete snapshot of the model.
func (r *Resource) Status() Status {
	return r.Delta(-1)
}

// All entities changed after the given stamp.
func (r *Resource) Delta(since int64) Status {
	s := Status{
		Timestamp:     r.clock,
		HostGroups:    changedSince(r.HostGroups, since, func(g *HostGroup) int64 { return g.LastUpdate }),
		Hosts:         changedSince(r.Hosts, since, func(h *Host) int64 { return h.LastUpdate }),
		Switches:      changedSince(r.Switches, since, func(s *Switch) int64 { return s.LastUpdate }),
		StorageHosts:  changedSince(r.StorageHosts, since, func(s *StorageHost) int64 { return s.LastUpdate }),
		LogicalGroups: changedSince(r.LogicalGroups, since, func(lg *LogicalGroup) int64 { return lg.LastUpdate }),
		Flavors:       changedSince(r.Flavors, since, func(f *Flavor) int64 { return f.LastUpdate }),
	}
	if r.Datacenter.LastUpdate > since {
		s.Datacenter = r.Datacenter
	}
	return s
}

func changedSince[V any](m map[string]V, since int64, stamp func(V) int64) map[string]V {
	out := map[string]V{}
	for k, v := range m {
		if stamp(v) > since {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Apply a delta on top of this status. Disabled placement groups are
// removed.
func (s *Status) Merge(delta Status) {
	s.Timestamp = max(s.Timestamp, delta.Timestamp)
	if delta.Datacenter != nil {
		s.Datacenter = delta.Datacenter
	}
	s.HostGroups = mergeInto(s.HostGroups, delta.HostGroups)
	s.Hosts = mergeInto(s.Hosts, delta.Hosts)
	s.Switches = mergeInto(s.Switches, delta.Switches)
	s.StorageHosts = mergeInto(s.StorageHosts, delta.StorageHosts)
	s.LogicalGroups = mergeInto(s.LogicalGroups, delta.LogicalGroups)
	s.Flavors = mergeInto(s.Flavors, delta.Flavors)
	for name, lg := range s.LogicalGroups {
		if lg.GroupType.IsPlacementGroup() && lg.Status == StatusDisabled {
			delete(s.LogicalGroups, name)
		}
	}
}

func mergeInto[V any](dst, src map[string]V) map[string]V {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = map[string]V{}
	}
	maps.Copy(dst, src)
	return dst
}

// Replace the model with a persisted status. The cursor and clock continue
// from the status so that only later changes are persisted again.
func (r *Resource) BootstrapFromStatus(s Status) error {
	if s.Datacenter == nil {
		return errors.New("status has no datacenter")
	}
	r.Datacenter = s.Datacenter
	r.HostGroups = orEmpty(s.HostGroups)
	r.Hosts = orEmpty(s.Hosts)
	r.Switches = orEmpty(s.Switches)
	r.StorageHosts = orEmpty(s.StorageHosts)
	r.LogicalGroups = orEmpty(s.LogicalGroups)
	r.Flavors = orEmpty(s.Flavors)
	for _, h := range r.Hosts {
		if h.Memberships == nil {
			h.Memberships = map[string]GroupType{}
		}
	}
	for _, g := range r.HostGroups {
		if g.Memberships == nil {
			g.Memberships = map[string]GroupType{}
		}
	}
	if r.Datacenter.Memberships == nil {
		r.Datacenter.Memberships = map[string]GroupType{}
	}
	for _, lg := range r.LogicalGroups {
		if lg.VMsPerHost == nil {
			lg.VMsPerHost = map[string][]VMInfo{}
		}
		if lg.Metadata == nil {
			lg.Metadata = map[string]string{}
		}
	}
	r.clock = s.Timestamp
	r.cursor = s.Timestamp
	r.aggregated = map[string]int64{}
	r.aggregate()
	r.computeGlobalAvail()
	return nil
}

func orEmpty[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
