// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"slices"
)

// Physical compute node as reported by the inventory.
type Host struct {
	Name string `json:"name"`
	// Inventory tags such as "nova".
	Tags   []string `json:"tags"`
	Status string   `json:"status"`
	// Service state reported by the hypervisor ("up" or "down").
	State string `json:"state"`
	// Name of the rack this host belongs to.
	HostGroup string `json:"parent"`

	VCPUs         float64 `json:"vcpus"`
	OriginalVCPUs float64 `json:"original_vcpus"`
	AvailVCPUs    float64 `json:"avail_vcpus"`
	VCPUsUsed     float64 `json:"vcpus_used"`

	MemCap         float64 `json:"mem"`
	OriginalMemCap float64 `json:"original_mem"`
	FreeMemMB      float64 `json:"free_mem_mb"`
	AvailMemCap    float64 `json:"avail_mem"`

	LocalDiskCap         float64 `json:"local_disk"`
	OriginalLocalDiskCap float64 `json:"original_local_disk"`
	FreeDiskGB           float64 `json:"free_disk_gb"`
	DiskAvailableLeast   float64 `json:"disk_available_least"`
	AvailLocalDiskCap    float64 `json:"avail_local_disk"`

	VMList     []VMInfo `json:"vm_list"`
	VolumeList []string `json:"volume_list"`
	// Logical group name to group type.
	Memberships map[string]GroupType `json:"memberships"`
	Switches    []string             `json:"switches"`
	Storages    []string             `json:"storages"`

	LastUpdate int64 `json:"last_update"`
}

func NewHost(name string) *Host {
	return &Host{
		Name:        name,
		Tags:        []string{},
		Status:      StatusEnabled,
		State:       "up",
		VMList:      []VMInfo{},
		VolumeList:  []string{},
		Memberships: map[string]GroupType{},
		Switches:    []string{},
		Storages:    []string{},
	}
}

// Check if the host can receive new workloads.
func (h *Host) IsAvailable() bool {
	return h.Status == StatusEnabled && h.State == "up" && slices.Contains(h.Tags, "nova")
}

// Total after overcommit and standby, avail = total - used.
func (h *Host) ComputeAvailVCPUs(overcommit, standby float64) {
	h.VCPUs = h.OriginalVCPUs * overcommit * (1 - standby)
	h.AvailVCPUs = h.VCPUs - h.VCPUsUsed
}

func (h *Host) ComputeAvailMem(overcommit, standby float64) {
	h.MemCap = h.OriginalMemCap * overcommit * (1 - standby)
	used := h.OriginalMemCap - h.FreeMemMB
	h.AvailMemCap = h.MemCap - used
}

// disk_available_least caps the free disk when the hypervisor reports it.
func (h *Host) ComputeAvailDisk(overcommit, standby float64) {
	h.LocalDiskCap = h.OriginalLocalDiskCap * overcommit * (1 - standby)
	free := h.FreeDiskGB
	if h.DiskAvailableLeast > 0 {
		free = min(free, h.DiskAvailableLeast)
	}
	used := h.OriginalLocalDiskCap - free
	h.AvailLocalDiskCap = h.LocalDiskCap - used
}

// Add a vm unless an identical one is already listed.
func (h *Host) AddVM(vm VMInfo) bool {
	if h.ExistVM(vm) {
		return false
	}
	h.VMList = append(h.VMList, vm)
	return true
}

func (h *Host) ExistVM(vm VMInfo) bool {
	return indexOfVM(h.VMList, vm) >= 0
}

func (h *Host) RemoveVMByUUID(uuid string) bool {
	return removeVMWhere(&h.VMList, func(v VMInfo) bool { return v.UUID == uuid })
}

func (h *Host) RemoveVMByOrchID(orchID string) bool {
	return removeVMWhere(&h.VMList, func(v VMInfo) bool { return v.OrchID == orchID })
}

// Fill in the physical uuid of a vm known by its orchestration id.
func (h *Host) UpdateVMUUID(orchID, uuid string) bool {
	for i, v := range h.VMList {
		if v.OrchID == orchID && v.UUID != uuid {
			h.VMList[i].UUID = uuid
			return true
		}
	}
	return false
}

// Rack or cluster aggregating its children.
type HostGroup struct {
	Name     string `json:"name"`
	HostType Level  `json:"host_type"`
	Status   string `json:"status"`
	// Name of the parent cluster, empty for clusters (datacenter).
	ParentResource string   `json:"parent"`
	ChildResources []string `json:"children"`

	VCPUs         float64 `json:"vcpus"`
	OriginalVCPUs float64 `json:"original_vcpus"`
	AvailVCPUs    float64 `json:"avail_vcpus"`

	MemCap         float64 `json:"mem"`
	OriginalMemCap float64 `json:"original_mem"`
	AvailMemCap    float64 `json:"avail_mem"`

	LocalDiskCap         float64 `json:"local_disk"`
	OriginalLocalDiskCap float64 `json:"original_local_disk"`
	AvailLocalDiskCap    float64 `json:"avail_local_disk"`

	VMList      []VMInfo             `json:"vm_list"`
	VolumeList  []string             `json:"volume_list"`
	Memberships map[string]GroupType `json:"memberships"`
	Switches    []string             `json:"switches"`
	Storages    []string             `json:"storages"`

	LastUpdate int64 `json:"last_update"`
}

func NewHostGroup(name string, hostType Level) *HostGroup {
	return &HostGroup{
		Name:           name,
		HostType:       hostType,
		Status:         StatusEnabled,
		ChildResources: []string{},
		VMList:         []VMInfo{},
		VolumeList:     []string{},
		Memberships:    map[string]GroupType{},
		Switches:       []string{},
		Storages:       []string{},
	}
}

func (g *HostGroup) IsAvailable() bool {
	return g.Status == StatusEnabled
}

func (g *HostGroup) resetCapacity() {
	g.VCPUs, g.OriginalVCPUs, g.AvailVCPUs = 0, 0, 0
	g.MemCap, g.OriginalMemCap, g.AvailMemCap = 0, 0, 0
	g.LocalDiskCap, g.OriginalLocalDiskCap, g.AvailLocalDiskCap = 0, 0, 0
}

// The site this engine is responsible for.
type Datacenter struct {
	Name   string `json:"name"`
	Region string `json:"region"`
	Status string `json:"status"`
	// Names of the top level host groups.
	Resources    []string `json:"resources"`
	RootSwitches []string `json:"root_switches"`
	Storages     []string `json:"storages"`

	VCPUs         float64 `json:"vcpus"`
	OriginalVCPUs float64 `json:"original_vcpus"`
	AvailVCPUs    float64 `json:"avail_vcpus"`

	MemCap         float64 `json:"mem"`
	OriginalMemCap float64 `json:"original_mem"`
	AvailMemCap    float64 `json:"avail_mem"`

	LocalDiskCap         float64 `json:"local_disk"`
	OriginalLocalDiskCap float64 `json:"original_local_disk"`
	AvailLocalDiskCap    float64 `json:"avail_local_disk"`

	VMList      []VMInfo             `json:"vm_list"`
	VolumeList  []string             `json:"volume_list"`
	Memberships map[string]GroupType `json:"memberships"`

	LastUpdate int64 `json:"last_update"`
}

func NewDatacenter(name string) *Datacenter {
	return &Datacenter{
		Name:         name,
		Status:       StatusEnabled,
		Resources:    []string{},
		RootSwitches: []string{},
		Storages:     []string{},
		VMList:       []VMInfo{},
		VolumeList:   []string{},
		Memberships:  map[string]GroupType{},
	}
}

// Named group of hosts: availability zone, aggregate or placement group.
type LogicalGroup struct {
	Name      string            `json:"name"`
	GroupType GroupType         `json:"group_type"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata"`

	VMList     []VMInfo `json:"vm_list"`
	VolumeList []string `json:"volume_list"`
	// Host or host group name to the vms placed there (EX, AFF and DIV).
	VMsPerHost map[string][]VMInfo `json:"vms_per_host"`

	LastUpdate int64 `json:"last_update"`
}

func NewLogicalGroup(name string, groupType GroupType) *LogicalGroup {
	return &LogicalGroup{
		Name:       name,
		GroupType:  groupType,
		Status:     StatusEnabled,
		Metadata:   map[string]string{},
		VMList:     []VMInfo{},
		VolumeList: []string{},
		VMsPerHost: map[string][]VMInfo{},
	}
}

func (lg *LogicalGroup) ExistVM(vm VMInfo) bool {
	return indexOfVM(lg.VMList, vm) >= 0
}

// Add the vm placed on the given host or host group. Returns true if
// anything changed.
func (lg *LogicalGroup) AddVM(vm VMInfo, hostName string) bool {
	changed := false
	if !lg.ExistVM(vm) {
		lg.VMList = append(lg.VMList, vm)
		changed = true
	}
	if lg.GroupType.IsPlacementGroup() {
		vms := lg.VMsPerHost[hostName]
		if indexOfVM(vms, vm) < 0 {
			lg.VMsPerHost[hostName] = append(vms, vm)
			changed = true
		}
	}
	return changed
}

// Remove all matching vms. The host entry disappears with its last vm.
func (lg *LogicalGroup) RemoveVM(match func(VMInfo) bool, hostName string) bool {
	changed := removeVMWhere(&lg.VMList, match)
	if vms, ok := lg.VMsPerHost[hostName]; ok {
		if removeVMWhere(&vms, match) {
			changed = true
		}
		if len(vms) == 0 {
			delete(lg.VMsPerHost, hostName)
		} else {
			lg.VMsPerHost[hostName] = vms
		}
	}
	return changed
}

func (lg *LogicalGroup) UpdateVMUUID(orchID, uuid string) bool {
	changed := false
	update := func(list []VMInfo) {
		for i, v := range list {
			if v.OrchID == orchID && v.UUID != uuid {
				list[i].UUID = uuid
				changed = true
			}
		}
	}
	update(lg.VMList)
	for _, vms := range lg.VMsPerHost {
		update(vms)
	}
	return changed
}

// Network switch with its up- and peer-links.
type Switch struct {
	Name string `json:"name"`
	// ROOT, SPINE or TOR.
	SwitchType string           `json:"switch_type"`
	Status     string           `json:"status"`
	UpLinks    map[string]*Link `json:"up_links"`
	PeerLinks  map[string]*Link `json:"peer_links"`
	LastUpdate int64            `json:"last_update"`
}

const (
	SwitchTypeRoot  = "ROOT"
	SwitchTypeSpine = "SPINE"
	SwitchTypeTOR   = "TOR"
)

func NewSwitch(name, switchType string) *Switch {
	return &Switch{
		Name:       name,
		SwitchType: switchType,
		Status:     StatusEnabled,
		UpLinks:    map[string]*Link{},
		PeerLinks:  map[string]*Link{},
	}
}

// Largest available bandwidth over all up-links, or ok=false without links.
func (s *Switch) MaxAvailBandwidth() (float64, bool) {
	best, found := 0.0, false
	for _, l := range s.UpLinks {
		if !found || l.AvailBandwidth > best {
			best, found = l.AvailBandwidth, true
		}
	}
	return best, found
}

// Link to another switch, bandwidth in Mbps.
type Link struct {
	Name           string  `json:"name"`
	ResourceName   string  `json:"resource"`
	NicBandwidth   float64 `json:"nic_bandwidth"`
	AvailBandwidth float64 `json:"avail_bandwidth"`
}

// Disk pool for volumes.
type StorageHost struct {
	Name         string   `json:"name"`
	StorageClass string   `json:"storage_class"`
	Status       string   `json:"status"`
	HostList     []string `json:"host_list"`
	DiskCap      float64  `json:"disk_cap"`
	AvailDiskCap float64  `json:"avail_disk_cap"`
	VolumeList   []string `json:"volume_list"`
	LastUpdate   int64    `json:"last_update"`
}

// Resource template for vms.
type Flavor struct {
	Name       string            `json:"name"`
	FlavorID   string            `json:"flavor_id"`
	Status     string            `json:"status"`
	VCPUs      float64           `json:"vcpus"`
	MemMB      float64           `json:"mem"`
	DiskGB     float64           `json:"disk"`
	ExtraSpecs map[string]string `json:"extra_specs"`
	LastUpdate int64             `json:"last_update"`
}

func indexOfVM(list []VMInfo, vm VMInfo) int {
	for i, v := range list {
		if v.OrchID == vm.OrchID && v.Name == vm.Name && v.UUID == vm.UUID {
			return i
		}
	}
	return -1
}

func removeVMWhere(list *[]VMInfo, match func(VMInfo) bool) bool {
	before := len(*list)
	*list = slices.DeleteFunc(*list, match)
	return len(*list) != before
}
