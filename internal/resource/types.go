// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"
	"strings"
)

// Sentinel for identities that are not known yet.
const None = "none"

// Placement granularity, ordered host < rack < cluster.
type Level string

const (
	LevelHost    Level = "host"
	LevelRack    Level = "rack"
	LevelCluster Level = "cluster"
	// Two placements that share the same host.
	LevelAny Level = "ANY"
)

// All placement levels from the finest to the coarsest.
var Levels = []Level{LevelHost, LevelRack, LevelCluster}

// Position of the level in Levels, or -1 for LevelAny and unknown levels.
func (l Level) Index() int {
	switch l {
	case LevelHost:
		return 0
	case LevelRack:
		return 1
	case LevelCluster:
		return 2
	default:
		return -1
	}
}

// The next finer level. Host stays host.
func (l Level) Lower() Level {
	switch l {
	case LevelCluster:
		return LevelRack
	default:
		return LevelHost
	}
}

// Parse a level name as it appears in requests.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l.Index() < 0 {
		return "", fmt.Errorf("invalid level %q", s)
	}
	return l, nil
}

// Type tag of a logical group.
type GroupType string

const (
	GroupTypeAZ   GroupType = "AZ"
	GroupTypeAggr GroupType = "AGGR"
	GroupTypeEX   GroupType = "EX"
	GroupTypeAFF  GroupType = "AFF"
	GroupTypeDIV  GroupType = "DIV"
)

// Placement groups (EX, AFF, DIV) are bound to a level, track the vms per
// host and disappear once empty. AZ and aggregates come from the inventory.
func (t GroupType) IsPlacementGroup() bool {
	return t == GroupTypeEX || t == GroupTypeAFF || t == GroupTypeDIV
}

// Id of a placement group, "<level>:<name>".
func GroupID(level Level, name string) string {
	return string(level) + ":" + name
}

// Split a placement group id into level and name. Ids without a level
// prefix return an empty level.
func SplitGroupID(id string) (Level, string) {
	prefix, name, ok := strings.Cut(id, ":")
	if !ok {
		return "", id
	}
	level := Level(prefix)
	if level.Index() < 0 {
		return "", id
	}
	return level, name
}

// Identity of a placed vm. Any field may be None while the vm is in flight.
type VMInfo struct {
	OrchID string `json:"orch_id"`
	Name   string `json:"name"`
	UUID   string `json:"uuid"`
}

// Check if two infos describe the same vm, ignoring unknown fields.
func (v VMInfo) Matches(o VMInfo) bool {
	if v.UUID != None && o.UUID != None {
		return v.UUID == o.UUID
	}
	if v.OrchID != None && o.OrchID != None {
		return v.OrchID == o.OrchID
	}
	return v.Name != None && v.Name == o.Name
}

const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)
