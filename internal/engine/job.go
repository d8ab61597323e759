// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"fmt"

	"github.com/cobaltcore-dev/valet/internal/topology"
)

const (
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionReplan  = "replan"
	ActionMigrate = "migrate"
	ActionQuery   = "query"
	ActionPing    = "ping"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// One job of a request.
type Job struct {
	Action  string `json:"action"`
	StackID string `json:"stack_id,omitempty"`
	// Heat-like resources of the stack (create, update).
	Resources map[string]topology.ResourceSpec `json:"resources,omitempty"`
	// Orchestration id or physical uuid of the vm to move (migrate).
	OrchestrationID string   `json:"orchestration_id,omitempty"`
	ExcludedHosts   []string `json:"excluded_hosts,omitempty"`
	// Query type and its parameters (query).
	Type       string         `json:"type,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Decode the payload of a request. Both a single job and a list of jobs
// are accepted.
func ParseJobs(payload string) ([]Job, error) {
	var jobs []Job
	if err := json.Unmarshal([]byte(payload), &jobs); err == nil {
		return jobs, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}
	return []Job{job}, nil
}

type ResultStatus struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Outcome of a job as written to the result table.
type Result struct {
	Status ResultStatus `json:"status"`
	// Node placements, or the payload of a query.
	Resources any `json:"resources"`
}

// Location of a placed node as reported to the orchestrator.
type Placement struct {
	Properties PlacementProperties `json:"properties"`
}

type PlacementProperties struct {
	Host string `json:"host"`
}

func okResult(resources any) Result {
	return Result{Status: ResultStatus{Type: StatusOK}, Resources: resources}
}

func errorResult(message string) Result {
	return Result{Status: ResultStatus{Type: StatusError, Message: message}, Resources: map[string]any{}}
}

func placementResult(placements map[string]string) Result {
	resources := make(map[string]Placement, len(placements))
	for id, location := range placements {
		resources[id] = Placement{Properties: PlacementProperties{Host: location}}
	}
	return okResult(resources)
}

// Last placed version of a stack.
type AppRecord struct {
	StackID   string                           `json:"stack_id"`
	Resources map[string]topology.ResourceSpec `json:"resources"`
	Placed    map[string]topology.PlacedNode   `json:"placed"`
}
