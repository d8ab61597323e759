// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package store

// Pending request of the orchestrator, holding a json list of jobs.
type Request struct {
	ID        string `db:"id"`
	Timestamp int64  `db:"ts"`
	Payload   string `db:"request"`
}

func (Request) TableName() string { return "valet_requests" }

// Result of a request, keyed by the stack id it refers to.
type Result struct {
	StackID   string `db:"stack_id"`
	Timestamp int64  `db:"ts"`
	Payload   string `db:"result"`
}

func (Result) TableName() string { return "valet_results" }

// Pending compute event such as a created, deleted or moved instance.
type Event struct {
	ID        string `db:"id"`
	Timestamp int64  `db:"ts"`
	Kind      string `db:"kind"`
	Payload   string `db:"payload"`
}

func (Event) TableName() string { return "valet_events" }

// Persisted resource model of one datacenter.
type ResourceStatus struct {
	Datacenter string `db:"site_name"`
	Timestamp  int64  `db:"ts"`
	Payload    string `db:"resource"`
}

func (ResourceStatus) TableName() string { return "valet_resource_status" }

// Last placed version of a stack.
type App struct {
	StackID   string `db:"stack_id"`
	Timestamp int64  `db:"ts"`
	Payload   string `db:"app"`
}

func (App) TableName() string { return "valet_apps" }

// Maps the physical uuid of an instance to its orchestration id.
type UUIDMapping struct {
	UUID      string `db:"uuid"`
	OrchID    string `db:"orch_id"`
	StackID   string `db:"stack_id"`
	Timestamp int64  `db:"ts"`
}

func (UUIDMapping) TableName() string { return "valet_uuid_map" }

// Advisory lock on a single row.
type Lock struct {
	Name  string `db:"name"`
	Owner string `db:"owner"`
	// Unix milliseconds after which the lock may be broken.
	ExpiresAt int64 `db:"expires_at"`
}

func (Lock) TableName() string { return "valet_locks" }
