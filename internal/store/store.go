// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cobaltcore-dev/valet/internal/conf"
	"github.com/cobaltcore-dev/valet/internal/db"
	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/google/uuid"
)

var ErrLockTimeout = errors.New("timed out waiting for lock")

var _ resource.Persister = (*Store)(nil)

// How a row is written.
type Consistency int

const (
	// Plain upsert without coordination.
	Eventual Consistency = iota
	// Upsert while holding the advisory lock of the row.
	Atomic
)

// Interval between two attempts to take a held lock.
const lockPollInterval = 50 * time.Millisecond

// Row store for requests, results, events and the persisted models.
type Store struct {
	DB      *db.DB
	conf    conf.EngineConfig
	monitor Monitor
	// Identifies the locks taken by this process.
	owner string
}

func New(d *db.DB, c conf.EngineConfig, monitor Monitor) *Store {
	return &Store{DB: d, conf: c, monitor: monitor, owner: uuid.NewString()}
}

// Register all tables and create them if they don't exist.
func (s *Store) Init() error {
	requests := s.DB.AddTable(Request{}, "ID")
	results := s.DB.AddTable(Result{}, "StackID")
	events := s.DB.AddTable(Event{}, "ID")
	status := s.DB.AddTable(ResourceStatus{}, "Datacenter")
	apps := s.DB.AddTable(App{}, "StackID")
	uuids := s.DB.AddTable(UUIDMapping{}, "UUID")
	locks := s.DB.AddTable(Lock{}, "Name")
	return s.DB.CreateTable(requests, results, events, status, apps, uuids, locks)
}

// Name of the advisory lock guarding one row.
func (s *Store) lockName(table, pk string) string {
	return s.conf.Keyspace + "." + table + "." + pk
}

// Insert the lock row, retrying until the timeout. Expired locks of other
// owners are broken.
func (s *Store) acquire(ctx context.Context, name string) error {
	start := time.Now()
	deadline := start.Add(s.conf.LockTimeout())
	for {
		lock := &Lock{Name: name, Owner: s.owner, ExpiresAt: time.Now().Add(s.conf.LockTimeout()).UnixMilli()}
		err := s.DB.Insert(lock)
		if err == nil {
			if s.monitor.lockWait != nil {
				s.monitor.lockWait.Observe(time.Since(start).Seconds())
			}
			return nil
		}
		slog.Debug("store: lock is held, retrying", "lock", name, "error", err)
		if _, err := s.DB.Exec(
			"DELETE FROM valet_locks WHERE name = $1 AND expires_at < $2",
			name, time.Now().UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to break expired lock %s: %w", name, err)
		}
		if time.Now().After(deadline) {
			if s.monitor.lockTimeouts != nil {
				s.monitor.lockTimeouts.Inc()
			}
			return fmt.Errorf("%w: %s", ErrLockTimeout, name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (s *Store) release(name string) {
	if _, err := s.DB.Exec(
		"DELETE FROM valet_locks WHERE name = $1 AND owner = $2",
		name, s.owner,
	); err != nil {
		slog.Error("store: failed to release lock", "lock", name, "error", err)
	}
}

// Run fn while holding the advisory lock of the given row.
func (s *Store) withLock(ctx context.Context, table, pk string, fn func() error) error {
	name := s.lockName(table, pk)
	if err := s.acquire(ctx, name); err != nil {
		return err
	}
	defer s.release(name)
	return fn()
}

// Write a row with the given consistency.
func (s *Store) put(ctx context.Context, c Consistency, row db.Table, pk string) error {
	if c == Eventual {
		return db.Upsert(s.DB, row)
	}
	return s.withLock(ctx, row.TableName(), pk, func() error {
		return db.Upsert(s.DB, row)
	})
}

// Requests in the order they were submitted.
func (s *Store) PendingRequests() ([]Request, error) {
	var requests []Request
	if _, err := s.DB.Select(&requests, "SELECT * FROM valet_requests ORDER BY ts, id"); err != nil {
		return nil, fmt.Errorf("failed to select requests: %w", err)
	}
	return requests, nil
}

func (s *Store) PutRequest(ctx context.Context, id string, payload []byte) error {
	return s.put(ctx, Eventual, &Request{ID: id, Timestamp: time.Now().UnixMilli(), Payload: string(payload)}, id)
}

func (s *Store) DeleteRequest(id string) error {
	_, err := s.DB.Exec("DELETE FROM valet_requests WHERE id = $1", id)
	return err
}

func (s *Store) PutResult(ctx context.Context, stackID string, payload []byte) error {
	return s.put(ctx, Eventual, &Result{StackID: stackID, Timestamp: time.Now().UnixMilli(), Payload: string(payload)}, stackID)
}

// Result of the stack, nil if there is none.
func (s *Store) GetResult(stackID string) (*Result, error) {
	var results []Result
	if _, err := s.DB.Select(&results, "SELECT * FROM valet_results WHERE stack_id = $1", stackID); err != nil {
		return nil, fmt.Errorf("failed to select result of %s: %w", stackID, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// Events in the order they occurred.
func (s *Store) PendingEvents() ([]Event, error) {
	var events []Event
	if _, err := s.DB.Select(&events, "SELECT * FROM valet_events ORDER BY ts, id"); err != nil {
		return nil, fmt.Errorf("failed to select events: %w", err)
	}
	return events, nil
}

func (s *Store) PutEvent(ctx context.Context, kind string, payload []byte) error {
	e := &Event{ID: uuid.NewString(), Timestamp: time.Now().UnixMilli(), Kind: kind, Payload: string(payload)}
	return s.put(ctx, Eventual, e, e.ID)
}

func (s *Store) DeleteEvent(id string) error {
	_, err := s.DB.Exec("DELETE FROM valet_events WHERE id = $1", id)
	return err
}

// Persisted resource model of the datacenter. Returns false if nothing
// was persisted yet.
func (s *Store) ResourceStatus(datacenter string) (resource.Status, bool, error) {
	var status resource.Status
	var rows []ResourceStatus
	if _, err := s.DB.Select(&rows, "SELECT * FROM valet_resource_status WHERE site_name = $1", datacenter); err != nil {
		return status, false, fmt.Errorf("failed to select resource status of %s: %w", datacenter, err)
	}
	if len(rows) == 0 {
		return status, false, nil
	}
	if err := json.Unmarshal([]byte(rows[0].Payload), &status); err != nil {
		return status, false, fmt.Errorf("failed to decode resource status of %s: %w", datacenter, err)
	}
	return status, true, nil
}

// Merge a delta into the persisted resource model under the row lock.
func (s *Store) UpdateResourceStatus(ctx context.Context, datacenter string, delta resource.Status) error {
	return s.withLock(ctx, ResourceStatus{}.TableName(), datacenter, func() error {
		status, _, err := s.ResourceStatus(datacenter)
		if err != nil {
			return err
		}
		status.Merge(delta)
		payload, err := json.Marshal(status)
		if err != nil {
			return err
		}
		row := &ResourceStatus{Datacenter: datacenter, Timestamp: time.Now().UnixMilli(), Payload: string(payload)}
		return db.Upsert(s.DB, row)
	})
}

// Last placed version of the stack, nil if there is none.
func (s *Store) GetApp(stackID string) (*App, error) {
	var apps []App
	if _, err := s.DB.Select(&apps, "SELECT * FROM valet_apps WHERE stack_id = $1", stackID); err != nil {
		return nil, fmt.Errorf("failed to select app %s: %w", stackID, err)
	}
	if len(apps) == 0 {
		return nil, nil
	}
	return &apps[0], nil
}

func (s *Store) PutApp(ctx context.Context, stackID string, payload []byte) error {
	return s.put(ctx, Atomic, &App{StackID: stackID, Timestamp: time.Now().UnixMilli(), Payload: string(payload)}, stackID)
}

func (s *Store) DeleteApp(stackID string) error {
	_, err := s.DB.Exec("DELETE FROM valet_apps WHERE stack_id = $1", stackID)
	return err
}

func (s *Store) PutUUIDMapping(ctx context.Context, m UUIDMapping) error {
	m.Timestamp = time.Now().UnixMilli()
	return s.put(ctx, Eventual, &m, m.UUID)
}

// Orchestration id of the instance with the given physical uuid.
func (s *Store) GetUUIDMapping(physicalUUID string) (*UUIDMapping, error) {
	var m UUIDMapping
	err := s.DB.SelectOne(&m, "SELECT * FROM valet_uuid_map WHERE uuid = $1", physicalUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select uuid mapping of %s: %w", physicalUUID, err)
	}
	return &m, nil
}

func (s *Store) DeleteUUIDMapping(physicalUUID string) error {
	_, err := s.DB.Exec("DELETE FROM valet_uuid_map WHERE uuid = $1", physicalUUID)
	return err
}
