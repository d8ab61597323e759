// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cobaltcore-dev/valet/internal/conf"
	"github.com/cobaltcore-dev/valet/internal/db/dbtest"
	"github.com/cobaltcore-dev/valet/internal/resource"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	env := dbtest.SetupDBEnv(t)
	s := New(env.DB, conf.EngineConfig{Keyspace: "valet", LockTimeoutSeconds: 1}, Monitor{})
	if err := s.Init(); err != nil {
		env.Close()
		t.Fatalf("expected no error, got %v", err)
	}
	return s, env.Close
}

func TestStore_Requests(t *testing.T) {
	s, closeFn := newTestStore(t)
	defer closeFn()

	if err := s.PutRequest(t.Context(), "r1", []byte(`[{"action":"ping"}]`)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := s.PutRequest(t.Context(), "r2", []byte(`[]`)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	requests, err := s.PendingRequests()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(requests) != 2 || requests[0].ID != "r1" || requests[1].ID != "r2" {
		t.Fatalf("expected r1 and r2 in order, got %+v", requests)
	}
	if err := s.DeleteRequest("r1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	requests, err = s.PendingRequests()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(requests) != 1 || requests[0].ID != "r2" {
		t.Errorf("expected only r2, got %+v", requests)
	}
}

func TestStore_ResultsAndApps(t *testing.T) {
	s, closeFn := newTestStore(t)
	defer closeFn()

	if r, err := s.GetResult("stack1"); err != nil || r != nil {
		t.Fatalf("expected no result, got %+v (%v)", r, err)
	}
	if err := s.PutResult(t.Context(), "stack1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := s.PutResult(t.Context(), "stack1", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	r, err := s.GetResult("stack1")
	if err != nil || r == nil || r.Payload != `{"a":2}` {
		t.Fatalf("expected the overwritten result, got %+v (%v)", r, err)
	}

	if err := s.PutApp(t.Context(), "stack1", []byte(`{}`)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	app, err := s.GetApp("stack1")
	if err != nil || app == nil {
		t.Fatalf("expected the app, got %+v (%v)", app, err)
	}
	if err := s.DeleteApp("stack1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if app, err := s.GetApp("stack1"); err != nil || app != nil {
		t.Errorf("expected the app to be deleted, got %+v (%v)", app, err)
	}
}

func TestStore_UUIDMapping(t *testing.T) {
	s, closeFn := newTestStore(t)
	defer closeFn()

	if m, err := s.GetUUIDMapping("u1"); err != nil || m != nil {
		t.Fatalf("expected no mapping, got %+v (%v)", m, err)
	}
	if err := s.PutUUIDMapping(t.Context(), UUIDMapping{UUID: "u1", OrchID: "vm1", StackID: "stack1"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	m, err := s.GetUUIDMapping("u1")
	if err != nil || m == nil || m.OrchID != "vm1" || m.StackID != "stack1" {
		t.Fatalf("expected mapping to vm1, got %+v (%v)", m, err)
	}
	if err := s.DeleteUUIDMapping("u1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if m, err := s.GetUUIDMapping("u1"); err != nil || m != nil {
		t.Errorf("expected the mapping to be deleted, got %+v (%v)", m, err)
	}
}

func TestStore_Events(t *testing.T) {
	s, closeFn := newTestStore(t)
	defer closeFn()

	if err := s.PutEvent(t.Context(), "instance.deleted", []byte(`{"uuid":"u1"}`)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	events, err := s.PendingEvents()
	if err != nil || len(events) != 1 || events[0].Kind != "instance.deleted" {
		t.Fatalf("expected one event, got %+v (%v)", events, err)
	}
	if err := s.DeleteEvent(events[0].ID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if events, _ := s.PendingEvents(); len(events) != 0 {
		t.Errorf("expected no events, got %+v", events)
	}
}

func TestStore_UpdateResourceStatus(t *testing.T) {
	s, closeFn := newTestStore(t)
	defer closeFn()

	if _, ok, err := s.ResourceStatus("dc1"); err != nil || ok {
		t.Fatalf("expected no status, got ok=%v (%v)", ok, err)
	}
	h1, h2 := resource.NewHost("h1"), resource.NewHost("h2")
	first := resource.Status{
		Timestamp:  1,
		Datacenter: resource.NewDatacenter("dc1"),
		Hosts:      map[string]*resource.Host{"h1": h1},
	}
	if err := s.UpdateResourceStatus(t.Context(), "dc1", first); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	h1.VCPUs = 8
	second := resource.Status{Timestamp: 2, Hosts: map[string]*resource.Host{"h1": h1, "h2": h2}}
	if err := s.UpdateResourceStatus(t.Context(), "dc1", second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	status, ok, err := s.ResourceStatus("dc1")
	if err != nil || !ok {
		t.Fatalf("expected a status, got ok=%v (%v)", ok, err)
	}
	if status.Timestamp != 2 || status.Datacenter == nil || len(status.Hosts) != 2 {
		t.Fatalf("expected the merged status, got %+v", status)
	}
	if status.Hosts["h1"].VCPUs != 8 {
		t.Errorf("expected h1 to be updated, got %v", status.Hosts["h1"].VCPUs)
	}
	if locks, err := s.DB.SelectInt("SELECT COUNT(*) FROM valet_locks"); err != nil || locks != 0 {
		t.Errorf("expected the lock to be released, got %d (%v)", locks, err)
	}
}

func TestStore_LockTimeout(t *testing.T) {
	s, closeFn := newTestStore(t)
	defer closeFn()

	held := &Lock{Name: "valet.valet_apps.stack1", Owner: "other", ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}
	if err := s.DB.Insert(held); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	err := s.PutApp(t.Context(), "stack1", []byte(`{}`))
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected a lock timeout, got %v", err)
	}
	if app, _ := s.GetApp("stack1"); app != nil {
		t.Error("expected nothing to be written")
	}
}

func TestStore_BreaksExpiredLock(t *testing.T) {
	s, closeFn := newTestStore(t)
	defer closeFn()

	expired := &Lock{Name: "valet.valet_apps.stack1", Owner: "crashed", ExpiresAt: time.Now().Add(-time.Minute).UnixMilli()}
	if err := s.DB.Insert(expired); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := s.PutApp(t.Context(), "stack1", []byte(`{}`)); err != nil {
		t.Fatalf("expected the expired lock to be broken, got %v", err)
	}
}

func TestStore_LockCancelled(t *testing.T) {
	s, closeFn := newTestStore(t)
	defer closeFn()

	held := &Lock{Name: "valet.valet_apps.stack1", Owner: "other", ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}
	if err := s.DB.Insert(held); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := s.PutApp(ctx, "stack1", []byte(`{}`)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected the context error, got %v", err)
	}
}
