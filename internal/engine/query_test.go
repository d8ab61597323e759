// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/cobaltcore-dev/valet/internal/resource"
)

func TestEngine_Queries(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "r1", createJob(t, ActionCreate, "s1", servers("small", "vm1")))
	env.run(t)
	host := env.placements(t, "s1")["vm1"]

	env.submit(t, "r2",
		Job{Action: ActionQuery, StackID: "q-host", Type: QueryHostInfo, Parameters: map[string]any{"host_name": host}},
		Job{Action: ActionQuery, StackID: "q-groups", Type: QueryAllGroups},
		Job{Action: ActionQuery, StackID: "q-vms", Type: QueryGroupVMs, Parameters: map[string]any{"group_name": "az1"}},
		Job{Action: ActionQuery, StackID: "q-time", Type: QueryGetTime},
	)
	env.run(t)

	var info HostSummary
	decode(t, env.result(t, "q-host"), &info)
	if info.Rack != "r1" || info.Cluster != "c1" || info.AvailVCPUs != 2 || len(info.VMs) != 1 {
		t.Errorf("unexpected host info %+v", info)
	}
	if !slices.Contains(info.Memberships, "az1") {
		t.Errorf("expected %s in az1, got %v", host, info.Memberships)
	}

	var groups []GroupSummary
	decode(t, env.result(t, "q-groups"), &groups)
	if len(groups) != 1 || groups[0].Name != "az1" || groups[0].VMs != 1 || len(groups[0].Units) != 2 {
		t.Errorf("unexpected groups %+v", groups)
	}

	var vms []resource.VMInfo
	decode(t, env.result(t, "q-vms"), &vms)
	if len(vms) != 1 || vms[0].OrchID != "vm1" {
		t.Errorf("unexpected vms %+v", vms)
	}

	var now map[string]any
	decode(t, env.result(t, "q-time"), &now)
	if now["time"] == "" || now["clock"] == nil {
		t.Errorf("unexpected time %+v", now)
	}
}

func TestEngine_QueryErrors(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "r1",
		Job{Action: ActionQuery, StackID: "q1", Type: QueryHostInfo, Parameters: map[string]any{"host_name": "nope"}},
		Job{Action: ActionQuery, StackID: "q2", Type: QueryGroupVMs, Parameters: map[string]any{"group_name": "nope"}},
		Job{Action: ActionQuery, StackID: "q3", Type: "bogus"},
		Job{Action: "bogus", StackID: "q4"},
		Job{Action: ActionQuery, StackID: "q5", Type: QueryHostInfo},
		Job{Action: ActionQuery, StackID: "q6", Type: QueryGroupVMs, Parameters: map[string]any{"group_name": 42}},
	)
	env.submit(t, "r2", Job{Action: ActionPing})
	env.run(t)

	for _, key := range []string{"q1", "q2", "q3", "q4"} {
		if r := env.result(t, key); r.Status.Type != StatusError || r.Status.Message == "" {
			t.Errorf("expected an error status for %s, got %+v", key, r.Status)
		}
	}
	for key, param := range map[string]string{"q5": "host_name", "q6": "group_name"} {
		r := env.result(t, key)
		if r.Status.Type != StatusError || r.Status.Message != "missing parameter "+param {
			t.Errorf("expected %s to report the missing %s, got %+v", key, param, r.Status)
		}
	}
	if r := env.result(t, "r2"); r.Status.Type != StatusOK {
		t.Errorf("expected ping to be answered under the request id, got %+v", r.Status)
	}
}

func decode(t *testing.T, r decodedResult, v any) {
	t.Helper()
	if r.Status.Type != StatusOK {
		t.Fatalf("expected status ok, got %+v", r.Status)
	}
	if err := json.Unmarshal(r.Resources, v); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
