// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package solver

import "testing"

func TestMatchExtraSpec(t *testing.T) {
	tests := []struct {
		value, req string
		expected   bool
	}{
		{"true", "true", true},
		{"false", "true", false},
		{"8", "= 4", true},
		{"2", "= 4", false},
		{"4", "== 4", true},
		{"4", "!= 4", false},
		{"5", ">= 4", true},
		{"5", "<= 4", false},
		{"abc", "= 4", false},
		{"ssd", "s== ssd", true},
		{"ssd", "s!= ssd", false},
		{"a", "s< b", true},
		{"b", "s<= b", true},
		{"c", "s> b", true},
		{"a", "s>= b", false},
		{"avx avx2 sse", "<in> avx2", true},
		{"avx sse", "<in> avx2", false},
		{"avx avx2 sse", "<all-in> avx sse", true},
		{"avx sse", "<all-in> avx avx512", false},
		{"kvm", "<or> vmware <or> kvm", true},
		{"xen", "<or> vmware <or> kvm", false},
	}
	for _, tt := range tests {
		if got := MatchExtraSpec(tt.value, tt.req); got != tt.expected {
			t.Errorf("MatchExtraSpec(%q, %q) = %v, expected %v", tt.value, tt.req, got, tt.expected)
		}
	}
}

func TestAggregateKey(t *testing.T) {
	tests := []struct {
		key, expected string
		ok            bool
	}{
		{"aggregate_instance_extra_specs:ssd", "ssd", true},
		{"ssd", "ssd", true},
		{"hw:cpu_policy", "", false},
		{"host_aggregates", "", false},
		{"aggregate_instance_extra_specs:", "", false},
	}
	for _, tt := range tests {
		got, ok := aggregateKey(tt.key)
		if got != tt.expected || ok != tt.ok {
			t.Errorf("aggregateKey(%q) = %q, %v, expected %q, %v", tt.key, got, ok, tt.expected, tt.ok)
		}
	}
}

func TestMatchMetadataValue(t *testing.T) {
	if !matchMetadataValue("hdd, ssd", "ssd") {
		t.Error("expected one of the comma separated values to match")
	}
	if matchMetadataValue("hdd,nvme", "ssd") {
		t.Error("expected no match")
	}
}
