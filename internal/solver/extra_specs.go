// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package solver

import (
	"slices"
	"strconv"
	"strings"
)

// Extra specs of this scope are matched against aggregate metadata. Unscoped
// keys count as well, all other scopes belong to other filters.
const aggregateScope = "aggregate_instance_extra_specs"

// Key of an extra spec in the aggregate metadata, false if the spec is not
// meant for aggregates.
func aggregateKey(key string) (string, bool) {
	scope, rest, scoped := strings.Cut(key, ":")
	if !scoped {
		return key, key != "host_aggregates"
	}
	if scope != aggregateScope || rest == "" {
		return "", false
	}
	return rest, true
}

// Check if a provided value satisfies the requested expression, using the
// operators nova supports for extra specs:
//
//	=  == != >= <=            numeric comparison (= means at least)
//	s== s!= s< s<= s> s>=     string comparison
//	<in> <all-in>             substring and all-of membership
//	<or>                      any of the listed values
//
// Without an operator the expression must equal the value.
func MatchExtraSpec(value, req string) bool {
	words := strings.Fields(req)
	if len(words) == 0 {
		return value == req
	}
	op, args := words[0], words[1:]
	switch op {
	case "<or>":
		// "<or> a <or> b" lists the alternatives at every other position.
		for i, w := range words {
			if i%2 == 1 && w == value {
				return true
			}
		}
		return false
	case "<in>":
		return len(args) > 0 && strings.Contains(value, strings.Join(args, " "))
	case "<all-in>":
		for _, a := range args {
			if !slices.Contains(strings.Fields(value), a) && !strings.Contains(value, a) {
				return false
			}
		}
		return len(args) > 0
	}
	if len(args) == 0 {
		return value == req
	}
	query := args[0]
	switch op {
	case "=", "==", "!=", ">=", "<=":
		v, err1 := strconv.ParseFloat(value, 64)
		q, err2 := strconv.ParseFloat(query, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		switch op {
		case "=", ">=":
			return v >= q
		case "==":
			return v == q
		case "!=":
			return v != q
		default:
			return v <= q
		}
	case "s==":
		return value == query
	case "s!=":
		return value != query
	case "s<":
		return value < query
	case "s<=":
		return value <= query
	case "s>":
		return value > query
	case "s>=":
		return value >= query
	}
	return value == req
}

// Check if any of the comma separated metadata values satisfies the
// requested expression.
func matchMetadataValue(metadata, req string) bool {
	for _, v := range strings.Split(metadata, ",") {
		if MatchExtraSpec(strings.TrimSpace(v), req) {
			return true
		}
	}
	return false
}
