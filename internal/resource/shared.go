// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package resource

import "sync"

// Resource model behind one exclusive lock. Readers and writers alike go
// through Do, so nobody observes a half-applied change.
type SharedModel struct {
	mu  sync.Mutex
	res *Resource
}

func NewSharedModel(res *Resource) *SharedModel {
	return &SharedModel{res: res}
}

// Run fn while holding the lock.
func (m *SharedModel) Do(fn func(*Resource) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.res)
}
