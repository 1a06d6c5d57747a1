package model

import (
	"sync"
)

// Applied is one call recorded by a MockModel
type Applied struct {
	Mutation Mutation
	Meta     Meta
}

// MockModel records every mutation it is given
type MockModel struct {
	mu            sync.Mutex
	applied       []Applied
	ApplyOverride func(mutation Mutation, meta Meta) error
	CheckOverride func(mutation Mutation, meta Meta) error
}

func (m *MockModel) Check(mutation Mutation, meta Meta) error {
	if m.CheckOverride != nil {
		return m.CheckOverride(mutation, meta)
	}
	return nil
}

func (m *MockModel) Apply(mutation Mutation, meta Meta) error {
	if m.ApplyOverride != nil {
		if err := m.ApplyOverride(mutation, meta); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, Applied{Mutation: mutation, Meta: meta})
	return nil
}

func (m *MockModel) Applied() []Applied {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Applied, len(m.applied))
	copy(out, m.applied)
	return out
}
