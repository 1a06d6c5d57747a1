package checkpoint

import (
	"context"
	"sync"

	"github.com/lloydmeta/echo/internal/domain/keys"
)

// MockService keeps Checkpoints in memory unless overridden
type MockService struct {
	mu             sync.Mutex
	saved          map[keys.PublicKey]Checkpoint
	SaveCalled     uint
	SaveOverride   func() error
	LoadCalled     uint
	LoadOverride   func() (*Checkpoint, error)
	DeleteCalled   uint
	DeleteOverride func() error
}

func (m *MockService) Save(ctx context.Context, checkpoint Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalled++
	if m.SaveOverride != nil {
		return m.SaveOverride()
	}
	if m.saved == nil {
		m.saved = make(map[keys.PublicKey]Checkpoint)
	}
	m.saved[checkpoint.Space] = checkpoint
	return nil
}

func (m *MockService) Load(ctx context.Context, space keys.PublicKey) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoadCalled++
	if m.LoadOverride != nil {
		return m.LoadOverride()
	}
	if cp, ok := m.saved[space]; ok {
		return &cp, nil
	}
	return nil, NotFound{Space: space}
}

func (m *MockService) Delete(ctx context.Context, space keys.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalled++
	if m.DeleteOverride != nil {
		return m.DeleteOverride()
	}
	delete(m.saved, space)
	return nil
}
