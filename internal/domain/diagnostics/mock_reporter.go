package diagnostics

import (
	"context"
	"sync"
)

// MockReporter keeps every reported Event
type MockReporter struct {
	mu     sync.Mutex
	events []Event
}

func (m *MockReporter) Report(ctx context.Context, event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *MockReporter) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
