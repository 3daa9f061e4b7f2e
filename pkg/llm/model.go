package llm

import "sync"

// ActiveModel holds the model id currently used by a conversation. It is shared by the
// session manager, the retry controller and the orchestrator so a fallback swap is seen
// by every subsequent request.
type ActiveModel struct {
	mu       sync.RWMutex
	id       string
	switches int
}

// NewActiveModel creates a holder for the initial model id
func NewActiveModel(id string) *ActiveModel {
	return &ActiveModel{id: id}
}

// Get returns the current model id
func (m *ActiveModel) Get() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

// Set swaps the model id. It reports whether the id actually changed.
func (m *ActiveModel) Set(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" || id == m.id {
		return false
	}
	m.id = id
	m.switches++
	return true
}

// Switches returns how many times the model changed. Comparing two readings tells
// whether a swap happened in between.
func (m *ActiveModel) Switches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.switches
}
