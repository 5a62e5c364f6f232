package session

import (
	"errors"
	"sync"
)

var (
	ErrNotFound      = errors.New("call session not found")
	ErrAlreadyActive = errors.New("call session already active")
)

// Registry is the call-keyed session table. It is constructed once and
// injected into every component; there is no ambient global state, so
// tests can run independent registries side by side.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*Call
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Call)}
}

// Create makes the session for a call. Exactly one session exists per
// call ID; creation fails while a non-terminal session is still
// registered.
func (r *Registry) Create(callID, channelID, patientID, initialPrompt string) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.calls[callID]; ok {
		existing.Mu.Lock()
		terminal := existing.Status.Terminal()
		existing.Mu.Unlock()
		if !terminal {
			return nil, ErrAlreadyActive
		}
	}
	c := newCall(callID, channelID, patientID, initialPrompt)
	r.calls[callID] = c
	return c, nil
}

func (r *Registry) Get(callID string) (*Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Remove drops the session from the table. The caller is responsible
// for connection teardown.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
}

// Snapshots lists every registered call for the ops surface.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	calls := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Snapshot())
	}
	return out
}

// ActiveCount counts sessions not in a terminal status.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	calls := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.RUnlock()

	count := 0
	for _, c := range calls {
		c.Mu.Lock()
		if !c.Status.Terminal() {
			count++
		}
		c.Mu.Unlock()
	}
	return count
}

// ForEach visits every call. The visitor must not hold the registry
// lock expectations; it receives the call unlocked.
func (r *Registry) ForEach(fn func(*Call)) {
	r.mu.RLock()
	calls := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.RUnlock()

	for _, c := range calls {
		fn(c)
	}
}
