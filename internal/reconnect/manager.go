package reconnect

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one call waiting for its reconnect attempt to fire.
type Entry struct {
	CallID  string
	FireAt  time.Time
	Attempt int
}

// Manager owns the pending-reconnection table and the single shared
// sweep timer that serves every call. One tick scans all due entries,
// so the worst-case wake count stays one per interval regardless of
// call volume.
type Manager struct {
	mu      sync.Mutex
	pending map[string]Entry
	running bool

	interval  time.Duration
	baseDelay time.Duration
	maxDelay  time.Duration
	onFire    func(callID string, attempt int)
	log       *zap.Logger

	done chan struct{}
}

func NewManager(interval, baseDelay, maxDelay time.Duration, onFire func(callID string, attempt int), log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		pending:   make(map[string]Entry),
		interval:  interval,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		onFire:    onFire,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Delay computes the backoff for an attempt using the configured bounds.
func (m *Manager) Delay(attempt int) time.Duration {
	return BackoffDelay(attempt, m.baseDelay, m.maxDelay)
}

// Schedule inserts or refreshes the pending entry for a call and starts
// the sweep timer if it is not already running. A call already pending
// keeps its earlier fire time.
func (m *Manager) Schedule(callID string, delay time.Duration, attempt int) {
	m.mu.Lock()
	if _, exists := m.pending[callID]; exists {
		m.mu.Unlock()
		return
	}
	m.pending[callID] = Entry{
		CallID:  callID,
		FireAt:  time.Now().Add(delay),
		Attempt: attempt,
	}
	start := !m.running
	if start {
		m.running = true
	}
	m.mu.Unlock()

	m.log.Debug("reconnect scheduled",
		zap.String("call_id", callID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	if start {
		go m.sweep()
	}
}

// Cancel removes a call from the pending table, typically on teardown.
func (m *Manager) Cancel(callID string) {
	m.mu.Lock()
	delete(m.pending, callID)
	m.mu.Unlock()
}

// Pending reports whether a reconnect is already in flight for the call.
func (m *Manager) Pending(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[callID]
	return ok
}

// Close stops the sweep loop permanently.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

// sweep runs until the pending table empties, firing every due entry on
// each tick. Insert/remove and the scan share one mutex, so a tick
// never observes a half-inserted entry.
func (m *Manager) sweep() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		case now := <-ticker.C:
			var due []Entry
			m.mu.Lock()
			for id, e := range m.pending {
				if !now.Before(e.FireAt) {
					due = append(due, e)
					delete(m.pending, id)
				}
			}
			empty := len(m.pending) == 0
			if empty {
				m.running = false
			}
			m.mu.Unlock()

			for _, e := range due {
				m.onFire(e.CallID, e.Attempt)
			}
			if empty {
				return
			}
		}
	}
}
