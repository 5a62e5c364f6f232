package emergency

import (
	"context"
	"sync"
	"time"
)

// MockDetector scripts detector behavior for tests.
type MockDetector struct {
	mu sync.Mutex

	Decision    Decision
	ProcessErr  error
	AlertResult AlertResult
	AlertErr    error

	// Gate, when set, blocks ProcessUtterance until the channel is
	// closed, after the utterance has been recorded.
	Gate chan struct{}

	Processed []string
	Alerted   []string
}

func (m *MockDetector) ProcessUtterance(_ context.Context, _, text string, _ time.Time) (Decision, error) {
	m.mu.Lock()
	m.Processed = append(m.Processed, text)
	gate := m.Gate
	err := m.ProcessErr
	decision := m.Decision
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func (m *MockDetector) CreateAlert(_ context.Context, _ string, _ map[string]any, sourceText string) (AlertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AlertErr != nil {
		return AlertResult{}, m.AlertErr
	}
	if m.AlertResult.Success {
		m.Alerted = append(m.Alerted, sourceText)
	}
	return m.AlertResult, nil
}

// ProcessedCount returns how many utterances reached the detector.
func (m *MockDetector) ProcessedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Processed)
}

// AlertedCount returns how many alerts were recorded as sent.
func (m *MockDetector) AlertedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Alerted)
}
