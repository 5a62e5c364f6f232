package emergency

import (
	"context"
	"time"
)

// Decision is the detector's verdict on one finalized user utterance.
type Decision struct {
	ShouldAlert bool           `json:"should_alert"`
	Reason      string         `json:"reason"`
	AlertData   map[string]any `json:"alert_data"`
}

// AlertResult reports whether an alert actually went out. Callers must
// not claim an alert was sent unless Success is true.
type AlertResult struct {
	Success bool   `json:"success"`
	AlertID string `json:"alert_id"`
	Error   string `json:"error"`
}

// Detector is the external emergency-phrase detection collaborator.
// The engine forwards finalized user utterances and relays the verdict;
// detection logic lives outside this process.
type Detector interface {
	ProcessUtterance(ctx context.Context, patientID, text string, at time.Time) (Decision, error)
	CreateAlert(ctx context.Context, patientID string, alertData map[string]any, sourceText string) (AlertResult, error)
}

// Disabled is the no-op detector used when no endpoint is configured.
type Disabled struct{}

func (Disabled) ProcessUtterance(context.Context, string, string, time.Time) (Decision, error) {
	return Decision{}, nil
}

func (Disabled) CreateAlert(context.Context, string, map[string]any, string) (AlertResult, error) {
	return AlertResult{}, nil
}

// NewDetector returns the HTTP-backed detector when a URL is
// configured, otherwise the disabled one.
func NewDetector(url string) Detector {
	if url == "" {
		return Disabled{}
	}
	return NewHTTPDetector(url)
}
