package emergency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPDetector forwards utterances to the emergency-detection service.
type HTTPDetector struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDetector(baseURL string) *HTTPDetector {
	return &HTTPDetector{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type processRequest struct {
	PatientID string    `json:"patient_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *HTTPDetector) ProcessUtterance(ctx context.Context, patientID, text string, at time.Time) (Decision, error) {
	var out Decision
	err := d.post(ctx, "/v1/utterances", processRequest{
		PatientID: patientID,
		Text:      text,
		Timestamp: at,
	}, &out)
	if err != nil {
		return Decision{}, err
	}
	return out, nil
}

type alertRequest struct {
	PatientID  string         `json:"patient_id"`
	AlertData  map[string]any `json:"alert_data"`
	SourceText string         `json:"source_text"`
}

func (d *HTTPDetector) CreateAlert(ctx context.Context, patientID string, alertData map[string]any, sourceText string) (AlertResult, error) {
	var out AlertResult
	err := d.post(ctx, "/v1/alerts", alertRequest{
		PatientID:  patientID,
		AlertData:  alertData,
		SourceText: sourceText,
	}, &out)
	if err != nil {
		return AlertResult{}, err
	}
	return out, nil
}

func (d *HTTPDetector) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("detector http status %d: %s", res.StatusCode, string(body))
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
