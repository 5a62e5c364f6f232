package realtime

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseFrameSessionCreated(t *testing.T) {
	raw := []byte(`{"type":"session.created","session":{"id":"sess_123"}}`)
	msg, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	created, ok := msg.(SessionCreated)
	if !ok {
		t.Fatalf("frame type = %T, want SessionCreated", msg)
	}
	if created.Session.ID != "sess_123" {
		t.Fatalf("session id = %q, want sess_123", created.Session.ID)
	}
}

func TestParseFrameSpeechEvents(t *testing.T) {
	msg, err := ParseFrame([]byte(`{"type":"input_audio_buffer.speech_started","audio_start_ms":420,"item_id":"item_1"}`))
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	started, ok := msg.(SpeechStarted)
	if !ok || started.AudioStartMs != 420 {
		t.Fatalf("frame = %#v, want SpeechStarted at 420ms", msg)
	}

	msg, err = ParseFrame([]byte(`{"type":"input_audio_buffer.speech_stopped","audio_end_ms":1400,"item_id":"item_1"}`))
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	if stopped, ok := msg.(SpeechStopped); !ok || stopped.ItemID != "item_1" {
		t.Fatalf("frame = %#v, want SpeechStopped item_1", msg)
	}
}

func TestParseFrameAudioDeltaLegacyAlias(t *testing.T) {
	for _, typ := range []string{"response.output_audio.delta", "response.audio.delta"} {
		raw := []byte(`{"type":"` + typ + `","response_id":"resp_1","delta":"AQID"}`)
		msg, err := ParseFrame(raw)
		if err != nil {
			t.Fatalf("ParseFrame(%s) error = %v", typ, err)
		}
		delta, ok := msg.(AudioDelta)
		if !ok || delta.Delta != "AQID" {
			t.Fatalf("frame = %#v, want AudioDelta", msg)
		}
	}
}

func TestParseFrameErrorCode(t *testing.T) {
	raw := []byte(`{"type":"error","error":{"type":"invalid_request_error","code":"session_expired","message":"Session expired"}}`)
	msg, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	ef, ok := msg.(ErrorFrame)
	if !ok || ef.Error.Code != "session_expired" {
		t.Fatalf("frame = %#v, want ErrorFrame session_expired", msg)
	}
}

func TestParseFrameUnknownFallthrough(t *testing.T) {
	msg, err := ParseFrame([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	if err != nil {
		t.Fatalf("ParseFrame() error = %v", err)
	}
	unknown, ok := msg.(UnknownFrame)
	if !ok || unknown.RawType != "rate_limits.updated" {
		t.Fatalf("frame = %#v, want UnknownFrame", msg)
	}
}

func TestParseFrameMalformed(t *testing.T) {
	if _, err := ParseFrame([]byte(`{not json`)); err == nil {
		t.Fatalf("expected envelope error")
	}
	if _, err := ParseFrame([]byte(`{"other":"field"}`)); err == nil {
		t.Fatalf("expected missing type error")
	}
}

func TestNewSessionUpdateShape(t *testing.T) {
	frame := NewSessionUpdate(SessionSettings{
		Instructions:           "You are a gentle wellness-check caller.",
		Voice:                  "alloy",
		TurnDetectionThreshold: 0.5,
		TurnSilenceDuration:    700 * time.Millisecond,
		TurnPrefixPadding:      300 * time.Millisecond,
	})
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal session.update: %v", err)
	}

	var decoded struct {
		Type    string `json:"type"`
		Session struct {
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
			Voice             string `json:"voice"`
			TurnDetection     struct {
				Type              string `json:"type"`
				SilenceDurationMs int64  `json:"silence_duration_ms"`
			} `json:"turn_detection"`
			InputAudioTranscription struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
		} `json:"session"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal session.update: %v", err)
	}
	if decoded.Type != "session.update" {
		t.Fatalf("type = %q, want session.update", decoded.Type)
	}
	if decoded.Session.InputAudioFormat != "g711_ulaw" || decoded.Session.OutputAudioFormat != "g711_ulaw" {
		t.Fatalf("audio formats = %q/%q, want g711_ulaw both ways",
			decoded.Session.InputAudioFormat, decoded.Session.OutputAudioFormat)
	}
	if decoded.Session.TurnDetection.Type != "server_vad" || decoded.Session.TurnDetection.SilenceDurationMs != 700 {
		t.Fatalf("turn detection = %+v, want server_vad at 700ms", decoded.Session.TurnDetection)
	}
	if decoded.Session.InputAudioTranscription.Model == "" {
		t.Fatalf("input transcription not enabled")
	}
}

func TestNewResponseCreateOmitsEmptyInstructions(t *testing.T) {
	raw, err := json.Marshal(NewResponseCreate(""))
	if err != nil {
		t.Fatalf("marshal response.create: %v", err)
	}
	if string(raw) != `{"type":"response.create"}` {
		t.Fatalf("response.create = %s, want bare frame", raw)
	}

	raw, err = json.Marshal(NewResponseCreate("Greet the patient."))
	if err != nil {
		t.Fatalf("marshal response.create: %v", err)
	}
	var decoded struct {
		Response struct {
			Instructions string `json:"instructions"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal response.create: %v", err)
	}
	if decoded.Response.Instructions != "Greet the patient." {
		t.Fatalf("instructions = %q", decoded.Response.Instructions)
	}
}

func TestTimeoutGuardFiresOnce(t *testing.T) {
	g := NewTimeoutGuard()
	fired := make(chan struct{}, 2)
	g.Arm("call-a", 5*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("timeout never fired")
	}
	select {
	case <-fired:
		t.Fatalf("timeout fired twice")
	case <-time.After(20 * time.Millisecond):
	}
	if g.Armed("call-a") {
		t.Fatalf("Armed() = true after firing")
	}
}

func TestTimeoutGuardDisarm(t *testing.T) {
	g := NewTimeoutGuard()
	fired := make(chan struct{}, 1)
	g.Arm("call-a", 10*time.Millisecond, func() { fired <- struct{}{} })
	g.Disarm("call-a")

	select {
	case <-fired:
		t.Fatalf("disarmed timeout fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimeoutGuardRearmReplaces(t *testing.T) {
	g := NewTimeoutGuard()
	var firstFired, secondFired bool
	done := make(chan string, 2)
	g.Arm("call-a", 10*time.Millisecond, func() { done <- "first" })
	g.Arm("call-a", 20*time.Millisecond, func() { done <- "second" })

	deadline := time.After(500 * time.Millisecond)
	for !secondFired {
		select {
		case who := <-done:
			if who == "first" {
				firstFired = true
			} else {
				secondFired = true
			}
		case <-deadline:
			t.Fatalf("replacement timeout never fired")
		}
	}
	if firstFired {
		t.Fatalf("replaced timeout fired")
	}
}
