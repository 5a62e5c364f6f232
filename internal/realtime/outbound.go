package realtime

import "time"

// SessionSettings is the handshake configuration sent in session.update
// once the socket opens. Telephony audio is forwarded without
// transcoding, so both directions are G.711 u-law.
type SessionSettings struct {
	Instructions           string
	Voice                  string
	TurnDetectionThreshold float64
	TurnSilenceDuration    time.Duration
	TurnPrefixPadding      time.Duration
}

type sessionUpdate struct {
	Type    FrameType     `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string           `json:"modalities"`
	Instructions            string             `json:"instructions"`
	Voice                   string             `json:"voice"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription transcriptionCfg   `json:"input_audio_transcription"`
	TurnDetection           turnDetectionCfg   `json:"turn_detection"`
}

type transcriptionCfg struct {
	Model string `json:"model"`
}

type turnDetectionCfg struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int64   `json:"prefix_padding_ms"`
	SilenceDurationMs int64   `json:"silence_duration_ms"`
}

// NewSessionUpdate builds the session.update frame for the handshake.
func NewSessionUpdate(s SessionSettings) any {
	return sessionUpdate{
		Type: TypeSessionUpdate,
		Session: sessionConfig{
			Modalities:        []string{"text", "audio"},
			Instructions:      s.Instructions,
			Voice:             s.Voice,
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			InputAudioTranscription: transcriptionCfg{
				Model: "whisper-1",
			},
			TurnDetection: turnDetectionCfg{
				Type:              "server_vad",
				Threshold:         s.TurnDetectionThreshold,
				PrefixPaddingMs:   s.TurnPrefixPadding.Milliseconds(),
				SilenceDurationMs: s.TurnSilenceDuration.Milliseconds(),
			},
		},
	}
}

type bufferAppend struct {
	Type  FrameType `json:"type"`
	Audio string    `json:"audio"`
}

// NewBufferAppend builds an input_audio_buffer.append frame carrying
// one base64 u-law chunk.
func NewBufferAppend(audioB64 string) any {
	return bufferAppend{Type: TypeBufferAppend, Audio: audioB64}
}

type bareFrame struct {
	Type FrameType `json:"type"`
}

func NewBufferCommit() any { return bareFrame{Type: TypeBufferCommit} }
func NewBufferClear() any  { return bareFrame{Type: TypeBufferClear} }

type responseCreate struct {
	Type     FrameType       `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// NewResponseCreate asks the remote endpoint to start an AI turn,
// optionally with per-turn instruction injection (greeting text,
// post-alert guidance).
func NewResponseCreate(instructions string) any {
	f := responseCreate{Type: TypeResponseCreate}
	if instructions != "" {
		f.Response = &responseParams{Instructions: instructions}
	}
	return f
}

type responseCancel struct {
	Type       FrameType `json:"type"`
	ResponseID string    `json:"response_id,omitempty"`
}

// NewResponseCancel aborts the in-flight AI response, used when the
// user barges in.
func NewResponseCancel(responseID string) any {
	return responseCancel{Type: TypeResponseCancel, ResponseID: responseID}
}
