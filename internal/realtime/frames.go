package realtime

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies remote-endpoint protocol frame variants.
type FrameType string

const (
	TypeSessionCreated FrameType = "session.created"
	TypeSessionUpdated FrameType = "session.updated"

	TypeSpeechStarted   FrameType = "input_audio_buffer.speech_started"
	TypeSpeechStopped   FrameType = "input_audio_buffer.speech_stopped"
	TypeBufferCommitted FrameType = "input_audio_buffer.committed"
	TypeBufferCleared   FrameType = "input_audio_buffer.cleared"

	TypeResponseCreated        FrameType = "response.created"
	TypeAudioDelta             FrameType = "response.output_audio.delta"
	TypeAudioDeltaLegacy       FrameType = "response.audio.delta"
	TypeTranscriptDelta        FrameType = "response.output_audio_transcript.delta"
	TypeTranscriptDeltaLegacy  FrameType = "response.audio_transcript.delta"
	TypeTranscriptDone         FrameType = "response.output_audio_transcript.done"
	TypeTranscriptDoneLegacy   FrameType = "response.audio_transcript.done"
	TypeResponseDone           FrameType = "response.done"
	TypeInputTranscriptDone    FrameType = "conversation.item.input_audio_transcription.completed"
	TypeInputTranscriptFailed  FrameType = "conversation.item.input_audio_transcription.failed"
	TypeError                  FrameType = "error"

	// Outbound frame types.
	TypeSessionUpdate  FrameType = "session.update"
	TypeBufferAppend   FrameType = "input_audio_buffer.append"
	TypeBufferCommit   FrameType = "input_audio_buffer.commit"
	TypeBufferClear    FrameType = "input_audio_buffer.clear"
	TypeResponseCreate FrameType = "response.create"
	TypeResponseCancel FrameType = "response.cancel"
)

type envelope struct {
	Type FrameType `json:"type"`
}

// Inbound frame variants. ParseFrame returns exactly one of these.

type SessionCreated struct {
	Type    FrameType `json:"type"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
}

type SessionUpdated struct {
	Type FrameType `json:"type"`
}

type SpeechStarted struct {
	Type         FrameType `json:"type"`
	AudioStartMs int64     `json:"audio_start_ms"`
	ItemID       string    `json:"item_id"`
}

type SpeechStopped struct {
	Type       FrameType `json:"type"`
	AudioEndMs int64     `json:"audio_end_ms"`
	ItemID     string    `json:"item_id"`
}

type BufferCommitted struct {
	Type   FrameType `json:"type"`
	ItemID string    `json:"item_id"`
}

type BufferCleared struct {
	Type FrameType `json:"type"`
}

type ResponseCreated struct {
	Type     FrameType `json:"type"`
	Response struct {
		ID string `json:"id"`
	} `json:"response"`
}

// AudioDelta carries one base64 u-law chunk of AI speech.
type AudioDelta struct {
	Type       FrameType `json:"type"`
	ResponseID string    `json:"response_id"`
	ItemID     string    `json:"item_id"`
	Delta      string    `json:"delta"`
}

// TranscriptDelta is a fragment of the AI utterance transcript.
type TranscriptDelta struct {
	Type       FrameType `json:"type"`
	ResponseID string    `json:"response_id"`
	Delta      string    `json:"delta"`
}

type TranscriptDone struct {
	Type       FrameType `json:"type"`
	ResponseID string    `json:"response_id"`
	Transcript string    `json:"transcript"`
}

// InputTranscriptDone is the user-side transcription result. It may
// arrive before or after the matching speech_stopped frame.
type InputTranscriptDone struct {
	Type       FrameType `json:"type"`
	ItemID     string    `json:"item_id"`
	Transcript string    `json:"transcript"`
}

type InputTranscriptFailed struct {
	Type   FrameType `json:"type"`
	ItemID string    `json:"item_id"`
}

type ResponseDone struct {
	Type     FrameType `json:"type"`
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
}

// ErrorFrame is a structured remote error with a machine-readable code.
type ErrorFrame struct {
	Type  FrameType `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// UnknownFrame is the explicit fallthrough for frame types the engine
// does not handle; callers log and drop it.
type UnknownFrame struct {
	RawType FrameType
}

// ParseFrame decodes one inbound protocol frame into its typed variant.
// A malformed frame yields an error for the caller to log and drop;
// nothing here is fatal to the session.
func ParseFrame(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid frame envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}

	switch env.Type {
	case TypeSessionCreated:
		var msg SessionCreated
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeSessionUpdated:
		var msg SessionUpdated
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeSpeechStarted:
		var msg SpeechStarted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeSpeechStopped:
		var msg SpeechStopped
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeBufferCommitted:
		var msg BufferCommitted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeBufferCleared:
		var msg BufferCleared
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeResponseCreated:
		var msg ResponseCreated
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeAudioDelta, TypeAudioDeltaLegacy:
		var msg AudioDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeTranscriptDelta, TypeTranscriptDeltaLegacy:
		var msg TranscriptDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeTranscriptDone, TypeTranscriptDoneLegacy:
		var msg TranscriptDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeInputTranscriptDone:
		var msg InputTranscriptDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeInputTranscriptFailed:
		var msg InputTranscriptFailed
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeResponseDone:
		var msg ResponseDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	case TypeError:
		var msg ErrorFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil
	default:
		return UnknownFrame{RawType: env.Type}, nil
	}
}
