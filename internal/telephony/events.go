package telephony

// EventType identifies notifications delivered to the telephony layer.
// The telephony layer owns call control; on terminal events it decides
// whether to end the phone call. The engine never hangs up itself.
type EventType string

const (
	EventAudioChunk         EventType = "audio_chunk"
	EventSessionReady       EventType = "openai_session_ready"
	EventSpeechStarted      EventType = "speech_started"
	EventSpeechStopped      EventType = "speech_stopped"
	EventResponseDone       EventType = "response_done"
	EventError              EventType = "openai_error"
	EventClosed             EventType = "openai_closed"
	EventReconnected        EventType = "openai_reconnected"
	EventMaxReconnectFailed EventType = "openai_max_reconnect_failed"
)

// Event is one notification for a call. AudioB64 is set only for
// audio_chunk events and carries one outbound G.711 u-law chunk.
type Event struct {
	Type     EventType `json:"type"`
	CallID   string    `json:"call_id"`
	AudioB64 string    `json:"audio_b64,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Sink receives engine events. Implementations must not block; slow
// consumers drop rather than stall the per-call read loop.
type Sink interface {
	Deliver(Event)
}
