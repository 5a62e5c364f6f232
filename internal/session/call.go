package session

import (
	"sync"
	"time"

	"github.com/oakline/carecall/internal/audio"
	"github.com/oakline/carecall/internal/realtime"
	"github.com/oakline/carecall/internal/turns"
)

// Status is the connection lifecycle status of a call session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusTimeout      Status = "timeout"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

// terminal statuses allow an idempotent re-create for the same call ID.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusError || s == StatusTimeout
}

// Counters tracks per-call audio accounting. All fields reset together
// on commit acknowledgment or buffer-error recovery, never partially.
type Counters struct {
	ChunksReceived int64
	BytesReceived  int64
	ChunksSent     int64
	BytesSent      int64

	ConsecutiveFailures int

	FirstAudioAt time.Time
	LastSendAt   time.Time
}

// Side is one speaker's in-flight transcript accumulator. PlaceholderID
// names the persisted placeholder message currently representing the
// utterance; it is cleared exactly once, at finalize or discard.
type Side struct {
	Pending       string
	PlaceholderID string
	LastActivity  time.Time

	// AwaitingTranscript marks a user utterance whose speech stopped
	// before its transcript arrived. The placeholder stays put.
	AwaitingTranscript bool

	// TranscriptFailed records that transcription failed for the
	// current utterance, so no text will ever arrive and the
	// placeholder may be discarded.
	TranscriptFailed bool
}

// Call is the full mutable state for one active phone call. All access
// goes through the mutex; events for one call may arrive from the read
// loop, the sweep timers and the telephony layer concurrently.
type Call struct {
	Mu sync.Mutex

	// Identity.
	CallID         string
	ChannelID      string
	ConversationID string
	PatientID      string
	InitialPrompt  string

	// Connection state.
	Status          Status
	Conn            realtime.Stream
	Ready           bool
	RemoteSessionID string

	// Turn state. The tracker is the authoritative source for who may
	// speak now; the booleans below only track raw protocol edges.
	Turns        *turns.Tracker
	UserSpeaking bool
	AISpeaking   bool

	GreetingTriggered bool

	// Transcript accumulators.
	User Side
	AI   Side

	// DeferAIPlaceholder delays the AI placeholder while the user's own
	// utterance is still unfinalized, so persisted order matches
	// speaking order.
	DeferAIPlaceholder bool

	// In-flight response tracking. SuppressedResponseID names a
	// response cancelled during the post-greeting grace window whose
	// remaining frames are dropped.
	ActiveResponseID     string
	SuppressedResponseID string

	Audio  Counters
	Speech audio.Accumulator

	// Capture holds a bounded copy of outbound AI audio for the debug
	// archive handed off at disconnect.
	Capture []byte

	// Bounded queue holding audio that arrived before the handshake
	// finished; flushed in arrival order once ready.
	PreReady []string

	// Reconnection bookkeeping.
	ReconnectAttempts int
	ReconnectInFlight bool
	BufferErrorStreak int

	CreatedAt time.Time
}

func newCall(callID, channelID, patientID, initialPrompt string) *Call {
	return &Call{
		CallID:        callID,
		ChannelID:     channelID,
		PatientID:     patientID,
		InitialPrompt: initialPrompt,
		Status:        StatusInitializing,
		Turns:         turns.NewTracker(),
		CreatedAt:     time.Now().UTC(),
	}
}

const captureLimit = 1 << 20

// AppendCapture copies outbound AI audio into the bounded debug buffer.
func (c *Call) AppendCapture(b []byte) {
	room := captureLimit - len(c.Capture)
	if room <= 0 {
		return
	}
	if len(b) > room {
		b = b[:room]
	}
	c.Capture = append(c.Capture, b...)
}

// IsReady reports whether the handshake completed and the connection
// can accept audio.
func (c *Call) IsReady() bool {
	return c.Ready && c.Conn != nil && c.Status == StatusConnected
}

// ResetAudioCounters clears the commit-scoped accounting as one unit.
func (c *Call) ResetAudioCounters() {
	c.Speech.Reset()
	c.Audio.ConsecutiveFailures = 0
}

// EnqueuePreReady buffers a chunk while the session is not yet ready.
// The queue is bounded; once full the newest chunk is dropped, trading
// brief audio loss for memory safety under connection-setup storms.
func (c *Call) EnqueuePreReady(chunk string, limit int) bool {
	if len(c.PreReady) >= limit {
		return false
	}
	c.PreReady = append(c.PreReady, chunk)
	return true
}

// DrainPreReady returns buffered chunks in arrival order and clears the
// queue.
func (c *Call) DrainPreReady() []string {
	out := c.PreReady
	c.PreReady = nil
	return out
}

// Snapshot is a copy-safe view of a call for the ops API.
type Snapshot struct {
	CallID            string      `json:"call_id"`
	PatientID         string      `json:"patient_id"`
	Status            Status      `json:"status"`
	TurnState         turns.State `json:"turn_state"`
	ChunksReceived    int64       `json:"chunks_received"`
	BytesReceived     int64       `json:"bytes_received"`
	ChunksSent        int64       `json:"chunks_sent"`
	BytesSent         int64       `json:"bytes_sent"`
	ReconnectAttempts int         `json:"reconnect_attempts"`
	CreatedAt         time.Time   `json:"created_at"`
}

func (c *Call) snapshotLocked() Snapshot {
	return Snapshot{
		CallID:            c.CallID,
		PatientID:         c.PatientID,
		Status:            c.Status,
		TurnState:         c.Turns.State(),
		ChunksReceived:    c.Audio.ChunksReceived,
		BytesReceived:     c.Audio.BytesReceived,
		ChunksSent:        c.Audio.ChunksSent,
		BytesSent:         c.Audio.BytesSent,
		ReconnectAttempts: c.ReconnectAttempts,
		CreatedAt:         c.CreatedAt,
	}
}

// Snapshot copies the call state under its lock.
func (c *Call) Snapshot() Snapshot {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.snapshotLocked()
}
