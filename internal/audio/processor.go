package audio

import (
	"encoding/base64"
	"time"
)

// Telephony audio is fixed narrow-band G.711 u-law: 8 kHz, mono, one
// byte per sample.
const (
	SampleRate     = 8000
	bytesPerSample = 1
)

// ValidationResult explains why a chunk was accepted or rejected.
type ValidationResult struct {
	Valid    bool
	Reason   string
	Size     int
	Duration time.Duration
}

// Processor validates, classifies and meters inbound telephony audio.
// It holds only static thresholds and is safe to share across calls.
type Processor struct {
	minChunkDuration  time.Duration
	minCommitDuration time.Duration
	silenceAmplitude  int
	silenceRun        int
}

func NewProcessor(minChunkDuration, minCommitDuration time.Duration, silenceAmplitude, silenceRun int) *Processor {
	return &Processor{
		minChunkDuration:  minChunkDuration,
		minCommitDuration: minCommitDuration,
		silenceAmplitude:  silenceAmplitude,
		silenceRun:        silenceRun,
	}
}

// PayloadDuration converts a u-law payload length to wall-clock speech time.
func PayloadDuration(size int) time.Duration {
	return time.Duration(size) * time.Second / (SampleRate * bytesPerSample)
}

// ValidateChunk rejects empty input, undecodable base64 and chunks too
// short to carry meaningful speech.
func (p *Processor) ValidateChunk(chunk string) ValidationResult {
	if chunk == "" {
		return ValidationResult{Reason: "empty"}
	}
	payload, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		return ValidationResult{Reason: "undecodable"}
	}
	d := PayloadDuration(len(payload))
	if d < p.minChunkDuration {
		return ValidationResult{Reason: "below_duration_floor", Size: len(payload), Duration: d}
	}
	return ValidationResult{Valid: true, Size: len(payload), Duration: d}
}

// IsSilence applies a cheap mean-amplitude heuristic to a decoded payload.
func (p *Processor) IsSilence(payload []byte) bool {
	return meanAbsAmplitude(payload) < p.silenceAmplitude
}

// IsSilenceChunk is IsSilence on a still-encoded base64 chunk.
// Undecodable input counts as silence; it will never be committed.
func (p *Processor) IsSilenceChunk(chunk string) bool {
	payload, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		return true
	}
	return p.IsSilence(payload)
}

// CommitReadiness reports whether enough valid speech has accumulated
// since the last commit.
type CommitReadiness struct {
	CanCommit bool
	Reason    string
	Total     time.Duration
}

// Accumulator tracks valid non-silence audio between commits for one
// call. The owning session serializes access.
type Accumulator struct {
	speech     time.Duration
	silenceRun int
	maxRun     int
}

func (a *Accumulator) AddSpeech(d time.Duration) {
	a.speech += d
	a.silenceRun = 0
}

func (a *Accumulator) AddSilence() {
	a.silenceRun++
	if a.silenceRun > a.maxRun {
		a.maxRun = a.silenceRun
	}
}

// Reset clears accumulated duration after a commit acknowledgment or a
// buffer-error recovery. Counters reset together, never partially.
func (a *Accumulator) Reset() {
	a.speech = 0
	a.silenceRun = 0
}

func (a *Accumulator) Accumulated() time.Duration { return a.speech }

// CheckCommitReadiness is idempotent: without new audio the answer
// never changes.
func (p *Processor) CheckCommitReadiness(a *Accumulator) CommitReadiness {
	if a.speech < p.minCommitDuration {
		return CommitReadiness{Reason: "insufficient_audio", Total: a.speech}
	}
	return CommitReadiness{CanCommit: true, Total: a.speech}
}

// QualitySignal surfaces long consecutive-silence runs as a diagnostic,
// not an error.
type QualitySignal struct {
	SilenceRun int
	Degraded   bool
}

func (p *Processor) MonitorQuality(a *Accumulator) QualitySignal {
	return QualitySignal{
		SilenceRun: a.silenceRun,
		Degraded:   p.silenceRun > 0 && a.silenceRun >= p.silenceRun,
	}
}

// InitialSilence builds a u-law silence payload used to prime the
// outbound path before real speech exists, avoiding an audible burst at
// stream start. 0xFF is u-law zero amplitude.
func InitialSilence(d time.Duration) []byte {
	n := int(d * SampleRate / time.Second)
	if n <= 0 {
		return nil
	}
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = 0xFF
	}
	return payload
}
