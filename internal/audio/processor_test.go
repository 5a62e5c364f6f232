package audio

import (
	"encoding/base64"
	"testing"
	"time"
)

func testProcessor() *Processor {
	return NewProcessor(10*time.Millisecond, 100*time.Millisecond, 120, 50)
}

// 20ms of u-law silence at 8 kHz.
func silentChunk() string {
	return base64.StdEncoding.EncodeToString(InitialSilence(20 * time.Millisecond))
}

// 20ms of loud u-law audio. 0x00 decodes to a large negative amplitude.
func loudChunk() string {
	payload := make([]byte, 160)
	return base64.StdEncoding.EncodeToString(payload)
}

func TestValidateChunkRejectsEmpty(t *testing.T) {
	res := testProcessor().ValidateChunk("")
	if res.Valid || res.Reason != "empty" {
		t.Fatalf("ValidateChunk(\"\") = %+v, want empty rejection", res)
	}
}

func TestValidateChunkRejectsUndecodable(t *testing.T) {
	res := testProcessor().ValidateChunk("not base64!!!")
	if res.Valid || res.Reason != "undecodable" {
		t.Fatalf("ValidateChunk() = %+v, want undecodable rejection", res)
	}
}

func TestValidateChunkRejectsBelowDurationFloor(t *testing.T) {
	// 40 samples = 5ms, under the 10ms floor.
	short := base64.StdEncoding.EncodeToString(make([]byte, 40))
	res := testProcessor().ValidateChunk(short)
	if res.Valid || res.Reason != "below_duration_floor" {
		t.Fatalf("ValidateChunk() = %+v, want duration floor rejection", res)
	}
}

func TestValidateChunkAcceptsSpeech(t *testing.T) {
	res := testProcessor().ValidateChunk(loudChunk())
	if !res.Valid {
		t.Fatalf("ValidateChunk() = %+v, want valid", res)
	}
	if res.Duration != 20*time.Millisecond {
		t.Fatalf("Duration = %v, want 20ms", res.Duration)
	}
}

func TestIsSilence(t *testing.T) {
	p := testProcessor()
	if !p.IsSilenceChunk(silentChunk()) {
		t.Fatalf("IsSilenceChunk(silence) = false")
	}
	if p.IsSilenceChunk(loudChunk()) {
		t.Fatalf("IsSilenceChunk(loud) = true")
	}
}

func TestCommitReadinessThreshold(t *testing.T) {
	p := testProcessor()
	var acc Accumulator

	res := p.CheckCommitReadiness(&acc)
	if res.CanCommit {
		t.Fatalf("CheckCommitReadiness() = %+v with no audio", res)
	}

	acc.AddSpeech(60 * time.Millisecond)
	res = p.CheckCommitReadiness(&acc)
	if res.CanCommit || res.Reason != "insufficient_audio" {
		t.Fatalf("CheckCommitReadiness() = %+v under threshold", res)
	}

	acc.AddSpeech(60 * time.Millisecond)
	res = p.CheckCommitReadiness(&acc)
	if !res.CanCommit {
		t.Fatalf("CheckCommitReadiness() = %+v at 120ms, want commit", res)
	}
}

func TestCommitReadinessIdempotent(t *testing.T) {
	p := testProcessor()
	var acc Accumulator
	acc.AddSpeech(150 * time.Millisecond)

	first := p.CheckCommitReadiness(&acc)
	second := p.CheckCommitReadiness(&acc)
	if first != second {
		t.Fatalf("CheckCommitReadiness() changed without new audio: %+v vs %+v", first, second)
	}

	acc.Reset()
	if acc.Accumulated() != 0 {
		t.Fatalf("Accumulated() = %v after Reset, want 0", acc.Accumulated())
	}
	if p.CheckCommitReadiness(&acc).CanCommit {
		t.Fatalf("CheckCommitReadiness() = true after Reset")
	}
}

func TestMonitorQuality(t *testing.T) {
	p := testProcessor()
	var acc Accumulator
	for i := 0; i < 49; i++ {
		acc.AddSilence()
	}
	if sig := p.MonitorQuality(&acc); sig.Degraded {
		t.Fatalf("MonitorQuality() degraded at run %d", sig.SilenceRun)
	}
	acc.AddSilence()
	sig := p.MonitorQuality(&acc)
	if !sig.Degraded || sig.SilenceRun != 50 {
		t.Fatalf("MonitorQuality() = %+v, want degraded at 50", sig)
	}

	acc.AddSpeech(20 * time.Millisecond)
	if sig := p.MonitorQuality(&acc); sig.Degraded {
		t.Fatalf("MonitorQuality() still degraded after speech")
	}
}

func TestInitialSilence(t *testing.T) {
	payload := InitialSilence(100 * time.Millisecond)
	if len(payload) != 800 {
		t.Fatalf("len(InitialSilence(100ms)) = %d, want 800", len(payload))
	}
	for _, b := range payload {
		if b != 0xFF {
			t.Fatalf("silence byte = %#x, want 0xff", b)
		}
	}
	if testProcessor().IsSilence(payload) != true {
		t.Fatalf("IsSilence(InitialSilence) = false")
	}
}

func TestULawDecodeSymmetry(t *testing.T) {
	// u-law 0xFF and 0x7F are plus/minus zero.
	if v := DecodeSample(0xFF); v != 0 {
		t.Fatalf("DecodeSample(0xFF) = %d, want 0", v)
	}
	if v := DecodeSample(0x00); v >= 0 {
		t.Fatalf("DecodeSample(0x00) = %d, want negative peak", v)
	}
	if v := DecodeSample(0x80); v <= 0 {
		t.Fatalf("DecodeSample(0x80) = %d, want positive peak", v)
	}
}
