package telephony

import "testing"

func TestChanSinkDeliverAndReceive(t *testing.T) {
	s := NewChanSink(4)
	s.Deliver(Event{Type: EventSessionReady, CallID: "call-1"})

	select {
	case e := <-s.Events():
		if e.Type != EventSessionReady || e.CallID != "call-1" {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatalf("no event buffered")
	}
}

func TestChanSinkDropsOldestWhenFull(t *testing.T) {
	s := NewChanSink(2)
	s.Deliver(Event{Type: EventAudioChunk, AudioB64: "a"})
	s.Deliver(Event{Type: EventAudioChunk, AudioB64: "b"})
	s.Deliver(Event{Type: EventAudioChunk, AudioB64: "c"})

	if s.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", s.Dropped())
	}
	e := <-s.Events()
	if e.AudioB64 != "b" {
		t.Fatalf("first event = %q, want oldest dropped", e.AudioB64)
	}
}
