package telephony

import "sync"

// ChanSink buffers events on a channel with drop-oldest overflow, so a
// stalled consumer loses the stalest audio instead of blocking the
// engine.
type ChanSink struct {
	mu      sync.Mutex
	ch      chan Event
	dropped int64
}

func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{ch: make(chan Event, buffer)}
}

func (s *ChanSink) Deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.ch <- e:
			return
		default:
			select {
			case <-s.ch:
				s.dropped++
			default:
			}
		}
	}
}

// Events exposes the consumer side of the sink.
func (s *ChanSink) Events() <-chan Event { return s.ch }

// Dropped reports how many events were discarded to keep the engine
// unblocked.
func (s *ChanSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
