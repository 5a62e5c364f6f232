package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/oakline/carecall/internal/realtime"
)

// requestCommit registers a call in the shared pending-commit table.
// One sweep timer serves every call; a request made while one is
// already pending keeps the earlier deadline, so commits batch rather
// than fire per chunk. The sweep goroutine stops itself when the table
// drains and restarts on the next request.
func (s *Service) requestCommit(callID string) {
	s.commitMu.Lock()
	if _, pending := s.commitPending[callID]; !pending {
		s.commitPending[callID] = time.Now().Add(s.cfg.CommitSweepInterval)
	}
	start := !s.commitRunning
	if start {
		s.commitRunning = true
	}
	s.commitMu.Unlock()

	if start {
		go s.commitSweep()
	}
}

func (s *Service) dropCommitRequest(callID string) {
	s.commitMu.Lock()
	delete(s.commitPending, callID)
	s.commitMu.Unlock()
}

func (s *Service) commitSweep() {
	ticker := time.NewTicker(s.cfg.CommitSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			var due []string
			s.commitMu.Lock()
			for id, at := range s.commitPending {
				if !now.Before(at) {
					due = append(due, id)
					delete(s.commitPending, id)
				}
			}
			empty := len(s.commitPending) == 0
			if empty {
				s.commitRunning = false
			}
			s.commitMu.Unlock()

			for _, id := range due {
				s.flushCommit(id)
			}
			if empty {
				return
			}
		}
	}
}

// flushCommit sends one buffer commit for a call if enough speech has
// accumulated since the last acknowledged commit. Insufficient audio is
// simply left to accumulate further; the next append re-requests.
func (s *Service) flushCommit(callID string) {
	call, err := s.registry.Get(callID)
	if err != nil {
		return
	}

	call.Mu.Lock()
	if !call.IsReady() {
		call.Mu.Unlock()
		return
	}
	stream := call.Conn
	readiness := s.proc.CheckCommitReadiness(&call.Speech)
	var waited time.Duration
	if readiness.CanCommit && !call.Audio.FirstAudioAt.IsZero() {
		waited = time.Since(call.Audio.FirstAudioAt)
	}
	call.Mu.Unlock()

	if !readiness.CanCommit {
		return
	}

	if err := stream.WriteFrame(realtime.NewBufferCommit()); err != nil {
		s.log.Warn("buffer commit failed", zap.String("call_id", callID), zap.Error(err))
		call.Mu.Lock()
		call.Audio.ConsecutiveFailures++
		call.Mu.Unlock()
		return
	}
	s.metrics.Frames.WithLabelValues("out", string(realtime.TypeBufferCommit)).Inc()
	if waited > 0 {
		s.metrics.ObserveCommitLatency(waited)
	}
	s.log.Debug("buffer committed",
		zap.String("call_id", callID),
		zap.Duration("accumulated", readiness.Total))
}
