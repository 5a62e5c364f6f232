package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/oakline/carecall/internal/realtime"
	"github.com/oakline/carecall/internal/reconnect"
	"github.com/oakline/carecall/internal/session"
	"github.com/oakline/carecall/internal/telephony"
)

// handleFailure is the single entry point for every connection-level
// failure: read-loop errors, handshake timeouts, failed health probes
// and forced closes after repeated buffer errors. Classification decides
// between a scheduled reconnect and a full teardown.
func (s *Service) handleFailure(call *session.Call, err error) {
	call.Mu.Lock()
	callID := call.CallID
	if call.Status == session.StatusClosed {
		call.Mu.Unlock()
		return
	}
	call.Mu.Unlock()

	verdict := reconnect.ClassifyError(err)
	s.log.Warn("connection failure",
		zap.String("call_id", callID),
		zap.String("reason", verdict.Reason),
		zap.Error(err))
	s.emit(telephony.Event{Type: telephony.EventError, CallID: callID, Detail: verdict.Reason})
	s.metrics.CallEvents.WithLabelValues("connection_failure").Inc()

	if !verdict.ShouldReconnect {
		s.teardown(context.Background(), call, verdict.Reason)
		s.emit(telephony.Event{Type: telephony.EventClosed, CallID: callID})
		return
	}
	s.scheduleReconnect(call)
}

// scheduleReconnect books the next attempt in the shared pending table,
// or gives up and tears down once the attempt budget is spent. A call
// with an attempt already pending is left alone.
func (s *Service) scheduleReconnect(call *session.Call) {
	call.Mu.Lock()
	callID := call.CallID
	if call.Status == session.StatusClosed {
		call.Mu.Unlock()
		return
	}
	if s.reconnects.Pending(callID) {
		call.Mu.Unlock()
		return
	}
	call.ReconnectAttempts++
	attempt := call.ReconnectAttempts
	exhausted := attempt > s.cfg.ReconnectMaxAttempts
	if !exhausted {
		call.Status = session.StatusReconnecting
		call.Ready = false
		call.Conn = nil
		call.ReconnectInFlight = true
	}
	call.Mu.Unlock()

	if exhausted {
		s.log.Error("reconnect attempts exhausted",
			zap.String("call_id", callID),
			zap.Int("attempts", attempt-1))
		s.metrics.Reconnects.WithLabelValues("exhausted").Inc()
		s.teardown(context.Background(), call, "max_reconnect_failed")
		s.emit(telephony.Event{Type: telephony.EventMaxReconnectFailed, CallID: callID})
		return
	}

	delay := s.reconnects.Delay(attempt)
	s.metrics.Reconnects.WithLabelValues("scheduled").Inc()
	s.reconnects.Schedule(callID, delay, attempt)
}

// fireReconnect runs when the shared sweep timer reaches a pending
// entry: dial a fresh connection and restart the handshake. The session
// configuration is resent on session.created, and markReady flushes
// anything queued meanwhile.
func (s *Service) fireReconnect(callID string, attempt int) {
	call, err := s.registry.Get(callID)
	if err != nil {
		return
	}
	call.Mu.Lock()
	if call.Status == session.StatusClosed {
		call.Mu.Unlock()
		return
	}
	call.Mu.Unlock()

	s.log.Info("reconnecting", zap.String("call_id", callID), zap.Int("attempt", attempt))
	if err := s.connect(context.Background(), call); err != nil {
		s.metrics.Reconnects.WithLabelValues("dial_failed").Inc()
		s.timeouts.Disarm(callID)
		s.scheduleReconnect(call)
	}
}

// onErrorFrame handles a structured remote error. Input-buffer errors
// are tolerated up to a small streak; past it the connection is forced
// closed and recovered through the normal failure path. Everything else
// is classified by code.
func (s *Service) onErrorFrame(call *session.Call, stream realtime.Stream, f realtime.ErrorFrame) {
	callID := call.CallID
	code := f.Error.Code
	s.log.Warn("remote error frame",
		zap.String("call_id", callID),
		zap.String("code", code),
		zap.String("message", f.Error.Message))
	s.emit(telephony.Event{Type: telephony.EventError, CallID: callID, Detail: code})

	if isBufferErrorCode(code) {
		call.Mu.Lock()
		call.BufferErrorStreak++
		streak := call.BufferErrorStreak
		call.ResetAudioCounters()
		call.Mu.Unlock()

		if streak < s.cfg.BufferErrorThreshold {
			// Clear the remote buffer and keep going; the accumulator
			// already restarted from zero.
			_ = stream.WriteFrame(realtime.NewBufferClear())
			return
		}
		s.log.Warn("buffer error streak exceeded, forcing reconnect",
			zap.String("call_id", callID),
			zap.Int("streak", streak))
		call.Mu.Lock()
		call.BufferErrorStreak = 0
		call.Mu.Unlock()
		_ = stream.CloseGracefully()
		s.scheduleReconnect(call)
		return
	}

	verdict := reconnect.ClassifyCode(code)
	if verdict.ShouldReconnect {
		_ = stream.CloseGracefully()
		s.scheduleReconnect(call)
		return
	}
	s.teardown(context.Background(), call, verdict.Reason)
	s.emit(telephony.Event{Type: telephony.EventClosed, CallID: callID})
}

// input buffer error codes are recoverable without touching the
// connection.
func isBufferErrorCode(code string) bool {
	switch code {
	case "input_audio_buffer_commit_empty",
		"input_audio_buffer_commit_too_small",
		"input_audio_buffer_error":
		return true
	}
	return false
}
