package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/oakline/carecall/internal/audio"
	"github.com/oakline/carecall/internal/realtime"
	"github.com/oakline/carecall/internal/session"
	"github.com/oakline/carecall/internal/store"
	"github.com/oakline/carecall/internal/telephony"
	"github.com/oakline/carecall/internal/turns"
)

var (
	errHandshakeTimeout = errors.New("handshake timeout")
	errHealthProbe      = errors.New("health probe timeout")
)

// readLoop drives one streaming connection until it dies. Events for a
// call are processed in arrival order on this goroutine.
func (s *Service) readLoop(call *session.Call, stream realtime.Stream) {
	for {
		raw, err := stream.ReadFrame()
		if err != nil {
			call.Mu.Lock()
			current := call.Conn
			closed := call.Status == session.StatusClosed
			call.Mu.Unlock()
			// A superseded or closed connection's read error is not a
			// failure of the call.
			if closed || current != stream {
				return
			}
			s.handleFailure(call, err)
			return
		}

		frame, err := realtime.ParseFrame(raw)
		if err != nil {
			s.log.Debug("dropping malformed frame", zap.String("call_id", call.CallID), zap.Error(err))
			s.metrics.Frames.WithLabelValues("in", "malformed").Inc()
			continue
		}
		s.handleFrame(call, stream, frame)
	}
}

func (s *Service) handleFrame(call *session.Call, stream realtime.Stream, frame any) {
	switch f := frame.(type) {
	case realtime.SessionCreated:
		s.metrics.Frames.WithLabelValues("in", string(realtime.TypeSessionCreated)).Inc()
		call.Mu.Lock()
		call.RemoteSessionID = f.Session.ID
		call.Mu.Unlock()
		if err := stream.WriteFrame(realtime.NewSessionUpdate(s.sessionSettings(call, ""))); err != nil {
			s.handleFailure(call, err)
		}

	case realtime.SessionUpdated:
		s.metrics.Frames.WithLabelValues("in", string(realtime.TypeSessionUpdated)).Inc()
		s.markReady(call, stream)

	case realtime.SpeechStarted:
		s.metrics.Frames.WithLabelValues("in", string(realtime.TypeSpeechStarted)).Inc()
		s.onSpeechStarted(call, stream)

	case realtime.SpeechStopped:
		s.metrics.Frames.WithLabelValues("in", string(realtime.TypeSpeechStopped)).Inc()
		s.onSpeechStopped(call)

	case realtime.InputTranscriptDone:
		s.metrics.Frames.WithLabelValues("in", string(realtime.TypeInputTranscriptDone)).Inc()
		s.onUserTranscript(call, f.Transcript, false)

	case realtime.InputTranscriptFailed:
		s.metrics.Frames.WithLabelValues("in", string(realtime.TypeInputTranscriptFailed)).Inc()
		s.onUserTranscript(call, "", true)

	case realtime.ResponseCreated:
		s.metrics.Frames.WithLabelValues("in", string(realtime.TypeResponseCreated)).Inc()
		call.Mu.Lock()
		call.ActiveResponseID = f.Response.ID
		call.Mu.Unlock()

	case realtime.AudioDelta:
		s.metrics.Frames.WithLabelValues("in", string(realtime.TypeAudioDelta)).Inc()
		s.onAudioDelta(call, stream, f)

	case realtime.TranscriptDelta:
		call.Mu.Lock()
		call.AI.Pending += f.Delta
		call.AI.LastActivity = time.Now().UTC()
		call.Mu.Unlock()

	case realtime.TranscriptDone:
		call.Mu.Lock()
		if f.Transcript != "" {
			call.AI.Pending = f.Transcript
		}
		call.Mu.Unlock()

	case realtime.ResponseDone:
		s.metrics.Frames.WithLabelValues("in", string(realtime.TypeResponseDone)).Inc()
		s.onResponseDone(call)

	case realtime.BufferCommitted:
		s.metrics.Frames.WithLabelValues("in", string(realtime.TypeBufferCommitted)).Inc()
		call.Mu.Lock()
		call.ResetAudioCounters()
		// An accepted commit breaks any buffer-error streak; escalation
		// is reserved for consecutive failures.
		call.BufferErrorStreak = 0
		call.Mu.Unlock()

	case realtime.BufferCleared:
		call.Mu.Lock()
		call.ResetAudioCounters()
		call.Mu.Unlock()

	case realtime.ErrorFrame:
		s.metrics.Frames.WithLabelValues("in", string(realtime.TypeError)).Inc()
		s.onErrorFrame(call, stream, f)

	case realtime.UnknownFrame:
		s.metrics.Frames.WithLabelValues("in", "unknown").Inc()
		s.log.Debug("unhandled frame type",
			zap.String("call_id", call.CallID),
			zap.String("frame_type", string(f.RawType)))
	}
}

// markReady completes the handshake: disarm the timeout, flush the
// pre-ready queue in arrival order, prime the outbound path, and
// trigger the greeting on first connect.
func (s *Service) markReady(call *session.Call, stream realtime.Stream) {
	call.Mu.Lock()
	if call.Ready {
		call.Mu.Unlock()
		return
	}
	callID := call.CallID
	wasReconnect := call.ReconnectInFlight
	call.Status = session.StatusConnected
	call.Ready = true
	call.ReconnectInFlight = false
	call.ReconnectAttempts = 0
	greet := !call.GreetingTriggered
	if greet {
		call.GreetingTriggered = true
	}
	queued := call.DrainPreReady()
	call.Mu.Unlock()

	s.timeouts.Disarm(callID)

	if greet {
		// Prime the stream with a short silence payload so playback
		// does not open with a pop.
		silence := base64.StdEncoding.EncodeToString(s.initialSilence())
		if silence != "" {
			_ = stream.WriteFrame(realtime.NewBufferAppend(silence))
		}
	}

	for _, chunk := range queued {
		s.forwardQueuedChunk(call, stream, chunk)
	}
	s.maybeCommitAfterFlush(call, stream)

	if greet {
		call.Mu.Lock()
		if err := call.Turns.Transition(turns.GreetingActive); err != nil {
			s.log.Warn("greeting transition rejected", zap.String("call_id", callID), zap.Error(err))
		}
		call.Mu.Unlock()
		if err := stream.WriteFrame(realtime.NewResponseCreate("")); err != nil {
			s.handleFailure(call, err)
			return
		}
		s.metrics.CallEvents.WithLabelValues("greeting_triggered").Inc()
	}

	if wasReconnect {
		s.metrics.Reconnects.WithLabelValues("succeeded").Inc()
		s.emit(telephony.Event{Type: telephony.EventReconnected, CallID: callID})
	} else {
		s.emit(telephony.Event{Type: telephony.EventSessionReady, CallID: callID})
	}
	s.log.Info("session ready", zap.String("call_id", callID), zap.Bool("reconnect", wasReconnect))
}

func (s *Service) initialSilence() []byte {
	return audio.InitialSilence(s.cfg.InitialSilenceDuration)
}

// forwardQueuedChunk replays one buffered pre-ready chunk, applying the
// same validation and metering as the live path.
func (s *Service) forwardQueuedChunk(call *session.Call, stream realtime.Stream, chunk string) {
	res := s.proc.ValidateChunk(chunk)
	if !res.Valid {
		return
	}
	if err := stream.WriteFrame(realtime.NewBufferAppend(chunk)); err != nil {
		return
	}
	now := time.Now().UTC()
	call.Mu.Lock()
	call.Audio.ChunksReceived++
	call.Audio.BytesReceived += int64(res.Size)
	call.Audio.ChunksSent++
	call.Audio.BytesSent += int64(res.Size)
	call.Audio.LastSendAt = now
	if call.Audio.FirstAudioAt.IsZero() {
		call.Audio.FirstAudioAt = now
	}
	if s.proc.IsSilenceChunk(chunk) {
		call.Speech.AddSilence()
	} else {
		call.Speech.AddSpeech(res.Duration)
	}
	call.Mu.Unlock()
}

// maybeCommitAfterFlush sends exactly one commit if the flushed backlog
// already clears the minimum threshold.
func (s *Service) maybeCommitAfterFlush(call *session.Call, stream realtime.Stream) {
	call.Mu.Lock()
	readiness := s.proc.CheckCommitReadiness(&call.Speech)
	if readiness.CanCommit {
		call.Speech.Reset()
	}
	call.Mu.Unlock()
	if !readiness.CanCommit {
		return
	}
	if err := stream.WriteFrame(realtime.NewBufferCommit()); err != nil {
		return
	}
	s.metrics.Frames.WithLabelValues("out", string(realtime.TypeBufferCommit)).Inc()
}

// onSpeechStarted opens a user turn. The placeholder is created now so
// its timestamp reflects actual speech start, and any in-flight AI
// response is cancelled.
func (s *Service) onSpeechStarted(call *session.Call, stream realtime.Stream) {
	now := time.Now().UTC()

	call.Mu.Lock()
	call.UserSpeaking = true
	call.User.LastActivity = now
	interruptedResponse := ""
	if call.AISpeaking && call.ActiveResponseID != "" {
		interruptedResponse = call.ActiveResponseID
	}
	if call.Turns.CanUserSpeak() {
		if err := call.Turns.Transition(turns.UserSpeaking); err != nil {
			s.log.Warn("user turn transition rejected", zap.String("call_id", call.CallID), zap.Error(err))
		}
	}
	needPlaceholder := call.User.PlaceholderID == ""
	convID := call.ConversationID
	callID := call.CallID
	call.Mu.Unlock()

	if interruptedResponse != "" {
		_ = stream.WriteFrame(realtime.NewResponseCancel(interruptedResponse))
		s.metrics.CallEvents.WithLabelValues("response_interrupted").Inc()
	}

	if needPlaceholder {
		id, err := s.store.InsertPlaceholder(context.Background(), convID, store.RoleUser, "utterance", now)
		if err != nil {
			s.log.Error("user placeholder insert failed", zap.String("call_id", callID), zap.Error(err))
		} else {
			call.Mu.Lock()
			call.User.PlaceholderID = id
			call.Mu.Unlock()
		}
	}

	s.emit(telephony.Event{Type: telephony.EventSpeechStarted, CallID: callID})
}

// onSpeechStopped closes the user turn and schedules finalization after
// a short grace delay so a trailing transcript can still land.
func (s *Service) onSpeechStopped(call *session.Call) {
	call.Mu.Lock()
	call.UserSpeaking = false
	callID := call.CallID
	if call.Turns.State() == turns.UserSpeaking {
		if err := call.Turns.Transition(turns.ConversationActive); err != nil {
			s.log.Warn("turn transition rejected", zap.String("call_id", callID), zap.Error(err))
		}
	}
	call.Mu.Unlock()

	s.emit(telephony.Event{Type: telephony.EventSpeechStopped, CallID: callID})

	time.AfterFunc(s.cfg.TranscriptWaitDelay, func() {
		s.finalizeUserUtterance(call)
	})
}

// onAudioDelta forwards AI audio to the telephony layer and opens the
// AI turn on the first delta of a response. A response that starts
// inside the post-greeting grace window with no user utterance behind
// it is lingering-audio fallout: it is cancelled and none of its output
// reaches the caller or the store.
func (s *Service) onAudioDelta(call *session.Call, stream realtime.Stream, f realtime.AudioDelta) {
	now := time.Now().UTC()

	call.Mu.Lock()
	if call.SuppressedResponseID != "" && f.ResponseID == call.SuppressedResponseID {
		call.Mu.Unlock()
		return
	}
	first := !call.AISpeaking
	callID := call.CallID
	convID := call.ConversationID
	userStillOpen := call.UserSpeaking || call.User.PlaceholderID != ""
	if first {
		state := call.Turns.State()
		if state != turns.GreetingActive && !userStillOpen &&
			!call.Turns.CanAIRespond(now, s.cfg.GreetingGraceWindow) {
			call.SuppressedResponseID = f.ResponseID
			cancelID := f.ResponseID
			if cancelID == "" {
				cancelID = call.ActiveResponseID
			}
			if call.ActiveResponseID == cancelID {
				call.ActiveResponseID = ""
			}
			call.Mu.Unlock()
			if cancelID != "" {
				_ = stream.WriteFrame(realtime.NewResponseCancel(cancelID))
			}
			s.metrics.CallEvents.WithLabelValues("response_suppressed").Inc()
			s.log.Debug("suppressed post-greeting response",
				zap.String("call_id", callID),
				zap.String("response_id", cancelID))
			return
		}
	}
	call.AISpeaking = true
	call.AI.LastActivity = now
	var needPlaceholder bool
	if first {
		if state := call.Turns.State(); state != turns.GreetingActive && state != turns.AIResponding {
			if err := call.Turns.Transition(turns.AIResponding); err != nil {
				s.log.Warn("ai turn transition rejected", zap.String("call_id", callID), zap.Error(err))
			}
		}
		if call.AI.PlaceholderID == "" {
			if userStillOpen {
				// Defer so the user's message keeps the earlier
				// persisted position.
				call.DeferAIPlaceholder = true
			} else {
				needPlaceholder = true
			}
		}
	}
	call.Mu.Unlock()

	if needPlaceholder {
		s.createAIPlaceholder(call, convID, now)
	}

	if payload, err := base64.StdEncoding.DecodeString(f.Delta); err == nil {
		s.metrics.AudioBytes.WithLabelValues("out").Add(float64(len(payload)))
		call.Mu.Lock()
		call.AppendCapture(payload)
		call.Mu.Unlock()
	}

	s.emit(telephony.Event{Type: telephony.EventAudioChunk, CallID: callID, AudioB64: f.Delta})
}

// onResponseDone finalizes the AI utterance and advances the state
// machine out of the active-AI states. The greeting's completion also
// anchors the grace window.
func (s *Service) onResponseDone(call *session.Call) {
	now := time.Now().UTC()

	call.Mu.Lock()
	callID := call.CallID
	convID := call.ConversationID
	call.AISpeaking = false
	call.ActiveResponseID = ""
	call.SuppressedResponseID = ""
	text := call.AI.Pending
	call.AI.Pending = ""
	placeholderID := call.AI.PlaceholderID
	call.AI.PlaceholderID = ""
	deferred := call.DeferAIPlaceholder
	call.DeferAIPlaceholder = false

	greetingDone := call.Turns.State() == turns.GreetingActive
	if greetingDone {
		if err := call.Turns.Transition(turns.GreetingComplete); err == nil {
			_ = call.Turns.Transition(turns.ConversationActive)
		}
	} else if call.Turns.State() == turns.AIResponding {
		if err := call.Turns.Transition(turns.ConversationActive); err != nil {
			s.log.Warn("response done transition rejected", zap.String("call_id", callID), zap.Error(err))
		}
	}
	call.Mu.Unlock()

	ctx := context.Background()
	switch {
	case placeholderID != "" && text != "":
		if err := s.store.FinalizeMessage(ctx, placeholderID, text); err != nil {
			s.log.Error("ai finalize failed", zap.String("call_id", callID), zap.Error(err))
		}
	case placeholderID != "" && text == "":
		// Empty utterance: the placeholder is discarded, never left
		// dangling.
		if err := s.store.DiscardMessage(ctx, placeholderID); err != nil {
			s.log.Warn("ai placeholder discard failed", zap.String("call_id", callID), zap.Error(err))
		}
	case placeholderID == "" && deferred && text != "":
		// Placeholder creation was deferred behind the user's
		// utterance and never caught up; persist now, still after the
		// user's message.
		id, err := s.store.InsertPlaceholder(ctx, convID, store.RoleAssistant, "utterance", now)
		if err != nil {
			s.log.Error("deferred ai placeholder insert failed", zap.String("call_id", callID), zap.Error(err))
			break
		}
		if err := s.store.FinalizeMessage(ctx, id, text); err != nil {
			s.log.Error("deferred ai finalize failed", zap.String("call_id", callID), zap.Error(err))
		}
	}

	if greetingDone {
		s.metrics.CallEvents.WithLabelValues("greeting_complete").Inc()
	}
	s.metrics.CallEvents.WithLabelValues("response_done").Inc()
	s.emit(telephony.Event{Type: telephony.EventResponseDone, CallID: callID})
}

func (s *Service) createAIPlaceholder(call *session.Call, convID string, at time.Time) {
	id, err := s.store.InsertPlaceholder(context.Background(), convID, store.RoleAssistant, "utterance", at)
	if err != nil {
		s.log.Error("ai placeholder insert failed", zap.String("call_id", call.CallID), zap.Error(err))
		return
	}
	call.Mu.Lock()
	if call.AI.PlaceholderID == "" {
		call.AI.PlaceholderID = id
	}
	call.Mu.Unlock()
}
