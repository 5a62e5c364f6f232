package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/oakline/carecall/internal/realtime"
	"github.com/oakline/carecall/internal/session"
	"github.com/oakline/carecall/internal/store"
	"github.com/oakline/carecall/internal/telephony"
)

// onUserTranscript handles the user-side transcription result, which
// may arrive before or after the matching speech_stopped frame. A
// failed transcription means no text will ever arrive for this
// utterance.
func (s *Service) onUserTranscript(call *session.Call, transcript string, failed bool) {
	call.Mu.Lock()
	waiting := call.User.AwaitingTranscript
	call.User.Pending = transcript
	call.User.TranscriptFailed = failed
	if !waiting {
		// speech_stopped has not fired yet; the text sits here for its
		// handler to consume.
		call.Mu.Unlock()
		return
	}
	call.User.AwaitingTranscript = false
	call.Mu.Unlock()

	s.finalizeUserUtterance(call)
}

// finalizeUserUtterance writes the accumulated transcript into the
// user's placeholder in place, preserving its identifier and timestamp.
// When no transcript has arrived yet the placeholder stays put and the
// call is marked awaiting; a late transcript re-enters here through
// onUserTranscript.
func (s *Service) finalizeUserUtterance(call *session.Call) {
	call.Mu.Lock()
	callID := call.CallID
	convID := call.ConversationID
	placeholderID := call.User.PlaceholderID
	text := call.User.Pending
	failed := call.User.TranscriptFailed
	if placeholderID == "" {
		call.User.Pending = ""
		call.User.TranscriptFailed = false
		call.Mu.Unlock()
		return
	}
	if text == "" && !failed {
		// No transcript yet. Leave the placeholder untouched; deleting
		// it here would corrupt ordering once the transcript lands.
		call.User.AwaitingTranscript = true
		call.Mu.Unlock()
		return
	}
	call.User.PlaceholderID = ""
	call.User.Pending = ""
	call.User.AwaitingTranscript = false
	call.User.TranscriptFailed = false
	deferredAI := call.DeferAIPlaceholder && call.AISpeaking
	if deferredAI {
		call.DeferAIPlaceholder = false
	}
	call.Mu.Unlock()

	ctx := context.Background()
	if text == "" {
		if err := s.store.DiscardMessage(ctx, placeholderID); err != nil {
			s.log.Warn("user placeholder discard failed", zap.String("call_id", callID), zap.Error(err))
		}
	} else {
		if err := s.store.FinalizeMessage(ctx, placeholderID, text); err != nil {
			s.log.Error("user finalize failed", zap.String("call_id", callID), zap.Error(err))
		} else {
			s.metrics.CallEvents.WithLabelValues("user_utterance").Inc()
			// Screening is an HTTP round-trip; it must not stall the
			// connection's frame processing.
			go s.screenUtterance(call, text)
		}
	}

	// The user's message now holds its persisted position; a deferred
	// AI placeholder may catch up behind it.
	if deferredAI {
		s.createAIPlaceholder(call, convID, time.Now().UTC())
	}
}

// flushPendingTranscripts persists whatever both sides still hold when
// the call ends, so no spoken words are lost to teardown timing.
func (s *Service) flushPendingTranscripts(ctx context.Context, call *session.Call) {
	call.Mu.Lock()
	callID := call.CallID
	convID := call.ConversationID

	userID := call.User.PlaceholderID
	userText := call.User.Pending
	call.User.PlaceholderID = ""
	call.User.Pending = ""
	call.User.AwaitingTranscript = false

	aiID := call.AI.PlaceholderID
	aiText := call.AI.Pending
	call.AI.PlaceholderID = ""
	call.AI.Pending = ""
	deferredAI := call.DeferAIPlaceholder
	call.DeferAIPlaceholder = false
	call.Mu.Unlock()

	flush := func(id, text string, role store.Role) {
		switch {
		case id != "" && text != "":
			if err := s.store.FinalizeMessage(ctx, id, text); err != nil {
				s.log.Warn("teardown finalize failed",
					zap.String("call_id", callID),
					zap.String("role", string(role)),
					zap.Error(err))
			}
		case id != "" && text == "":
			if err := s.store.DiscardMessage(ctx, id); err != nil {
				s.log.Warn("teardown discard failed",
					zap.String("call_id", callID),
					zap.String("role", string(role)),
					zap.Error(err))
			}
		case id == "" && text != "":
			nid, err := s.store.InsertPlaceholder(ctx, convID, role, "utterance", time.Now().UTC())
			if err != nil {
				s.log.Warn("teardown insert failed", zap.String("call_id", callID), zap.Error(err))
				return
			}
			if err := s.store.FinalizeMessage(ctx, nid, text); err != nil {
				s.log.Warn("teardown finalize failed", zap.String("call_id", callID), zap.Error(err))
			}
		}
	}

	flush(userID, userText, store.RoleUser)
	if aiID != "" || aiText != "" || deferredAI {
		flush(aiID, aiText, store.RoleAssistant)
	}
}

// screenUtterance runs each finalized user utterance through the
// emergency detector. A confirmed alert injects extra guidance into the
// live session; detector failures never disturb the call.
func (s *Service) screenUtterance(call *session.Call, text string) {
	call.Mu.Lock()
	callID := call.CallID
	patientID := call.PatientID
	stream := call.Conn
	ready := call.IsReady()
	call.Mu.Unlock()

	ctx := context.Background()
	decision, err := s.detector.ProcessUtterance(ctx, patientID, text, time.Now().UTC())
	if err != nil {
		s.log.Warn("emergency screening failed", zap.String("call_id", callID), zap.Error(err))
		return
	}
	if !decision.ShouldAlert {
		return
	}

	s.log.Warn("emergency signal detected",
		zap.String("call_id", callID),
		zap.String("reason", decision.Reason))

	result, err := s.detector.CreateAlert(ctx, patientID, decision.AlertData, text)
	if err != nil || !result.Success {
		s.metrics.EmergencyAlerts.WithLabelValues("failed").Inc()
		s.log.Error("emergency alert creation failed",
			zap.String("call_id", callID),
			zap.Error(err))
		return
	}
	s.metrics.EmergencyAlerts.WithLabelValues("created").Inc()
	s.emit(telephony.Event{Type: telephony.EventError, CallID: callID, Detail: "emergency_alert:" + result.AlertID})

	// Tell the assistant help is on the way only after the alert
	// actually exists.
	if ready && stream != nil {
		guidance := "An emergency alert has been dispatched for this patient. " +
			"Calmly inform them that help has been notified and keep them talking."
		if err := stream.WriteFrame(realtime.NewSessionUpdate(s.sessionSettings(call, guidance))); err != nil {
			s.log.Warn("guidance update failed", zap.String("call_id", callID), zap.Error(err))
		}
	}
}
