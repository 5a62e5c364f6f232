package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/oakline/carecall/internal/config"
	"github.com/oakline/carecall/internal/observability"
	"github.com/oakline/carecall/internal/session"
	"github.com/oakline/carecall/internal/store"
)

// Engine is the call-engine surface the ops API needs. The telephony
// integration drives the engine directly in process; this server only
// observes and administrates.
type Engine interface {
	Registry() *session.Registry
	Disconnect(ctx context.Context, callID string)
	CheckHealth(callID string) bool
}

type Server struct {
	cfg    config.Config
	engine Engine
	store  store.Store
	log    *zap.Logger
}

func New(cfg config.Config, engine Engine, st store.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, engine: engine, store: st, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Get("/v1/calls/{id}/health", s.handleCallHealth)
	r.Get("/v1/calls/{id}/messages", s.handleCallMessages)
	r.Post("/v1/calls/{id}/end", s.handleEndCall)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"active_calls": s.engine.Registry().ActiveCount(),
	})
}

type listCallsResponse struct {
	Calls []session.Snapshot `json:"calls"`
	Count int                `json:"count"`
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	snaps := s.engine.Registry().Snapshots()
	respondJSON(w, http.StatusOK, listCallsResponse{Calls: snaps, Count: len(snaps)})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.engine.Registry().Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", "no active session for call")
		return
	}
	respondJSON(w, http.StatusOK, call.Snapshot())
}

func (s *Server) handleCallHealth(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	if _, err := s.engine.Registry().Get(callID); err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", "no active session for call")
		return
	}
	healthy := s.engine.CheckHealth(callID)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{"call_id": callID, "healthy": healthy})
}

func (s *Server) handleCallMessages(w http.ResponseWriter, r *http.Request) {
	call, err := s.engine.Registry().Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", "no active session for call")
		return
	}
	call.Mu.Lock()
	convID := call.ConversationID
	call.Mu.Unlock()

	msgs, err := s.store.Messages(r.Context(), convID)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	if _, err := s.engine.Registry().Get(callID); err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", "no active session for call")
		return
	}
	s.engine.Disconnect(r.Context(), callID)
	s.log.Info("call ended via ops api", zap.String("call_id", callID))
	respondJSON(w, http.StatusOK, map[string]any{"call_id": callID, "status": "ended"})
}
