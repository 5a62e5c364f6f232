package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/oakline/carecall/internal/config"
	"github.com/oakline/carecall/internal/session"
	"github.com/oakline/carecall/internal/store"
)

type fakeEngine struct {
	registry     *session.Registry
	disconnected []string
	healthy      bool
}

func (f *fakeEngine) Registry() *session.Registry { return f.registry }

func (f *fakeEngine) Disconnect(_ context.Context, callID string) {
	f.disconnected = append(f.disconnected, callID)
	f.registry.Remove(callID)
}

func (f *fakeEngine) CheckHealth(string) bool { return f.healthy }

func newTestServer(t *testing.T) (*Server, *fakeEngine, *store.InMemoryStore) {
	t.Helper()
	eng := &fakeEngine{registry: session.NewRegistry(), healthy: true}
	st := store.NewInMemoryStore()
	return New(config.Config{}, eng, st, zap.NewNop()), eng, st
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	rec = doRequest(t, srv, http.MethodGet, "/readyz")
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("readyz body: %v", err)
	}
	if body["active_calls"] != float64(0) {
		t.Fatalf("active_calls = %v", body["active_calls"])
	}
}

func TestListCalls(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	if _, err := eng.registry.Create("call-1", "chan-1", "patient-1", "prompt"); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/v1/calls")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body listCallsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Count != 1 || body.Calls[0].CallID != "call-1" {
		t.Fatalf("unexpected listing: %+v", body)
	}
}

func TestGetCallNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/calls/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Code != "call_not_found" {
		t.Fatalf("error code = %q", body.Code)
	}
}

func TestCallMessages(t *testing.T) {
	srv, eng, st := newTestServer(t)
	call, err := eng.registry.Create("call-1", "chan-1", "patient-1", "prompt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx := context.Background()
	convID, err := st.CreateConversation(ctx, "call-1", "patient-1")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	call.Mu.Lock()
	call.ConversationID = convID
	call.Mu.Unlock()

	id, err := st.InsertPlaceholder(ctx, convID, store.RoleUser, "utterance", time.Now())
	if err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	if err := st.FinalizeMessage(ctx, id, "hello"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/v1/calls/call-1/messages")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Messages []store.Message `json:"messages"`
		Count    int             `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Count != 1 || body.Messages[0].Content != "hello" {
		t.Fatalf("unexpected messages: %+v", body)
	}
}

func TestEndCall(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	if _, err := eng.registry.Create("call-1", "chan-1", "patient-1", "prompt"); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/v1/calls/call-1/end")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(eng.disconnected) != 1 || eng.disconnected[0] != "call-1" {
		t.Fatalf("disconnect not invoked: %v", eng.disconnected)
	}

	rec = doRequest(t, srv, http.MethodPost, "/v1/calls/call-1/end")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second end status = %d, want 404", rec.Code)
	}
}

func TestCallHealthEndpoint(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	if _, err := eng.registry.Create("call-1", "chan-1", "patient-1", "prompt"); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/v1/calls/call-1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	eng.healthy = false
	rec = doRequest(t, srv, http.MethodGet, "/v1/calls/call-1/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d, want 503", rec.Code)
	}
}
