package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lokutor-ai/babel-relay/pkg/cache"
	"github.com/lokutor-ai/babel-relay/pkg/clock"
	"github.com/lokutor-ai/babel-relay/pkg/config"
	"github.com/lokutor-ai/babel-relay/pkg/pipeline"
	"github.com/lokutor-ai/babel-relay/pkg/providers/transport"
	"github.com/lokutor-ai/babel-relay/pkg/registry"
	"github.com/lokutor-ai/babel-relay/pkg/relay"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	vc := clock.NewVirtualClock(time.Now())
	reg := registry.New(vc, nil)
	c := cache.New(cache.DefaultConfig(), vc, nil)
	tr := transport.New(nil, 10)
	p := pipeline.New(c, testTranslator{}, testSynth{}, reg, tr, pipeline.DefaultConfig(), nil)
	return New(config.Load(), reg, p, tr, nil)
}

type testTranslator struct{}

func (testTranslator) Translate(ctx context.Context, text, src, tgt string) (string, error) {
	return text, nil
}
func (testTranslator) Name() string { return "test-translator" }

type testSynth struct{}

func (testSynth) Synthesize(ctx context.Context, ssml, voice string) ([]byte, error) {
	return []byte(ssml), nil
}
func (testSynth) Name() string { return "test-synth" }

func TestCreateSessionReturnsID(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(createSessionRequest{SourceLanguage: "en"})
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createSessionResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.SessionID == "" {
		t.Error("expected a non-empty sessionId")
	}
}

func TestCreateSessionRequiresSourceLanguage(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestJoinListenerAttachesToExistingSession(t *testing.T) {
	srv := newTestServer(t)

	createBody, _ := json.Marshal(createSessionRequest{SourceLanguage: "en"})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(createRec, createReq)

	var created createSessionResponse
	json.NewDecoder(createRec.Body).Decode(&created)

	joinBody, _ := json.Marshal(joinListenerRequest{TargetLanguage: "es"})
	joinReq := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+created.SessionID+"/listeners", bytes.NewReader(joinBody))
	joinRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(joinRec, joinReq)

	if joinRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", joinRec.Code, joinRec.Body.String())
	}
	var joined joinListenerResponse
	json.NewDecoder(joinRec.Body).Decode(&joined)
	if joined.ConnectionID == "" {
		t.Error("expected a non-empty connectionId")
	}

	s, ok := srv.registry.Get(created.SessionID, time.Now())
	if !ok || s.ListenerCount() != 1 {
		t.Errorf("expected one listener registered on the session")
	}
}

func TestJoinListenerUnknownSessionReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(joinListenerRequest{TargetLanguage: "es"})
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/missing/listeners", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteSessionRemovesIt(t *testing.T) {
	srv := newTestServer(t)
	createBody, _ := json.Marshal(createSessionRequest{SourceLanguage: "en"})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(createRec, createReq)

	var created createSessionResponse
	json.NewDecoder(createRec.Body).Decode(&created)

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+created.SessionID, nil)
	delRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(delRec, delReq)

	if delRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delRec.Code)
	}

	if _, ok := srv.registry.Get(created.SessionID, time.Now()); ok {
		t.Error("expected session to be gone after delete")
	}
}

func TestControlPauseAndResumeUpdateSessionState(t *testing.T) {
	srv := newTestServer(t)
	createBody, _ := json.Marshal(createSessionRequest{SourceLanguage: "en"})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(createRec, createReq)

	var created createSessionResponse
	json.NewDecoder(createRec.Body).Decode(&created)

	pauseBody, _ := json.Marshal(controlRequest{Action: "pause"})
	pauseReq := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+created.SessionID+"/control", bytes.NewReader(pauseBody))
	pauseRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(pauseRec, pauseReq)

	if pauseRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from pause, got %d: %s", pauseRec.Code, pauseRec.Body.String())
	}
	s, _ := srv.registry.Get(created.SessionID, time.Now())
	if s.GetState() != relay.BroadcastPaused {
		t.Errorf("expected state paused after pause, got %v", s.GetState())
	}

	resumeBody, _ := json.Marshal(controlRequest{Action: "resume"})
	resumeReq := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+created.SessionID+"/control", bytes.NewReader(resumeBody))
	resumeRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(resumeRec, resumeReq)

	if resumeRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from resume, got %d: %s", resumeRec.Code, resumeRec.Body.String())
	}
	if s.GetState() != relay.BroadcastActive {
		t.Errorf("expected state active after resume, got %v", s.GetState())
	}
}

func TestControlSetVolumeUpdatesSessionVolume(t *testing.T) {
	srv := newTestServer(t)
	createBody, _ := json.Marshal(createSessionRequest{SourceLanguage: "en"})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(createRec, createReq)

	var created createSessionResponse
	json.NewDecoder(createRec.Body).Decode(&created)

	volBody, _ := json.Marshal(controlRequest{Action: "setVolume", Volume: 0.3})
	volReq := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+created.SessionID+"/control", bytes.NewReader(volBody))
	volRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(volRec, volReq)

	if volRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", volRec.Code, volRec.Body.String())
	}
	s, _ := srv.registry.Get(created.SessionID, time.Now())
	if s.GetVolume() != 0.3 {
		t.Errorf("expected volume 0.3, got %v", s.GetVolume())
	}
}

func TestControlUnknownActionReturnsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	createBody, _ := json.Marshal(createSessionRequest{SourceLanguage: "en"})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(createRec, createReq)

	var created createSessionResponse
	json.NewDecoder(createRec.Body).Decode(&created)

	badBody, _ := json.Marshal(controlRequest{Action: "doTheThing"})
	badReq := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+created.SessionID+"/control", bytes.NewReader(badBody))
	badRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(badRec, badReq)

	if badRec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown control action, got %d", badRec.Code)
	}
}

func TestControlOnUnknownSessionReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(controlRequest{Action: "pause"})
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/missing/control", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteSessionCancelsInFlightWorkContext(t *testing.T) {
	srv := newTestServer(t)
	createBody, _ := json.Marshal(createSessionRequest{SourceLanguage: "en"})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(createRec, createReq)

	var created createSessionResponse
	json.NewDecoder(createRec.Body).Decode(&created)

	workCtx := srv.workCtx(created.SessionID)
	if err := workCtx.Err(); err != nil {
		t.Fatalf("expected the session's work context to still be live, got %v", err)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+created.SessionID, nil)
	delRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(delRec, delReq)

	if delRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delRec.Code)
	}
	select {
	case <-workCtx.Done():
	default:
		t.Error("expected the session's work context to be cancelled on delete")
	}
}

func TestMetricsEndpointServesPrometheusExposition(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
