// Package server wires the relay's HTTP/websocket control plane: session
// and listener lifecycle endpoints, the upstream transcript ingest socket,
// and the listener audio delivery socket, on top of the gate/pipeline/
// registry/transport packages. Grounded on the teacher's cmd/server-style
// net/http.ServeMux wiring
// (mbaxamb33-yuzu.agent.webrtc.toy/cmd/server/main.go): a flat mux of
// small handlers closing over shared, explicitly constructed dependencies,
// no framework.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lokutor-ai/babel-relay/pkg/config"
	"github.com/lokutor-ai/babel-relay/pkg/gate"
	"github.com/lokutor-ai/babel-relay/pkg/pipeline"
	"github.com/lokutor-ai/babel-relay/pkg/providers/transport"
	"github.com/lokutor-ai/babel-relay/pkg/registry"
	"github.com/lokutor-ai/babel-relay/pkg/relay"
)

// connectionRefreshAfter is spec.md §4.8's heartbeat/refresh threshold: a
// listener that has held a single connection this long is instructed to
// establish a new one.
const connectionRefreshAfter = 100 * time.Minute

// sessionWork holds the per-session cancellation scope for in-flight
// utterance processing, so deleting a session can cancel every external
// call it has outstanding (spec.md §5, §8's 100ms cancellation-liveness
// property) without touching any other session's work.
type sessionWork struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Server holds every process-wide dependency the control plane needs.
type Server struct {
	cfg       config.Config
	registry  *registry.Registry
	pipeline  *pipeline.Pipeline
	transport *transport.Transport
	logger    relay.Logger

	mu    sync.Mutex
	gates map[string]*gate.Gate
	work  map[string]*sessionWork
}

// New constructs a Server from already-built dependencies; main wires the
// concrete translator/synthesizer/registry/pipeline and hands them in, the
// same explicit-construction discipline used throughout this module.
func New(cfg config.Config, reg *registry.Registry, p *pipeline.Pipeline, tr *transport.Transport, logger relay.Logger) *Server {
	if logger == nil {
		logger = relay.NoOpLogger{}
	}
	return &Server{
		cfg:       cfg,
		registry:  reg,
		pipeline:  p,
		transport: tr,
		logger:    logger,
		gates:     make(map[string]*gate.Gate),
		work:      make(map[string]*sessionWork),
	}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/control", s.handleControl)
	mux.HandleFunc("POST /v1/sessions/{id}/listeners", s.handleJoinListener)
	mux.HandleFunc("GET /v1/sessions/{id}/speak", s.handleSpeakSocket)
	mux.HandleFunc("GET /v1/sessions/{id}/listen", s.handleListenSocket)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) gateFor(sessionID string) *gate.Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[sessionID]
	if !ok {
		g = gate.New(s.gateConfig(), s.logger)
		s.gates[sessionID] = g
	}
	return g
}

func (s *Server) dropGate(sessionID string) {
	s.mu.Lock()
	delete(s.gates, sessionID)
	s.mu.Unlock()
}

func (s *Server) gateConfig() gate.Config {
	return gate.Config{
		RateLimitWindow:       s.cfg.RateLimitWindow(),
		RateLimitMaxPerSecond: s.cfg.RateLimit.MaxPerSecond,
		StabilityThreshold:    s.cfg.Stability.Threshold,
		StabilityBlindTimeout: s.cfg.StabilityBlindTimeout(),
		BufferMaxSeconds:      s.cfg.Buffer.MaxSeconds,
		WordsPerSecond:        s.cfg.Buffer.WordsPerSecond,
		ForwardTimeout:        s.cfg.ForwardTimeout(),
		PauseThreshold:        s.cfg.PauseThreshold(),
		OrphanTimeout:         s.cfg.OrphanTimeout(),
		DedupTTL:              s.cfg.DedupTTL(),
		DedupMaxEntries:       s.cfg.Dedup.MaxEntries,
		FlushBatchSize:        gate.DefaultConfig().FlushBatchSize,
	}
}

// startWork opens a session's cancellation scope, derived from
// context.Background() rather than any one HTTP request's context -
// in-flight utterance processing must outlive the speak socket request
// that happened to trigger it, and end only on session deletion.
func (s *Server) startWork(sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.work[sessionID] = &sessionWork{ctx: ctx, cancel: cancel}
	s.mu.Unlock()
}

func (s *Server) workCtx(sessionID string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.work[sessionID]; ok {
		return w.ctx
	}
	return context.Background()
}

// stopWork cancels a session's in-flight utterance processing and drops
// its cancellation scope.
func (s *Server) stopWork(sessionID string) {
	s.mu.Lock()
	w, ok := s.work[sessionID]
	delete(s.work, sessionID)
	s.mu.Unlock()
	if ok {
		w.cancel()
	}
}

type createSessionRequest struct {
	SourceLanguage      string `json:"sourceLanguage"`
	SpeakerConnectionID string `json:"speakerConnectionId"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceLanguage == "" {
		http.Error(w, "sourceLanguage is required", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	speakerConnID := req.SpeakerConnectionID
	if speakerConnID == "" {
		speakerConnID = uuid.NewString()
	}
	s.registry.Create(id, req.SourceLanguage, speakerConnID, s.cfg.SessionTTL())
	s.startWork(id)

	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: id})
}

// handleDeleteSession tears a session down: it cancels every in-flight
// utterance the pipeline has outstanding for this session (spec.md §5,
// §8's 100ms cancellation-liveness property), notifies every live listener
// with a sessionEnded control message before they're removed, then drops
// the session from the registry and its gate.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	session, ok := s.registry.Get(id, time.Now())
	if ok {
		s.broadcastControl(session, controlMessage{Type: "sessionEnded"})
	}

	s.stopWork(id)
	s.registry.Delete(id)
	s.dropGate(id)
	w.WriteHeader(http.StatusNoContent)
}

// controlMessage is the JSON shape of every outbound control-plane
// notification pushed to listeners (spec.md §6-V).
type controlMessage struct {
	Type   string  `json:"type"`
	Volume float64 `json:"volume,omitempty"`
}

// broadcastControl pushes msg to every current listener of session,
// logging (not failing) individual delivery errors - a control
// notification reaching some listeners and not others is not fatal to the
// broadcast.
func (s *Server) broadcastControl(session *relay.Session, msg controlMessage) {
	for _, l := range session.Listeners() {
		if err := s.transport.SendControl(context.Background(), l.ConnectionID, msg); err != nil {
			s.logger.Warn("control message delivery failed", "sessionId", session.ID, "connectionId", l.ConnectionID, "type", msg.Type, "err", err)
		}
	}
}

type controlRequest struct {
	Action string  `json:"action"`
	Volume float64 `json:"volume"`
}

// handleControl implements spec.md §6-V's inbound control-plane messages
// (pause, resume, mute, unmute, setVolume) as the registry's "update
// broadcast state" operation (§4.8), and pushes the matching outbound
// notification to every listener of the session.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, ok := s.registry.Get(id, time.Now())
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed control request", http.StatusBadRequest)
		return
	}

	var msg controlMessage
	switch req.Action {
	case "pause":
		session.SetState(relay.BroadcastPaused)
		msg = controlMessage{Type: "broadcastPaused"}
	case "resume":
		session.SetState(relay.BroadcastActive)
		msg = controlMessage{Type: "broadcastResumed"}
	case "mute":
		session.SetState(relay.BroadcastMuted)
		msg = controlMessage{Type: "broadcastMuted"}
	case "unmute":
		session.SetState(relay.BroadcastActive)
		msg = controlMessage{Type: "broadcastUnmuted"}
	case "setVolume":
		session.SetVolume(req.Volume)
		msg = controlMessage{Type: "volumeChanged", Volume: session.GetVolume()}
	default:
		http.Error(w, "unknown control action", http.StatusBadRequest)
		return
	}

	s.broadcastControl(session, msg)
	w.WriteHeader(http.StatusNoContent)
}

type joinListenerRequest struct {
	TargetLanguage string `json:"targetLanguage"`
}

type joinListenerResponse struct {
	ConnectionID string `json:"connectionId"`
}

func (s *Server) handleJoinListener(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.registry.Get(id, time.Now()); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req joinListenerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetLanguage == "" {
		http.Error(w, "targetLanguage is required", http.StatusBadRequest)
		return
	}

	connID := uuid.NewString()
	s.registry.AddListener(id, &relay.Listener{
		ConnectionID:   connID,
		TargetLanguage: req.TargetLanguage,
		JoinedAt:       time.Now(),
	})

	writeJSON(w, http.StatusCreated, joinListenerResponse{ConnectionID: connID})
}

// handleListenSocket upgrades a listener's connection to a websocket that
// receives synthesized audio frames, via the shared transport registry.
// The handler blocks reading (and discarding) control frames until the
// connection drops, at which point the listener is removed from its
// session.
func (s *Server) handleListenSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	connID := r.URL.Query().Get("connectionId")
	if connID == "" {
		http.Error(w, "connectionId is required", http.StatusBadRequest)
		return
	}

	if err := s.transport.Accept(w, r, connID); err != nil {
		s.logger.Warn("listen socket accept failed", "sessionId", sessionID, "connectionId", connID, "err", err)
		return
	}

	<-r.Context().Done()
	s.transport.Disconnect(connID)
	s.registry.RemoveListener(sessionID, connID)
}

// handleSpeakSocket upgrades the speaker's upstream transcript feed to a
// websocket. Each text frame is decoded as a gate.Event, fed into the
// session's single-owner Gate, and every resulting Utterance is handed to
// the pipeline for translate/synthesize/deliver. Runs entirely on this
// handler's goroutine, preserving the Gate's single-goroutine-owns-its-
// state discipline.
func (s *Server) handleSpeakSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	session, ok := s.registry.Get(sessionID, time.Now())
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgradeWebsocket(w, r)
	if err != nil {
		s.logger.Warn("speak socket accept failed", "sessionId", sessionID, "err", err)
		return
	}
	defer conn.Close()

	g := s.gateFor(sessionID)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	msgs := make(chan []byte)
	go readLoop(conn, msgs)

	for {
		select {
		case <-r.Context().Done():
			s.dropGate(sessionID)
			return
		case <-ticker.C:
			for _, u := range g.Tick(time.Now()) {
				s.dispatch(sessionID, u)
			}
		case raw, ok := <-msgs:
			if !ok {
				for _, u := range g.Flush(time.Now()) {
					s.dispatch(sessionID, u)
				}
				s.dropGate(sessionID)
				return
			}
			e, err := gate.DecodeEvent(raw, sessionID, session.SourceLanguage, time.Now())
			if err != nil {
				s.logger.Warn("dropping malformed transcript event", "sessionId", sessionID, "err", err)
				continue
			}
			for _, u := range g.Feed(e, time.Now()) {
				s.dispatch(sessionID, u)
			}
		}
	}
}

// dispatch runs one utterance through the pipeline under the session's own
// cancellation scope (started in handleCreateSession, cancelled in
// handleDeleteSession), not context.Background() and not the speak
// socket's request context - the utterance must keep running after the
// speak request returns, but stop promptly if the session is deleted.
func (s *Server) dispatch(sessionID string, u relay.Utterance) {
	ctx := s.workCtx(sessionID)
	go func() {
		if err := s.pipeline.Process(ctx, u); err != nil {
			s.logger.Warn("pipeline process failed", "sessionId", sessionID, "utteranceId", u.UtteranceID, "err", err)
		}
	}()
}

// SweepConnectionRefresh instructs every listener that has held a single
// connection for at least connectionRefreshAfter to establish a new one,
// per spec.md §4.8's heartbeat/refresh policy. Intended to be called
// periodically by the process entrypoint, the same way it sweeps expired
// sessions.
func (s *Server) SweepConnectionRefresh(now time.Time) {
	for _, session := range s.registry.ListSessions() {
		for _, l := range session.Listeners() {
			if now.Sub(l.JoinedAt) < connectionRefreshAfter {
				continue
			}
			if err := s.transport.SendControl(context.Background(), l.ConnectionID, controlMessage{Type: "connectionRefreshRequired"}); err != nil {
				s.logger.Warn("connection refresh notice failed", "sessionId", session.ID, "connectionId", l.ConnectionID, "err", err)
			}
		}
	}
}

// upgradeWebsocket accepts a websocket connection for the speaker's
// transcript feed. Matches transport.Transport's own accept options
// (InsecureSkipVerify, since origin policy is enforced upstream of this
// relay).
func upgradeWebsocket(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
}

// readLoop relays every text frame from conn onto out, closing out once
// the connection ends.
func readLoop(conn *websocket.Conn, out chan<- []byte) {
	defer close(out)
	ctx := context.Background()
	for {
		msgType, payload, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType == websocket.MessageText {
			out <- payload
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
