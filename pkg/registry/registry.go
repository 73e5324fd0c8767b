// Package registry holds the process-wide table of live sessions. Grounded
// on the teacher's Orchestrator constructor pattern (dependency-injected,
// never a package-level singleton) and ConversationSession's mutex-guarded
// accessor discipline, generalized from "one orchestrator holds one
// session" to "one registry holds many sessions".
package registry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lokutor-ai/babel-relay/pkg/clock"
	"github.com/lokutor-ai/babel-relay/pkg/relay"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_registry_sessions_active",
		Help: "Currently registered sessions.",
	})
	listenersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_registry_listeners_active",
		Help: "Currently registered listener connections across all sessions.",
	})
)

// Registry is the process-wide session table. Constructed with New, never
// a package-level var, so multiple independent registries can coexist in
// tests.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*relay.Session
	clock    clock.Clock
	logger   relay.Logger
}

// New constructs an empty Registry.
func New(clk clock.Clock, logger relay.Logger) *Registry {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if logger == nil {
		logger = relay.NoOpLogger{}
	}
	return &Registry{
		sessions: make(map[string]*relay.Session),
		clock:    clk,
		logger:   logger,
	}
}

// Create registers a new session and returns it. A duplicate ID replaces
// the prior session outright (the caller is expected to have already
// ensured uniqueness, e.g. via a freshly generated UUID).
func (r *Registry) Create(id, sourceLanguage, speakerConnectionID string, ttl time.Duration) *relay.Session {
	now := r.clock.Now()
	s := relay.NewSession(id, sourceLanguage, speakerConnectionID, now, now.Add(ttl))

	r.mu.Lock()
	r.sessions[id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	sessionsActive.Set(float64(count))
	return s
}

// Get returns the session for id, or false if it is not registered (or has
// already expired as of now).
func (r *Registry) Get(id string, now time.Time) (*relay.Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if now.After(s.GetExpiresAt()) {
		return nil, false
	}
	return s, true
}

// Delete removes a session entirely, e.g. once the speaker disconnects.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()
	sessionsActive.Set(float64(count))
}

// Refresh extends a session's expiry to ttl past the registry clock's now.
// Returns false if the session is not registered.
func (r *Registry) Refresh(id string, ttl time.Duration) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.SetExpiresAt(r.clock.Now().Add(ttl))
	return true
}

// AddListener attaches a listener to a session. Returns false if the
// session does not exist.
func (r *Registry) AddListener(sessionID string, l *relay.Listener) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.AddListener(l)
	r.recountListeners()
	return true
}

// RemoveListener detaches a listener connection from a session. A listener
// may disconnect and reconnect within a brief connection-refresh window
// (spec.md's heartbeat semantics); the registry does not floor the count
// below zero, and a remove on an already-removed connection is a no-op
// rather than an error, since both sides of a racing refresh handshake are
// expected to eventually converge.
func (r *Registry) RemoveListener(sessionID, connectionID string) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	removed := s.RemoveListener(connectionID)
	r.recountListeners()
	return removed
}

// RemoveListenerByConnection drops connectionID from whichever session
// currently holds it, without the caller needing to know the sessionID -
// the shape the transport's onGone callback needs, since a dropped
// websocket connection only carries its own connection ID.
func (r *Registry) RemoveListenerByConnection(connectionID string) bool {
	r.mu.RLock()
	sessions := make([]*relay.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	removed := false
	for _, s := range sessions {
		if s.RemoveListener(connectionID) {
			removed = true
			break
		}
	}
	if removed {
		r.recountListeners()
	}
	return removed
}

// ListSessions returns a snapshot of every currently registered session.
func (r *Registry) ListSessions() []*relay.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*relay.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ExpireStale removes every session whose ExpiresAt has passed as of now,
// returning the IDs removed.
func (r *Registry) ExpireStale(now time.Time) []string {
	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if now.After(s.GetExpiresAt()) {
			expired = append(expired, id)
			delete(r.sessions, id)
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()
	if len(expired) > 0 {
		sessionsActive.Set(float64(count))
	}
	return expired
}

func (r *Registry) recountListeners() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, s := range r.sessions {
		total += s.ListenerCount()
	}
	listenersActive.Set(float64(total))
}
