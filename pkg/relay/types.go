// Package relay holds the data model and cross-cutting interfaces shared by
// the gate, registry and pipeline packages: Session, Listener, Utterance,
// and the small Logger interface every component takes as a constructor
// dependency, generalized from the teacher's orchestrator.Logger /
// orchestrator.ConversationSession.
package relay

import (
	"sync"
	"time"

	"github.com/lokutor-ai/babel-relay/pkg/dynamics"
)

// Logger is the structured logging dependency every component accepts,
// grounded in the teacher's orchestrator.Logger interface.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOpLogger discards everything; the zero value is ready to use.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...interface{}) {}
func (NoOpLogger) Info(string, ...interface{})  {}
func (NoOpLogger) Warn(string, ...interface{})  {}
func (NoOpLogger) Error(string, ...interface{}) {}

// BroadcastState is a Session's speaker-driven playback state.
type BroadcastState string

const (
	BroadcastActive BroadcastState = "active"
	BroadcastPaused BroadcastState = "paused"
	BroadcastMuted  BroadcastState = "muted"
)

// Utterance is the pipeline's unit of work: a stable, ready-to-translate
// text segment produced by the gate. Dynamics are attached downstream by
// the session pipeline (the fallback profile when none is set), so a
// freshly-gated Utterance carries a nil Dynamics.
type Utterance struct {
	UtteranceID    string
	SessionID      string
	SourceLanguage string
	Text           string
	Dynamics       *dynamics.Dynamics
	ProducedAt     time.Time
	CorrelationID  string
	StartTime      time.Time
	EndTime        time.Time
}

// Listener is a per-connection record within a session. JoinedAt also
// drives the heartbeat/refresh policy (spec.md §4.8): a connection held
// too long is instructed to re-establish.
type Listener struct {
	ConnectionID   string
	TargetLanguage string
	JoinedAt       time.Time
}

// Session is the control-plane-visible state of one live speaker broadcast.
// Mutex-guarded in the same style as the teacher's ConversationSession: the
// mutable state (State, Volume, ExpiresAt, the listener set) is read and
// written through accessor methods that take mu. The scalar fields are
// exported, so direct access from outside the package bypasses the mutex.
type Session struct {
	mu sync.RWMutex

	ID                  string
	SourceLanguage      string
	SpeakerConnectionID string
	State               BroadcastState
	Volume              float64
	CreatedAt           time.Time
	ExpiresAt           time.Time

	listeners map[string]*Listener
}

// NewSession constructs a Session with sensible defaults: active state, full
// volume, and an empty listener set.
func NewSession(id, sourceLanguage, speakerConnectionID string, now, expiresAt time.Time) *Session {
	return &Session{
		ID:                  id,
		SourceLanguage:      sourceLanguage,
		SpeakerConnectionID: speakerConnectionID,
		State:               BroadcastActive,
		Volume:              1.0,
		CreatedAt:           now,
		ExpiresAt:           expiresAt,
		listeners:           make(map[string]*Listener),
	}
}

func (s *Session) GetState() BroadcastState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

func (s *Session) SetState(state BroadcastState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

func (s *Session) GetExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ExpiresAt
}

func (s *Session) SetExpiresAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExpiresAt = t
}

func (s *Session) GetVolume() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Volume
}

// SetVolume clamps v into [0, 1] per the spec's domain for broadcast volume.
func (s *Session) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Volume = v
}

// AddListener registers a new listener connection under the session.
func (s *Session) AddListener(l *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[l.ConnectionID] = l
}

// RemoveListener drops a listener connection; returns false if it was not
// present (e.g. already removed).
func (s *Session) RemoveListener(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[connectionID]; !ok {
		return false
	}
	delete(s.listeners, connectionID)
	return true
}

// Listeners returns a snapshot copy of all live listeners.
func (s *Session) Listeners() []*Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// ListenersForLanguage returns the subset of listeners targeting lang.
func (s *Session) ListenersForLanguage(lang string) []*Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Listener
	for _, l := range s.listeners {
		if l.TargetLanguage == lang {
			out = append(out, l)
		}
	}
	return out
}

// TargetLanguages returns the distinct set of target languages across all
// live listeners.
func (s *Session) TargetLanguages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, len(s.listeners))
	var out []string
	for _, l := range s.listeners {
		if !seen[l.TargetLanguage] {
			seen[l.TargetLanguage] = true
			out = append(out, l.TargetLanguage)
		}
	}
	return out
}

// ListenerCount reports the current logical listener-set size.
func (s *Session) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}
