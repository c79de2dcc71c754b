package session

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
)

// Registry tracks live sessions by id and keeps the active-session gauge and
// session-duration histogram in step with them. Safe for concurrent use.
type Registry struct {
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry. metrics defaults to
// [observe.DefaultMetrics].
func NewRegistry(metrics *observe.Metrics) *Registry {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Registry{
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// Add registers a session and bumps the active-session gauge.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	r.metrics.ActiveSessions.Add(context.Background(), 1)
}

// Remove unregisters a session, drops the gauge, and records the session's
// total duration. A no-op for unknown ids.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.metrics.ActiveSessions.Add(context.Background(), -1)
	r.metrics.SessionDuration.Record(context.Background(), time.Since(s.startedAt).Seconds())
}

// Get returns the session with the given id, if present.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll asks every live session to tear down. Used on server shutdown;
// each session removes itself via its OnClose callback.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
