package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kikitori/kikitori/internal/observe"
)

// ErrNotFound is returned by Registry.Get for unknown or already destroyed
// session IDs.
var ErrNotFound = errors.New("session: not found")

// SweepInterval is how often the registry scans for idle sessions.
const SweepInterval = 60 * time.Second

// Session pairs a pipeline with its identity and idle tracking.
type Session struct {
	ID        string
	CreatedAt time.Time
	Pipeline  *Pipeline

	mu         sync.Mutex
	lastActive time.Time
}

// Touch records client activity, deferring idle expiry.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// IdleFor returns how long ago the session was last touched.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}

// Registry tracks live sessions and reaps the ones whose clients went
// away without ending the stream. All methods are safe for concurrent use.
type Registry struct {
	ttl     time.Duration
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry that expires sessions idle longer than ttl.
func NewRegistry(ttl time.Duration, metrics *observe.Metrics) *Registry {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Registry{
		ttl:      ttl,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session around p and returns it.
func (r *Registry) Create(p *Pipeline) *Session {
	now := time.Now()
	s := &Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		Pipeline:   p,
		lastActive: now,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.metrics.AddActiveSessions(context.Background(), 1)
	slog.Info("session created", "session_id", s.ID)
	return s
}

// Get looks up a live session by ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Destroy removes the session and releases its pipeline. Destroying an
// unknown ID is a no-op, so the connection teardown path and the sweeper
// can race safely.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Pipeline.Close()
	r.metrics.AddActiveSessions(context.Background(), -1)
	slog.Info("session destroyed", "session_id", id, "lifetime", time.Since(s.CreatedAt))
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep blocks, destroying idle sessions every SweepInterval until ctx is
// cancelled. Run it from a goroutine at startup.
func (r *Registry) Sweep(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

// sweepOnce destroys every session idle longer than the TTL.
func (r *Registry) sweepOnce() {
	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if s.IdleFor() > r.ttl {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		slog.Info("sweeping idle session", "session_id", id, "ttl", r.ttl)
		r.Destroy(id)
	}
}
