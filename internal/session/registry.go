package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/codebuddy/internal/protocol"
	"github.com/michaelbrown/codebuddy/internal/sandbox"
)

var ErrNotFound = errors.New("session not found")

// Registry maps session IDs to live sessions. It only tracks lifetime; the
// lock guards the map, each Session guards its own fields.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create registers a new session owned by the given channel. ttl sets the
// wall-clock deadline.
func (r *Registry) Create(lang sandbox.Language, owner string, emitter protocol.Emitter, ttl time.Duration) *Session {
	now := r.now()
	s := &Session{
		ID:        uuid.New().String(),
		Language:  lang,
		Owner:     owner,
		CreatedAt: now,
		Deadline:  now.Add(ttl),
		emitter:   emitter,
		status:    StatusCreated,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get returns a live session or ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove forgets a session. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// BoundTo returns the sessions owned by a channel.
func (r *Registry) BoundTo(owner string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.Owner == owner {
			out = append(out, s)
		}
	}
	return out
}

// All returns every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
