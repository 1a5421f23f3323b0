package session

import (
	"context"
	"sync"
	"time"

	"github.com/NickB03/vana-sub003/core"
)

// InMemoryBackend is a volatile Backend storing sessions in a process local
// map. It is safe for concurrent access and suited for tests or ephemeral
// servers. Sessions are cloned on the way in and out.
type InMemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
}

var _ Backend = (*InMemoryBackend)(nil)

// NewInMemoryBackend constructs an empty in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{sessions: make(map[string]*core.Session)}
}

// Save stores a clone of the session snapshot.
func (b *InMemoryBackend) Save(_ context.Context, sess *core.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sess.ID] = sess.Clone()
	return nil
}

// Load returns a clone of the stored session or core.ErrSessionNotFound.
func (b *InMemoryBackend) Load(_ context.Context, id string) (*core.Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sess, ok := b.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Delete removes the session; deleting an unknown id is not an error.
func (b *InMemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
	return nil
}

// ListExpired returns the ids of sessions last accessed before cutoff.
func (b *InMemoryBackend) ListExpired(_ context.Context, cutoff time.Time) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []string
	for id, sess := range b.sessions {
		if sess.Security.LastAccessAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Len returns the number of stored sessions.
func (b *InMemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}
