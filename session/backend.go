package session

import (
	"context"
	"time"

	"github.com/NickB03/vana-sub003/core"
)

// Backend persists sessions beyond the store's in-process cache.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Save upserts the full session snapshot.
	Save(ctx context.Context, sess *core.Session) error
	// Load returns core.ErrSessionNotFound for unknown ids.
	Load(ctx context.Context, id string) (*core.Session, error)
	Delete(ctx context.Context, id string) error
	// ListExpired returns ids whose last access precedes cutoff.
	ListExpired(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Evictor is notified when a session is deleted so dependent resources,
// such as event subscriptions, can be released.
type Evictor interface {
	Evict(sessionID string)
}
