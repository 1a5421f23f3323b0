package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/logging"
)

// Options configure a Store.
type Options struct {
	// TTL is the idle time after which SweepExpired removes a session.
	TTL time.Duration
	// MaxFailedAttempts is the number of mismatched accesses that flags a
	// session.
	MaxFailedAttempts int
	Backend           Backend
	Evictor           Evictor
	Logger            logging.Logger
	Now               func() time.Time
}

type entry struct {
	mu      sync.Mutex
	sess    *core.Session
	deleted bool
}

// Store is the single owner of session state. Writers for one id are
// serialized by a per-entry lock; different sessions proceed in parallel.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
}

// NewStore creates a store. Without a Backend, sessions live in memory only.
func NewStore(optFns ...func(o *Options)) *Store {
	opts := Options{
		TTL:               time.Hour,
		MaxFailedAttempts: 3,
		Logger:            logging.NoOpLogger{},
		Now:               func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{entries: make(map[string]*entry), opts: opts}
}

// SetEvictor replaces the cascade target for Delete and sweeps.
func (s *Store) SetEvictor(e Evictor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Evictor = e
}

// Create registers a new session bound to creds. An empty id is replaced by
// a generated one. It fails with core.ErrSessionExists when id is taken.
func (s *Store) Create(ctx context.Context, id string, creds Credentials) (*core.Session, error) {
	if id == "" {
		id = core.NewID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; ok {
		return nil, core.ErrSessionExists
	}
	if s.opts.Backend != nil {
		if _, err := s.opts.Backend.Load(ctx, id); err == nil {
			return nil, core.ErrSessionExists
		} else if !errors.Is(err, core.ErrSessionNotFound) {
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}
	}

	sess := core.NewSession(id)
	now := s.opts.Now()
	sess.CreatedAt, sess.UpdatedAt = now, now
	sess.Security.LastAccessAt = now
	bind(&sess.Security, creds)

	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	s.entries[id] = &entry{sess: sess}
	s.opts.Logger.Debug("session.created", "session_id", id)
	return sess.Clone(), nil
}

// Get returns a snapshot of the session.
func (s *Store) Get(ctx context.Context, id string) (*core.Session, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, core.ErrSessionNotFound
	}
	return e.sess.Clone(), nil
}

// Mutate applies fn to a copy of the session and commits it when fn returns
// nil. The security binding is checked first: a flagged session is refused,
// and credentials that do not match the binding count as a failed attempt.
// A nil creds marks an internal caller that skips the comparison but is
// still refused on a flagged session. The committed snapshot is returned.
func (s *Store) Mutate(ctx context.Context, id string, creds *Credentials, fn func(*core.Session) error) (*core.Session, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, core.ErrSessionNotFound
	}

	sec := &e.sess.Security
	if sec.IsFlagged {
		return nil, &core.SecurityError{Code: "session_flagged", Message: "session is flagged and refuses mutation"}
	}
	if creds != nil {
		before := sec.FailedAccessAttempts
		if err := verify(sec, *creds, s.opts.MaxFailedAttempts); err != nil {
			s.opts.Logger.Warn("session.security.mismatch",
				"session_id", id, "client_ip", creds.ClientIP,
				"failed_attempts", sec.FailedAccessAttempts, "flagged", sec.IsFlagged)
			if sec.FailedAccessAttempts != before {
				if serr := s.save(context.WithoutCancel(ctx), e.sess); serr != nil {
					s.opts.Logger.Error("session.persist.failed", "session_id", id, "error", serr.Error())
				}
			}
			return nil, err
		}
	}

	now := s.opts.Now()
	sec.LastAccessAt = now
	work := e.sess.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = now
	if err := s.save(context.WithoutCancel(ctx), work); err != nil {
		return nil, err
	}
	e.sess = work
	return work.Clone(), nil
}

// Finalize records a run's terminal state. Unlike Mutate it skips the
// security binding entirely, so a session flagged while its run was in
// flight still ends completed or failed.
func (s *Store) Finalize(ctx context.Context, id string, fn func(*core.Session) error) (*core.Session, error) {
	e, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, core.ErrSessionNotFound
	}

	work := e.sess.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = s.opts.Now()
	if err := s.save(context.WithoutCancel(ctx), work); err != nil {
		return nil, err
	}
	e.sess = work
	return work.Clone(), nil
}

// Delete removes the session and releases dependent resources through the
// Evictor.
func (s *Store) Delete(ctx context.Context, id string) error {
	e, err := s.entry(ctx, id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return core.ErrSessionNotFound
	}
	return s.removeLocked(ctx, id, e)
}

// removeLocked drops the entry; the caller holds e.mu.
func (s *Store) removeLocked(ctx context.Context, id string, e *entry) error {
	e.deleted = true
	s.mu.Lock()
	if s.entries[id] == e {
		delete(s.entries, id)
	}
	evictor := s.opts.Evictor
	s.mu.Unlock()

	if s.opts.Backend != nil {
		if err := s.opts.Backend.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
	}
	if evictor != nil {
		evictor.Evict(id)
	}
	s.opts.Logger.Debug("session.deleted", "session_id", id)
	return nil
}

// SweepExpired removes sessions idle for longer than the TTL. Sessions with
// a run in progress are kept. It returns the number of removed sessions.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	if s.opts.TTL <= 0 {
		return 0, nil
	}
	cutoff := s.opts.Now().Add(-s.opts.TTL)

	s.mu.Lock()
	candidates := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		candidates[id] = e
	}
	evictor := s.opts.Evictor
	s.mu.Unlock()

	removed := 0
	var errs []error
	for id, e := range candidates {
		e.mu.Lock()
		expired := !e.deleted && e.sess.Status != core.StatusRunning && e.sess.Security.LastAccessAt.Before(cutoff)
		if expired {
			if err := s.removeLocked(ctx, id, e); err != nil {
				errs = append(errs, err)
			} else {
				removed++
			}
		}
		e.mu.Unlock()
	}

	if s.opts.Backend != nil {
		ids, err := s.opts.Backend.ListExpired(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("list expired sessions: %w", err))
		}
		for _, id := range ids {
			s.mu.Lock()
			_, cached := s.entries[id]
			s.mu.Unlock()
			if cached {
				continue
			}
			if err := s.opts.Backend.Delete(ctx, id); err != nil {
				errs = append(errs, err)
				continue
			}
			if evictor != nil {
				evictor.Evict(id)
			}
			removed++
		}
	}

	if removed > 0 {
		s.opts.Logger.Info("session.sweep", "removed", removed)
	}
	return removed, errors.Join(errs...)
}

// StartSweeper runs SweepExpired every interval until ctx is done.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepExpired(ctx); err != nil {
					s.opts.Logger.Warn("session.sweep.failed", "error", err.Error())
				}
			}
		}
	}()
}

// Len returns the number of cached sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// entry returns the cache entry for id, loading it from the backend on a
// miss.
func (s *Store) entry(ctx context.Context, id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e, nil
	}
	if s.opts.Backend == nil {
		return nil, core.ErrSessionNotFound
	}
	sess, err := s.opts.Backend.Load(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if sess.Status == core.StatusRunning {
		// Runs never outlive the process, so a running session that was not
		// cached was left behind by one that stopped mid-run.
		sess.Status = core.StatusFailed
		sess.Error = &core.RunError{Code: "interrupted", Message: "run interrupted before it finished"}
		sess.SetProgress("failed", sess.Progress)
		if err := s.save(context.WithoutCancel(ctx), sess); err != nil {
			return nil, err
		}
		s.opts.Logger.Warn("session.run.interrupted", "session_id", id)
	}
	e := &entry{sess: sess}
	s.entries[id] = e
	return e, nil
}

func (s *Store) save(ctx context.Context, sess *core.Session) error {
	if s.opts.Backend == nil {
		return nil
	}
	if err := s.opts.Backend.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}
