// Package session owns the authoritative map of live collaboration sessions.
// The registry is the only component that mutates a session's membership or
// destroys it; document access flows through Session.WithDoc.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/pairpad/backend/internal/crdt"
	"github.com/pairpad/backend/internal/metrics"
	"github.com/pairpad/backend/internal/store"
)

var (
	ErrSessionExists   = errors.New("session: already exists")
	ErrSessionNotFound = errors.New("session: not found")
)

// Store is the persistence surface the registry depends on; *store.Store
// satisfies it.
type Store interface {
	Save(ctx context.Context, rec store.Record) error
	LoadAll(ctx context.Context) ([]store.Record, error)
	Delete(ctx context.Context, sessionID string) error
}

// Registry maps session IDs to live sessions and maintains the user→session
// index consumed by the reconnection flow. The registry mutex guards only the
// maps; each session carries its own lock, so edits to different sessions
// never serialize against each other.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]string // userID -> sessionID

	store        Store
	clk          clock.Clock
	log          *zap.Logger
	saveThrottle time.Duration
}

func NewRegistry(st Store, clk clock.Clock, log *zap.Logger, saveThrottle time.Duration) *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		byUser:       make(map[string]string),
		store:        st,
		clk:          clk,
		log:          log.Named("registry"),
		saveThrottle: saveThrottle,
	}
}

// Create allocates a session with an empty document and persists the initial
// snapshot immediately. Fails with ErrSessionExists on a duplicate ID. A
// failed initial save is logged, not fatal: the in-memory session is live and
// the next throttle window retries.
func (r *Registry) Create(ctx context.Context, id string, meta Metadata) error {
	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return ErrSessionExists
	}
	s := newSession(id, crdt.NewDoc(), meta)
	// Nobody has joined yet, so the eviction clock starts now; the first
	// attach clears it.
	s.emptySince = r.clk.Now()
	r.sessions[id] = s
	for _, p := range meta.Participants {
		r.byUser[p.ID] = id
	}
	r.mu.Unlock()
	metrics.ActiveSessions.Inc()

	rec := r.snapshot(s)
	if err := r.store.Save(ctx, rec); err != nil {
		metrics.PersistenceFailures.Inc()
		r.log.Warn("initial save failed", zap.String("session_id", id), zap.Error(err))
	}
	r.log.Info("session created",
		zap.String("session_id", id),
		zap.String("question_id", meta.QuestionID))
	return nil
}

// Get returns the live session, if any.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Attach adds a user to the session's participant set and hands back the
// session. Clears emptySince. Attach and EvictIfIdle both take the registry
// write lock, so an attach racing an eviction either lands first and keeps
// the session alive, or observes ErrSessionNotFound — never a half-destroyed
// room.
func (r *Registry) Attach(id, userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	s.participants[userID]++
	s.emptySince = time.Time{}
	s.mu.Unlock()
	r.byUser[userID] = id
	return s, nil
}

// Detach removes one connection's claim on the session. Connection counts
// are reference-counted so a reconnect racing a stale close cannot strand the
// user outside the participant set. When the room empties, emptySince starts
// the eviction clock.
func (r *Registry) Detach(id, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.mu.Lock()
	if n := s.participants[userID]; n > 1 {
		s.participants[userID] = n - 1
	} else {
		delete(s.participants, userID)
	}
	if len(s.participants) == 0 && s.emptySince.IsZero() {
		s.emptySince = r.clk.Now()
	}
	s.mu.Unlock()
}

// TouchPersistence snapshots the session if the save-throttle window has
// elapsed, otherwise no-ops. The window is reserved before the write, so a
// failed save is retried on the next window rather than hammering Redis
// under bursty editing. The snapshot is encoded under the session lock and
// written outside it; a slow Redis never blocks the document.
func (r *Registry) TouchPersistence(ctx context.Context, id string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	now := r.clk.Now()
	if !s.lastPersistedAt.IsZero() && now.Sub(s.lastPersistedAt) < r.saveThrottle {
		s.mu.Unlock()
		return
	}
	s.lastPersistedAt = now
	rec := r.snapshotLocked(s)
	s.mu.Unlock()

	if err := r.store.Save(ctx, rec); err != nil {
		metrics.PersistenceFailures.Inc()
		r.log.Warn("throttled save failed", zap.String("session_id", id), zap.Error(err))
	}
}

// EvictIfIdle destroys the session iff it has been empty for at least grace.
// Returns whether the session was destroyed. Safe against concurrent Attach:
// both serialize on the registry write lock.
func (r *Registry) EvictIfIdle(ctx context.Context, id string, grace time.Duration) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	s.mu.Lock()
	now := r.clk.Now()
	idle := len(s.participants) == 0 &&
		!s.emptySince.IsZero() &&
		now.Sub(s.emptySince) >= grace
	if idle {
		delete(r.sessions, id)
		for _, p := range s.meta.Participants {
			if r.byUser[p.ID] == id {
				delete(r.byUser, p.ID)
			}
		}
	}
	s.mu.Unlock()
	r.mu.Unlock()

	if !idle {
		return false
	}
	metrics.ActiveSessions.Dec()
	metrics.SessionsEvicted.Inc()
	if err := r.store.Delete(ctx, id); err != nil {
		metrics.PersistenceFailures.Inc()
		r.log.Warn("evicted session still persisted", zap.String("session_id", id), zap.Error(err))
	}
	r.log.Info("session evicted", zap.String("session_id", id))
	return true
}

// SweepIdle applies EvictIfIdle to every session and returns how many were
// destroyed.
func (r *Registry) SweepIdle(ctx context.Context, grace time.Duration) int {
	evicted := 0
	for _, id := range r.IDs() {
		if r.EvictIfIdle(ctx, id, grace) {
			evicted++
		}
	}
	return evicted
}

// Delete destroys a session unconditionally (the external deletion request).
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		s.mu.Lock()
		for _, p := range s.meta.Participants {
			if r.byUser[p.ID] == id {
				delete(r.byUser, p.ID)
			}
		}
		s.mu.Unlock()
	}
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	metrics.ActiveSessions.Dec()
	if err := r.store.Delete(ctx, id); err != nil {
		metrics.PersistenceFailures.Inc()
		return err
	}
	r.log.Info("session deleted", zap.String("session_id", id))
	return nil
}

// SessionForUser answers "does user X have an active session" for the
// reconnection flow.
func (r *Registry) SessionForUser(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	return id, ok
}

// RemoveUserSession drops user X's session mapping without touching the
// session itself.
func (r *Registry) RemoveUserSession(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUser, userID)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns a snapshot of the live session IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// LoadFrom bulk-registers every session the store can decode. Sessions come
// back with no attached users, so a restored session whose record carries no
// emptySince starts its eviction clock at load time rather than living
// forever.
func (r *Registry) LoadFrom(ctx context.Context) (int, error) {
	records, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, rec := range records {
		doc, err := crdt.NewDocFromState(rec.Doc)
		if err != nil {
			r.log.Warn("skipping session with corrupt document state",
				zap.String("session_id", rec.SessionID), zap.Error(err))
			continue
		}
		meta, err := unmarshalMetadata(rec.Meta)
		if err != nil {
			r.log.Warn("skipping session with corrupt metadata",
				zap.String("session_id", rec.SessionID), zap.Error(err))
			continue
		}
		s := newSession(rec.SessionID, doc, meta)
		s.lastPersistedAt = rec.LastPersistedAt
		if rec.EmptySince.IsZero() {
			s.emptySince = r.clk.Now()
		} else {
			s.emptySince = rec.EmptySince
		}

		r.mu.Lock()
		if _, exists := r.sessions[rec.SessionID]; exists {
			r.mu.Unlock()
			continue
		}
		r.sessions[rec.SessionID] = s
		for _, p := range meta.Participants {
			r.byUser[p.ID] = rec.SessionID
		}
		r.mu.Unlock()
		metrics.ActiveSessions.Inc()
		loaded++
	}
	return loaded, nil
}

// SaveAll snapshots every session unconditionally; used at shutdown.
func (r *Registry) SaveAll(ctx context.Context) {
	for _, id := range r.IDs() {
		r.mu.RLock()
		s, ok := r.sessions[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		s.mu.Lock()
		s.lastPersistedAt = r.clk.Now()
		rec := r.snapshotLocked(s)
		s.mu.Unlock()
		if err := r.store.Save(ctx, rec); err != nil {
			metrics.PersistenceFailures.Inc()
			r.log.Warn("shutdown save failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// snapshot encodes a consistent record of s, taking the session lock.
func (r *Registry) snapshot(s *Session) store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPersistedAt = r.clk.Now()
	return r.snapshotLocked(s)
}

// snapshotLocked requires s.mu held.
func (r *Registry) snapshotLocked(s *Session) store.Record {
	return store.Record{
		SessionID:       s.id,
		Doc:             s.doc.EncodeFullState(),
		Users:           s.participantsLocked(),
		Meta:            s.meta.marshal(),
		EmptySince:      s.emptySince,
		LastPersistedAt: s.lastPersistedAt,
	}
}
