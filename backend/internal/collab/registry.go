package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"collabSync/backend/internal/logging"
	"collabSync/backend/internal/metrics"
	"collabSync/backend/internal/ot"
)

type RegistryOptions struct {
	// LoadTimeout bounds one hydration read. Defaults to 5s.
	LoadTimeout time.Duration
	Session     SessionOptions
}

// Registry maps document id to its live Session. Lock order is always
// Registry.mu before Session.mu.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	group     singleflight.Group
	store     OperationStore
	publisher Publisher

	opts    RegistryOptions
	logger  logging.Logger
	metrics *metrics.Collab
}

func NewRegistry(store OperationStore, pub Publisher, opts RegistryOptions, logger logging.Logger, m *metrics.Collab) *Registry {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 5 * time.Second
	}
	if opts.Session.Now == nil {
		opts.Session.Now = time.Now
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		store:     store,
		publisher: pub,
		opts:      opts,
		logger:    logger,
		metrics:   m,
	}
}

func (r *Registry) Get(docID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[docID]
	return s, ok
}

// register stores s unless another session won the race, in which case the
// existing one is returned.
func (r *Registry) register(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; ok {
		return cur
	}
	r.sessions[s.id] = s
	return s
}

func (r *Registry) load(ctx context.Context, docID string) ([]ot.Entry, error) {
	if r.store == nil {
		return nil, nil
	}
	// a single caller going away must not fail the load shared with others
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.LoadTimeout)
	defer cancel()
	entries, err := r.store.LoadOperations(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrTransientIO, docID, err)
	}
	return entries, nil
}

// Flight keys carry a per-path prefix ending in NUL; keys of different
// paths differ in their first bytes whatever the document id contains.
func createKey(docID string) string { return "create\x00" + docID }
func openKey(docID string) string   { return "open\x00" + docID }

// GetOrCreate returns the session for docID, hydrating it from the store on
// first access. Concurrent first callers share one load and one Session.
func (r *Registry) GetOrCreate(ctx context.Context, docID, projectID string) (*Session, error) {
	if s, ok := r.Get(docID); ok {
		s.adoptProject(projectID)
		return s, nil
	}
	v, err, _ := r.group.Do(createKey(docID), func() (any, error) {
		if s, ok := r.Get(docID); ok {
			return s, nil
		}
		entries, err := r.load(ctx, docID)
		if err != nil {
			return nil, err
		}
		s := r.register(newSession(docID, projectID, entries, r.publisher, r.opts.Session, r.logger, r.metrics))
		r.logger.Info(ctx, "session created", "doc", docID, "version", s.Version())
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Session)
	if s.id != docID {
		return nil, fmt.Errorf("registry resolved %q for %q", s.id, docID)
	}
	s.adoptProject(projectID)
	return s, nil
}

// Open returns the live session or hydrates one from stored history. A
// document with neither is ErrNotFound.
func (r *Registry) Open(ctx context.Context, docID string) (*Session, error) {
	if s, ok := r.Get(docID); ok {
		return s, nil
	}
	v, err, _ := r.group.Do(openKey(docID), func() (any, error) {
		if s, ok := r.Get(docID); ok {
			return s, nil
		}
		entries, err := r.load(ctx, docID)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, ErrNotFound
		}
		return r.register(newSession(docID, "", entries, r.publisher, r.opts.Session, r.logger, r.metrics)), nil
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Session)
	if s.id != docID {
		return nil, fmt.Errorf("registry resolved %q for %q", s.id, docID)
	}
	return s, nil
}

// Evict drops the session if nobody is present and nothing is left to
// flush. The evicted session is closed so a caller still holding it gets
// errSessionClosed instead of writing into a detached log.
func (r *Registry) Evict(docID string) bool {
	return r.evict(docID, func(s *Session) bool {
		return s.presence.len() == 0 && (s.publisher == nil || s.publisher.Pending(docID) == 0)
	})
}

// evict removes docID when ok, evaluated under both locks, allows it.
func (r *Registry) evict(docID string, ok func(*Session) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, found := r.sessions[docID]
	if !found {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok(s) {
		return false
	}
	s.closed = true
	delete(r.sessions, docID)
	r.metrics.SessionEvicted()
	return true
}

// EvictIdle evicts every session that has been empty for at least grace.
func (r *Registry) EvictIdle(now time.Time, grace time.Duration) int {
	n := 0
	idle := func(s *Session) bool { return s.evictableLocked(now, grace) }
	for _, s := range r.Sessions() {
		if r.evict(s.id, idle) {
			r.logger.Debug(context.Background(), "session evicted", "doc", s.id)
			n++
		}
	}
	return n
}

// Sessions returns a point-in-time list of live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Counts returns the number of live documents and participants.
func (r *Registry) Counts() (documents, users int) {
	sessions := r.Sessions()
	for _, s := range sessions {
		users += s.participantCount()
	}
	return len(sessions), users
}

func (r *Registry) Stats(now time.Time) Stats {
	docs, users := r.Counts()
	return Stats{ActiveDocuments: docs, ActiveUsers: users, Timestamp: now}
}
