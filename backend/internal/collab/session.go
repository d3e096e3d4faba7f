package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabSync/backend/internal/logging"
	"collabSync/backend/internal/metrics"
	"collabSync/backend/internal/ot"
)

type SessionOptions struct {
	// EnforceLock rejects writes from anyone but the holder while the
	// document is locked. Off by default: the lock is advisory.
	EnforceLock bool
	// ContentType tags every document this process serves.
	ContentType string
	// SnapshotOps caps the log tail sent on join; 0 sends the whole log.
	SnapshotOps int
	// OpsLimit caps a single OpsSince read; 0 means no cap.
	OpsLimit int
	Now      func() time.Time
}

// Session owns one document. Every method runs under mu; nothing inside the
// critical section does network I/O (Publish only enqueues).
type Session struct {
	mu sync.Mutex

	id          string
	projectID   string
	contentType string

	log          *opLog
	presence     *presence
	lock         LockState
	lastModified time.Time
	// emptySince is set while presence is empty; the zero time means occupied.
	emptySince time.Time
	closed     bool

	publisher Publisher
	opts      SessionOptions
	logger    logging.Logger
	metrics   *metrics.Collab
}

func newSession(docID, projectID string, stored []ot.Entry, pub Publisher, opts SessionOptions, logger logging.Logger, m *metrics.Collab) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logging.Nop()
	}
	now := opts.Now()
	s := &Session{
		id:          docID,
		projectID:   projectID,
		contentType: opts.ContentType,
		log:         newOpLog(stored),
		presence:    newPresence(),
		emptySince:  now,
		publisher:   pub,
		opts:        opts,
		logger:      logger.With("doc", docID),
		metrics:     m,
	}
	s.lastModified = now
	if n := len(s.log.entries); n > 0 {
		s.lastModified = time.UnixMilli(s.log.entries[n-1].AcceptedAt)
	}
	return s
}

func (s *Session) ID() string { return s.id }

// adoptProject fills in the project id of a session hydrated without one.
func (s *Session) adoptProject(projectID string) {
	if projectID == "" {
		return
	}
	s.mu.Lock()
	if s.projectID == "" {
		s.projectID = projectID
	}
	s.mu.Unlock()
}

func (s *Session) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Len()
}

// Join adds the user under connID and returns the document snapshot. The
// bool reports whether the user was not already present through another
// connection.
func (s *Session) Join(connID string, u User, perm Permission) (Snapshot, bool, error) {
	if perm < PermissionRead {
		return Snapshot{}, false, ErrPermissionDenied
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, false, errSessionClosed
	}
	u.Permission = perm
	u.Online = true
	u.LastActivity = s.opts.Now()
	isNew := s.presence.add(connID, u)
	s.emptySince = time.Time{}
	return s.snapshotLocked(), isNew, nil
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		DocumentID:   s.id,
		ProjectID:    s.projectID,
		ContentType:  s.contentType,
		Version:      s.log.Len(),
		Ops:          s.log.Tail(s.opts.SnapshotOps),
		Participants: s.presence.list(),
		Lock:         s.lock,
		LastModified: s.lastModified,
	}
}

// Snapshot is the current state without joining.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) memberLocked(userID string) (*member, error) {
	if s.closed {
		return nil, errSessionClosed
	}
	m, ok := s.presence.get(userID)
	if !ok {
		return nil, ErrNotJoined
	}
	return m, nil
}

// Submit reconciles raw against the log, appends the result and hands the
// accepted entry to the publisher. The returned Report lists same-element
// pairs that had no merge rule.
func (s *Session) Submit(userID string, raw ot.Operation) (ot.Entry, ot.Report, error) {
	if !raw.Kind.Valid() {
		return ot.Entry{}, ot.Report{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, raw.Kind)
	}
	if raw.ElementID == "" {
		return ot.Entry{}, ot.Report{}, fmt.Errorf("%w: missing element id", ErrInvalidOperation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.memberLocked(userID)
	if err != nil {
		return ot.Entry{}, ot.Report{}, err
	}
	if m.user.Permission < PermissionWrite {
		return ot.Entry{}, ot.Report{}, ErrPermissionDenied
	}
	if s.opts.EnforceLock && s.lock.Locked && s.lock.Holder != userID {
		return ot.Entry{}, ot.Report{}, ErrDocumentLocked
	}

	now := s.opts.Now()
	raw.AuthorID = userID
	if raw.ID == "" {
		raw.ID = uuid.NewString()
	}
	if raw.Timestamp == 0 {
		raw.Timestamp = now.UnixMilli()
	}

	next, rep := ot.TransformWithReport(raw, s.log.after(raw.Timestamp))
	// a lost last-writer-wins race yields the accepted operation's content;
	// the new entry is still this submission.
	next.ID = raw.ID
	next.AuthorID = userID

	entry := s.log.Append(next, now.UnixMilli())
	s.lastModified = now
	m.user.LastActivity = now
	if s.publisher != nil {
		s.publisher.Publish(s.id, entry)
	}

	for _, c := range rep.Conflicts {
		s.metrics.Conflict(string(c.Incoming), string(c.Accepted))
		s.logger.Warn(context.Background(), "unresolved concurrent edit",
			"element", raw.ElementID, "incoming", c.Incoming, "accepted", c.Accepted,
			"with", c.With, "with_version", c.Version, "version", entry.Version)
	}
	return entry, rep, nil
}

// setPermission replaces the level a participant joined with.
func (s *Session) setPermission(userID string, perm Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.memberLocked(userID)
	if err != nil {
		return err
	}
	m.user.Permission = perm
	return nil
}

func (s *Session) UpdateCursor(userID string, c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.memberLocked(userID)
	if err != nil {
		return err
	}
	m.user.Cursor = &c
	m.user.LastActivity = s.opts.Now()
	return nil
}

func (s *Session) SetLock(userID string, locked bool) (LockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.memberLocked(userID)
	if err != nil {
		return LockState{}, err
	}
	if m.user.Permission < PermissionAdmin {
		return LockState{}, ErrPermissionDenied
	}
	if locked {
		s.lock = LockState{Locked: true, Holder: userID}
	} else {
		s.lock = LockState{}
	}
	m.user.LastActivity = s.opts.Now()
	return s.lock, nil
}

// Leave removes connID and reports whether the user left the document
// entirely.
func (s *Session) Leave(connID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	gone := s.presence.remove(connID, userID)
	if s.presence.len() == 0 && s.emptySince.IsZero() {
		s.emptySince = s.opts.Now()
	}
	return gone
}

func (s *Session) Touch(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.memberLocked(userID)
	if err != nil {
		return err
	}
	m.user.LastActivity = s.opts.Now()
	return nil
}

// OpsSince returns accepted entries with version > from for a participant
// catching up.
func (s *Session) OpsSince(userID string, from int64, limit int) (OpsPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.memberLocked(userID); err != nil {
		return OpsPayload{}, err
	}
	if limit <= 0 || (s.opts.OpsLimit > 0 && limit > s.opts.OpsLimit) {
		limit = s.opts.OpsLimit
	}
	return OpsPayload{
		DocumentID: s.id,
		Version:    s.log.Len(),
		Ops:        s.log.Since(from, limit),
	}, nil
}

func (s *Session) Participants() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.list()
}

func (s *Session) participantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.len()
}

func (s *Session) idleConnections(now time.Time, threshold time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.idleConns(now, threshold)
}

// evictableLocked reports whether the session has been empty for at least
// grace with nothing left to flush. Caller holds s.mu.
func (s *Session) evictableLocked(now time.Time, grace time.Duration) bool {
	if s.presence.len() > 0 || s.emptySince.IsZero() {
		return false
	}
	if now.Sub(s.emptySince) < grace {
		return false
	}
	return s.publisher == nil || s.publisher.Pending(s.id) == 0
}
