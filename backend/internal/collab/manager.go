package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"collabSync/backend/internal/logging"
	"collabSync/backend/internal/metrics"
)

type ManagerOptions struct {
	// PresenceTTL is how long a mirrored presence record survives without a
	// refresh.
	PresenceTTL time.Duration
	// MirrorTimeout bounds each best-effort mirror call.
	MirrorTimeout time.Duration
	Now           func() time.Time
}

type connState struct {
	user     User
	docID    string
	lastSeen time.Time
}

// Manager is the boundary between the transport and document sessions. It
// tracks which user owns each connection and which document it joined.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*connState

	registry  *Registry
	identity  Identity
	transport Transport
	mirror    PresenceMirror

	opts    ManagerOptions
	logger  logging.Logger
	metrics *metrics.Collab
}

func NewManager(reg *Registry, id Identity, tr Transport, mirror PresenceMirror, opts ManagerOptions, logger logging.Logger, m *metrics.Collab) *Manager {
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 60 * time.Second
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		conns:     make(map[string]*connState),
		registry:  reg,
		identity:  id,
		transport: tr,
		mirror:    mirror,
		opts:      opts,
		logger:    logger,
		metrics:   m,
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

// OnConnect authenticates a new connection and remembers its user.
func (m *Manager) OnConnect(ctx context.Context, connID string, creds Credentials) (User, error) {
	u, err := m.identity.Authenticate(ctx, creds)
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			return User{}, err
		}
		return User{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	u.Online = true
	u.LastActivity = m.opts.Now()

	m.mu.Lock()
	m.conns[connID] = &connState{user: u, lastSeen: u.LastActivity}
	m.mu.Unlock()
	m.metrics.Connected()
	m.logger.Debug(ctx, "connection authenticated", "conn", connID, "user", u.ID)
	return u, nil
}

// Handle processes one inbound event. Any failure, panics included, is
// reported to the calling connection only.
func (m *Manager) Handle(ctx context.Context, connID string, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(ctx, "panic while handling event",
				"conn", connID, "doc", ev.DocumentID, "event", ev.Type,
				"panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error handling %s", ev.Type)
		}
		if err != nil {
			m.reportError(ctx, connID, ev, err)
		}
	}()

	st, ok := m.touchConn(connID)
	if !ok {
		return ErrNotConnected
	}

	switch ev.Type {
	case EventJoin:
		return m.join(ctx, connID, st.user, ev)
	case EventOperation:
		return m.operation(ctx, connID, st, ev)
	case EventCursor:
		return m.cursor(ctx, connID, st, ev)
	case EventLock:
		return m.setLock(ctx, connID, st, ev)
	case EventLeave:
		if st.docID == "" {
			return nil
		}
		if ev.DocumentID != "" && ev.DocumentID != st.docID {
			return ErrNotJoined
		}
		m.leave(ctx, connID, st.user.ID, st.docID)
		return nil
	case EventHeartbeat:
		return m.heartbeat(ctx, connID, st)
	case EventOpsSince:
		return m.opsSince(ctx, connID, st, ev)
	}
	return fmt.Errorf("%w: unknown event %q", ErrInvalidRequest, ev.Type)
}

func (m *Manager) reportError(ctx context.Context, connID string, ev Event, err error) {
	code := ErrorCode(err)
	m.metrics.OperationRejected(code)
	if code == "INTERNAL" || code == "TRANSIENT_IO" {
		m.logger.Error(ctx, "event failed", "conn", connID, "doc", ev.DocumentID, "event", ev.Type, "err", err)
	} else {
		m.logger.Debug(ctx, "event rejected", "conn", connID, "doc", ev.DocumentID, "event", ev.Type, "code", code)
	}
	m.transport.Send(connID, OutError, ErrorPayload{Code: code, Message: err.Error(), Request: ev.Type})
}

// touchConn refreshes lastSeen and returns a copy of the connection state.
func (m *Manager) touchConn(connID string) (connState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.conns[connID]
	if !ok {
		return connState{}, false
	}
	st.lastSeen = m.opts.Now()
	return *st, true
}

// setDoc records the joined document and reports false when the connection
// has already been dropped.
func (m *Manager) setDoc(connID, docID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.conns[connID]
	if ok {
		st.docID = docID
	}
	return ok
}

// permission probes the identity provider from the highest level down.
func (m *Manager) permission(ctx context.Context, userID, docID string) (Permission, error) {
	for _, lvl := range []Permission{PermissionAdmin, PermissionWrite, PermissionRead} {
		ok, err := m.identity.CheckPermission(ctx, userID, docID, lvl)
		if err != nil {
			return PermissionNone, fmt.Errorf("%w: permission lookup: %v", ErrTransientIO, err)
		}
		if ok {
			return lvl, nil
		}
	}
	return PermissionNone, nil
}

// refreshPermission re-resolves the user's level so grants changed after
// join apply to the next write.
func (m *Manager) refreshPermission(ctx context.Context, s *Session, userID string) error {
	perm, err := m.permission(ctx, userID, s.ID())
	if err != nil {
		return err
	}
	return s.setPermission(userID, perm)
}

func (m *Manager) join(ctx context.Context, connID string, u User, ev Event) error {
	if ev.DocumentID == "" {
		return fmt.Errorf("%w: missing document id", ErrInvalidRequest)
	}
	perm, err := m.permission(ctx, u.ID, ev.DocumentID)
	if err != nil {
		return err
	}
	if perm < PermissionRead {
		return ErrPermissionDenied
	}

	// one joined document per connection
	if cur := m.currentDoc(connID); cur != "" {
		m.leave(ctx, connID, u.ID, cur)
	}

	// joining the room first means no accepted operation after the snapshot
	// can be missed; anything older is discarded by version on the client.
	m.transport.JoinRoom(ev.DocumentID, connID)
	var (
		s     *Session
		snap  Snapshot
		isNew bool
	)
	for attempt := 0; attempt < 2; attempt++ {
		s, err = m.registry.GetOrCreate(ctx, ev.DocumentID, ev.ProjectID)
		if err != nil {
			break
		}
		snap, isNew, err = s.Join(connID, u, perm)
		if !errors.Is(err, errSessionClosed) {
			break
		}
	}
	if err != nil {
		m.transport.LeaveRoom(ev.DocumentID, connID)
		return err
	}
	if !m.setDoc(connID, ev.DocumentID) {
		// disconnected while joining: OnDisconnect saw no document to leave
		s.Leave(connID, u.ID)
		m.transport.LeaveRoom(ev.DocumentID, connID)
		return ErrNotConnected
	}

	m.transport.Send(connID, OutJoined, snap)
	if isNew {
		for _, p := range snap.Participants {
			if p.ID == u.ID {
				m.transport.Broadcast(ev.DocumentID, OutUserJoined, UserJoinedPayload{DocumentID: ev.DocumentID, User: p}, connID)
				break
			}
		}
	}
	m.mirrorDo(ctx, func(ctx context.Context) error {
		return m.mirror.AddMember(ctx, ev.DocumentID, u.ID, u.DisplayName, m.opts.PresenceTTL)
	})
	m.logger.Info(ctx, "user joined", "conn", connID, "user", u.ID, "doc", ev.DocumentID,
		"permission", perm, "version", snap.Version)
	return nil
}

func (m *Manager) currentDoc(connID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.conns[connID]; ok {
		return st.docID
	}
	return ""
}

// joined resolves the session the connection is in. ev.DocumentID, when
// given, must match it.
func (m *Manager) joined(ctx context.Context, st connState, ev Event) (*Session, error) {
	if st.docID == "" || (ev.DocumentID != "" && ev.DocumentID != st.docID) {
		return nil, ErrNotJoined
	}
	return m.registry.Open(ctx, st.docID)
}

func (m *Manager) operation(ctx context.Context, connID string, st connState, ev Event) error {
	if ev.Operation == nil {
		return fmt.Errorf("%w: missing operation", ErrInvalidOperation)
	}
	s, err := m.joined(ctx, st, ev)
	if err != nil {
		return err
	}
	if err := m.refreshPermission(ctx, s, st.user.ID); err != nil {
		return err
	}
	entry, _, err := s.Submit(st.user.ID, *ev.Operation)
	if err != nil {
		return err
	}
	m.metrics.OperationAccepted()
	// the submitter gets its own entry back to learn the assigned version
	m.transport.Broadcast(st.docID, OutOperation, OperationPayload{DocumentID: st.docID, Entry: entry}, "")
	return nil
}

func (m *Manager) cursor(ctx context.Context, connID string, st connState, ev Event) error {
	if ev.Cursor == nil {
		return fmt.Errorf("%w: missing cursor", ErrInvalidRequest)
	}
	s, err := m.joined(ctx, st, ev)
	if err != nil {
		return err
	}
	if err := s.UpdateCursor(st.user.ID, *ev.Cursor); err != nil {
		return err
	}
	c := *ev.Cursor
	m.transport.Broadcast(st.docID, OutCursor, CursorPayload{DocumentID: st.docID, UserID: st.user.ID, Cursor: &c}, connID)
	m.mirrorDo(ctx, func(ctx context.Context) error {
		b, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return m.mirror.SetCursor(ctx, st.docID, st.user.ID, b, m.opts.PresenceTTL)
	})
	return nil
}

func (m *Manager) setLock(ctx context.Context, connID string, st connState, ev Event) error {
	s, err := m.joined(ctx, st, ev)
	if err != nil {
		return err
	}
	if err := m.refreshPermission(ctx, s, st.user.ID); err != nil {
		return err
	}
	state, err := s.SetLock(st.user.ID, ev.Locked)
	if err != nil {
		return err
	}
	m.transport.Broadcast(st.docID, OutLock, LockPayload{DocumentID: st.docID, LockState: state}, "")
	m.logger.Info(ctx, "lock changed", "conn", connID, "doc", st.docID, "user", st.user.ID, "locked", state.Locked)
	return nil
}

func (m *Manager) heartbeat(ctx context.Context, connID string, st connState) error {
	if st.docID != "" {
		err := ErrNotJoined
		if s, ok := m.registry.Get(st.docID); ok {
			err = s.Touch(st.user.ID)
		}
		if err != nil {
			// the session went away under us; the client has to join again
			m.transport.LeaveRoom(st.docID, connID)
			m.setDoc(connID, "")
			return err
		}
		m.mirrorDo(ctx, func(ctx context.Context) error {
			return m.mirror.AddMember(ctx, st.docID, st.user.ID, st.user.DisplayName, m.opts.PresenceTTL)
		})
	}
	m.transport.Send(connID, OutHeartbeatAck, HeartbeatPayload{Timestamp: m.opts.Now()})
	return nil
}

func (m *Manager) opsSince(ctx context.Context, connID string, st connState, ev Event) error {
	s, err := m.joined(ctx, st, ev)
	if err != nil {
		return err
	}
	ops, err := s.OpsSince(st.user.ID, ev.FromVersion, ev.Limit)
	if err != nil {
		return err
	}
	m.transport.Send(connID, OutOps, ops)
	return nil
}

// leave takes connID out of docID and announces the user's departure when
// it was their last connection there.
func (m *Manager) leave(ctx context.Context, connID, userID, docID string) {
	m.transport.LeaveRoom(docID, connID)
	m.setDoc(connID, "")
	s, ok := m.registry.Get(docID)
	if !ok {
		return
	}
	if !s.Leave(connID, userID) {
		return
	}
	m.transport.Broadcast(docID, OutUserLeft, UserLeftPayload{DocumentID: docID, UserID: userID}, "")
	m.mirrorDo(ctx, func(ctx context.Context) error {
		return m.mirror.RemoveMember(ctx, docID, userID)
	})
	m.logger.Info(ctx, "user left", "conn", connID, "user", userID, "doc", docID)
}

// OnDisconnect forgets connID. Safe to call more than once.
func (m *Manager) OnDisconnect(ctx context.Context, connID string) {
	m.mu.Lock()
	st, ok := m.conns[connID]
	delete(m.conns, connID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.metrics.Disconnected()
	if st.docID != "" {
		m.leave(ctx, connID, st.user.ID, st.docID)
	}
}

// ForceDisconnect drops the connection and closes it at the transport.
func (m *Manager) ForceDisconnect(ctx context.Context, connID string) {
	m.OnDisconnect(ctx, connID)
	m.transport.Close(connID)
}

// staleConnections lists connections that never joined a document and have
// been silent for longer than threshold.
func (m *Manager) staleConnections(now time.Time, threshold time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, st := range m.conns {
		if st.docID == "" && now.Sub(st.lastSeen) > threshold {
			out = append(out, id)
		}
	}
	return out
}

// Connections is the number of authenticated connections.
func (m *Manager) Connections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) Stats() Stats {
	return m.registry.Stats(m.opts.Now())
}

// mirrorDo runs a presence mirror call with its own deadline. Failures are
// logged and otherwise ignored.
func (m *Manager) mirrorDo(ctx context.Context, fn func(context.Context) error) {
	if m.mirror == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.MirrorTimeout)
	defer cancel()
	if err := fn(cctx); err != nil {
		m.logger.Warn(ctx, "presence mirror failed", "err", err)
	}
}
