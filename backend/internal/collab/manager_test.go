package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/ot"
)

type managerFixture struct {
	m     *Manager
	tr    *fakeTransport
	id    *fakeIdentity
	store *memStore
	clock *clock
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	c := newClock()
	store := newMemStore()
	id := &fakeIdentity{
		users: map[string]User{
			"tok-alice": user("alice"),
			"tok-bob":   user("bob"),
			"tok-carol": user("carol"),
		},
		perms: map[string]Permission{},
		def:   PermissionWrite,
	}
	tr := newFakeTransport()
	reg := NewRegistry(store, syncPublisher{store}, RegistryOptions{Session: SessionOptions{Now: c.Now}}, nil, nil)
	m := NewManager(reg, id, tr, nil, ManagerOptions{Now: c.Now}, nil, nil)
	return &managerFixture{m: m, tr: tr, id: id, store: store, clock: c}
}

func (f *managerFixture) connect(t *testing.T, connID, token string) {
	t.Helper()
	_, err := f.m.OnConnect(context.Background(), connID, Credentials{Token: token})
	require.NoError(t, err)
}

func (f *managerFixture) handle(t *testing.T, connID string, ev Event) error {
	t.Helper()
	return f.m.Handle(context.Background(), connID, ev)
}

func (f *managerFixture) errorCodes(connID string) []string {
	var out []string
	for _, p := range f.tr.sentTo(connID, OutError) {
		out = append(out, p.(ErrorPayload).Code)
	}
	return out
}

func TestManager_OnConnectRejectsBadCredentials(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.m.OnConnect(context.Background(), "c1", Credentials{Token: "nope"})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, 0, f.m.Connections())

	err = f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManager_JoinBroadcastsToOthersOnly(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "c1", "tok-alice")
	f.connect(t, "c2", "tok-bob")

	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D", ProjectID: "P"}))
	require.NoError(t, f.handle(t, "c2", Event{Type: EventJoin, DocumentID: "D", ProjectID: "P"}))

	joined := f.tr.sentTo("c2", OutJoined)
	require.Len(t, joined, 1)
	snap := joined[0].(Snapshot)
	assert.Equal(t, "D", snap.DocumentID)
	assert.Len(t, snap.Participants, 2)

	assert.Equal(t, 1, f.tr.receivedCount("c1", OutUserJoined))
	assert.Equal(t, 0, f.tr.receivedCount("c2", OutUserJoined))
	for _, b := range f.tr.broadcastsOf(OutUserJoined) {
		assert.NotEmpty(t, b.exclude)
	}
}

func TestManager_OperationReachesEveryoneIncludingSubmitter(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "c1", "tok-alice")
	f.connect(t, "c2", "tok-bob")
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))
	require.NoError(t, f.handle(t, "c2", Event{Type: EventJoin, DocumentID: "D"}))

	op := update("E1", "blue", 10)
	require.NoError(t, f.handle(t, "c1", Event{Type: EventOperation, Operation: &op}))

	assert.Equal(t, 1, f.tr.receivedCount("c1", OutOperation))
	assert.Equal(t, 1, f.tr.receivedCount("c2", OutOperation))
	b := f.tr.broadcastsOf(OutOperation)
	require.Len(t, b, 1)
	p := b[0].payload.(OperationPayload)
	assert.EqualValues(t, 1, p.Entry.Version)
	assert.Equal(t, "alice", p.Entry.AuthorID)
	assert.Len(t, f.store.docs["D"], 1)
}

func TestManager_CursorExcludesSubmitter(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "c1", "tok-alice")
	f.connect(t, "c2", "tok-bob")
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))
	require.NoError(t, f.handle(t, "c2", Event{Type: EventJoin, DocumentID: "D"}))

	require.NoError(t, f.handle(t, "c1", Event{Type: EventCursor, Cursor: &Cursor{X: 1, Y: 2}}))
	assert.Equal(t, 0, f.tr.receivedCount("c1", OutCursor))
	assert.Equal(t, 1, f.tr.receivedCount("c2", OutCursor))

	s, _ := f.m.Registry().Get("D")
	s.mu.Lock()
	v := s.log.Len()
	s.mu.Unlock()
	assert.EqualValues(t, 0, v)
}

func TestManager_PermissionDeniedGoesToCallerOnly(t *testing.T) {
	f := newManagerFixture(t)
	f.id.perms["bob|D"] = PermissionRead
	f.id.perms["carol|secret"] = PermissionNone
	f.connect(t, "c1", "tok-alice")
	f.connect(t, "c2", "tok-bob")
	f.connect(t, "c3", "tok-carol")
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))
	require.NoError(t, f.handle(t, "c2", Event{Type: EventJoin, DocumentID: "D"}))

	op := update("E1", "blue", 10)
	err := f.handle(t, "c2", Event{Type: EventOperation, Operation: &op})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, []string{"PERMISSION_DENIED"}, f.errorCodes("c2"))
	assert.Empty(t, f.errorCodes("c1"))
	assert.Empty(t, f.tr.broadcastsOf(OutOperation))

	err = f.handle(t, "c2", Event{Type: EventLock, Locked: true})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	err = f.handle(t, "c3", Event{Type: EventJoin, DocumentID: "secret"})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, ok := f.m.Registry().Get("secret")
	assert.False(t, ok, "denied join must not create a session")
}

func TestManager_LockBroadcastToRoom(t *testing.T) {
	f := newManagerFixture(t)
	f.id.perms["alice|D"] = PermissionAdmin
	f.connect(t, "c1", "tok-alice")
	f.connect(t, "c2", "tok-bob")
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))
	require.NoError(t, f.handle(t, "c2", Event{Type: EventJoin, DocumentID: "D"}))

	require.NoError(t, f.handle(t, "c1", Event{Type: EventLock, Locked: true}))
	assert.Equal(t, 1, f.tr.receivedCount("c1", OutLock))
	assert.Equal(t, 1, f.tr.receivedCount("c2", OutLock))
	p := f.tr.broadcastsOf(OutLock)[0].payload.(LockPayload)
	assert.Equal(t, "alice", p.Holder)
}

func TestManager_PresenceFollowsConnection(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "c1", "tok-alice")
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D1"}))
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D2"}))

	d1, _ := f.m.Registry().Get("D1")
	d2, _ := f.m.Registry().Get("D2")
	assert.Empty(t, d1.Participants())
	assert.Len(t, d2.Participants(), 1)
	assert.Len(t, f.tr.broadcastsOf(OutUserLeft), 1)

	require.NoError(t, f.handle(t, "c1", Event{Type: EventLeave}))
	assert.Empty(t, d2.Participants())

	op := update("E1", "x", 1)
	err := f.handle(t, "c1", Event{Type: EventOperation, Operation: &op})
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "c1", "tok-alice")
	f.connect(t, "c2", "tok-bob")
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))
	require.NoError(t, f.handle(t, "c2", Event{Type: EventJoin, DocumentID: "D"}))

	f.m.OnDisconnect(context.Background(), "c1")
	f.m.OnDisconnect(context.Background(), "c1")

	s, _ := f.m.Registry().Get("D")
	require.Len(t, s.Participants(), 1)
	assert.Equal(t, "bob", s.Participants()[0].ID)
	assert.Len(t, f.tr.broadcastsOf(OutUserLeft), 1)
	assert.Equal(t, 1, f.m.Connections())
}

func TestManager_SecondTabKeepsUserPresent(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "c1", "tok-alice")
	f.connect(t, "c1b", "tok-alice")
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))
	require.NoError(t, f.handle(t, "c1b", Event{Type: EventJoin, DocumentID: "D"}))
	assert.Len(t, f.tr.broadcastsOf(OutUserJoined), 1)

	f.m.OnDisconnect(context.Background(), "c1")
	s, _ := f.m.Registry().Get("D")
	assert.Len(t, s.Participants(), 1)
	assert.Empty(t, f.tr.broadcastsOf(OutUserLeft))
}

func TestManager_RecoversPanics(t *testing.T) {
	f := newManagerFixture(t)
	f.id.panicOn = "boom"
	f.connect(t, "c1", "tok-alice")

	err := f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "boom"})
	require.Error(t, err)
	assert.Equal(t, []string{"INTERNAL"}, f.errorCodes("c1"))

	// the manager keeps working
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))
}

func TestManager_PermissionLookupFailure(t *testing.T) {
	f := newManagerFixture(t)
	f.id.checkErr = errors.New("db down")
	f.connect(t, "c1", "tok-alice")

	err := f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"})
	assert.ErrorIs(t, err, ErrTransientIO)
	assert.Equal(t, []string{"TRANSIENT_IO"}, f.errorCodes("c1"))
}

func TestManager_HeartbeatAndCatchUp(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "c1", "tok-alice")
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))
	for i := 0; i < 3; i++ {
		op := update("E1", "x", int64(i+1))
		require.NoError(t, f.handle(t, "c1", Event{Type: EventOperation, Operation: &op}))
	}

	f.clock.Advance(time.Minute)
	require.NoError(t, f.handle(t, "c1", Event{Type: EventHeartbeat}))
	require.Len(t, f.tr.sentTo("c1", OutHeartbeatAck), 1)
	s, _ := f.m.Registry().Get("D")
	assert.Equal(t, f.clock.Now(), s.Participants()[0].LastActivity)

	require.NoError(t, f.handle(t, "c1", Event{Type: EventOpsSince, FromVersion: 1}))
	ops := f.tr.sentTo("c1", OutOps)
	require.Len(t, ops, 1)
	p := ops[0].(OpsPayload)
	assert.EqualValues(t, 3, p.Version)
	assert.Len(t, p.Ops, 2)
}

func TestManager_RejectsUnknownAndMalformed(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "c1", "tok-alice")

	assert.ErrorIs(t, f.handle(t, "c1", Event{Type: "dance"}), ErrInvalidRequest)
	assert.ErrorIs(t, f.handle(t, "c1", Event{Type: EventJoin}), ErrInvalidRequest)

	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))
	assert.ErrorIs(t, f.handle(t, "c1", Event{Type: EventOperation}), ErrInvalidOperation)
	bad := ot.Operation{Kind: ot.KindUpdate}
	assert.ErrorIs(t, f.handle(t, "c1", Event{Type: EventOperation, Operation: &bad}), ErrInvalidOperation)
	op := update("E1", "x", 1)
	assert.ErrorIs(t, f.handle(t, "c1", Event{Type: EventOperation, DocumentID: "other", Operation: &op}), ErrNotJoined)
}

func TestManager_Stats(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "c1", "tok-alice")
	f.connect(t, "c2", "tok-bob")
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D1"}))
	require.NoError(t, f.handle(t, "c2", Event{Type: EventJoin, DocumentID: "D2"}))

	st := f.m.Stats()
	assert.Equal(t, 2, st.ActiveDocuments)
	assert.Equal(t, 2, st.ActiveUsers)
}

// gatedIdentity parks the first permission check until release is closed.
type gatedIdentity struct {
	*fakeIdentity
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedIdentity) CheckPermission(ctx context.Context, userID, docID string, level Permission) (bool, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.fakeIdentity.CheckPermission(ctx, userID, docID, level)
}

func TestManager_DisconnectDuringJoinLeavesNoParticipant(t *testing.T) {
	c := newClock()
	store := newMemStore()
	id := &gatedIdentity{
		fakeIdentity: &fakeIdentity{users: map[string]User{"tok-alice": user("alice")}, def: PermissionWrite},
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	tr := newFakeTransport()
	reg := NewRegistry(store, syncPublisher{store}, RegistryOptions{Session: SessionOptions{Now: c.Now}}, nil, nil)
	m := NewManager(reg, id, tr, nil, ManagerOptions{Now: c.Now}, nil, nil)
	ctx := context.Background()

	_, err := m.OnConnect(ctx, "c1", Credentials{Token: "tok-alice"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Handle(ctx, "c1", Event{Type: EventJoin, DocumentID: "D"}) }()
	<-id.entered
	m.ForceDisconnect(ctx, "c1")
	close(id.release)

	assert.ErrorIs(t, <-done, ErrNotConnected)
	assert.Equal(t, 0, m.Connections())
	s, ok := reg.Get("D")
	require.True(t, ok)
	assert.Empty(t, s.Participants())
	assert.Equal(t, 0, m.Stats().ActiveUsers)
	assert.False(t, tr.rooms["D"]["c1"])

	r := NewReaper(m, ReaperOptions{IdleTimeout: time.Minute, Now: c.Now}, nil, nil)
	c.Advance(time.Hour)
	r.Sweep(ctx)
	_, ok = reg.Get("D")
	assert.False(t, ok, "empty session is evicted")
}

func TestManager_RevokedWriterIsRejected(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "c1", "tok-alice")
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))

	op := update("E1", "red", 1)
	require.NoError(t, f.handle(t, "c1", Event{Type: EventOperation, Operation: &op}))

	f.id.perms["alice|D"] = PermissionNone
	op = update("E1", "blue", 2)
	err := f.handle(t, "c1", Event{Type: EventOperation, Operation: &op})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, []string{"PERMISSION_DENIED"}, f.errorCodes("c1"))

	s, _ := f.m.Registry().Get("D")
	assert.EqualValues(t, 1, s.Version())
	assert.Equal(t, PermissionNone, s.Participants()[0].Permission)

	// an upgrade applies without rejoining too
	f.id.perms["alice|D"] = PermissionAdmin
	require.NoError(t, f.handle(t, "c1", Event{Type: EventLock, Locked: true}))
	assert.True(t, s.Snapshot().Lock.Locked)
}

func TestManager_HeartbeatReportsLostSession(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "c1", "tok-alice")
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))

	require.True(t, f.m.Registry().evict("D", func(*Session) bool { return true }))

	err := f.handle(t, "c1", Event{Type: EventHeartbeat})
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.Equal(t, []string{"NOT_JOINED"}, f.errorCodes("c1"))
	assert.Empty(t, f.tr.sentTo("c1", OutHeartbeatAck))
	assert.Empty(t, f.m.currentDoc("c1"))

	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))
	require.NoError(t, f.handle(t, "c1", Event{Type: EventHeartbeat}))
	assert.Len(t, f.tr.sentTo("c1", OutHeartbeatAck), 1)
}
