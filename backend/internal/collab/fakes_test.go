package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"collabSync/backend/internal/ot"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.UnixMilli(1_000)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentMsg struct {
	conn    string
	event   string
	payload any
}

type broadcastMsg struct {
	doc     string
	event   string
	payload any
	exclude string
}

type fakeTransport struct {
	mu         sync.Mutex
	sent       []sentMsg
	broadcasts []broadcastMsg
	rooms      map[string]map[string]bool
	closed     []string
	// delivered is what each connection would have received
	delivered map[string][]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{rooms: map[string]map[string]bool{}, delivered: map[string][]string{}}
}

func (f *fakeTransport) Send(connID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{connID, event, payload})
	f.delivered[connID] = append(f.delivered[connID], event)
}

func (f *fakeTransport) Broadcast(docID, event string, payload any, exclude string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastMsg{docID, event, payload, exclude})
	for c := range f.rooms[docID] {
		if c != exclude {
			f.delivered[c] = append(f.delivered[c], event)
		}
	}
}

func (f *fakeTransport) JoinRoom(docID, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[docID] == nil {
		f.rooms[docID] = map[string]bool{}
	}
	f.rooms[docID][connID] = true
}

func (f *fakeTransport) LeaveRoom(docID, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms[docID], connID)
}

func (f *fakeTransport) Close(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, connID)
}

func (f *fakeTransport) sentTo(connID, event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, m := range f.sent {
		if m.conn == connID && m.event == event {
			out = append(out, m.payload)
		}
	}
	return out
}

func (f *fakeTransport) broadcastsOf(event string) []broadcastMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcastMsg
	for _, b := range f.broadcasts {
		if b.event == event {
			out = append(out, b)
		}
	}
	return out
}

func (f *fakeTransport) receivedCount(connID, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.delivered[connID] {
		if e == event {
			n++
		}
	}
	return n
}

type fakeIdentity struct {
	users map[string]User       // token -> user
	perms map[string]Permission // userID|docID -> level
	// fallback level when perms has no record
	def      Permission
	panicOn  string
	checkErr error
}

func (f *fakeIdentity) Authenticate(_ context.Context, c Credentials) (User, error) {
	u, ok := f.users[c.Token]
	if !ok {
		return User{}, errors.New("bad token")
	}
	return u, nil
}

func (f *fakeIdentity) CheckPermission(_ context.Context, userID, docID string, level Permission) (bool, error) {
	if f.panicOn != "" && docID == f.panicOn {
		panic("permission backend exploded")
	}
	if f.checkErr != nil {
		return false, f.checkErr
	}
	p, ok := f.perms[userID+"|"+docID]
	if !ok {
		p = f.def
	}
	return p >= level, nil
}

type memStore struct {
	mu      sync.Mutex
	docs    map[string][]ot.Entry
	loads   atomic.Int32
	loadErr error
	delay   time.Duration
	// gate, when set, holds every load until it is closed
	gate chan struct{}
}

func newMemStore() *memStore { return &memStore{docs: map[string][]ot.Entry{}} }

func (m *memStore) AppendOperation(_ context.Context, docID string, e ot.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID] = append(m.docs[docID], e)
	return nil
}

func (m *memStore) LoadOperations(_ context.Context, docID string) ([]ot.Entry, error) {
	m.loads.Add(1)
	if m.gate != nil {
		<-m.gate
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ot.Entry(nil), m.docs[docID]...), nil
}

// fakePublisher records entries and reports a settable pending count.
type fakePublisher struct {
	mu      sync.Mutex
	entries []ot.Entry
	pending int
}

func (p *fakePublisher) Publish(_ string, e ot.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
}

func (p *fakePublisher) Pending(string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *fakePublisher) setPending(n int) {
	p.mu.Lock()
	p.pending = n
	p.mu.Unlock()
}

func user(id string) User {
	return User{ID: id, DisplayName: id}
}

// syncPublisher writes straight to the store.
type syncPublisher struct{ store OperationStore }

func (p syncPublisher) Publish(docID string, e ot.Entry) {
	_ = p.store.AppendOperation(context.Background(), docID, e)
}

func (syncPublisher) Pending(string) int { return 0 }
