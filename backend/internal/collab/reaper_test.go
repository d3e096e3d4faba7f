package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper_SweepRemovesIdleUsers(t *testing.T) {
	f := newManagerFixture(t)
	r := NewReaper(f.m, ReaperOptions{IdleTimeout: 5 * time.Minute, EvictGrace: time.Minute, Now: f.clock.Now}, nil, nil)

	f.connect(t, "c1", "tok-alice")
	f.connect(t, "c2", "tok-bob")
	f.connect(t, "c3", "tok-carol") // never joins
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))
	require.NoError(t, f.handle(t, "c2", Event{Type: EventJoin, DocumentID: "D"}))

	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.handle(t, "c2", Event{Type: EventHeartbeat}))
	f.clock.Advance(2 * time.Minute)

	assert.Equal(t, 2, r.Sweep(context.Background()))
	assert.ElementsMatch(t, []string{"c1", "c3"}, f.tr.closed)

	s, ok := f.m.Registry().Get("D")
	require.True(t, ok)
	p := s.Participants()
	require.Len(t, p, 1)
	assert.Equal(t, "bob", p[0].ID)

	op := update("E1", "x", 1)
	require.NoError(t, f.handle(t, "c2", Event{Type: EventOperation, Operation: &op}))
	assert.Equal(t, 0, f.tr.receivedCount("c1", OutOperation))
	assert.Equal(t, 1, f.tr.receivedCount("c2", OutOperation))
}

func TestReaper_EvictsEmptySessionsAfterGrace(t *testing.T) {
	f := newManagerFixture(t)
	r := NewReaper(f.m, ReaperOptions{IdleTimeout: time.Hour, EvictGrace: time.Minute, Now: f.clock.Now}, nil, nil)

	f.connect(t, "c1", "tok-alice")
	require.NoError(t, f.handle(t, "c1", Event{Type: EventJoin, DocumentID: "D"}))
	require.NoError(t, f.handle(t, "c1", Event{Type: EventLeave}))

	r.Sweep(context.Background())
	_, ok := f.m.Registry().Get("D")
	assert.True(t, ok, "within grace")

	f.clock.Advance(2 * time.Minute)
	r.Sweep(context.Background())
	_, ok = f.m.Registry().Get("D")
	assert.False(t, ok)
}

func TestReaper_StartStop(t *testing.T) {
	f := newManagerFixture(t)
	r := NewReaper(f.m, ReaperOptions{Interval: time.Hour}, nil, nil)
	require.NoError(t, r.Start())
	r.Stop()
}
