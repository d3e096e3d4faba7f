package collab

import (
	"sort"

	"collabSync/backend/internal/ot"
)

// opLog is the in-memory tail of a document's history. base is the number of
// entries that precede entries[0] (dropped by retention), so Len() is the
// logical log length and always equals the document version.
type opLog struct {
	base    int64
	entries []ot.Entry
}

// newOpLog rebuilds a log from stored entries ordered by version. If the
// stored history has holes only the newest contiguous run is kept.
func newOpLog(stored []ot.Entry) *opLog {
	if len(stored) == 0 {
		return &opLog{}
	}
	start := len(stored) - 1
	for start > 0 && stored[start-1].Version == stored[start].Version-1 {
		start--
	}
	entries := make([]ot.Entry, len(stored)-start)
	copy(entries, stored[start:])
	return &opLog{base: entries[0].Version - 1, entries: entries}
}

func (l *opLog) Len() int64 { return l.base + int64(len(l.entries)) }

func (l *opLog) lastAcceptedAt() int64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].AcceptedAt
}

// Append assigns the next version and an acceptance time that never goes
// backwards, then stores the entry.
func (l *opLog) Append(op ot.Operation, nowMs int64) ot.Entry {
	if last := l.lastAcceptedAt(); nowMs < last {
		nowMs = last
	}
	e := ot.Entry{Operation: op, Version: l.Len() + 1, AcceptedAt: nowMs}
	l.entries = append(l.entries, e)
	return e
}

// after returns the entries accepted strictly after ts. Only those can be
// concurrent with an operation produced at ts.
func (l *opLog) after(ts int64) []ot.Entry {
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].AcceptedAt > ts
	})
	return l.entries[i:]
}

// Since copies up to limit entries with version > from. limit <= 0 means all.
func (l *opLog) Since(from int64, limit int) []ot.Entry {
	idx := from - l.base
	if idx < 0 {
		idx = 0
	}
	if idx >= int64(len(l.entries)) {
		return []ot.Entry{}
	}
	src := l.entries[idx:]
	if limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	out := make([]ot.Entry, len(src))
	copy(out, src)
	return out
}

// Tail copies the last n entries (all of them when n <= 0).
func (l *opLog) Tail(n int) []ot.Entry {
	src := l.entries
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	out := make([]ot.Entry, len(src))
	copy(out, src)
	return out
}
