package ot

import "encoding/json"

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindUpdate Kind = "update"
	KindMove   Kind = "move"
	KindStyle  Kind = "style"
)

func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindDelete, KindUpdate, KindMove, KindStyle:
		return true
	}
	return false
}

// Delta is the position change carried by a move.
type Delta struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Operation is one atomic edit to a single element field. OldValue, NewValue
// and Metadata are opaque to the engine; only Kind, ElementID, Path and
// Position are inspected.
type Operation struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	AuthorID  string          `json:"authorId"`
	Timestamp int64           `json:"timestamp"` // unix ms at which the author produced the edit
	ElementID string          `json:"elementId"`
	Path      []string        `json:"path,omitempty"`
	OldValue  json.RawMessage `json:"oldValue,omitempty"`
	NewValue  json.RawMessage `json:"newValue,omitempty"`
	Position  *Delta          `json:"position,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Entry is an accepted operation as stored in a document's log.
type Entry struct {
	Operation
	Version    int64 `json:"version"`    // 1-based position in the log
	AcceptedAt int64 `json:"acceptedAt"` // unix ms, non-decreasing along the log
}
