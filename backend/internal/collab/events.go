package collab

import (
	"time"

	"collabSync/backend/internal/ot"
)

type EventType string

// inbound
const (
	EventJoin      EventType = "join"
	EventOperation EventType = "operation"
	EventCursor    EventType = "cursor"
	EventLock      EventType = "lock"
	EventLeave     EventType = "leave"
	EventHeartbeat EventType = "heartbeat"
	EventOpsSince  EventType = "ops_since"
)

// outbound
const (
	OutWelcome      = "welcome"
	OutJoined       = "joined"
	OutUserJoined   = "user_joined"
	OutUserLeft     = "user_left"
	OutOperation    = "operation"
	OutCursor       = "cursor"
	OutLock         = "lock"
	OutOps          = "ops"
	OutHeartbeatAck = "heartbeat_ack"
	OutError        = "error"
)

// Event is one unit of work delivered by the transport for a connection.
type Event struct {
	Type        EventType
	DocumentID  string
	ProjectID   string
	Operation   *ot.Operation
	Cursor      *Cursor
	Locked      bool
	FromVersion int64
	Limit       int
}

type ErrorPayload struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Request EventType `json:"request,omitempty"`
}

type UserJoinedPayload struct {
	DocumentID string `json:"documentId"`
	User       User   `json:"user"`
}

type UserLeftPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

type OperationPayload struct {
	DocumentID string   `json:"documentId"`
	Entry      ot.Entry `json:"entry"`
}

type CursorPayload struct {
	DocumentID string  `json:"documentId"`
	UserID     string  `json:"userId"`
	Cursor     *Cursor `json:"cursor"`
}

type LockPayload struct {
	DocumentID string `json:"documentId"`
	LockState
}

type OpsPayload struct {
	DocumentID string     `json:"documentId"`
	Version    int64      `json:"version"`
	Ops        []ot.Entry `json:"ops"`
}

type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}
