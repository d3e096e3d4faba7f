package collab

import (
	"context"
	"time"

	"collabSync/backend/internal/ot"
)

// Transport delivers events to live connections. Implementations must not
// block the caller on network I/O.
type Transport interface {
	Send(connID, event string, payload any)
	// Broadcast sends to every connection in the document's room except exclude
	// (empty means nobody is excluded).
	Broadcast(docID, event string, payload any, exclude string)
	JoinRoom(docID, connID string)
	LeaveRoom(docID, connID string)
	Close(connID string)
}

type Identity interface {
	Authenticate(ctx context.Context, creds Credentials) (User, error)
	CheckPermission(ctx context.Context, userID, docID string, level Permission) (bool, error)
}

// OperationStore is the durable log used across restarts.
type OperationStore interface {
	AppendOperation(ctx context.Context, docID string, e ot.Entry) error
	LoadOperations(ctx context.Context, docID string) ([]ot.Entry, error)
}

// PresenceMirror publishes presence outside this process. Best effort.
type PresenceMirror interface {
	AddMember(ctx context.Context, docID, userID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, userID string) error
	SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error
}

// Publisher receives every accepted entry. Publish must not block.
type Publisher interface {
	Publish(docID string, e ot.Entry)
	Pending(docID string) int
}
