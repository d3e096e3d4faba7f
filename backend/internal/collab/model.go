package collab

import (
	"strings"
	"time"

	"collabSync/backend/internal/ot"
)

type Permission int

const (
	PermissionNone Permission = iota
	PermissionRead
	PermissionWrite
	PermissionAdmin
)

func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	case PermissionAdmin:
		return "admin"
	default:
		return "none"
	}
}

func (p Permission) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Permission) UnmarshalText(b []byte) error {
	*p, _ = ParsePermission(string(b))
	return nil
}

func ParsePermission(s string) (Permission, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return PermissionRead, true
	case "write":
		return PermissionWrite, true
	case "admin":
		return PermissionAdmin, true
	case "none", "":
		return PermissionNone, true
	}
	return PermissionNone, false
}

// Cursor is a participant's pointer position on the canvas.
type Cursor struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ElementID string  `json:"elementId,omitempty"`
}

type User struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"displayName"`
	Email        string     `json:"email,omitempty"`
	Avatar       string     `json:"avatar,omitempty"`
	Color        string     `json:"color"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	LastActivity time.Time  `json:"lastActivity"`
	Online       bool       `json:"online"`
	Permission   Permission `json:"permission"`
}

type Credentials struct {
	Token string
}

type LockState struct {
	Locked bool   `json:"locked"`
	Holder string `json:"holder,omitempty"`
}

// Snapshot is what a joining participant receives.
type Snapshot struct {
	DocumentID   string     `json:"documentId"`
	ProjectID    string     `json:"projectId,omitempty"`
	ContentType  string     `json:"contentType,omitempty"`
	Version      int64      `json:"version"`
	Ops          []ot.Entry `json:"ops"`
	Participants []User     `json:"participants"`
	Lock         LockState  `json:"lock"`
	LastModified time.Time  `json:"lastModified"`
}

// Stats is the read-only health view.
type Stats struct {
	ActiveDocuments int       `json:"active_document_count"`
	ActiveUsers     int       `json:"active_user_count"`
	Timestamp       time.Time `json:"timestamp"`
}
