package ws

import (
	"encoding/json"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ot"
)

// ClientMessage is one JSON frame sent by a browser.
type ClientMessage struct {
	Type        string         `json:"type"`
	DocumentID  string         `json:"documentId,omitempty"`
	ProjectID   string         `json:"projectId,omitempty"`
	Operation   *ot.Operation  `json:"operation,omitempty"`
	Cursor      *collab.Cursor `json:"cursor,omitempty"`
	Locked      bool           `json:"locked,omitempty"`
	FromVersion int64          `json:"fromVersion,omitempty"`
	Limit       int            `json:"limit,omitempty"`
}

func (m ClientMessage) Event() collab.Event {
	return collab.Event{
		Type:        collab.EventType(m.Type),
		DocumentID:  m.DocumentID,
		ProjectID:   m.ProjectID,
		Operation:   m.Operation,
		Cursor:      m.Cursor,
		Locked:      m.Locked,
		FromVersion: m.FromVersion,
		Limit:       m.Limit,
	}
}

// ServerMessage is the envelope of every frame sent to a browser.
type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type WelcomePayload struct {
	ConnectionID string      `json:"connectionId"`
	User         collab.User `json:"user"`
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(ServerMessage{Type: event, Data: payload})
}
