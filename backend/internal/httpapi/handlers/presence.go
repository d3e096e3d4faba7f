package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
)

// PresenceReader reads the cluster-wide presence mirror.
type PresenceReader interface {
	GetDocuments(ctx context.Context) ([]string, error)
	AliveMembers(ctx context.Context, docID string) ([]cache.PresenceMember, error)
}

// Presence answers "who is in this document" across every server instance,
// not only the sessions held by this process.
type Presence struct {
	reader   PresenceReader
	identity collab.Identity
}

func NewPresence(reader PresenceReader, id collab.Identity) *Presence {
	return &Presence{reader: reader, identity: id}
}

func (p *Presence) Register(g *gin.RouterGroup) {
	g.GET("/presence", p.ListDocuments)
	g.GET("/presence/:documentID", p.GetMembers)
}

func (p *Presence) ListDocuments(c *gin.Context) {
	docs, err := p.reader.GetDocuments(c.Request.Context())
	if err != nil {
		writeError(c, errors.Join(collab.ErrTransientIO, err))
		return
	}
	if docs == nil {
		docs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (p *Presence) GetMembers(c *gin.Context) {
	docID := c.Param("documentID")
	if _, ok := authorize(c, p.identity, docID, collab.PermissionRead); !ok {
		return
	}
	members, err := p.reader.AliveMembers(c.Request.Context(), docID)
	if err != nil {
		writeError(c, errors.Join(collab.ErrTransientIO, err))
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "members": members})
}
