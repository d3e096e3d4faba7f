package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/httpapi/middleware"
)

// Granter records per-document permissions.
type Granter interface {
	Grant(ctx context.Context, docID, userID string, level collab.Permission) error
}

type Documents struct {
	registry *collab.Registry
	identity collab.Identity
	grants   Granter
}

func NewDocuments(reg *collab.Registry, id collab.Identity, grants Granter) *Documents {
	return &Documents{registry: reg, identity: id, grants: grants}
}

func (d *Documents) Register(g *gin.RouterGroup) {
	g.GET("/documents/:documentID", d.GetDocument)
	g.PUT("/documents/:documentID/permissions/:userID", d.PutPermission)
}

func (d *Documents) authorize(c *gin.Context, docID string, level collab.Permission) (collab.User, bool) {
	return authorize(c, d.identity, docID, level)
}

// authorize writes the error response itself and reports false when the
// caller may not proceed.
func authorize(c *gin.Context, id collab.Identity, docID string, level collab.Permission) (collab.User, bool) {
	u, ok := middleware.UserFrom(c)
	if !ok {
		writeError(c, collab.ErrAuthenticationFailed)
		return collab.User{}, false
	}
	allowed, err := id.CheckPermission(c.Request.Context(), u.ID, docID, level)
	if err != nil {
		writeError(c, collab.ErrTransientIO)
		return collab.User{}, false
	}
	if !allowed {
		writeError(c, collab.ErrPermissionDenied)
		return collab.User{}, false
	}
	return u, true
}

// GetDocument returns the live snapshot of a document, hydrating it from
// stored history when no session is open.
func (d *Documents) GetDocument(c *gin.Context) {
	docID := c.Param("documentID")
	if _, ok := d.authorize(c, docID, collab.PermissionRead); !ok {
		return
	}
	s, err := d.registry.Open(c.Request.Context(), docID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

type permissionRequest struct {
	Level string `json:"level" binding:"required"`
}

func (d *Documents) PutPermission(c *gin.Context) {
	docID := c.Param("documentID")
	if _, ok := d.authorize(c, docID, collab.PermissionAdmin); !ok {
		return
	}
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, collab.ErrInvalidRequest)
		return
	}
	level, ok := collab.ParsePermission(req.Level)
	if !ok {
		writeError(c, collab.ErrInvalidRequest)
		return
	}
	if err := d.grants.Grant(c.Request.Context(), docID, c.Param("userID"), level); err != nil {
		writeError(c, errors.Join(collab.ErrTransientIO, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "userId": c.Param("userID"), "level": level})
}

func writeError(c *gin.Context, err error) {
	code := collab.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "UNAUTHENTICATED":
		status = http.StatusUnauthorized
	case "PERMISSION_DENIED":
		status = http.StatusForbidden
	case "NOT_FOUND":
		status = http.StatusNotFound
	case "BAD_REQUEST", "INVALID_OPERATION":
		status = http.StatusBadRequest
	case "TRANSIENT_IO":
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
}
