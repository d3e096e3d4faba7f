package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/collab"
)

// Health serves the read-only activity snapshot.
func Health(stats func() collab.Stats) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, stats())
	}
}
