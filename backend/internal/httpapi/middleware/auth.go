package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/collab"
)

const (
	ctxUser   = "user"
	ctxUserID = "userId"
)

// TokenFromRequest reads a bearer token from the Authorization header or,
// for browsers opening websockets, from ?token=.
func TokenFromRequest(c *gin.Context) string {
	if tok := extractBearer(c.Request.Header.Get("Authorization")); tok != "" {
		return tok
	}
	return strings.TrimSpace(c.Query("token"))
}

// Auth rejects requests without a valid access token and stores the user in
// the gin context.
func Auth(id collab.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := TokenFromRequest(c)
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}
		u, err := id.Authenticate(c.Request.Context(), collab.Credentials{Token: tok})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "invalid token",
			})
			return
		}
		c.Set(ctxUser, u)
		c.Set(ctxUserID, u.ID)
		c.Next()
	}
}

// UserFrom returns the user stored by Auth.
func UserFrom(c *gin.Context) (collab.User, bool) {
	v, ok := c.Get(ctxUser)
	if !ok {
		return collab.User{}, false
	}
	u, ok := v.(collab.User)
	return u, ok
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
