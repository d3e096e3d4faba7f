package ws

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/httpapi/middleware"
	"collabSync/backend/internal/logging"
)

// Handler upgrades authenticated HTTP requests to collaboration sockets.
type Handler struct {
	hub      *Hub
	manager  *collab.Manager
	upgrader websocket.Upgrader
	opts     ConnOptions
	logger   logging.Logger
}

// NewHandler builds the websocket entry point. Origins are accepted when
// they start with one of allowedOrigins; requests without Origin pass.
func NewHandler(hub *Hub, m *collab.Manager, allowedOrigins []string, opts ConnOptions, logger logging.Logger) *Handler {
	opts.defaults()
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{
		hub:     hub,
		manager: m,
		opts:    opts,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// OriginAllowed is the origin rule shared by the websocket upgrader and the
// HTTP CORS layer: prefix match against allowed, "*" allows everything, and
// requests without an Origin pass.
func OriginAllowed(allowed []string) func(origin string) bool {
	return func(origin string) bool {
		if origin == "" || origin == "null" {
			return true
		}
		for _, p := range allowed {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	ok := OriginAllowed(allowed)
	return func(r *http.Request) bool {
		return ok(r.Header.Get("Origin"))
	}
}

func (h *Handler) ServeWS(c *gin.Context) {
	connID := uuid.NewString()
	token := middleware.TokenFromRequest(c)

	// authenticate before upgrading so a bad token gets a plain 401
	u, err := h.manager.OnConnect(c.Request.Context(), connID, collab.Credentials{Token: token})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    collab.ErrorCode(err),
			"message": "invalid or missing token",
		})
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn(c.Request.Context(), "websocket upgrade failed", "err", err, "origin", c.Request.Header.Get("Origin"))
		h.manager.OnDisconnect(context.Background(), connID)
		return
	}

	conn := newConn(connID, wsConn, h.opts, h.logger)
	h.hub.register(conn)
	go conn.writeLoop()

	// the request context ends with the handler; events use their own
	ctx := context.WithoutCancel(c.Request.Context())
	h.hub.Send(connID, collab.OutWelcome, WelcomePayload{ConnectionID: connID, User: u})

	conn.readLoop(ctx,
		func(ctx context.Context, ev collab.Event) error {
			return h.manager.Handle(ctx, connID, ev)
		},
		func(err error) {
			h.hub.Send(connID, collab.OutError, collab.ErrorPayload{
				Code:    collab.ErrorCode(collab.ErrInvalidRequest),
				Message: fmt.Sprintf("malformed message: %v", err),
			})
		})

	h.manager.OnDisconnect(ctx, connID)
	h.hub.unregister(conn)
	conn.close()
}
