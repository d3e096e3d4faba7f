package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/logging"
)

type ConnOptions struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (o *ConnOptions) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
}

type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	opts   ConnOptions
	logger logging.Logger
}

func newConn(id string, wsConn *websocket.Conn, opts ConnOptions, logger logging.Logger) *Conn {
	return &Conn{
		id:     id,
		ws:     wsConn,
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
		opts:   opts,
		logger: logger.With("conn", id),
	}
}

// enqueue never blocks. A connection that cannot keep up is closed rather
// than silently skipping frames; the client reconnects and catches up.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn(context.Background(), "send buffer full, closing slow connection")
		c.close()
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) writeLoop() {
	ping := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer ping.Stop()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop feeds every frame to handle until the socket fails.
func (c *Conn) readLoop(ctx context.Context, handle func(context.Context, collab.Event) error, reject func(error)) {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug(ctx, "read failed", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			reject(err)
			continue
		}
		// errors were already reported to the client by the manager
		_ = handle(ctx, msg.Event())
	}
}
