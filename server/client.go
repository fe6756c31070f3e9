package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/logger"
)

// WebSocket timeouts following the gorilla chat example.
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames.
	maxMessageSize = 4 * 1024
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// Client is one WebSocket subscriber to an execution's events.
type Client struct {
	conn        *websocket.Conn
	executionID string
	logger      *zap.SugaredLogger
}

// HandleEventsWebSocket pushes events as JSON text frames, resuming after
// ?after=. The server closes the socket normally after the terminal event.
func (s *Server) HandleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	after, err := lastEventID(r)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	ctx, done, err := s.openStream(r, "websocket")
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	defer done()

	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debugw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	executionID := r.PathValue("id")
	c := &Client{
		conn:        conn,
		executionID: executionID,
		logger:      s.logger.With(logger.FieldExecutionID, executionID, "transport", "websocket"),
	}
	ctx, cancel := context.WithCancel(ctx)
	go c.readPump(cancel)
	c.writePump(ctx, s.events.Subscribe(ctx, executionID, after))
}

// readPump discards client frames and cancels the subscription when the
// peer goes away.
func (c *Client) readPump(cancel context.CancelFunc) {
	defer cancel()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warnw("WebSocket read error", logger.FieldError, err)
			}
			return
		}
	}
}

// writePump forwards events and keeps the connection alive with pings.
func (c *Client) writePump(ctx context.Context, events <-chan execution.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-events:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				reason := "execution completed"
				if ctx.Err() != nil {
					reason = "subscription closed"
				}
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debugw("WebSocket write failed", logger.FieldError, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
