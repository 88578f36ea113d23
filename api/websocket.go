package api

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ericfitz/tmi-collab/internal/config"
	"github.com/ericfitz/tmi-collab/internal/slogging"
)

// leaveTimeout bounds the implicit leave run when a connection drops
const leaveTimeout = 5 * time.Second

// WebSocketClient is one client connection. It is the rooms.Sink of the
// session it joins.
type WebSocketClient struct {
	server     *Server
	conn       *websocket.Conn
	remoteAddr string

	// Buffered channel of outbound frames
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// Owned by the read pump
	sessionID string
	roomID    string
	userID    string
}

func newUpgrader(cfg config.WebSocketConfig) websocket.Upgrader {
	allowed := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed = append(allowed, strings.ToLower(strings.TrimRight(origin, "/")))
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// non-browser clients send no Origin; an empty list allows all
			if origin == "" || len(allowed) == 0 {
				return true
			}
			return slices.Contains(allowed, strings.ToLower(strings.TrimRight(origin, "/")))
		},
	}
}

func newWebSocketClient(s *Server, conn *websocket.Conn, remoteAddr string) *WebSocketClient {
	return &WebSocketClient{
		server:     s,
		conn:       conn,
		remoteAddr: remoteAddr,
		send:       make(chan []byte, s.config.WebSocket.SendBufferSize),
		closed:     make(chan struct{}),
	}
}

// Deliver queues frame for the write pump without blocking. It returns false
// when the queue is full or the connection is closing.
func (c *WebSocketClient) Deliver(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the write pump to close the connection. Safe to call more than
// once and from any goroutine.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// HandleWS upgrades the request and serves the connection until it closes
func (s *Server) HandleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		slogging.Get().WithContext(c).Warn("Failed to upgrade connection from %s: %v", c.ClientIP(), err)
		return
	}

	// the connection outlives the request context once hijacked
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()
	ctx, endTrace := s.metrics.TraceConnection(ctx, c.ClientIP())

	client := newWebSocketClient(s, conn, c.ClientIP())
	if !s.track(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		endTrace(nil)
		return
	}
	defer s.untrack(client)

	slogging.LogWebSocketConnection("connected", client.remoteAddr, "", "", "")
	go client.WritePump()
	err = client.ReadPump(ctx)
	endTrace(err)
	slogging.LogWebSocketConnection("disconnected", client.remoteAddr, "", "", "")
}

// ReadPump reads frames and routes them until the connection fails. On exit
// the session, if any, leaves its room.
func (c *WebSocketClient) ReadPump(ctx context.Context) error {
	defer func() {
		if c.sessionID != "" {
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
			if err := c.server.rooms.Leave(lctx, c.sessionID); err != nil {
				slogging.Get().Debug("Leave on disconnect failed - session: %s, error: %v", c.sessionID, err)
			}
			cancel()
			slogging.LogWebSocketConnection("left", c.remoteAddr, c.roomID, c.sessionID, c.userID)
			c.sessionID, c.roomID, c.userID = "", "", ""
		}
		c.Close()
	}()

	cfg := c.server.config.WebSocket
	c.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slogging.Get().Warn("WebSocket error - remote: %s, session: %s, error: %v", c.remoteAddr, c.sessionID, err)
				return err
			}
			return nil
		}
		c.server.router.RouteMessage(ctx, c, message)
	}
}

// WritePump writes queued frames, one WebSocket message each, and keeps the
// connection alive with pings.
func (c *WebSocketClient) WritePump() {
	cfg := c.server.config.WebSocket
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()

	write := func(messageType int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
		return c.conn.WriteMessage(messageType, data)
	}

	for {
		select {
		case message := <-c.send:
			if err := write(websocket.TextMessage, message); err != nil {
				return
			}
			// Drain what queued up meanwhile
			for n := len(c.send); n > 0; n-- {
				if err := write(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}
