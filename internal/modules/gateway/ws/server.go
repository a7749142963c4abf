// Package ws is a plain WebSocket transport for clients without socket.io.
// Frames are JSON objects: {"type":"heartbeat","status":"away","ts":...}
// inbound and {"type":<event>,"data":<payload>} outbound.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/huddle-chat/core/internal/modules/gateway/delivery"
	"github.com/huddle-chat/core/internal/modules/presence"
	"github.com/huddle-chat/core/internal/pkg/jwt"
	"go.uber.org/zap"
)

const (
	TransportName = "websocket"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4096
	sendBuffer = 64

	frameConnect        = "GATEWAY_CONNECT"
	frameSessionExpired = "SESSION_EXPIRED"
	frameHeartbeat      = "heartbeat"
	frameUserStatus     = "user-status"
)

var (
	ErrUnknownConnection = errors.New("websocket connection not found")
	ErrSendBufferFull    = errors.New("websocket send buffer full")
)

type inboundFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	TS     int64  `json:"ts"`
}

type outboundFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Server upgrades /ws requests and pumps frames for each connection.
type Server struct {
	router            *delivery.Router
	signer            *jwt.Signer
	heartbeatInterval time.Duration
	logger            *zap.Logger
	upgrader          websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	pumps   sync.WaitGroup
}

func NewServer(router *delivery.Router, signer *jwt.Signer, allowedOrigins []string, heartbeatInterval time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:            router,
		signer:            signer,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
		clients:           make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return s
}

func (s *Server) Name() string { return TransportName }

// Emit implements delivery.Transport. It never blocks on the socket.
func (s *Server) Emit(connectionID, event string, payload any) error {
	s.mu.RLock()
	c, ok := s.clients[connectionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	data, err := json.Marshal(outboundFrame{Type: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	return c.enqueue(data)
}

// Disconnect implements delivery.Transport. The reason frame is queued ahead
// of the close frame; the read pump then detaches as usual.
func (s *Server) Disconnect(connectionID, reason string) error {
	s.mu.RLock()
	c, ok := s.clients[connectionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	err := s.Emit(connectionID, frameSessionExpired, reason)
	c.shutdown()
	return err
}

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close closes every connection, rejects new ones and waits until every
// read pump has detached its session.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
	s.pumps.Wait()
}

// ServeHTTP authenticates the token, upgrades and runs the connection until
// it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	claims, err := s.signer.Parse(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), claims.UserID, conn)
	if !s.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	s.router.Attach(s, c.userID, c.id)
	_ = s.Emit(c.id, frameConnect, map[string]interface{}{
		"connectionId":      c.id,
		"userId":            c.userID,
		"heartbeatInterval": s.heartbeatInterval.Milliseconds(),
	})

	go c.writePump()
	s.readPump(c)
}

// RegisterRoutes mounts the upgrade endpoint.
func RegisterRoutes(rg *gin.RouterGroup, s *Server) {
	rg.GET("/ws", gin.WrapH(s))
}

func (s *Server) readPump(c *client) {
	defer func() {
		defer s.pumps.Done()
		s.remove(c.id)
		c.shutdown()
		if err := s.router.Detach(c.id); err != nil && !errors.Is(err, presence.ErrUnknownSession) {
			s.logger.Warn("websocket detach failed", zap.String("connection", c.id), zap.Error(err))
		}
	}()
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			// read error ends the loop so the deferred cleanup can fire.
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		switch strings.TrimSpace(frame.Type) {
		case frameHeartbeat, frameUserStatus:
		default:
			continue
		}

		status := presence.ParseStatus(frame.Status)
		err = s.router.Heartbeat(c.id, status)
		switch {
		case status == presence.StatusOffline:
			return
		case errors.Is(err, presence.ErrUnknownSession):
			_ = s.Emit(c.id, frameSessionExpired, "session expired")
			return
		case err != nil:
			s.logger.Warn("websocket heartbeat failed", zap.String("connection", c.id), zap.Error(err))
		}
	}
}

func (s *Server) add(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.id] = c
	s.pumps.Add(1)
	return true
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}
