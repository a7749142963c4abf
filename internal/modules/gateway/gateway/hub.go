package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/huddle-chat/core/internal/modules/gateway/delivery"
	"github.com/huddle-chat/core/internal/modules/presence"
	"github.com/huddle-chat/core/internal/pkg/jwt"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"
)

var ErrUnknownSocket = errors.New("socket not connected")

func NewHub(router *delivery.Router, signer *jwt.Signer, heartbeatInterval time.Duration, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		sockets:           make(map[string]*socketio.Socket),
		router:            router,
		signer:            signer,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
		sio:               socketio.NewServer(nil, nil),
	}
	h.registerNamespaces()
	return h
}

func (h *Hub) Name() string { return TransportName }

// Emit implements delivery.Transport.
func (h *Hub) Emit(connectionID, event string, payload any) error {
	h.mu.RLock()
	client, ok := h.sockets[connectionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSocket, connectionID)
	}
	return client.Emit("message", h.gatewayMessageFormat(event, payload, nil))
}

// Disconnect implements delivery.Transport. The socket's disconnect handler
// runs afterwards and finds the session already gone.
func (h *Hub) Disconnect(connectionID, reason string) error {
	h.mu.Lock()
	client, ok := h.sockets[connectionID]
	delete(h.sockets, connectionID)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSocket, connectionID)
	}
	err := client.Emit("message", h.gatewayMessageFormat(messageSessionExpired, reason, nil))
	client.Disconnect(true)
	return err
}

// ClientCount returns the number of authenticated sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

// Close detaches every session and shuts the socket.io server down.
func (h *Hub) Close() {
	h.mu.Lock()
	sids := make([]string, 0, len(h.sockets))
	for sid := range h.sockets {
		sids = append(sids, sid)
	}
	h.sockets = make(map[string]*socketio.Socket)
	h.mu.Unlock()

	for _, sid := range sids {
		if err := h.router.Detach(sid); err != nil && !errors.Is(err, presence.ErrUnknownSession) {
			h.logger.Warn("socket detach failed", zap.String("sid", sid), zap.Error(err))
		}
	}
	h.sio.Close(nil)
}

// Handler returns the socket.io HTTP handler mounted at /socket.io.
func (h *Hub) Handler() http.Handler {
	return h.sio.ServeHandler(nil)
}

func (h *Hub) add(sid string, client *socketio.Socket) {
	h.mu.Lock()
	h.sockets[sid] = client
	h.mu.Unlock()
}

func (h *Hub) remove(sid string) {
	h.mu.Lock()
	delete(h.sockets, sid)
	h.mu.Unlock()
}
