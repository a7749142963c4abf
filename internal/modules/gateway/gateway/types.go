package gateway

import (
	"sync"
	"time"

	"github.com/huddle-chat/core/internal/modules/gateway/delivery"
	"github.com/huddle-chat/core/internal/pkg/jwt"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"
)

const (
	TransportName = "socket.io"
	namespaceChat = "/chat"

	messageGatewayConnect = "GATEWAY_CONNECT"
	messageAuthFailed     = "AUTH_FAILED"
	messageSessionExpired = "SESSION_EXPIRED"

	eventHeartbeat  = "heartbeat"
	eventUserStatus = "user-status"
)

type gatewayPayload struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Code *int        `json:"code,omitempty"`
}

// Hub serves the /chat socket.io namespace and emits routed events to its
// own sockets.
type Hub struct {
	mu      sync.RWMutex
	sockets map[string]*socketio.Socket

	router            *delivery.Router
	signer            *jwt.Signer
	heartbeatInterval time.Duration
	logger            *zap.Logger
	sio               *socketio.Server
}
