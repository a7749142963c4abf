package gateway

import (
	"errors"
	"strings"

	"github.com/huddle-chat/core/internal/modules/presence"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"
)

func (h *Hub) registerNamespaces() {
	chatNS := h.sio.Of(namespaceChat, nil)
	_ = chatNS.On("connection", func(args ...any) {
		client, ok := args[0].(*socketio.Socket)
		if !ok {
			return
		}

		claims, err := h.signer.Parse(extractToken(client))
		if err != nil {
			_ = client.Emit("message", h.gatewayMessageFormat(messageAuthFailed, "auth failed", nil))
			client.Disconnect(true)
			return
		}

		sid := string(client.Id())
		h.add(sid, client)
		h.router.Attach(h, claims.UserID, sid)
		_ = client.Emit("message", h.gatewayMessageFormat(messageGatewayConnect, map[string]interface{}{
			"connectionId":      sid,
			"userId":            claims.UserID,
			"heartbeatInterval": h.heartbeatInterval.Milliseconds(),
		}, nil))

		heartbeat := func(status presence.Status) {
			err := h.router.Heartbeat(sid, status)
			switch {
			case err == nil:
			case errors.Is(err, presence.ErrUnknownSession):
				// Swept after missing heartbeats; the client has to reconnect.
				_ = client.Emit("message", h.gatewayMessageFormat(messageSessionExpired, "session expired", nil))
				client.Disconnect(true)
			default:
				h.logger.Warn("socket heartbeat failed", zap.String("sid", sid), zap.Error(err))
			}
		}

		_ = client.On(eventHeartbeat, func(eventArgs ...any) {
			heartbeat(statusFromArgs(eventArgs...))
		})
		_ = client.On(eventUserStatus, func(eventArgs ...any) {
			heartbeat(statusFromArgs(eventArgs...))
		})
		_ = client.On("message", func(eventArgs ...any) {
			msg, ok := parseInboundMessage(eventArgs...)
			if !ok {
				return
			}
			switch msg.Type {
			case eventHeartbeat, eventUserStatus:
				heartbeat(presence.ParseStatus(strFromAny(msg.Payload["status"])))
			}
		})

		_ = client.On("disconnect", func(_ ...any) {
			h.remove(sid)
			if err := h.router.Detach(sid); err != nil && !errors.Is(err, presence.ErrUnknownSession) {
				h.logger.Warn("socket detach failed", zap.String("sid", sid), zap.Error(err))
			}
		})
	})
}

func extractToken(client *socketio.Socket) string {
	handshake := client.Handshake()
	if handshake == nil {
		return ""
	}
	if token := firstValueFromMultiMap(handshake.Query, "token"); token != "" {
		return token
	}
	if token := firstValueFromMultiMap(handshake.Headers, "authorization"); token != "" {
		return token
	}
	return ""
}

func firstValueFromMultiMap(values map[string][]string, key string) string {
	if len(values) == 0 {
		return ""
	}
	for k, list := range values {
		if !strings.EqualFold(strings.TrimSpace(k), key) || len(list) == 0 {
			continue
		}
		v := strings.TrimSpace(list[0])
		if v != "" {
			return v
		}
	}
	return ""
}
