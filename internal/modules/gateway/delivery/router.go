// Package delivery routes outbound events to whichever transport owns a
// connection and relays chat messages and presence changes between nodes over
// the cluster bus.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/huddle-chat/core/internal/modules/presence"
	"github.com/huddle-chat/core/internal/pkg/bus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	EventPresence    = "presence"
	EventChatMessage = "chat-message"

	KindChatMessage = "chat-message"
	KindPresence    = "presence"

	// ExpiredReason is the close reason sent when a session misses its
	// heartbeats.
	ExpiredReason = "SESSION_EXPIRED"

	relayTimeout = 5 * time.Second
)

var ErrNoTransport = errors.New("connection has no transport")

// Transport is a socket server able to push one event to one connection.
type Transport interface {
	Name() string
	Emit(connectionID, event string, payload any) error
	// Disconnect tells the client why and closes its socket. It must not
	// wait for the transport's own detach path.
	Disconnect(connectionID, reason string) error
}

// Router owns the connection → transport table. It is the presence Sender
// for every transport and the bus subscriber for chat deliveries.
type Router struct {
	presence *presence.Service
	bus      bus.Bus
	nodeID   string
	logger   *zap.Logger

	mu     sync.RWMutex
	owners map[string]Transport

	delivered metric.Int64Counter
}

func NewRouter(svc *presence.Service, b bus.Bus, nodeID string, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.NewLocal()
	}
	r := &Router{
		presence: svc,
		bus:      b,
		nodeID:   nodeID,
		logger:   logger,
		owners:   make(map[string]Transport),
	}
	svc.OnExpire(r.expire)
	svc.OnTransition(r.relayPresence)
	r.delivered, _ = otel.Meter("huddle/gateway").Int64Counter("gateway_chat_deliveries_total",
		metric.WithDescription("Chat messages pushed to local connections"))
	return r
}

// Attach binds connectionID to t and registers the session.
func (r *Router) Attach(t Transport, userID, connectionID string) presence.ClientSession {
	r.mu.Lock()
	r.owners[connectionID] = t
	r.mu.Unlock()
	return r.presence.Attach(userID, connectionID, r)
}

// Heartbeat forwards a liveness signal. An offline status signs the
// connection off.
func (r *Router) Heartbeat(connectionID string, status presence.Status) error {
	if status == presence.StatusOffline {
		return r.Detach(connectionID)
	}
	return r.presence.Heartbeat(connectionID, status)
}

func (r *Router) Detach(connectionID string) error {
	err := r.presence.Detach(connectionID)
	r.mu.Lock()
	delete(r.owners, connectionID)
	r.mu.Unlock()
	return err
}

// Send implements presence.Sender.
func (r *Router) Send(connectionID string, evt presence.PresenceChangeEvent) error {
	t, ok := r.owner(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTransport, connectionID)
	}
	return t.Emit(connectionID, EventPresence, evt)
}

// Start subscribes to the cluster bus until ctx is done.
func (r *Router) Start(ctx context.Context) error {
	if err := r.bus.Subscribe(ctx, r.handleEnvelope); err != nil {
		return fmt.Errorf("subscribe bus: %w", err)
	}
	return nil
}

// DeliverChat publishes payload for recipients. Every node, this one
// included, pushes it to the recipients' local connections.
func (r *Router) DeliverChat(ctx context.Context, recipients []string, payload any) error {
	if len(recipients) == 0 {
		return nil
	}
	env, err := bus.NewEnvelope(KindChatMessage, r.nodeID, recipients, payload)
	if err != nil {
		return fmt.Errorf("encode chat delivery: %w", err)
	}
	if err := r.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish chat delivery: %w", err)
	}
	return nil
}

// expire closes a socket whose session the reconciler swept.
func (r *Router) expire(session presence.ClientSession) {
	r.mu.Lock()
	t, ok := r.owners[session.ConnectionID]
	delete(r.owners, session.ConnectionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := t.Disconnect(session.ConnectionID, ExpiredReason); err != nil {
		r.logger.Debug("close expired connection",
			zap.String("connection", session.ConnectionID), zap.String("transport", t.Name()), zap.Error(err))
	}
}

// relayPresence shares a transition decided here with the other nodes.
func (r *Router) relayPresence(evt presence.PresenceChangeEvent) {
	env, err := bus.NewEnvelope(KindPresence, r.nodeID, nil, evt)
	if err != nil {
		r.logger.Warn("encode presence relay", zap.String("user", evt.UserID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, env); err != nil {
		r.logger.Warn("relay presence", zap.String("user", evt.UserID), zap.Error(err))
	}
}

func (r *Router) handleEnvelope(ctx context.Context, env bus.Envelope) {
	switch env.Kind {
	case KindChatMessage:
		r.handleChat(ctx, env)
	case KindPresence:
		if env.Origin == r.nodeID {
			return
		}
		var evt presence.PresenceChangeEvent
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			r.logger.Warn("drop malformed presence relay", zap.String("origin", env.Origin), zap.Error(err))
			return
		}
		r.presence.Deliver(evt)
	}
}

func (r *Router) handleChat(ctx context.Context, env bus.Envelope) {
	var payload any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		r.logger.Warn("drop malformed chat delivery", zap.String("origin", env.Origin), zap.Error(err))
		return
	}

	registry := r.presence.Registry()
	for _, userID := range env.Recipients {
		for _, s := range registry.ListSessions(userID) {
			t, ok := r.owner(s.ConnectionID)
			if !ok {
				continue
			}
			if err := t.Emit(s.ConnectionID, EventChatMessage, payload); err != nil {
				r.logger.Debug("chat delivery failed",
					zap.String("connection", s.ConnectionID), zap.String("transport", t.Name()), zap.Error(err))
				continue
			}
			r.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", t.Name())))
		}
	}
}

// Stats counts attached connections per transport.
func (r *Router) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, t := range r.owners {
		out[t.Name()]++
	}
	return out
}

func (r *Router) owner(connectionID string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.owners[connectionID]
	return t, ok
}
