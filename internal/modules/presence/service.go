package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pkgcron "github.com/huddle-chat/core/internal/pkg/cron"
	"go.uber.org/zap"
)

// ReconcileJobName is the scheduler job that drives reconciliation.
const ReconcileJobName = "presence_reconcile"

// Options configures a Service.
type Options struct {
	HeartbeatTimeout  time.Duration
	ReconcileInterval time.Duration
	OutboxSize        int
	Logger            *zap.Logger
	Clock             func() time.Time
	// NodeID scopes the records this process writes. It must stay the same
	// across restarts so Start can close what a crashed run left behind.
	NodeID string
}

// Service is the process wide presence core: one registry, one reconciler,
// one broadcaster. Transports call Attach, Heartbeat and Detach; everything
// durable happens on the reconcile job.
type Service struct {
	registry    *Registry
	reconciler  *Reconciler
	broadcaster *Broadcaster
	store       Store
	logger      *zap.Logger
	interval    time.Duration
	now         func() time.Time

	hookMu   sync.RWMutex
	expirers []func(ClientSession)
	relays   []func(PresenceChangeEvent)
}

func NewService(store Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	interval := opts.ReconcileInterval
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}

	s := &Service{
		registry:    NewRegistry().WithClock(now),
		broadcaster: NewBroadcaster(logger.Named("broadcaster"), opts.OutboxSize),
		store:       store,
		logger:      logger,
		interval:    interval,
		now:         now,
	}
	s.reconciler = NewReconciler(s.registry, store, publisherFunc(s.publish),
		WithReconcilerLogger(logger.Named("reconciler")),
		WithHeartbeatTimeout(opts.HeartbeatTimeout),
		WithNodeID(opts.NodeID),
		WithExpireHook(s.expire),
	)
	return s
}

type publisherFunc func(PresenceChangeEvent)

func (f publisherFunc) Publish(evt PresenceChangeEvent) { f(evt) }

// OnExpire registers fn to run for every session swept after missing
// heartbeats. Transports use it to close the socket.
func (s *Service) OnExpire(fn func(ClientSession)) {
	s.hookMu.Lock()
	s.expirers = append(s.expirers, fn)
	s.hookMu.Unlock()
}

// OnTransition registers fn to receive every event this node publishes, so it
// can be relayed to the other nodes.
func (s *Service) OnTransition(fn func(PresenceChangeEvent)) {
	s.hookMu.Lock()
	s.relays = append(s.relays, fn)
	s.hookMu.Unlock()
}

// Deliver fans an event decided by another node out to the local sessions.
func (s *Service) Deliver(evt PresenceChangeEvent) {
	s.broadcaster.Publish(evt)
}

func (s *Service) publish(evt PresenceChangeEvent) {
	s.broadcaster.Publish(evt)
	s.hookMu.RLock()
	relays := s.relays
	s.hookMu.RUnlock()
	for _, fn := range relays {
		fn(evt)
	}
}

func (s *Service) expire(sessions []ClientSession) {
	s.hookMu.RLock()
	expirers := s.expirers
	s.hookMu.RUnlock()
	for _, session := range sessions {
		s.broadcaster.Unsubscribe(session.ConnectionID)
		s.logger.Debug("session expired",
			zap.String("user", session.UserID), zap.String("connection", session.ConnectionID))
		for _, fn := range expirers {
			fn(session)
		}
	}
}

// Registry exposes the connection registry for read-only stats.
func (s *Service) Registry() *Registry { return s.registry }

// Reconciler exposes the reconciler, mainly for tests and admin triggers.
func (s *Service) Reconciler() *Reconciler { return s.reconciler }

// Attach registers a new transport session and subscribes it to presence
// events through sender.
func (s *Service) Attach(userID, connectionID string, sender Sender) ClientSession {
	session := s.registry.Attach(userID, connectionID, s.now())
	s.broadcaster.Subscribe(connectionID, sender)
	s.logger.Debug("session attached", zap.String("user", userID), zap.String("connection", connectionID))
	return session
}

// Heartbeat records liveness for connectionID using the server clock. A
// reported offline status is an explicit sign-off and detaches the session.
func (s *Service) Heartbeat(connectionID string, status Status) error {
	if status == StatusOffline {
		return s.Detach(connectionID)
	}
	if _, err := s.registry.Heartbeat(connectionID, s.now(), status); err != nil {
		return fmt.Errorf("heartbeat %s: %w", connectionID, err)
	}
	return nil
}

// Detach removes the session and its subscription.
func (s *Service) Detach(connectionID string) error {
	s.broadcaster.Unsubscribe(connectionID)
	session, err := s.registry.Detach(connectionID)
	if err != nil {
		return fmt.Errorf("detach %s: %w", connectionID, err)
	}
	s.logger.Debug("session detached", zap.String("user", session.UserID), zap.String("connection", connectionID))
	return nil
}

// Register adds the reconcile job to sched.
func (s *Service) Register(sched *pkgcron.Scheduler) {
	sched.Register(pkgcron.Job{
		Name:        ReconcileJobName,
		Description: "expire silent sessions and persist presence transitions",
		Interval:    s.interval,
		Fn:          s.Reconcile,
	})
}

// Reconcile runs one reconciliation pass now.
func (s *Service) Reconcile(ctx context.Context) error {
	return s.reconciler.Reconcile(ctx, s.now())
}

// Start recovers stale online records left by a previous process.
func (s *Service) Start(ctx context.Context) error {
	if err := s.reconciler.Recover(ctx); err != nil {
		// Recovery is best effort; the next attach seeds state anyway.
		s.logger.Warn("presence recovery failed", zap.Error(err))
	}
	return nil
}

// Stop runs a last pass for the sessions detached during shutdown and drains
// the broadcaster.
func (s *Service) Stop(ctx context.Context) error {
	var errs []error
	if err := s.Reconcile(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.broadcaster.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close broadcaster: %w", err))
	}
	return errors.Join(errs...)
}

// Status returns the presence of userID. A user online on this node is
// answered from memory; otherwise this node's fresh view is merged with what
// the other nodes stored. Unknown users are offline.
func (s *Service) Status(ctx context.Context, userID string) (PresenceRecord, error) {
	local, ok := s.reconciler.Status(userID)
	if ok && local.Status == StatusOnline {
		return local, nil
	}
	nodes, err := s.store.Nodes(ctx, userID)
	if err != nil {
		return PresenceRecord{}, err
	}
	remote := MergeNodes(userID, nodes, s.reconciler.NodeID())
	if !ok {
		if own, found := nodes[s.reconciler.NodeID()]; found {
			local = own
		}
	}
	return Merge(userID, local, remote), nil
}

// Online lists persisted online users.
func (s *Service) Online(ctx context.Context) ([]PresenceRecord, error) {
	return s.store.ListOnline(ctx)
}

// Stats is a point-in-time summary of the core.
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Recipients  int `json:"recipients"`
	Pending     int `json:"pendingWrites"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Connections: s.registry.Len(),
		Users:       s.registry.Users(),
		Recipients:  s.broadcaster.Recipients(),
		Pending:     s.reconciler.Pending(),
	}
}
