package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultReconcileInterval = 10 * time.Second
	DefaultNodeID            = "local"
)

// Reconciler derives durable presence from the registry on a fixed cadence.
// Only one pass runs at a time. The local aggregate of a user is persisted as
// this node's record; an event is published only when the merge with the
// other nodes' records changes. Writes happen outside the registry lock and
// failed ones stay pending for the next pass.
type Reconciler struct {
	registry  *Registry
	store     Store
	publisher Publisher
	logger    *zap.Logger
	timeout   time.Duration
	nodeID    string
	onExpire  func([]ClientSession)

	passMu sync.Mutex
	retry  map[string]time.Time
	// pending holds the newest unpersisted record of each user.
	pending map[string]PresenceRecord

	mu sync.RWMutex
	// known holds the local aggregate last decided for each user.
	known map[string]PresenceRecord

	transitions  metric.Int64Counter
	expirations  metric.Int64Counter
	persistFails metric.Int64Counter
}

// ReconcilerOption customizes a Reconciler.
type ReconcilerOption func(*Reconciler)

func WithReconcilerLogger(logger *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHeartbeatTimeout sets how long a session may stay silent before it is swept.
func WithHeartbeatTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithNodeID names the node whose records this reconciler owns.
func WithNodeID(id string) ReconcilerOption {
	return func(r *Reconciler) {
		if id != "" {
			r.nodeID = id
		}
	}
}

// WithExpireHook is called with the sessions removed by each sweep, before
// any event of the pass is published.
func WithExpireHook(fn func([]ClientSession)) ReconcilerOption {
	return func(r *Reconciler) {
		r.onExpire = fn
	}
}

func NewReconciler(registry *Registry, store Store, publisher Publisher, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		registry:  registry,
		store:     store,
		publisher: publisher,
		logger:    zap.NewNop(),
		timeout:   DefaultHeartbeatTimeout,
		nodeID:    DefaultNodeID,
		retry:     make(map[string]time.Time),
		pending:   make(map[string]PresenceRecord),
		known:     make(map[string]PresenceRecord),
	}
	for _, opt := range opts {
		opt(r)
	}

	meter := otel.Meter("huddle/presence")
	r.transitions, _ = meter.Int64Counter("presence_transitions_total",
		metric.WithDescription("Aggregate presence transitions"))
	r.expirations, _ = meter.Int64Counter("presence_sessions_expired_total",
		metric.WithDescription("Sessions swept after missing heartbeats"))
	r.persistFails, _ = meter.Int64Counter("presence_persist_failures_total",
		metric.WithDescription("Failed presence writes, retried next pass"))
	return r
}

// Timeout returns the heartbeat timeout used by SweepExpired.
func (r *Reconciler) Timeout() time.Duration { return r.timeout }

// NodeID returns the node whose records this reconciler writes.
func (r *Reconciler) NodeID() string { return r.nodeID }

// Recover schedules every user this node still holds online for
// reconciliation, so records left behind by a previous process with the same
// node id get closed unless the user reconnects. Other nodes' records are
// never touched.
func (r *Reconciler) Recover(ctx context.Context) error {
	records, err := r.store.ListNode(ctx, r.nodeID)
	if err != nil {
		return &PersistenceError{UserID: "*", Err: err}
	}

	r.passMu.Lock()
	defer r.passMu.Unlock()

	r.mu.Lock()
	for _, rec := range records {
		if _, ok := r.known[rec.UserID]; !ok {
			r.known[rec.UserID] = normalizeRecord(rec)
		}
		mergeActivity(r.retry, rec.UserID, rec.LastActiveAt)
	}
	r.mu.Unlock()

	if len(records) > 0 {
		r.logger.Info("presence recovery scheduled", zap.Int("users", len(records)))
	}
	return nil
}

// Reconcile runs one pass at now. The returned error joins the persistence
// failures of this pass; they are already queued for retry.
func (r *Reconciler) Reconcile(ctx context.Context, now time.Time) error {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	expired := r.registry.SweepExpired(now, r.timeout)
	if len(expired) > 0 {
		r.expirations.Add(ctx, int64(len(expired)))
		r.logger.Debug("presence sessions expired", zap.Int("count", len(expired)))
		if r.onExpire != nil {
			r.onExpire(expired)
		}
	}

	touched := r.registry.TakeDirty()
	for userID, at := range r.retry {
		mergeActivity(touched, userID, at)
	}
	r.retry = make(map[string]time.Time)

	userIDs := make([]string, 0, len(touched))
	for userID := range touched {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	events := make([]PresenceChangeEvent, 0)
	for _, userID := range userIDs {
		current := aggregate(r.registry.ListSessions(userID))

		prev, ok := r.lookup(userID)
		var nodes map[string]PresenceRecord
		if !ok || prev.Status != current {
			var err error
			if nodes, err = r.store.Nodes(ctx, userID); err != nil {
				r.logger.Warn("presence read failed, retrying next pass",
					zap.String("user", userID), zap.Error(err))
				r.retry[userID] = touched[userID]
				continue
			}
		}
		if !ok {
			prev = r.seed(userID, nodes)
		}
		if prev.Status == current {
			continue
		}

		lastActive := touched[userID]
		if lastActive.IsZero() {
			lastActive = now
		}
		rec := recordOf(userID, current, lastActive)

		r.mu.Lock()
		r.known[userID] = rec
		r.mu.Unlock()
		r.pending[userID] = rec

		remote := MergeNodes(userID, nodes, r.nodeID)
		before := Merge(userID, prev, remote)
		after := Merge(userID, rec, remote)
		if before.Status == after.Status {
			// Another node still decides what the user looks like.
			continue
		}
		events = append(events, PresenceChangeEvent{
			UserID:       userID,
			Status:       after.Status,
			Previous:     before.Status,
			IsOnline:     after.IsOnline,
			LastActiveAt: after.LastActiveAt,
			At:           now,
		})
		r.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(after.Status))))
	}

	for _, evt := range events {
		r.publisher.Publish(evt)
	}
	if len(events) > 0 {
		r.logger.Debug("presence transitions published", zap.Int("count", len(events)))
	}

	return r.flush(ctx)
}

// Status returns the last local aggregate computed for userID.
func (r *Reconciler) Status(userID string) (PresenceRecord, bool) {
	return r.lookup(userID)
}

// Pending returns the number of records waiting for a successful write.
func (r *Reconciler) Pending() int {
	r.passMu.Lock()
	defer r.passMu.Unlock()
	return len(r.pending)
}

func (r *Reconciler) flush(ctx context.Context) error {
	userIDs := make([]string, 0, len(r.pending))
	for userID := range r.pending {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	var errs []error
	for _, userID := range userIDs {
		rec := r.pending[userID]
		if err := r.store.UpdateStatus(ctx, r.nodeID, rec); err != nil {
			perr := &PersistenceError{UserID: userID, Err: err}
			r.persistFails.Add(ctx, 1)
			r.logger.Warn("presence write failed, retrying next pass",
				zap.String("user", userID), zap.String("status", string(rec.Status)), zap.Error(err))
			errs = append(errs, perr)
			continue
		}
		delete(r.pending, userID)

		if rec.Status == StatusOffline {
			r.forget(userID)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) seed(userID string, nodes map[string]PresenceRecord) PresenceRecord {
	seeded := PresenceRecord{UserID: userID, Status: StatusOffline}
	if rec, ok := nodes[r.nodeID]; ok {
		seeded = normalizeRecord(rec)
		seeded.UserID = userID
	}

	r.mu.Lock()
	r.known[userID] = seeded
	r.mu.Unlock()
	return seeded
}

// forget drops offline users so the known map only grows with live users.
// A user with live sessions or a queued write is kept.
func (r *Reconciler) forget(userID string) {
	if len(r.registry.ListSessions(userID)) > 0 {
		return
	}
	if _, ok := r.pending[userID]; ok {
		return
	}
	r.mu.Lock()
	if rec, ok := r.known[userID]; ok && rec.Status == StatusOffline {
		delete(r.known, userID)
	}
	r.mu.Unlock()
}

func (r *Reconciler) lookup(userID string) (PresenceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.known[userID]
	return rec, ok
}

func normalizeRecord(rec PresenceRecord) PresenceRecord {
	switch rec.Status {
	case StatusOnline, StatusAway, StatusOffline:
	default:
		rec.Status = StatusOffline
		if rec.IsOnline {
			rec.Status = StatusOnline
		}
	}
	rec.IsOnline = rec.Status != StatusOffline
	return rec
}

func mergeActivity(m map[string]time.Time, userID string, at time.Time) {
	if prev, ok := m[userID]; ok && prev.After(at) {
		return
	}
	m[userID] = at
}
