package presence

import (
	"sort"
	"sync"
	"time"
)

// Registry tracks the live transport sessions of every user. All mutations
// are serialized by one mutex; callers get copies, never pointers into the
// registry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*ClientSession     // connectionID -> session
	byUser   map[string]map[string]struct{} // userID -> connectionIDs
	dirty    map[string]time.Time           // userID -> latest activity since last TakeDirty
	now      func() time.Time
}

// NewRegistry builds an empty registry using the wall clock.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*ClientSession),
		byUser:   make(map[string]map[string]struct{}),
		dirty:    make(map[string]time.Time),
		now:      time.Now,
	}
}

// WithClock replaces the clock used by Detach. Intended for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
	return r
}

// Attach registers connectionID for userID with lastHeartbeatAt = now.
// Attaching an already known connection refreshes it.
func (r *Registry) Attach(userID, connectionID string, now time.Time) ClientSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[connectionID]; ok && prev.UserID != userID {
		r.unlinkLocked(prev)
		r.markDirtyLocked(prev.UserID, now)
	}

	s, ok := r.sessions[connectionID]
	if !ok {
		s = &ClientSession{
			UserID:       userID,
			ConnectionID: connectionID,
			AttachedAt:   now,
		}
		r.sessions[connectionID] = s
	}
	s.UserID = userID
	s.LastHeartbeatAt = now
	s.ReportedStatus = StatusOnline

	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connectionID] = struct{}{}
	r.markDirtyLocked(userID, now)
	return *s
}

// Heartbeat refreshes the liveness of connectionID. A timestamp older than the
// current one never moves lastHeartbeatAt backwards. Only a change of the
// reported status marks the user for reconciliation.
func (r *Registry) Heartbeat(connectionID string, ts time.Time, status Status) (ClientSession, error) {
	if status == StatusOffline {
		status = StatusAway
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connectionID]
	if !ok {
		return ClientSession{}, ErrUnknownSession
	}
	if ts.After(s.LastHeartbeatAt) {
		s.LastHeartbeatAt = ts
	}
	if status != "" && status != s.ReportedStatus {
		s.ReportedStatus = status
		r.markDirtyLocked(s.UserID, s.LastHeartbeatAt)
	}
	return *s, nil
}

// Detach removes the session immediately.
func (r *Registry) Detach(connectionID string) (ClientSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connectionID]
	if !ok {
		return ClientSession{}, ErrUnknownSession
	}
	r.unlinkLocked(s)
	r.markDirtyLocked(s.UserID, r.now())
	return *s, nil
}

// ListSessions returns the live sessions of userID ordered by attach time.
func (r *Registry) ListSessions(userID string) []ClientSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(userID)
}

// SweepExpired removes and returns every session whose last heartbeat is at
// least timeout old.
func (r *Registry) SweepExpired(now time.Time, timeout time.Duration) []ClientSession {
	cutoff := now.Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []ClientSession
	for _, s := range r.sessions {
		if s.LastHeartbeatAt.After(cutoff) {
			continue
		}
		expired = append(expired, *s)
	}
	for i := range expired {
		s := r.sessions[expired[i].ConnectionID]
		r.unlinkLocked(s)
		r.markDirtyLocked(s.UserID, s.LastHeartbeatAt)
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].LastHeartbeatAt.Before(expired[j].LastHeartbeatAt)
	})
	return expired
}

// TakeDirty returns the users whose session set or reported status changed
// since the previous call, with the latest activity seen for each.
func (r *Registry) TakeDirty() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.dirty
	r.dirty = make(map[string]time.Time)
	return out
}

// Connections returns the ids of all attached connections.
func (r *Registry) Connections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of attached connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Users returns the number of users with at least one live session.
func (r *Registry) Users() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

func (r *Registry) listLocked(userID string) []ClientSession {
	conns := r.byUser[userID]
	out := make([]ClientSession, 0, len(conns))
	for id := range conns {
		out = append(out, *r.sessions[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttachedAt.Equal(out[j].AttachedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].AttachedAt.Before(out[j].AttachedAt)
	})
	return out
}

func (r *Registry) unlinkLocked(s *ClientSession) {
	delete(r.sessions, s.ConnectionID)
	if conns, ok := r.byUser[s.UserID]; ok {
		delete(conns, s.ConnectionID)
		if len(conns) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
}

func (r *Registry) markDirtyLocked(userID string, at time.Time) {
	if prev, ok := r.dirty[userID]; ok && prev.After(at) {
		return
	}
	r.dirty[userID] = at
}
