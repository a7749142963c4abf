package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errStoreDown = errors.New("store down")

// memStore is an in-memory Store with failure injection. Records are kept
// per node like the real stores.
type memStore struct {
	mu        sync.Mutex
	nodes     map[string]map[string]PresenceRecord // node -> user -> record
	failWrite int
	failRead  int
	writes    int
}

func newMemStore() *memStore {
	return &memStore{nodes: make(map[string]map[string]PresenceRecord)}
}

// put seeds a record as if node had written it.
func (s *memStore) put(node string, rec PresenceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(node, rec)
}

func (s *memStore) putLocked(node string, rec PresenceRecord) {
	recs, ok := s.nodes[node]
	if !ok {
		recs = make(map[string]PresenceRecord)
		s.nodes[node] = recs
	}
	recs[rec.UserID] = rec
}

func (s *memStore) UpdateStatus(_ context.Context, node string, rec PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite > 0 {
		s.failWrite--
		return errStoreDown
	}
	s.writes++
	s.putLocked(node, rec)
	return nil
}

func (s *memStore) Nodes(_ context.Context, userID string) (map[string]PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRead > 0 {
		s.failRead--
		return nil, errStoreDown
	}
	return s.nodesLocked(userID), nil
}

func (s *memStore) nodesLocked(userID string) map[string]PresenceRecord {
	out := make(map[string]PresenceRecord)
	for node, recs := range s.nodes {
		if rec, ok := recs[userID]; ok {
			out[node] = rec
		}
	}
	return out
}

func (s *memStore) GetStatus(ctx context.Context, userID string) (*PresenceRecord, error) {
	nodes, err := s.Nodes(ctx, userID)
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	rec := MergeNodes(userID, nodes, "")
	return &rec, nil
}

func (s *memStore) ListOnline(context.Context) ([]PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make(map[string]struct{})
	for _, recs := range s.nodes {
		for userID, rec := range recs {
			if rec.IsOnline {
				users[userID] = struct{}{}
			}
		}
	}
	out := make([]PresenceRecord, 0, len(users))
	for userID := range users {
		out = append(out, MergeNodes(userID, s.nodesLocked(userID), ""))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memStore) ListNode(_ context.Context, node string) ([]PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PresenceRecord
	for _, rec := range s.nodes[node] {
		if rec.IsOnline {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// get returns the merged record of userID.
func (s *memStore) get(userID string) (PresenceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := s.nodesLocked(userID)
	if len(nodes) == 0 {
		return PresenceRecord{}, false
	}
	return MergeNodes(userID, nodes, ""), true
}

// recorder is a synchronous Publisher.
type recorder struct {
	mu     sync.Mutex
	events []PresenceChangeEvent
}

func (r *recorder) Publish(evt PresenceChangeEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) all() []PresenceChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PresenceChangeEvent(nil), r.events...)
}

// chanSender forwards events to a channel.
type chanSender struct {
	ch chan PresenceChangeEvent
}

func newChanSender(size int) *chanSender {
	return &chanSender{ch: make(chan PresenceChangeEvent, size)}
}

func (s *chanSender) Send(_ string, evt PresenceChangeEvent) error {
	s.ch <- evt
	return nil
}

func (s *chanSender) next(timeout time.Duration) (PresenceChangeEvent, bool) {
	select {
	case evt := <-s.ch:
		return evt, true
	case <-time.After(timeout):
		return PresenceChangeEvent{}, false
	}
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
