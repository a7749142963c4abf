// Package memstore keeps presence in process memory. It suits a single node
// run without a database; nothing survives a restart.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/huddle-chat/core/internal/modules/presence"
)

type Store struct {
	mu    sync.RWMutex
	users map[string]map[string]presence.PresenceRecord
}

func New() *Store {
	return &Store{users: make(map[string]map[string]presence.PresenceRecord)}
}

var _ presence.Store = (*Store)(nil)

func (s *Store) UpdateStatus(_ context.Context, nodeID string, rec presence.PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes, ok := s.users[rec.UserID]
	if !ok {
		nodes = make(map[string]presence.PresenceRecord)
		s.users[rec.UserID] = nodes
	}
	nodes[nodeID] = rec
	return nil
}

func (s *Store) GetStatus(_ context.Context, userID string) (*presence.PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	rec := presence.MergeNodes(userID, nodes, "")
	return &rec, nil
}

func (s *Store) Nodes(_ context.Context, userID string) (map[string]presence.PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]presence.PresenceRecord, len(s.users[userID]))
	for node, rec := range s.users[userID] {
		out[node] = rec
	}
	return out, nil
}

func (s *Store) ListOnline(_ context.Context) ([]presence.PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]presence.PresenceRecord, 0, len(s.users))
	for userID, nodes := range s.users {
		if rec := presence.MergeNodes(userID, nodes, ""); rec.IsOnline {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) ListNode(_ context.Context, nodeID string) ([]presence.PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]presence.PresenceRecord, 0)
	for _, nodes := range s.users {
		if rec, ok := nodes[nodeID]; ok && rec.IsOnline {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
