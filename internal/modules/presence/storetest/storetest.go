// Package storetest checks a presence.Store implementation against the
// behavior the reconciler relies on.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/huddle-chat/core/internal/modules/presence"
)

var at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func record(userID string, status presence.Status, ts time.Time) presence.PresenceRecord {
	return presence.PresenceRecord{
		UserID:       userID,
		IsOnline:     status != presence.StatusOffline,
		Status:       status,
		LastActiveAt: ts,
	}
}

// Run exercises s, which must start empty.
func Run(t *testing.T, s presence.Store) {
	t.Helper()
	ctx := context.Background()

	if rec, err := s.GetStatus(ctx, "alice"); err != nil || rec != nil {
		t.Fatalf("GetStatus on empty store = %+v, %v", rec, err)
	}
	if nodes, err := s.Nodes(ctx, "alice"); err != nil || len(nodes) != 0 {
		t.Fatalf("Nodes on empty store = %+v, %v", nodes, err)
	}
	if list, err := s.ListOnline(ctx); err != nil || len(list) != 0 {
		t.Fatalf("ListOnline on empty store = %+v, %v", list, err)
	}

	writes := []struct {
		node string
		rec  presence.PresenceRecord
	}{
		{"node-a", record("alice", presence.StatusOnline, at)},
		{"node-b", record("alice", presence.StatusAway, at.Add(time.Minute))},
		{"node-a", record("bob", presence.StatusAway, at)},
	}
	for _, w := range writes {
		if err := s.UpdateStatus(ctx, w.node, w.rec); err != nil {
			t.Fatalf("UpdateStatus %s %s: %v", w.node, w.rec.UserID, err)
		}
	}

	rec, err := s.GetStatus(ctx, "alice")
	if err != nil || rec == nil {
		t.Fatalf("GetStatus = %+v, %v", rec, err)
	}
	if !rec.IsOnline || rec.Status != presence.StatusOnline || !rec.LastActiveAt.Equal(at.Add(time.Minute)) {
		t.Fatalf("merged alice = %+v", rec)
	}

	nodes, err := s.Nodes(ctx, "alice")
	if err != nil || len(nodes) != 2 {
		t.Fatalf("Nodes = %+v, %v", nodes, err)
	}
	if nodes["node-a"].Status != presence.StatusOnline || nodes["node-b"].Status != presence.StatusAway {
		t.Fatalf("Nodes = %+v", nodes)
	}

	list, err := s.ListOnline(ctx)
	if err != nil {
		t.Fatalf("ListOnline: %v", err)
	}
	if len(list) != 2 || list[0].UserID != "alice" || list[1].UserID != "bob" || list[1].Status != presence.StatusAway {
		t.Fatalf("ListOnline = %+v", list)
	}

	own, err := s.ListNode(ctx, "node-a")
	if err != nil || len(own) != 2 || own[0].UserID != "alice" || own[0].Status != presence.StatusOnline {
		t.Fatalf("ListNode node-a = %+v, %v", own, err)
	}

	// alice leaves node-a but is still away on node-b.
	if err := s.UpdateStatus(ctx, "node-a", record("alice", presence.StatusOffline, at.Add(2*time.Minute))); err != nil {
		t.Fatalf("UpdateStatus offline: %v", err)
	}
	rec, _ = s.GetStatus(ctx, "alice")
	if rec == nil || !rec.IsOnline || rec.Status != presence.StatusAway || !rec.LastActiveAt.Equal(at.Add(2*time.Minute)) {
		t.Fatalf("alice after leaving node-a = %+v", rec)
	}
	own, _ = s.ListNode(ctx, "node-a")
	if len(own) != 1 || own[0].UserID != "bob" {
		t.Fatalf("ListNode node-a after offline = %+v", own)
	}

	if err := s.UpdateStatus(ctx, "node-b", record("alice", presence.StatusOffline, at.Add(3*time.Minute))); err != nil {
		t.Fatalf("UpdateStatus offline: %v", err)
	}
	rec, _ = s.GetStatus(ctx, "alice")
	if rec == nil || rec.IsOnline || rec.Status != presence.StatusOffline || !rec.LastActiveAt.Equal(at.Add(3*time.Minute)) {
		t.Fatalf("alice after leaving every node = %+v", rec)
	}
	list, _ = s.ListOnline(ctx)
	if len(list) != 1 || list[0].UserID != "bob" {
		t.Fatalf("ListOnline after offline = %+v", list)
	}
}
