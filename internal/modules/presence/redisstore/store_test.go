package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/huddle-chat/core/internal/modules/presence"
	"github.com/huddle-chat/core/internal/modules/presence/storetest"
	pkgredis "github.com/huddle-chat/core/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(pkgredis.New(rdb, "test")), mr
}

func TestStoreContract(t *testing.T) {
	s, _ := newStore(t)
	storetest.Run(t, s)
}

func TestStoreKeysAreNamespaced(t *testing.T) {
	s, mr := newStore(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := presence.PresenceRecord{UserID: "alice", IsOnline: true, Status: presence.StatusOnline, LastActiveAt: at}
	if err := s.UpdateStatus(context.Background(), "node-a", rec); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if got := mr.HGet("test:presence:alice", "node-a"); got != "online|1709294400000" {
		t.Fatalf("hash field = %q", got)
	}
	if ok, _ := mr.SIsMember("test:presence_node:node-a", "alice"); !ok {
		t.Fatal("expected alice in node-a online set")
	}
}

func TestStoreRejectsMalformedValue(t *testing.T) {
	s, mr := newStore(t)
	mr.HSet("test:presence:alice", "node-a", "garbage")
	if _, err := s.GetStatus(context.Background(), "alice"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestStoreReportsRedisFailure(t *testing.T) {
	s, mr := newStore(t)
	mr.Close()
	rec := presence.PresenceRecord{UserID: "alice", Status: presence.StatusOnline, IsOnline: true}
	if err := s.UpdateStatus(context.Background(), "node-a", rec); err == nil {
		t.Fatal("expected error with redis down")
	}
}
