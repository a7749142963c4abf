// Package redisstore keeps presence in Redis. Each user has a hash keyed by
// node id and each node has a set of the users it currently holds online.
package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/huddle-chat/core/internal/modules/presence"
	pkgredis "github.com/huddle-chat/core/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKey = "presence"
	nodeKey     = "presence_node"
	nodesKey    = "presence_nodes"
)

type Store struct {
	client *pkgredis.Client
}

func New(client *pkgredis.Client) *Store {
	return &Store{client: client}
}

var _ presence.Store = (*Store)(nil)

func (s *Store) userKey(userID string) string { return s.client.Key(presenceKey, userID) }

func (s *Store) nodeKey(nodeID string) string { return s.client.Key(nodeKey, nodeID) }

func (s *Store) UpdateStatus(ctx context.Context, nodeID string, rec presence.PresenceRecord) error {
	pipe := s.client.Raw().TxPipeline()
	pipe.HSet(ctx, s.userKey(rec.UserID), nodeID, encode(rec))
	pipe.SAdd(ctx, s.client.Key(nodesKey), nodeID)
	if rec.IsOnline {
		pipe.SAdd(ctx, s.nodeKey(nodeID), rec.UserID)
	} else {
		pipe.SRem(ctx, s.nodeKey(nodeID), rec.UserID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update presence %s@%s: %w", rec.UserID, nodeID, err)
	}
	return nil
}

func (s *Store) GetStatus(ctx context.Context, userID string) (*presence.PresenceRecord, error) {
	nodes, err := s.Nodes(ctx, userID)
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	rec := presence.MergeNodes(userID, nodes, "")
	return &rec, nil
}

func (s *Store) Nodes(ctx context.Context, userID string) (map[string]presence.PresenceRecord, error) {
	fields, err := s.client.Raw().HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get presence %s: %w", userID, err)
	}
	return decodeAll(userID, fields)
}

func (s *Store) ListOnline(ctx context.Context) ([]presence.PresenceRecord, error) {
	raw := s.client.Raw()
	nodeIDs, err := raw.SMembers(ctx, s.client.Key(nodesKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence nodes: %w", err)
	}
	if len(nodeIDs) == 0 {
		return []presence.PresenceRecord{}, nil
	}
	keys := make([]string, len(nodeIDs))
	for i, id := range nodeIDs {
		keys[i] = s.nodeKey(id)
	}
	userIDs, err := raw.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list online presence: %w", err)
	}
	sort.Strings(userIDs)

	pipe := raw.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, userID := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, s.userKey(userID))
	}
	if len(cmds) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("load online presence: %w", err)
		}
	}

	out := make([]presence.PresenceRecord, 0, len(userIDs))
	for i, cmd := range cmds {
		nodes, err := decodeAll(userIDs[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		if rec := presence.MergeNodes(userIDs[i], nodes, ""); rec.IsOnline {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) ListNode(ctx context.Context, nodeID string) ([]presence.PresenceRecord, error) {
	raw := s.client.Raw()
	userIDs, err := raw.SMembers(ctx, s.nodeKey(nodeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence of node %s: %w", nodeID, err)
	}
	if len(userIDs) == 0 {
		return []presence.PresenceRecord{}, nil
	}
	sort.Strings(userIDs)

	pipe := raw.Pipeline()
	cmds := make([]*redis.StringCmd, len(userIDs))
	for i, userID := range userIDs {
		cmds[i] = pipe.HGet(ctx, s.userKey(userID), nodeID)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load presence of node %s: %w", nodeID, err)
	}

	out := make([]presence.PresenceRecord, 0, len(userIDs))
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load presence %s@%s: %w", userIDs[i], nodeID, err)
		}
		rec, err := decode(userIDs[i], v)
		if err != nil {
			return nil, err
		}
		if rec.IsOnline {
			out = append(out, rec)
		}
	}
	return out, nil
}

// encode packs a node row as "status|unix millis".
func encode(rec presence.PresenceRecord) string {
	return string(rec.Status) + "|" + strconv.FormatInt(rec.LastActiveAt.UnixMilli(), 10)
}

func decode(userID, v string) (presence.PresenceRecord, error) {
	status, ms, ok := strings.Cut(v, "|")
	if !ok {
		return presence.PresenceRecord{}, fmt.Errorf("decode presence %s: malformed value %q", userID, v)
	}
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return presence.PresenceRecord{}, fmt.Errorf("decode presence %s last_active_at %q: %w", userID, ms, err)
	}
	rec := presence.PresenceRecord{
		UserID:       userID,
		Status:       presence.Status(status),
		LastActiveAt: time.UnixMilli(millis).UTC(),
	}
	rec.IsOnline = rec.Status == presence.StatusOnline || rec.Status == presence.StatusAway
	return rec, nil
}

func decodeAll(userID string, fields map[string]string) (map[string]presence.PresenceRecord, error) {
	out := make(map[string]presence.PresenceRecord, len(fields))
	for nodeID, v := range fields {
		rec, err := decode(userID, v)
		if err != nil {
			return nil, err
		}
		out[nodeID] = rec
	}
	return out, nil
}
