package presence

import (
	"context"
	"strings"
	"time"
)

// Status is the liveness state reported by a session or aggregated for a user.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// ParseStatus maps a client supplied status onto a known Status. Unknown or
// empty values count as online, since any heartbeat proves the client is alive.
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusAway, "idle", "busy":
		return StatusAway
	case StatusOffline:
		return StatusOffline
	default:
		return StatusOnline
	}
}

// ClientSession is one live transport attachment of a user.
type ClientSession struct {
	UserID          string    `json:"userId"`
	ConnectionID    string    `json:"connectionId"`
	AttachedAt      time.Time `json:"attachedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	ReportedStatus  Status    `json:"reportedStatus"`
}

// PresenceRecord is the durable, user scoped view of presence.
type PresenceRecord struct {
	UserID       string    `json:"userId"`
	IsOnline     bool      `json:"isOnline"`
	Status       Status    `json:"status"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// PresenceChangeEvent is emitted once per aggregate transition of a user.
type PresenceChangeEvent struct {
	UserID       string    `json:"userId"`
	Status       Status    `json:"status"`
	Previous     Status    `json:"previous"`
	IsOnline     bool      `json:"isOnline"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	At           time.Time `json:"at"`
	Origin       string    `json:"-"`
}

// Store is the persistence gateway for presence records. Every node writes
// only its own view of a user; reads merge the views of all nodes, so a user
// stays online while any node still holds a live session.
type Store interface {
	// UpdateStatus upserts the record nodeID holds for rec.UserID.
	UpdateStatus(ctx context.Context, nodeID string, rec PresenceRecord) error
	// GetStatus returns the merged record of userID, or (nil, nil) when the
	// user has never been recorded.
	GetStatus(ctx context.Context, userID string) (*PresenceRecord, error)
	// Nodes returns the record each node holds for userID.
	Nodes(ctx context.Context, userID string) (map[string]PresenceRecord, error)
	// ListOnline returns the merged record of every user online on some node.
	ListOnline(ctx context.Context) ([]PresenceRecord, error)
	// ListNode returns the online records held by nodeID.
	ListNode(ctx context.Context, nodeID string) ([]PresenceRecord, error)
}

// Publisher receives presence change events from the reconciler.
type Publisher interface {
	Publish(evt PresenceChangeEvent)
}

// Sender delivers one event to one attached connection.
type Sender interface {
	Send(connectionID string, evt PresenceChangeEvent) error
}

// aggregate derives the net status of a user from the live sessions.
func aggregate(sessions []ClientSession) Status {
	if len(sessions) == 0 {
		return StatusOffline
	}
	for _, s := range sessions {
		if s.ReportedStatus == StatusOnline {
			return StatusOnline
		}
	}
	return StatusAway
}

func recordOf(userID string, status Status, lastActive time.Time) PresenceRecord {
	return PresenceRecord{
		UserID:       userID,
		IsOnline:     status != StatusOffline,
		Status:       status,
		LastActiveAt: lastActive,
	}
}

// Merge combines the per node records of userID: online beats away beats
// offline, and LastActiveAt is the latest of all.
func Merge(userID string, recs ...PresenceRecord) PresenceRecord {
	out := PresenceRecord{UserID: userID, Status: StatusOffline}
	for _, rec := range recs {
		rec = normalizeRecord(rec)
		if rank(rec.Status) > rank(out.Status) {
			out.Status = rec.Status
		}
		if rec.LastActiveAt.After(out.LastActiveAt) {
			out.LastActiveAt = rec.LastActiveAt
		}
	}
	out.IsOnline = out.Status != StatusOffline
	return out
}

// MergeNodes merges the records of nodes, skipping the node named except.
func MergeNodes(userID string, nodes map[string]PresenceRecord, except string) PresenceRecord {
	recs := make([]PresenceRecord, 0, len(nodes))
	for node, rec := range nodes {
		if node == except {
			continue
		}
		recs = append(recs, rec)
	}
	return Merge(userID, recs...)
}

func rank(s Status) int {
	switch s {
	case StatusOnline:
		return 2
	case StatusAway:
		return 1
	default:
		return 0
	}
}
