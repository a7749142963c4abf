// Package gormstore persists presence in the user_presences table, one row per
// user and node.
package gormstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/huddle-chat/core/internal/models"
	"github.com/huddle-chat/core/internal/modules/presence"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ presence.Store = (*Store)(nil)

func (s *Store) UpdateStatus(ctx context.Context, nodeID string, rec presence.PresenceRecord) error {
	row := models.PresenceModel{
		UserID:       rec.UserID,
		NodeID:       nodeID,
		IsOnline:     rec.IsOnline,
		Status:       string(rec.Status),
		LastActiveAt: rec.LastActiveAt.UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "node_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_online", "status", "last_active_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert presence %s@%s: %w", rec.UserID, nodeID, err)
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
	var rows []models.PresenceModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get presence %s: %w", userID, err)
	}
	out := make(map[string]presence.PresenceRecord, len(rows))
	for _, row := range rows {
		out[row.NodeID] = toRecord(row)
	}
	return out, nil
}

func (s *Store) ListOnline(ctx context.Context) ([]presence.PresenceRecord, error) {
	db := s.db.WithContext(ctx)
	online := db.Model(&models.PresenceModel{}).Select("user_id").Where("is_online = ?", true)

	var rows []models.PresenceModel
	if err := db.Where("user_id IN (?)", online).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list online presence: %w", err)
	}

	byUser := make(map[string][]presence.PresenceRecord)
	for _, row := range rows {
		byUser[row.UserID] = append(byUser[row.UserID], toRecord(row))
	}
	out := make([]presence.PresenceRecord, 0, len(byUser))
	for userID, recs := range byUser {
		out = append(out, presence.Merge(userID, recs...))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) ListNode(ctx context.Context, nodeID string) ([]presence.PresenceRecord, error) {
	var rows []models.PresenceModel
	if err := s.db.WithContext(ctx).
		Where("node_id = ? AND is_online = ?", nodeID, true).
		Order("user_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list presence of node %s: %w", nodeID, err)
	}
	out := make([]presence.PresenceRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRecord(row))
	}
	return out, nil
}

func toRecord(row models.PresenceModel) presence.PresenceRecord {
	return presence.PresenceRecord{
		UserID:       row.UserID,
		IsOnline:     row.IsOnline,
		Status:       presence.Status(row.Status),
		LastActiveAt: row.LastActiveAt,
	}
}
