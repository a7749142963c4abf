package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/huddle-chat/core/internal/models"
	pkgcron "github.com/huddle-chat/core/internal/pkg/cron"
	"github.com/huddle-chat/core/internal/pkg/pagination"
	"github.com/huddle-chat/core/internal/pkg/response"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultMaxMessageLength = 4000
	RetentionJobName        = "purge_messages"
)

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMaxMessageLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxLength = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	db        *gorm.DB
	deliverer Deliverer
	logger    *zap.Logger
	maxLength int
	now       func() time.Time
}

func NewService(db *gorm.DB, deliverer Deliverer, opts ...Option) *Service {
	s := &Service{
		db:        db,
		deliverer: deliverer,
		logger:    zap.NewNop(),
		maxLength: DefaultMaxMessageLength,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListChats returns the conversations of userID, most recently active first.
func (s *Service) ListChats(ctx context.Context, userID string) ([]Summary, error) {
	db := s.db.WithContext(ctx)

	var memberships []models.ConversationMemberModel
	if err := db.Where("user_id = ?", userID).Find(&memberships).Error; err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return []Summary{}, nil
	}
	lastRead := make(map[string]*time.Time, len(memberships))
	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		lastRead[m.ConversationID] = m.LastReadAt
		ids = append(ids, m.ConversationID)
	}

	var conversations []models.ConversationModel
	if err := db.Preload("Members").
		Where("id IN ?", ids).
		Order("COALESCE(last_message_at, created_at) DESC").
		Order("id DESC").
		Find(&conversations).Error; err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(conversations))
	for i := range conversations {
		conv := &conversations[i]
		summary := Summary{ConversationModel: conv}

		var last models.MessageModel
		err := db.Where("conversation_id = ?", conv.ID).Order("created_at DESC").Order("id DESC").First(&last).Error
		switch {
		case err == nil:
			summary.LastMessage = &last
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, err
		}

		unread := db.Model(&models.MessageModel{}).
			Where("conversation_id = ? AND sender_id <> ?", conv.ID, userID)
		if at := lastRead[conv.ID]; at != nil {
			unread = unread.Where("created_at > ?", *at)
		}
		if err := unread.Count(&summary.Unread).Error; err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

// CreateChat creates a conversation of creatorID and memberIDs. Members must
// be registered users.
func (s *Service) CreateChat(ctx context.Context, creatorID string, dto *CreateChatDTO) (*models.ConversationModel, error) {
	memberIDs := uniqueIDs(append([]string{creatorID}, dto.MemberIDs...))

	var known int64
	if err := s.db.WithContext(ctx).Model(&models.UserModel{}).Where("id IN ?", memberIDs).Count(&known).Error; err != nil {
		return nil, err
	}
	if int(known) != len(memberIDs) {
		return nil, errUnknownMember
	}

	now := s.now().UTC()
	conv := models.ConversationModel{
		Base:      models.Base{CreatedAt: now, UpdatedAt: now},
		Title:     strings.TrimSpace(dto.Title),
		CreatorID: creatorID,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		members := make([]models.ConversationMemberModel, 0, len(memberIDs))
		for _, id := range memberIDs {
			members = append(members, models.ConversationMemberModel{
				ConversationID: conv.ID,
				UserID:         id,
				JoinedAt:       now,
			})
		}
		if err := tx.Create(&members).Error; err != nil {
			return err
		}
		conv.Members = members
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &conv, nil
}

// History returns one page of messages, newest first.
func (s *Service) History(ctx context.Context, userID, conversationID string, q pagination.Query) ([]models.MessageModel, response.Cursor, error) {
	if err := s.checkMember(ctx, userID, conversationID); err != nil {
		return nil, response.Cursor{}, err
	}

	query := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if q.After != nil {
		query = query.Where("created_at < ? OR (created_at = ? AND id < ?)",
			q.After.CreatedAt, q.After.CreatedAt, q.After.ID)
	}

	var messages []models.MessageModel
	if err := query.Order("created_at DESC").Order("id DESC").Limit(q.Limit + 1).Find(&messages).Error; err != nil {
		return nil, response.Cursor{}, err
	}

	cursor := response.Cursor{Limit: q.Limit}
	if len(messages) > q.Limit {
		messages = messages[:q.Limit]
		last := messages[len(messages)-1]
		cursor.HasNextPage = true
		cursor.NextPageToken = pagination.Encode(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return messages, cursor, nil
}

// PostMessage stores a message and hands it to the deliverer. A failed
// delivery is logged; the message stays in history.
func (s *Service) PostMessage(ctx context.Context, senderID, conversationID, body string) (*models.MessageModel, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errEmptyMessage
	}
	if utf8.RuneCountInString(body) > s.maxLength {
		return nil, errMessageTooLong
	}
	if err := s.checkMember(ctx, senderID, conversationID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	msg := models.MessageModel{
		Base:           models.Base{CreatedAt: now, UpdatedAt: now},
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
	}
	var recipients []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.ConversationModel{}).Where("id = ?", conversationID).
			Update("last_message_at", now).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.ConversationMemberModel{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, senderID).
			Update("last_read_at", now).Error; err != nil {
			return err
		}
		return tx.Model(&models.ConversationMemberModel{}).
			Where("conversation_id = ?", conversationID).
			Pluck("user_id", &recipients).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	if s.deliverer != nil {
		if err := s.deliverer.DeliverChat(ctx, recipients, eventOf(&msg)); err != nil {
			s.logger.Warn("chat delivery failed",
				zap.String("conversation", conversationID), zap.String("message", msg.ID), zap.Error(err))
		}
	}
	return &msg, nil
}

// MarkRead moves the read marker of userID to now.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID string) error {
	if err := s.checkMember(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&models.ConversationMemberModel{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("last_read_at", s.now().UTC()).Error
}

// PurgeBefore hard deletes messages created before cutoff.
func (s *Service) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Unscoped().Where("created_at < ?", cutoff.UTC()).Delete(&models.MessageModel{})
	return result.RowsAffected, result.Error
}

// Register adds the retention job to sched. A zero retention keeps
// messages forever and registers nothing.
func (s *Service) Register(sched *pkgcron.Scheduler, retention time.Duration) {
	if retention <= 0 {
		return
	}
	sched.Register(pkgcron.Job{
		Name:        RetentionJobName,
		Description: "delete chat messages older than the retention window",
		Interval:    time.Hour,
		Fn: func(ctx context.Context) error {
			n, err := s.PurgeBefore(ctx, s.now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				s.logger.Info("purged expired messages", zap.Int64("count", n))
			}
			return nil
		},
	})
}

func (s *Service) checkMember(ctx context.Context, userID, conversationID string) error {
	var conv int64
	if err := s.db.WithContext(ctx).Model(&models.ConversationModel{}).Where("id = ?", conversationID).Count(&conv).Error; err != nil {
		return err
	}
	if conv == 0 {
		return errConversationNotFound
	}
	var member int64
	if err := s.db.WithContext(ctx).Model(&models.ConversationMemberModel{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).Count(&member).Error; err != nil {
		return err
	}
	if member == 0 {
		return errNotMember
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
