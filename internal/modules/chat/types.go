package chat

import (
	"context"
	"errors"
	"time"

	"github.com/huddle-chat/core/internal/models"
)

var (
	errConversationNotFound = errors.New("conversation not found")
	errNotMember            = errors.New("not a member of this conversation")
	errUnknownMember        = errors.New("unknown member")
	errEmptyMessage         = errors.New("message body is empty")
	errMessageTooLong       = errors.New("message body is too long")
)

// Deliverer pushes a new message to the live connections of recipients.
type Deliverer interface {
	DeliverChat(ctx context.Context, recipients []string, payload any) error
}

type CreateChatDTO struct {
	Title     string   `json:"title"`
	MemberIDs []string `json:"member_ids" binding:"required,min=1"`
}

type PostMessageDTO struct {
	Body string `json:"body" binding:"required"`
}

// Summary is one row of the chat list.
type Summary struct {
	*models.ConversationModel
	LastMessage *models.MessageModel `json:"last_message"`
	Unread      int64                `json:"unread"`
}

// MessageEvent is the payload of a chat-message delivery.
type MessageEvent struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

func eventOf(m *models.MessageModel) MessageEvent {
	return MessageEvent{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
	}
}
