package models

import "time"

// ConversationModel is a direct or group chat.
type ConversationModel struct {
	Base
	Title         string                    `json:"title"`
	CreatorID     string                    `json:"creator_id"      gorm:"size:64;index;not null"`
	LastMessageAt *time.Time                `json:"last_message_at" gorm:"index"`
	Members       []ConversationMemberModel `json:"members,omitempty" gorm:"foreignKey:ConversationID"`
}

func (ConversationModel) TableName() string { return "conversations" }

// ConversationMemberModel links a user to a conversation.
type ConversationMemberModel struct {
	ConversationID string     `json:"conversation_id" gorm:"size:36;primaryKey"`
	UserID         string     `json:"user_id"         gorm:"size:64;primaryKey;index"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at"`
}

func (ConversationMemberModel) TableName() string { return "conversation_members" }

// MessageModel is one chat message. History is paged by (created_at, id)
// within a conversation.
type MessageModel struct {
	Base
	ConversationID string `json:"conversation_id" gorm:"size:36;index;not null"`
	SenderID       string `json:"sender_id"       gorm:"size:64;index;not null"`
	Body           string `json:"body"            gorm:"type:text;not null"`
}

func (MessageModel) TableName() string { return "messages" }
