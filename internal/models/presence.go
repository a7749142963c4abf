package models

import "time"

// PresenceModel is the presence of one user as seen by one node. A user is
// online while any of its rows is.
type PresenceModel struct {
	UserID       string    `json:"user_id"        gorm:"size:64;primaryKey"`
	NodeID       string    `json:"node_id"        gorm:"size:128;primaryKey;index"`
	IsOnline     bool      `json:"is_online"      gorm:"index;not null"`
	Status       string    `json:"status"         gorm:"size:16;not null"`
	LastActiveAt time.Time `json:"last_active_at" gorm:"not null"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (PresenceModel) TableName() string { return "user_presences" }
