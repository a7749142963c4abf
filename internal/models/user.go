package models

import "time"

// UserModel is a chat account.
type UserModel struct {
	Base
	Username      string     `json:"username"        gorm:"size:64;uniqueIndex;not null"`
	DisplayName   string     `json:"display_name"    gorm:"size:128"`
	Avatar        string     `json:"avatar"`
	Password      string     `json:"-"               gorm:"not null"`
	LastLoginTime *time.Time `json:"last_login_time"`
	LastLoginIP   string     `json:"-"`
}

func (UserModel) TableName() string { return "users" }
