package user

import (
	"errors"
	"time"

	"github.com/huddle-chat/core/internal/models"
)

var (
	errUsernameTaken      = errors.New("username already taken")
	errInvalidCredentials = errors.New("invalid username or password")
)

type LoginDTO struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type RegisterDTO struct {
	Username    string `json:"username" binding:"required,min=3,max=64"`
	Password    string `json:"password" binding:"required,min=6"`
	DisplayName string `json:"display_name"`
}

type UpdateUserDTO struct {
	DisplayName *string `json:"display_name"`
	Avatar      *string `json:"avatar"`
}

type userResponse struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	DisplayName   string     `json:"display_name"`
	Avatar        string     `json:"avatar"`
	LastLoginTime *time.Time `json:"last_login_time,omitempty"`
}

type loginResponse struct {
	Token string        `json:"token"`
	User  *userResponse `json:"user,omitempty"`
}

func toResponse(u *models.UserModel) *userResponse {
	if u == nil {
		return nil
	}
	return &userResponse{
		ID:            u.ID,
		Username:      u.Username,
		DisplayName:   u.DisplayName,
		Avatar:        u.Avatar,
		LastLoginTime: u.LastLoginTime,
	}
}
