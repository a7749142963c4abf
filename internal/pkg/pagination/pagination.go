// Package pagination implements opaque cursor tokens for newest-first lists.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

var ErrInvalidToken = errors.New("invalid page token")

// Cursor points at the last row of the previous page.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

// Query holds parsed pagination parameters. After is nil on the first page.
type Query struct {
	Limit int
	After *Cursor
}

// FromContext reads limit and page_token from the request.
func FromContext(c *gin.Context) (Query, error) {
	limit := parseIntOr(c.Query("limit"), DefaultLimit)
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	q := Query{Limit: limit}
	if raw := c.Query("page_token"); raw != "" {
		cur, err := Decode(raw)
		if err != nil {
			return Query{}, err
		}
		q.After = &cur
	}
	return q, nil
}

// Encode turns a cursor into an opaque URL-safe token.
func Encode(cur Cursor) string {
	data, _ := json.Marshal(cur)
	return base64.RawURLEncoding.EncodeToString(data)
}

func Decode(token string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrInvalidToken
	}
	var cur Cursor
	if err := json.Unmarshal(data, &cur); err != nil || cur.ID == "" || cur.CreatedAt.IsZero() {
		return Cursor{}, ErrInvalidToken
	}
	return cur, nil
}

func parseIntOr(s string, def int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
