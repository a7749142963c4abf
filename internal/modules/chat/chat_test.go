package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huddle-chat/core/internal/database/dbtest"
	"github.com/huddle-chat/core/internal/middleware"
	"github.com/huddle-chat/core/internal/models"
	pkgcron "github.com/huddle-chat/core/internal/pkg/cron"
	"github.com/huddle-chat/core/internal/pkg/pagination"
	"gorm.io/gorm"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type delivery struct {
	recipients []string
	payload    any
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []delivery
	err  error
}

func (f *fakeDeliverer) DeliverChat(_ context.Context, recipients []string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivery{recipients: recipients, payload: payload})
	return f.err
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current time and advances one second.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(time.Second)
	return now
}

type fixture struct {
	db    *gorm.DB
	svc   *Service
	out   *fakeDeliverer
	alice string
	bob   string
	carol string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	out := &fakeDeliverer{}
	clock := &stepClock{now: t0}
	svc := NewService(db, out, append([]Option{WithClock(clock.Now)}, opts...)...)

	f := &fixture{db: db, svc: svc, out: out}
	for _, name := range []string{"alice", "bob", "carol"} {
		u := models.UserModel{Username: name, Password: "x"}
		if err := db.Create(&u).Error; err != nil {
			t.Fatalf("create user: %v", err)
		}
		switch name {
		case "alice":
			f.alice = u.ID
		case "bob":
			f.bob = u.ID
		case "carol":
			f.carol = u.ID
		}
	}
	return f
}

func (f *fixture) chat(t *testing.T, creator string, members ...string) *models.ConversationModel {
	t.Helper()
	conv, err := f.svc.CreateChat(context.Background(), creator, &CreateChatDTO{MemberIDs: members})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return conv
}

func TestCreateChat(t *testing.T) {
	f := newFixture(t)
	conv := f.chat(t, f.alice, f.bob, f.bob, " ", f.alice)
	if len(conv.Members) != 2 {
		t.Fatalf("members = %+v", conv.Members)
	}

	_, err := f.svc.CreateChat(context.Background(), f.alice, &CreateChatDTO{MemberIDs: []string{"ghost"}})
	if !errors.Is(err, errUnknownMember) {
		t.Fatalf("err = %v", err)
	}
}

func TestPostMessageDelivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.chat(t, f.alice, f.bob)

	msg, err := f.svc.PostMessage(ctx, f.alice, conv.ID, "  hello  ")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if msg.Body != "hello" || msg.ID == "" {
		t.Fatalf("msg = %+v", msg)
	}

	var stored models.ConversationModel
	if err := f.db.First(&stored, "id = ?", conv.ID).Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if stored.LastMessageAt == nil || !stored.LastMessageAt.Equal(msg.CreatedAt) {
		t.Fatalf("last_message_at = %v, want %v", stored.LastMessageAt, msg.CreatedAt)
	}

	if len(f.out.sent) != 1 {
		t.Fatalf("deliveries = %d", len(f.out.sent))
	}
	sent := f.out.sent[0]
	if len(sent.recipients) != 2 {
		t.Fatalf("recipients = %v", sent.recipients)
	}
	evt, ok := sent.payload.(MessageEvent)
	if !ok || evt.ID != msg.ID || evt.SenderID != f.alice || evt.ConversationID != conv.ID {
		t.Fatalf("payload = %#v", sent.payload)
	}
}

func TestPostMessageKeepsMessageWhenDeliveryFails(t *testing.T) {
	f := newFixture(t)
	f.out.err = errors.New("bus down")
	conv := f.chat(t, f.alice, f.bob)

	if _, err := f.svc.PostMessage(context.Background(), f.bob, conv.ID, "still stored"); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	var n int64
	f.db.Model(&models.MessageModel{}).Count(&n)
	if n != 1 {
		t.Fatalf("messages = %d", n)
	}
}

func TestPostMessageRejects(t *testing.T) {
	f := newFixture(t, WithMaxMessageLength(5))
	ctx := context.Background()
	conv := f.chat(t, f.alice, f.bob)

	tests := []struct {
		name   string
		sender string
		conv   string
		body   string
		want   error
	}{
		{"empty", f.alice, conv.ID, "   ", errEmptyMessage},
		{"too long", f.alice, conv.ID, "привет!", errMessageTooLong},
		{"not member", f.carol, conv.ID, "hi", errNotMember},
		{"no conversation", f.alice, "missing", "hi", errConversationNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.PostMessage(ctx, tt.sender, tt.conv, tt.body); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if _, err := f.svc.PostMessage(ctx, f.alice, conv.ID, "héllo"); err != nil {
		t.Fatalf("five runes should fit: %v", err)
	}
	if len(f.out.sent) != 1 {
		t.Fatalf("deliveries = %d", len(f.out.sent))
	}
}

func TestHistoryPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.chat(t, f.alice, f.bob)

	var ids []string
	for _, body := range []string{"m1", "m2", "m3", "m4", "m5"} {
		msg, err := f.svc.PostMessage(ctx, f.alice, conv.ID, body)
		if err != nil {
			t.Fatalf("PostMessage: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	q := pagination.Query{Limit: 2}
	var pages [][]string
	for i := 0; i < 5; i++ {
		messages, cursor, err := f.svc.History(ctx, f.bob, conv.ID, q)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		var page []string
		for _, m := range messages {
			page = append(page, m.Body)
		}
		pages = append(pages, page)
		if !cursor.HasNextPage {
			if cursor.NextPageToken != "" {
				t.Fatalf("last page carries a token")
			}
			break
		}
		after, err := pagination.Decode(cursor.NextPageToken)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		q.After = &after
	}

	want := [][]string{{"m5", "m4"}, {"m3", "m2"}, {"m1"}}
	if len(pages) != len(want) {
		t.Fatalf("pages = %v", pages)
	}
	for i := range want {
		if strings.Join(pages[i], ",") != strings.Join(want[i], ",") {
			t.Fatalf("page %d = %v, want %v", i, pages[i], want[i])
		}
	}

	if _, _, err := f.svc.History(ctx, f.carol, conv.ID, pagination.Query{Limit: 2}); !errors.Is(err, errNotMember) {
		t.Fatalf("non-member err = %v", err)
	}
}

func TestListChatsOrderAndUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	older := f.chat(t, f.alice, f.bob)
	newer := f.chat(t, f.alice, f.carol)

	chats, err := f.svc.ListChats(ctx, f.alice)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 2 || chats[0].ID != newer.ID {
		t.Fatalf("order before message = %v", chatIDs(chats))
	}

	if _, err := f.svc.PostMessage(ctx, f.bob, older.ID, "ping"); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	chats, err = f.svc.ListChats(ctx, f.alice)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if chats[0].ID != older.ID || chats[0].LastMessage == nil || chats[0].LastMessage.Body != "ping" {
		t.Fatalf("order after message = %v", chatIDs(chats))
	}
	if chats[0].Unread != 1 || len(chats[0].Members) != 2 {
		t.Fatalf("unread=%d members=%d", chats[0].Unread, len(chats[0].Members))
	}

	if err := f.svc.MarkRead(ctx, f.alice, older.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	chats, _ = f.svc.ListChats(ctx, f.alice)
	if chats[0].Unread != 0 {
		t.Fatalf("unread after MarkRead = %d", chats[0].Unread)
	}

	bobChats, _ := f.svc.ListChats(ctx, f.bob)
	if len(bobChats) != 1 || bobChats[0].Unread != 0 {
		t.Fatalf("sender sees own message as unread: %+v", bobChats)
	}
}

func TestRetentionJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.chat(t, f.alice, f.bob)
	for i := 0; i < 3; i++ {
		if _, err := f.svc.PostMessage(ctx, f.alice, conv.ID, "old"); err != nil {
			t.Fatalf("PostMessage: %v", err)
		}
	}

	sched := pkgcron.New()
	f.svc.Register(sched, 2*time.Second)
	res, err := sched.RunNow(ctx, RetentionJobName)
	if err != nil || res.Status != pkgcron.StatusFulfill {
		t.Fatalf("RunNow = %+v, %v", res, err)
	}
	var left int64
	f.db.Model(&models.MessageModel{}).Count(&left)
	if left == 0 || left == 3 {
		t.Fatalf("messages left = %d", left)
	}

	none := pkgcron.New()
	f.svc.Register(none, 0)
	if len(none.List()) != 0 {
		t.Fatal("zero retention should not register a job")
	}
}

func TestHandlerRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	r := gin.New()
	asUser := func(c *gin.Context) {
		c.Set(middleware.ContextKeyUserID, c.GetHeader("X-User"))
		c.Next()
	}
	NewHandler(f.svc).RegisterRoutes(r.Group("/api/v1"), asUser)

	do := func(method, target, user string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			_ = json.NewEncoder(&buf).Encode(body)
		}
		req := httptest.NewRequest(method, target, &buf)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/api/v1/chats", f.alice, map[string]any{"title": "team", "member_ids": []string{f.bob}})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var conv models.ConversationModel
	_ = json.Unmarshal(w.Body.Bytes(), &conv)

	if w := do(http.MethodPost, "/api/v1/chats/"+conv.ID+"/messages", f.bob, map[string]string{"body": "yo"}); w.Code != http.StatusCreated {
		t.Fatalf("post: %d %s", w.Code, w.Body.String())
	}
	if w := do(http.MethodPost, "/api/v1/chats/"+conv.ID+"/messages", f.carol, map[string]string{"body": "yo"}); w.Code != http.StatusForbidden {
		t.Fatalf("outsider post: %d", w.Code)
	}
	if w := do(http.MethodGet, "/api/v1/chats/missing/messages", f.alice, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing chat: %d", w.Code)
	}
	if w := do(http.MethodGet, "/api/v1/chats/"+conv.ID+"/messages?page_token=bad!", f.alice, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad token: %d", w.Code)
	}

	w = do(http.MethodGet, "/api/v1/chats/"+conv.ID+"/messages?limit=10", f.alice, nil)
	var page struct {
		Data   []models.MessageModel `json:"data"`
		Cursor struct {
			NextPageToken string `json:"next_page_token"`
			Limit         int    `json:"limit"`
		} `json:"cursor"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil || len(page.Data) != 1 || page.Cursor.Limit != 10 || page.Cursor.NextPageToken != "" {
		t.Fatalf("history: %d %s", w.Code, w.Body.String())
	}

	w = do(http.MethodGet, "/api/v1/chats", f.alice, nil)
	var list struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list.Data) != 1 {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	if w := do(http.MethodPost, "/api/v1/chats/"+conv.ID+"/read", f.alice, nil); w.Code != http.StatusNoContent {
		t.Fatalf("read: %d", w.Code)
	}
}

func chatIDs(chats []Summary) []string {
	out := make([]string, 0, len(chats))
	for _, c := range chats {
		out = append(out, c.ID)
	}
	return out
}
