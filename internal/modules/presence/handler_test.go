package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestHandlerRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newMemStore()
	svc, _ := newTestService(store)
	svc.Attach("u1", "c1", nil)
	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/api/v1"), func(c *gin.Context) { c.Next() })

	get := func(target string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		return w
	}

	var rec PresenceRecord
	w := get("/api/v1/presence/u1")
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil || !rec.IsOnline || rec.Status != StatusOnline {
		t.Fatalf("u1: %d %s", w.Code, w.Body.String())
	}

	w = get("/api/v1/presence/nobody")
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil || rec.IsOnline || rec.Status != StatusOffline {
		t.Fatalf("nobody: %d %s", w.Code, w.Body.String())
	}

	var list struct {
		Data []PresenceRecord `json:"data"`
	}
	w = get("/api/v1/presence/online")
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list.Data) != 1 || list.Data[0].UserID != "u1" {
		t.Fatalf("online: %d %s", w.Code, w.Body.String())
	}
}

func TestHandlerStoreFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newMemStore()
	store.failRead = 1
	svc, _ := newTestService(store)

	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group(""), func(c *gin.Context) { c.Next() })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/presence/u9", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
}
