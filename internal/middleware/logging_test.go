package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedsync/internal/model"
)

// serveLogged はハンドラーをロギングミドルウェア越しに実行し、出力されたログ1件を返す。
func serveLogged(t *testing.T, h http.Handler, req *http.Request) map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewLoggingMiddleware(logger)(h).ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	entry := serveLogged(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}), httptest.NewRequest(http.MethodGet, "/entries?limit=5", nil))

	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v, want http_request", entry["msg"])
	}
	if entry["method"] != "GET" || entry["path"] != "/entries" {
		t.Errorf("method/path = %v %v, want GET /entries", entry["method"], entry["path"])
	}
	// WriteHeaderを呼ばずにWriteすると暗黙的に200になる
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if entry["bytes"] != float64(5) {
		t.Errorf("bytes = %v, want 5", entry["bytes"])
	}
	if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
		t.Errorf("duration_ms = %v, want >= 0", entry["duration_ms"])
	}
	if _, ok := entry["user_id"]; ok {
		t.Error("user_id should be omitted for anonymous requests")
	}
	if _, ok := entry["route"]; ok {
		t.Error("route should be omitted outside chi")
	}
}

func TestLoggingMiddleware_IncludesUserID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/entries", nil)
	req = req.WithContext(ContextWithUser(req.Context(), &model.User{ID: "user-123", Name: "alice"}))

	entry := serveLogged(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), req)

	if entry["user_id"] != "user-123" {
		t.Errorf("user_id = %v, want user-123", entry["user_id"])
	}
}

func TestLoggingMiddleware_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantLevel string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusSeeOther, "INFO"},
		{http.StatusBadRequest, "WARN"},
		{http.StatusUnauthorized, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
		{http.StatusBadGateway, "ERROR"},
	}
	for _, tt := range tests {
		entry := serveLogged(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}), httptest.NewRequest(http.MethodGet, "/test", nil))

		if int(entry["status"].(float64)) != tt.status {
			t.Errorf("status = %v, want %d", entry["status"], tt.status)
		}
		if entry["level"] != tt.wantLevel {
			t.Errorf("status %d: level = %v, want %s", tt.status, entry["level"], tt.wantLevel)
		}
	}
}

func TestLoggingMiddleware_RoutePattern(t *testing.T) {
	var buf bytes.Buffer
	r := chi.NewRouter()
	r.Use(NewLoggingMiddleware(slog.New(slog.NewJSONHandler(&buf, nil))))
	r.Get("/sources/{id}", func(w http.ResponseWriter, r *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sources/abc", nil))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v", err)
	}
	if entry["route"] != "/sources/{id}" {
		t.Errorf("route = %v, want /sources/{id}", entry["route"])
	}
	if entry["path"] != "/sources/abc" {
		t.Errorf("path = %v, want /sources/abc", entry["path"])
	}
}
