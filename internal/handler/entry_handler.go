package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/feedsync/internal/middleware"
	"github.com/hitoshi/feedsync/internal/model"
)

const (
	// defaultEntryLimit はlimit未指定時に返す記事の件数。
	defaultEntryLimit = 500
	// maxEntryLimit はlimitに指定できる最大値。これを超える値は切り詰める。
	maxEntryLimit = 1000
)

// entryResponse は記事一覧の1件を表すJSONレスポンス。
type entryResponse struct {
	ID      string              `json:"id"`
	Link    string              `json:"link"`
	Source  entrySourceResponse `json:"source"`
	Summary string              `json:"summary"`
	Title   string              `json:"title"`
	Updated time.Time           `json:"updated"`
}

// entrySourceResponse は記事に埋め込むソース情報。
type entrySourceResponse struct {
	ID    string   `json:"id"`
	Link  string   `json:"link"`
	Label string   `json:"label"`
	Tags  []string `json:"tags"`
}

// sourceResponse は購読ソース一覧の1件を表すJSONレスポンス。
type sourceResponse struct {
	FeedURI   string    `json:"feed_uri"`
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	LastCheck time.Time `json:"last_check"`
	LastFetch time.Time `json:"last_fetch"`
	Link      string    `json:"link"`
	TagLabels []string  `json:"tag_labels"`
}

// tagResponse はタグ一覧の1件を表すJSONレスポンス。
type tagResponse struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// QueryService はログインユーザー視点の一覧取得インターフェース。
type QueryService interface {
	ListEntries(ctx context.Context, userID string, limit int) ([]entryResponse, error)
	ListSources(ctx context.Context, userID string) ([]sourceResponse, error)
	ListTags(ctx context.Context, userID string) ([]tagResponse, error)
}

// EntryHandler は記事・ソース・タグ一覧のJSON APIハンドラー。
type EntryHandler struct {
	service QueryService
}

// NewEntryHandler はEntryHandlerの新しいインスタンスを生成する。
func NewEntryHandler(service QueryService) *EntryHandler {
	return &EntryHandler{service: service}
}

// ListEntries は購読中ソースの記事をupdated降順で返す。
// GET /entries?limit=N
func (h *EntryHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		middleware.WriteAPIError(w,
			model.NewValidationError("limitには1以上の整数を指定してください"))
		return
	}

	entries, err := h.service.ListEntries(r.Context(), userID, limit)
	if err != nil {
		middleware.WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListSources は購読中ソースを表示名順で返す。
// GET /sources
func (h *EntryHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	sources, err := h.service.ListSources(r.Context(), userID)
	if err != nil {
		middleware.WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

// ListTags はユーザーのタグをラベル順で返す。
// GET /tags
func (h *EntryHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	tags, err := h.service.ListTags(r.Context(), userID)
	if err != nil {
		middleware.WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

// parseLimit はlimitクエリを解釈する。空の場合はデフォルト値を返す。
func parseLimit(raw string) (int, bool) {
	if raw == "" {
		return defaultEntryLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	if n > maxEntryLimit {
		n = maxEntryLimit
	}
	return n, true
}
