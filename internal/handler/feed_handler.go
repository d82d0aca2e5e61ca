package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/feedsync/internal/middleware"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/opml"
	"github.com/hitoshi/feedsync/internal/source"
)

// maxJSONBodySize はJSON APIのリクエストボディ上限。
const maxJSONBodySize = 64 << 10

// SourceSubscriber は単一フィード購読のインターフェース。
type SourceSubscriber interface {
	Subscribe(ctx context.Context, userID, rawURL string, tagLabels []string) (*source.SubscribeResult, error)
}

// OPMLImporter はOPML取り込みのインターフェース。
type OPMLImporter interface {
	Import(ctx context.Context, r io.Reader, userID string) (*opml.ImportResult, error)
}

// ImportRecorder はOPML取り込み結果のメトリクス記録インターフェース。
type ImportRecorder interface {
	RecordOPMLImport(feeds, sourcesCreated int)
}

// FeedHandlerConfig はフィード登録ハンドラーの設定。
type FeedHandlerConfig struct {
	// OPMLMaxSize はアップロードを受け付けるOPMLファイルの最大バイト数。
	OPMLMaxSize int64
}

// FeedHandler はフィード購読とOPML取り込みのHTTPハンドラー。
type FeedHandler struct {
	subscriber SourceSubscriber
	importer   OPMLImporter
	flash      *middleware.Flasher
	metrics    ImportRecorder
	config     FeedHandlerConfig
	validate   *validator.Validate
}

// NewFeedHandler はFeedHandlerの新しいインスタンスを生成する。
func NewFeedHandler(
	subscriber SourceSubscriber,
	importer OPMLImporter,
	flash *middleware.Flasher,
	metrics ImportRecorder,
	config FeedHandlerConfig,
) *FeedHandler {
	return &FeedHandler{
		subscriber: subscriber,
		importer:   importer,
		flash:      flash,
		metrics:    metrics,
		config:     config,
		validate:   validator.New(),
	}
}

// addFeedForm はフィード追加フォームの入力値。
type addFeedForm struct {
	URL  string `validate:"required,url,max=2048"`
	Tags string `validate:"max=1000"`
}

// AddFeed はフォームから単一フィードを購読する。
// POST /add_feed
func (h *FeedHandler) AddFeed(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		redirectHome(w, r)
		return
	}

	form := addFeedForm{
		URL:  strings.TrimSpace(r.FormValue("url")),
		Tags: r.FormValue("tags"),
	}
	if err := h.validate.Struct(form); err != nil {
		h.flash.Add(w, r, middleware.FlashError, "Please enter a valid feed URL.")
		redirectHome(w, r)
		return
	}

	result, err := h.subscriber.Subscribe(r.Context(), user.ID, form.URL, splitTags(form.Tags))
	if err != nil {
		h.flash.Add(w, r, middleware.FlashError, failureMessage("Adding the feed failed", err))
		redirectHome(w, r)
		return
	}

	h.flash.Add(w, r, middleware.FlashInfo, fmt.Sprintf("Subscribed to %q.", sourceLabel(result.Source)))
	redirectHome(w, r)
}

// UploadOPML はアップロードされたOPMLファイルを取り込む。
// POST /upload_opml
func (h *FeedHandler) UploadOPML(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		redirectHome(w, r)
		return
	}

	file, header, err := r.FormFile("opml")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.flash.Add(w, r, middleware.FlashError, "The OPML file is too large.")
		} else {
			h.flash.Add(w, r, middleware.FlashError, "Please choose an OPML file to upload.")
		}
		redirectHome(w, r)
		return
	}
	defer file.Close()

	if !allowedOPMLFile(header.Filename) {
		h.flash.Add(w, r, middleware.FlashError, "Only .opml and .xml files can be uploaded.")
		redirectHome(w, r)
		return
	}
	if h.config.OPMLMaxSize > 0 && header.Size > h.config.OPMLMaxSize {
		h.flash.Add(w, r, middleware.FlashError, "The OPML file is too large.")
		redirectHome(w, r)
		return
	}

	result, err := h.importer.Import(r.Context(), file, user.ID)
	if err != nil {
		if errors.Is(err, opml.ErrInvalidOPML) {
			h.flash.Add(w, r, middleware.FlashError, "The uploaded file is not a valid OPML document.")
		} else {
			slog.Error("OPMLの取り込みに失敗しました",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
			h.flash.Add(w, r, middleware.FlashError, "Importing the OPML file failed.")
		}
		redirectHome(w, r)
		return
	}

	h.metrics.RecordOPMLImport(result.Feeds, result.SourcesCreated)
	h.flash.Add(w, r, middleware.FlashInfo, fmt.Sprintf(
		"Imported %d feeds (%d new sources, %d tags).",
		result.Feeds, result.SourcesCreated, result.Tags,
	))
	redirectHome(w, r)
}

// subscribeRequest はPOST /api/sources のリクエストボディ。
type subscribeRequest struct {
	URL  string   `json:"url" validate:"required,url,max=2048"`
	Tags []string `json:"tags" validate:"omitempty,max=50,dive,max=100"`
}

// subscribeResponse はPOST /api/sources のレスポンスボディ。
type subscribeResponse struct {
	Source        subscribedSource `json:"source"`
	SourceCreated bool             `json:"source_created"`
	TagsAdded     int              `json:"tags_added"`
}

type subscribedSource struct {
	ID      string `json:"id"`
	FeedURI string `json:"feed_uri"`
	Label   string `json:"label"`
	Link    string `json:"link"`
}

// Subscribe はJSONリクエストで単一フィードを購読する。
// POST /api/sources
func (h *FeedHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodySize)).Decode(&req); err != nil {
		middleware.WriteAPIError(w, model.NewValidationError("リクエストボディが不正です"))
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := h.validate.Struct(req); err != nil {
		middleware.WriteAPIError(w, model.NewValidationError(describeValidation(err)))
		return
	}

	result, err := h.subscriber.Subscribe(r.Context(), userID, req.URL, req.Tags)
	if err != nil {
		middleware.WriteServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.SourceCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, subscribeResponse{
		Source: subscribedSource{
			ID:      result.Source.ID,
			FeedURI: result.Source.FeedURI,
			Label:   result.Source.FetchedLabel,
			Link:    result.Source.Link,
		},
		SourceCreated: result.SourceCreated,
		TagsAdded:     result.TagsAdded,
	})
}

// --- ヘルパー ---

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// describeValidation はvalidatorのエラーをフィールド名とタグの一覧に変換する。
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

// failureMessage はフラッシュ用のエラーメッセージを組み立てる。
// APIErrorの場合はその内容を添え、それ以外はログに記録する。
func failureMessage(prefix string, err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return prefix + ": " + apiErr.Message
	}
	slog.Error(prefix, slog.String("error", err.Error()))
	return prefix + "."
}

// redirectHome はトップページへ303でリダイレクトする。
func redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// splitTags はカンマ区切りのタグ入力を分割する。正規化はsource.Serviceが行う。
func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// allowedOPMLFile はOPMLとして受け付ける拡張子かどうかを判定する。
func allowedOPMLFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".opml", ".xml":
		return true
	default:
		return false
	}
}

// sourceLabel はフラッシュ表示用のソース名を返す。
func sourceLabel(src *model.Source) string {
	if src.FetchedLabel != "" {
		return src.FetchedLabel
	}
	return src.FeedURI
}
