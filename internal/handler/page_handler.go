package handler

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/feedsync/internal/middleware"
	"github.com/hitoshi/feedsync/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// indexPage はトップページのテンプレートに渡す値。
type indexPage struct {
	User      *model.User
	Flashes   []middleware.Flash
	CSRFToken string
}

// PageHandler はHTMLページのハンドラー。
type PageHandler struct {
	flash *middleware.Flasher
}

// NewPageHandler はPageHandlerの新しいインスタンスを生成する。
func NewPageHandler(flash *middleware.Flasher) *PageHandler {
	return &PageHandler{flash: flash}
}

// Index はトップページを表示する。
// 未ログインの場合はログインフォーム、ログイン済みの場合はOPMLアップロードとフィード追加のフォームを表示する。
// GET /
func (h *PageHandler) Index(w http.ResponseWriter, r *http.Request) {
	page := indexPage{
		Flashes:   h.flash.Pop(w, r),
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
	}
	if user, ok := middleware.UserFromContext(r.Context()); ok {
		page.User = user
	}

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, page); err != nil {
		slog.Error("failed to render index page", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}
