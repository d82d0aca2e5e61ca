package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/middleware"
)

// multipartOverhead はOPMLアップロード時にファイル本体以外のフォーム部分として許容するバイト数。
const multipartOverhead = 64 << 10

// EventRecorder はハンドラーが記録するメトリクスのインターフェース。
type EventRecorder interface {
	ImportRecorder
	LoginRecorder
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionRestorer   middleware.SessionRestorer
	Cookie            middleware.CookieConfig
	CORSAllowedOrigin string

	// ヘルスチェックとメトリクス
	DB       Pinger
	Gatherer prometheus.Gatherer
	Metrics  EventRecorder

	// 認証
	AuthService   AuthService
	SessionMaxAge int

	// 購読とOPML取り込み
	Subscriber  SourceSubscriber
	Importer    OPMLImporter
	OPMLMaxSize int64

	// 一覧取得
	Queries QueryService
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Session → Logging → CSRF
//
// /health と /metrics はセッションとCSRFの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	recorder := deps.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	flash := middleware.NewFlasher(deps.Cookie)
	pageHandler := NewPageHandler(flash)
	authHandler := NewAuthHandler(deps.AuthService, flash, recorder, AuthHandlerConfig{
		Cookie:        deps.Cookie,
		SessionMaxAge: deps.SessionMaxAge,
	})
	feedHandler := NewFeedHandler(deps.Subscriber, deps.Importer, flash, recorder, FeedHandlerConfig{
		OPMLMaxSize: deps.OPMLMaxSize,
	})
	entryHandler := NewEntryHandler(deps.Queries)

	csrfConfig := middleware.CSRFConfig{
		CookieSecure: deps.Cookie.Secure,
		CookieDomain: deps.Cookie.Domain,
		MaxFormBytes: deps.OPMLMaxSize + multipartOverhead,
	}

	// --- 認証・CSRF対象外のルート ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.DB))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionRestorer))
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(middleware.NewCSRFMiddleware(csrfConfig))

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig).ServeHTTP)

		// HTMLフォーム
		r.Get("/", pageHandler.Index)
		r.Post("/login", authHandler.Login)
		r.Get("/logout", authHandler.Logout)

		// ログイン必須のフォーム: 未ログインはフラッシュ付きでトップへリダイレクト
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUserRedirect(flash))

			r.Post("/upload_opml", feedHandler.UploadOPML)
			r.Post("/add_feed", feedHandler.AddFeed)
		})

		// ログイン必須のJSON API: 未ログインは401
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUserJSON)

			r.Get("/entries", entryHandler.ListEntries)
			r.Get("/sources", entryHandler.ListSources)
			r.Get("/tags", entryHandler.ListTags)
			r.Post("/api/sources", feedHandler.Subscribe)
		})
	})

	return r
}

// NewOpsRouter はワーカープロセス用に /health と /metrics だけを公開するルーターを返す。
func NewOpsRouter(db Pinger, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(slog.Default()))

	r.Method(http.MethodGet, "/health", NewHealthHandler(db))
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}
	return r
}
