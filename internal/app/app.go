// Package app はfeedsyncの各サブコマンドの実行と依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/feedsync/internal/auth"
	"github.com/hitoshi/feedsync/internal/config"
	"github.com/hitoshi/feedsync/internal/database"
	"github.com/hitoshi/feedsync/internal/entry"
	"github.com/hitoshi/feedsync/internal/feed"
	"github.com/hitoshi/feedsync/internal/handler"
	"github.com/hitoshi/feedsync/internal/logger"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/middleware"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/opml"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/security"
	"github.com/hitoshi/feedsync/internal/source"
	"github.com/hitoshi/feedsync/internal/worker/cleanup"
	"github.com/hitoshi/feedsync/internal/worker/fetch"
)

const (
	shutdownTimeout = 30 * time.Second
	cleanupInterval = 24 * time.Hour
	connectTimeout  = 10 * time.Second
)

// Init はJSONログを設定してからConfigを読み込み、LOG_LEVELを反映する。
// 設定エラーもJSONログとして出力されるよう、ログの初期化を先に行う。
// wがnilの場合は標準出力に書き込む。
func Init(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to set log level: %w", err)
	}

	return cfg, nil
}

// services はサブコマンド間で共有するワイヤリング済みの依存関係。
type services struct {
	db        *sql.DB
	store     *repository.Store
	registry  *prometheus.Registry
	collector *metrics.Collector

	auth      *auth.Service
	sources   *source.Service
	importer  *opml.Importer
	scheduler *fetch.Scheduler
}

// newRegistry はアプリケーションメトリクスとランタイムメトリクスを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newServices はDBに接続し、全サービスを組み立てる。
// 呼び出し側は使用後にclose()を呼ぶこと。
func newServices(ctx context.Context, cfg *config.Config) (*services, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	db, err := database.Connect(connectCtx, cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.FetchMaxConcurrent + 10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	store := repository.NewStore(db)
	registry := newRegistry()
	collector := metrics.NewCollector(registry)

	guard := security.NewSSRFGuard(cfg.AllowPrivateNetworks)
	client := feed.NewClient(guard, cfg.FetchTimeout, cfg.FetchMaxSize)
	detector := feed.NewDetector(client)

	sources := source.NewService(store, store.Sources, client, detector, logger.Component("source"), cfg.FetchMaxConcurrent)
	reconciler := entry.NewReconciler(security.NewContentSanitizer(), logger.Component("entry"))
	fetcher := fetch.NewFetcher(store, client, reconciler, logger.Component("fetcher"))

	return &services{
		db:        db,
		store:     store,
		registry:  registry,
		collector: collector,
		auth: auth.NewService(store, store.Users, store.Sessions, auth.ServiceConfig{
			SessionMaxAge: cfg.SessionMaxAge,
		}),
		sources:   sources,
		importer:  opml.NewImporter(store, sources, logger.Component("opml")),
		scheduler: fetch.NewScheduler(store.Sources, fetcher, collector, logger.Component("scheduler"), cfg.FetchMaxConcurrent),
	}, nil
}

func (s *services) close() {
	if err := s.db.Close(); err != nil {
		slog.Warn("failed to close database", slog.String("error", err.Error()))
	}
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// newHTTPServer は共通のタイムアウト設定でhttp.Serverを生成する。
func newHTTPServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// serveUntilDone はctxがキャンセルされるまでserverを実行し、グレースフルシャットダウンする。
// Listenに失敗した場合はそのエラーを返す。
func serveUntilDone(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down http server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	slog.Info("http server stopped gracefully")
	return nil
}

// runServe はWebサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	svc, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:          slog.Default(),
		SessionRestorer: svc.auth,
		Cookie: middleware.CookieConfig{
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,

		DB:       svc.db,
		Gatherer: svc.registry,
		Metrics:  svc.collector,

		AuthService:   svc.auth,
		SessionMaxAge: cfg.SessionMaxAge,

		Subscriber:  svc.sources,
		Importer:    svc.importer,
		OPMLMaxSize: cfg.OPMLMaxSize,

		Queries: handler.NewQueryServiceAdapter(svc.store.Repos),
	})

	slog.Info("web server configured",
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)
	return serveUntilDone(ctx, newHTTPServer(cfg.ServerPort, router))
}

// runWorker はワーカーモードで起動する。
// 定期同期とセッション掃除を実行し、同じプロセスで /health と /metrics を公開する。
// いずれかが失敗した場合は残りも停止する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	svc, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	cleanupJob := cleanup.NewCleanupJob(svc.store.Sessions, logger.Component("cleanup"), cfg.SessionRetentionDays)
	server := newHTTPServer(cfg.ServerPort, handler.NewOpsRouter(svc.db, svc.registry))

	slog.Info("worker starting",
		slog.Duration("fetch_interval", cfg.FetchInterval),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.scheduler.Start(gctx, cfg.FetchInterval)
		return nil
	})
	g.Go(func() error {
		cleanupJob.Start(gctx, cleanupInterval)
		return nil
	})
	g.Go(func() error {
		if err := serveUntilDone(gctx, server); err != nil {
			return err
		}
		// サーバーが自ら終了した場合も同期を止める
		stop()
		return nil
	})

	// 実行中の同期サイクルが終わるまでDBを閉じない
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// steps > 0 の場合は指定数だけロールバックし、それ以外はすべての未適用マイグレーションを適用する。
func runMigrate(cfg *config.Config, steps int) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("rollback_steps", steps),
	)

	if steps > 0 {
		if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		slog.Info("database migrations rolled back", slog.Int("steps", steps))
		return nil
	}

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runAddUser はユーザーを登録する。既に存在する場合はその旨を表示して正常終了する。
func runAddUser(ctx context.Context, cfg *config.Config, out io.Writer, name, password string) error {
	svc, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	return addUser(ctx, svc.auth, out, name, password)
}

// UserRegistrar はadd-userコマンドが利用するユーザー登録のインターフェース。
type UserRegistrar interface {
	RegisterUser(ctx context.Context, name, password string) (*model.User, error)
}

func addUser(ctx context.Context, users UserRegistrar, out io.Writer, name, password string) error {
	if _, err := users.RegisterUser(ctx, name, password); err != nil {
		if errors.Is(err, auth.ErrUserAlreadyExists) {
			fmt.Fprintf(out, "User %q already exists.\n", name)
			return nil
		}
		return fmt.Errorf("failed to add user: %w", err)
	}
	fmt.Fprintf(out, "User %q added.\n", name)
	return nil
}

// SyncRunner はsyncコマンドが利用する一括同期のインターフェース。
type SyncRunner interface {
	RunOnce(ctx context.Context) (fetch.SyncResult, error)
}

// runSync は全ソースを一度だけ同期し、結果を表示する。
func runSync(ctx context.Context, cfg *config.Config, out io.Writer) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	svc, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	return syncAll(ctx, svc.scheduler, out)
}

func syncAll(ctx context.Context, runner SyncRunner, out io.Writer) error {
	result, err := runner.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	fmt.Fprintln(out, result.String())
	return nil
}

// SourceResetter はresetコマンドが利用するソース再作成のインターフェース。
type SourceResetter interface {
	Reset(ctx context.Context, uris []string) (*source.ResetResult, error)
}

// runReset はURIリストファイルに従ってソースを作り直す。
func runReset(ctx context.Context, cfg *config.Config, out io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open uri list: %w", err)
	}
	defer f.Close()

	svc, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	return resetSources(ctx, svc.sources, f, out)
}

func resetSources(ctx context.Context, resetter SourceResetter, r io.Reader, out io.Writer) error {
	uris, err := source.ParseURIList(r)
	if err != nil {
		return fmt.Errorf("failed to read uri list: %w", err)
	}

	result, err := resetter.Reset(ctx, uris)
	if err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	fmt.Fprintf(out, "deleted: %d, created: %d\n", result.Deleted, result.Created)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", port), nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
