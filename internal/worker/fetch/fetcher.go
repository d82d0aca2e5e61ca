package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedsync/internal/entry"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// FeedParser はフィードの取得とパースのインターフェース。
// 失敗はBozo=trueの結果として報告される。
type FeedParser interface {
	Parse(ctx context.Context, feedURI string) model.ParsedFeed
}

// EntryReconciler は記事の突き合わせのインターフェース。
type EntryReconciler interface {
	Reconcile(ctx context.Context, entries repository.EntryRepository, sourceID string, parsed []model.ParsedEntry) (entry.Result, error)
}

// SourceResult はソース1件の同期結果。
type SourceResult struct {
	Bozo  bool
	Seen  int
	Added int
}

// Fetcher は個別ソースのフェッチと保存を行う。
// ネットワークからの取得はトランザクションの外で行い、
// 同期状態と記事の保存はソースごとのトランザクションで行う。
type Fetcher struct {
	store      repository.Transactor
	parser     FeedParser
	reconciler EntryReconciler
	logger     *slog.Logger
	now        func() time.Time
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	store repository.Transactor,
	parser FeedParser,
	reconciler EntryReconciler,
	logger *slog.Logger,
) *Fetcher {
	return &Fetcher{
		store:      store,
		parser:     parser,
		reconciler: reconciler,
		logger:     logger,
		now:        time.Now,
	}
}

// SyncSource はソースを同期する。
// last_checkは結果に関わらず更新する。bozoの場合はlast_checkのみを保存し、
// それ以外はlast_fetch、表示名（フィードのタイトルが空でない場合）、新規記事を保存する。
// bozoはエラーとしない。保存に失敗した場合はこのソースの変更のみロールバックされる。
func (f *Fetcher) SyncSource(ctx context.Context, src *model.Source) (SourceResult, error) {
	start := time.Now()
	now := f.now().UTC().Truncate(time.Microsecond)

	parsed := f.parser.Parse(ctx, src.FeedURI)

	updated := *src
	updated.LastCheck = now

	var res SourceResult
	err := f.store.InTx(ctx, func(repos repository.Repos) error {
		if parsed.Bozo {
			res.Bozo = true
			return repos.Sources.UpdateSyncState(ctx, &updated)
		}

		updated.LastFetch = now
		if parsed.Title != "" {
			updated.FetchedLabel = parsed.Title
		}
		if err := repos.Sources.UpdateSyncState(ctx, &updated); err != nil {
			return err
		}

		r, err := f.reconciler.Reconcile(ctx, repos.Entries, src.ID, parsed.Entries)
		if err != nil {
			return err
		}
		res.Seen, res.Added = r.Seen, r.Added
		return nil
	})
	if err != nil {
		return SourceResult{}, fmt.Errorf("ソースの同期に失敗: %w", err)
	}

	*src = updated

	if res.Bozo {
		f.logger.Warn("フィードの取得に失敗しました",
			slog.String("source_id", src.ID),
			slog.String("feed_uri", src.FeedURI),
			slog.Any("error", parsed.BozoError),
		)
		return res, nil
	}

	f.logger.Info("ソースの同期が完了しました",
		slog.String("source_id", src.ID),
		slog.String("feed_uri", src.FeedURI),
		slog.Int("entries_seen", res.Seen),
		slog.Int("entries_added", res.Added),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return res, nil
}
