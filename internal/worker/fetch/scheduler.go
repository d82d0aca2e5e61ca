// Package fetch はフィードの一括同期処理を提供する。
// スケジューラとソース単位のフェッチャーを含む。
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
)

// SourceLister は同期対象ソースの一覧取得インターフェース。
type SourceLister interface {
	ListAll(ctx context.Context) ([]*model.Source, error)
}

// SourceSyncer はソース1件の同期インターフェース。
type SourceSyncer interface {
	// SyncSource は指定ソースをフェッチし、同期状態と新規記事を保存する。
	SyncSource(ctx context.Context, src *model.Source) (SourceResult, error)
}

// SyncResult は一括同期の結果。
type SyncResult struct {
	Sources int // 処理したソース数
	Entries int // フィードに含まれていた記事数
	Added   int // 新規に保存した記事数
	Bozo    int // 取得またはパースに失敗したソース数
	Failed  int // 保存に失敗したソース数
}

// String はCLI出力用の要約を返す。
func (r SyncResult) String() string {
	return fmt.Sprintf("sources: %d, entries: %d, added: %d", r.Sources, r.Entries, r.Added)
}

// Scheduler は全ソースの同期を定期実行する。1サイクル内の同時実行数はmaxConcurrencyまで。
type Scheduler struct {
	sources        SourceLister
	syncer         SourceSyncer
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerを生成する。
// maxConcurrencyが0以下の場合は10、collectorがnilの場合はメトリクスを記録しない。
func NewScheduler(
	sources SourceLister,
	syncer SourceSyncer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Scheduler{
		sources:        sources,
		syncer:         syncer,
		metrics:        collector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は起動直後と以降interval毎に同期サイクルを実行し、ctxがキャンセルされると戻る。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("同期サイクルの実行に失敗しました", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
		}
	}
}

// tally はゴルーチンから集計されるSyncResult。
type tally struct {
	mu sync.Mutex
	SyncResult
}

func (t *tally) add(res SourceResult, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Sources++
	t.Entries += res.Seen
	t.Added += res.Added
	if res.Bozo {
		t.Bozo++
	}
	if !ok {
		t.Failed++
	}
}

// RunOnce は全ソースを並列に同期して集計を返す。
// ソース単位の失敗やpanicは集計に含めて処理を続ける。ctxがキャンセルされると
// 未着手のソースは処理せず、集計とともにエラーを返す。
func (s *Scheduler) RunOnce(ctx context.Context) (SyncResult, error) {
	start := time.Now()

	sources, err := s.sources.ListAll(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("ソース一覧の取得に失敗: %w", err)
	}
	if len(sources) == 0 {
		s.logger.Info("同期対象のソースはありません")
		return SyncResult{}, nil
	}
	s.logger.Info("同期サイクルを開始します", slog.Int("source_count", len(sources)))

	var total tally
	var g errgroup.Group
	g.SetLimit(s.maxConcurrency)
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			total.add(s.syncOne(ctx, src))
			return nil
		})
	}
	g.Wait()

	result := total.SyncResult
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("sources", result.Sources),
		slog.Int("entries", result.Entries),
		slog.Int("added", result.Added),
		slog.Int("bozo", result.Bozo),
		slog.Int("failed", result.Failed),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if err := ctx.Err(); err != nil && result.Sources < len(sources) {
		return result, fmt.Errorf("同期サイクルが中断されました: %w", err)
	}
	return result, nil
}

// syncOne はソース1件を同期する。okは同期状態を保存できたか（bozoを含む）を表す。
func (s *Scheduler) syncOne(ctx context.Context, src *model.Source) (res SourceResult, ok bool) {
	log := s.logger.With(slog.String("source_id", src.ID), slog.String("feed_uri", src.FeedURI))
	defer func() {
		if p := recover(); p != nil {
			log.Error("ソースの同期中にpanicが発生しました", slog.Any("panic", p))
			s.metrics.RecordSyncFailure(src.ID)
			res, ok = SourceResult{}, false
		}
	}()

	start := time.Now()
	res, err := s.syncer.SyncSource(ctx, src)
	s.metrics.RecordSyncLatency(time.Since(start))
	switch {
	case err != nil:
		log.Error("ソースの同期に失敗しました", slog.String("error", err.Error()))
		s.metrics.RecordSyncFailure(src.ID)
		return SourceResult{}, false
	case res.Bozo:
		s.metrics.RecordSyncBozo(src.ID)
	default:
		s.metrics.RecordSyncSuccess(src.ID)
	}
	s.metrics.RecordEntriesAdded(res.Added)
	return res, true
}
