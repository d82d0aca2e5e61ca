// Package source はフィード取得元の登録と、ユーザーとの関連付けを提供する。
// OPML取り込み、単一フィードの購読、リセットが同じ作成経路を共有する。
package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// FeedParser はフィードの取得とパースのインターフェース。
type FeedParser interface {
	Parse(ctx context.Context, feedURI string) model.ParsedFeed
}

// FeedDetector はフィードURL自動検出のインターフェース。
type FeedDetector interface {
	DetectFeedURL(ctx context.Context, inputURL string) (string, error)
}

// Prefetched はトランザクション開始前に取得したフィードのパース結果。
// キーはフィードURI。
type Prefetched map[string]model.ParsedFeed

// Service はソースの作成と購読の管理を行う。
type Service struct {
	store          repository.Transactor
	sources        repository.SourceRepository
	parser         FeedParser
	detector       FeedDetector
	logger         *slog.Logger
	maxConcurrency int
}

// NewService はServiceの新しいインスタンスを生成する。
// sourcesはトランザクション外の読み取りに使用する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewService(
	store repository.Transactor,
	sources repository.SourceRepository,
	parser FeedParser,
	detector FeedDetector,
	logger *slog.Logger,
	maxConcurrency int,
) *Service {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Service{
		store:          store,
		sources:        sources,
		parser:         parser,
		detector:       detector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// PrefetchMissing は未登録のフィードURIのみを並列に取得する。
// 取得はロックやトランザクションの外で行い、結果はGetOrCreateに渡す。
func (s *Service) PrefetchMissing(ctx context.Context, uris []string) (Prefetched, error) {
	var missing []string
	seen := make(map[string]bool, len(uris))
	for _, uri := range uris {
		if uri == "" || seen[uri] {
			continue
		}
		seen[uri] = true

		existing, err := s.sources.FindByFeedURI(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("ソースの検索に失敗しました: %w", err)
		}
		if existing == nil {
			missing = append(missing, uri)
		}
	}
	return s.Prefetch(ctx, missing), nil
}

// Prefetch は指定されたフィードURIを最大maxConcurrency件ずつ並列に取得する。
// ctxがキャンセルされた後は新しい取得を開始せず、取得できなかったURIは結果に含めない。
func (s *Service) Prefetch(ctx context.Context, uris []string) Prefetched {
	uris = dedupe(uris)
	results := make([]model.ParsedFeed, len(uris))
	done := make([]bool, len(uris))

	var g errgroup.Group
	g.SetLimit(s.maxConcurrency)
	for i, uri := range uris {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			parsed := s.parser.Parse(ctx, uri)
			if parsed.Bozo {
				s.logger.Warn("新規ソースの取得に失敗しました",
					slog.String("feed_uri", uri),
					slog.Any("error", parsed.BozoError),
				)
			}
			results[i], done[i] = parsed, true
			return nil
		})
	}
	_ = g.Wait()

	out := make(Prefetched, len(uris))
	for i, uri := range uris {
		if done[i] {
			out[uri] = results[i]
		}
	}
	return out
}

// GetOrCreate はフィードURIのソースを返し、存在しない場合は作成する。
// 既存のソースは変更しない。新規作成時の表示名とリンクはフィードのタイトルとリンク、
// 取得できない場合はURIとし、last_checkとlast_fetchはmodel.MinTimeとする。
// preに結果が無い場合はその場で取得する。
// reposはトランザクション内のリポジトリを渡すこと。
func (s *Service) GetOrCreate(
	ctx context.Context,
	repos repository.Repos,
	feedURI string,
	pre Prefetched,
) (*model.Source, bool, error) {
	existing, err := repos.Sources.FindByFeedURI(ctx, feedURI)
	if err != nil {
		return nil, false, fmt.Errorf("ソースの検索に失敗しました: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	parsed, ok := pre[feedURI]
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		parsed = s.parser.Parse(ctx, feedURI)
	}

	src := &model.Source{
		ID:           uuid.New().String(),
		FeedURI:      feedURI,
		FetchedLabel: feedURI,
		Link:         feedURI,
		LastCheck:    model.MinTime,
		LastFetch:    model.MinTime,
		CreatedAt:    time.Now().UTC(),
	}
	if !parsed.Bozo {
		if parsed.Title != "" {
			src.FetchedLabel = parsed.Title
		}
		if parsed.Link != "" {
			src.Link = parsed.Link
		}
	}

	// 同時作成で競合した場合は先に作成されたソースが返る
	stored, created, err := repos.Sources.CreateIfAbsent(ctx, src)
	if err != nil {
		return nil, false, fmt.Errorf("ソースの作成に失敗しました: %w", err)
	}
	if created {
		s.logger.Info("ソースを作成しました",
			slog.String("source_id", stored.ID),
			slog.String("feed_uri", stored.FeedURI),
		)
	}
	return stored, created, nil
}

// EnsureAssociation はユーザーとソースの購読を保証し、指定されたタグを追加する。
// 購読が無い場合は指定タグのみで作成し、既にある場合は既存タグとの和集合とする。
// タグを削除することはない。追加されたタグ数を返す。
func (s *Service) EnsureAssociation(
	ctx context.Context,
	repos repository.Repos,
	src *model.Source,
	tags []model.Tag,
	userID string,
) (int, error) {
	sub, _, err := repos.Subscriptions.CreateIfAbsent(ctx, &model.Subscription{
		ID:        uuid.New().String(),
		SourceID:  src.ID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("購読の作成に失敗しました: %w", err)
	}

	if len(tags) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(tags))
	for _, t := range tags {
		ids = append(ids, t.ID)
	}
	added, err := repos.Subscriptions.AddTags(ctx, sub.ID, ids)
	if err != nil {
		return 0, fmt.Errorf("購読へのタグ追加に失敗しました: %w", err)
	}
	return added, nil
}

// SubscribeResult は単一フィード購読の結果。
type SubscribeResult struct {
	Source        *model.Source
	SourceCreated bool
	TagsAdded     int
}

// Subscribe はURLからフィードを検出し、ユーザーに購読させる。
// tagLabelsは前後の空白を除去し、空のラベルと重複は無視する。
func (s *Service) Subscribe(ctx context.Context, userID, rawURL string, tagLabels []string) (*SubscribeResult, error) {
	feedURI, err := s.detector.DetectFeedURL(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	pre, err := s.PrefetchMissing(ctx, []string{feedURI})
	if err != nil {
		return nil, err
	}

	labels := NormalizeLabels(tagLabels)
	result := &SubscribeResult{}

	err = s.store.InTx(ctx, func(repos repository.Repos) error {
		src, created, err := s.GetOrCreate(ctx, repos, feedURI, pre)
		if err != nil {
			return err
		}

		tags := make([]model.Tag, 0, len(labels))
		for _, label := range labels {
			tag, err := repos.Tags.FindOrCreate(ctx, userID, label)
			if err != nil {
				return fmt.Errorf("タグの作成に失敗しました: %w", err)
			}
			tags = append(tags, *tag)
		}

		added, err := s.EnsureAssociation(ctx, repos, src, tags, userID)
		if err != nil {
			return err
		}

		result.Source = src
		result.SourceCreated = created
		result.TagsAdded = added
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("フィードを購読しました",
		slog.String("user_id", userID),
		slog.String("source_id", result.Source.ID),
		slog.String("feed_uri", feedURI),
		slog.Bool("source_created", result.SourceCreated),
	)
	return result, nil
}

// ResetResult はリセットの結果。
type ResetResult struct {
	Deleted int64
	Created int
}

// Reset は全ソース（記事と購読を含む）を削除し、指定されたURIのソースを作り直す。
// 削除と再作成はひとつのトランザクションで行う。
func (s *Service) Reset(ctx context.Context, uris []string) (*ResetResult, error) {
	uris = dedupe(uris)
	pre := s.Prefetch(ctx, uris)
	result := &ResetResult{}

	err := s.store.InTx(ctx, func(repos repository.Repos) error {
		deleted, err := repos.Sources.DeleteAll(ctx)
		if err != nil {
			return fmt.Errorf("ソースの削除に失敗しました: %w", err)
		}
		result.Deleted = deleted

		for _, uri := range uris {
			if _, created, err := s.GetOrCreate(ctx, repos, uri, pre); err != nil {
				return err
			} else if created {
				result.Created++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("ソースをリセットしました",
		slog.Int64("deleted", result.Deleted),
		slog.Int("created", result.Created),
	)
	return result, nil
}

// ParseURIList は改行区切りのURI一覧を読み込む。
// 空行と#で始まる行は無視する。
func ParseURIList(r io.Reader) ([]string, error) {
	var uris []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uris = append(uris, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("URI一覧の読み込みに失敗しました: %w", err)
	}
	return dedupe(uris), nil
}

// NormalizeLabels はタグラベルの前後の空白を除去し、空と重複を取り除く。
func NormalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
