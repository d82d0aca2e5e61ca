package opml

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/source"
)

// SourceService はソースの作成と購読の関連付けのインターフェース。
// source.Serviceが実装する。
type SourceService interface {
	PrefetchMissing(ctx context.Context, uris []string) (source.Prefetched, error)
	GetOrCreate(ctx context.Context, repos repository.Repos, feedURI string, pre source.Prefetched) (*model.Source, bool, error)
	EnsureAssociation(ctx context.Context, repos repository.Repos, src *model.Source, tags []model.Tag, userID string) (int, error)
}

// ImportResult はOPML取り込みの結果。
type ImportResult struct {
	// Feeds は処理したフィードoutlineの数。
	Feeds int
	// SourcesCreated は新規に作成したソースの数。
	SourcesCreated int
	// Tags は取り込み中に参照したタグの種類数。
	Tags int
}

// Importer はOPML文書をユーザーの購読として取り込む。
type Importer struct {
	store   repository.Transactor
	sources SourceService
	logger  *slog.Logger
}

// NewImporter はImporterの新しいインスタンスを生成する。
func NewImporter(store repository.Transactor, sources SourceService, logger *slog.Logger) *Importer {
	return &Importer{
		store:   store,
		sources: sources,
		logger:  logger,
	}
}

// Import はOPML文書を解析し、outlineを深さ優先で処理する。
// 未登録のフィードはトランザクション開始前に取得し、書き込みはひとつのトランザクションで行う。
// 文書が不正な場合はErrInvalidOPMLを返し、何も書き込まない。
func (i *Importer) Import(ctx context.Context, r io.Reader, userID string) (*ImportResult, error) {
	doc, err := Parse(r)
	if err != nil {
		return nil, err
	}

	pre, err := i.sources.PrefetchMissing(ctx, doc.FeedURIs())
	if err != nil {
		return nil, err
	}

	var result *ImportResult
	err = i.store.InTx(ctx, func(repos repository.Repos) error {
		w := &walker{
			importer: i,
			repos:    repos,
			userID:   userID,
			pre:      pre,
			tagIDs:   make(map[string]bool),
			result:   &ImportResult{},
		}
		if err := w.walk(ctx, doc.Body.Outlines, nil); err != nil {
			return err
		}
		w.result.Tags = len(w.tagIDs)
		result = w.result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("OPMLの取り込みに失敗しました: %w", err)
	}

	i.logger.Info("OPMLを取り込みました",
		slog.String("user_id", userID),
		slog.Int("feeds", result.Feeds),
		slog.Int("sources_created", result.SourcesCreated),
		slog.Int("tags", result.Tags),
	)
	return result, nil
}

// walker は1回の取り込みの状態を保持する。
type walker struct {
	importer *Importer
	repos    repository.Repos
	userID   string
	pre      source.Prefetched
	tagIDs   map[string]bool
	result   *ImportResult
}

// walk はoutlineを処理する。pathは祖先のタグで、呼び出しごとにコピーして拡張する。
func (w *walker) walk(ctx context.Context, outlines []Outline, path []model.Tag) error {
	for _, o := range outlines {
		switch o.Kind() {
		case KindFeed:
			if err := w.feed(ctx, o, path); err != nil {
				return err
			}

		case KindTag:
			label := o.Label()
			if label == "" {
				if err := w.walk(ctx, o.Outlines, path); err != nil {
					return err
				}
				continue
			}

			tag, err := w.repos.Tags.FindOrCreate(ctx, w.userID, label)
			if err != nil {
				return fmt.Errorf("タグの作成に失敗しました (label=%s): %w", label, err)
			}
			w.tagIDs[tag.ID] = true

			childPath := path
			if !containsTag(path, tag.ID) {
				childPath = append(path[:len(path):len(path)], *tag)
			}
			if err := w.walk(ctx, o.Outlines, childPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) feed(ctx context.Context, o Outline, path []model.Tag) error {
	uri := o.FeedURI()
	if uri == "" {
		w.importer.logger.Warn("xmlUrlの無いフィードをスキップしました",
			slog.String("text", o.Text),
		)
		return nil
	}

	src, created, err := w.importer.sources.GetOrCreate(ctx, w.repos, uri, w.pre)
	if err != nil {
		return err
	}
	if created {
		w.result.SourcesCreated++
	}

	if _, err := w.importer.sources.EnsureAssociation(ctx, w.repos, src, path, w.userID); err != nil {
		return err
	}
	w.result.Feeds++
	return nil
}

func containsTag(path []model.Tag, id string) bool {
	for _, t := range path {
		if t.ID == id {
			return true
		}
	}
	return false
}

// compile-time interface check
var _ SourceService = (*source.Service)(nil)
