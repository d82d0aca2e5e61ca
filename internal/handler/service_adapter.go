package handler

import (
	"context"

	"github.com/hitoshi/feedsync/internal/auth"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/opml"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/source"
)

// QueryServiceAdapter はリポジトリの一覧取得をQueryServiceに適合させるアダプタ。
type QueryServiceAdapter struct {
	entries       repository.EntryRepository
	subscriptions repository.SubscriptionRepository
	tags          repository.TagRepository
}

// NewQueryServiceAdapter はトランザクション外の読み取り用リポジトリからアダプタを生成する。
func NewQueryServiceAdapter(repos repository.Repos) *QueryServiceAdapter {
	return &QueryServiceAdapter{
		entries:       repos.Entries,
		subscriptions: repos.Subscriptions,
		tags:          repos.Tags,
	}
}

// ListEntries はユーザーの記事一覧をhandlerレスポンス型で返す。
func (a *QueryServiceAdapter) ListEntries(ctx context.Context, userID string, limit int) ([]entryResponse, error) {
	views, err := a.entries.ListForUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	results := make([]entryResponse, len(views))
	for i, v := range views {
		results[i] = toEntryResponse(v)
	}
	return results, nil
}

// ListSources はユーザーの購読ソース一覧をhandlerレスポンス型で返す。
func (a *QueryServiceAdapter) ListSources(ctx context.Context, userID string) ([]sourceResponse, error) {
	views, err := a.subscriptions.ListViewsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	results := make([]sourceResponse, len(views))
	for i, v := range views {
		results[i] = toSourceResponse(v)
	}
	return results, nil
}

// ListTags はユーザーのタグ一覧をhandlerレスポンス型で返す。
func (a *QueryServiceAdapter) ListTags(ctx context.Context, userID string) ([]tagResponse, error) {
	tags, err := a.tags.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	results := make([]tagResponse, len(tags))
	for i, t := range tags {
		results[i] = tagResponse{ID: t.ID, Label: t.Label}
	}
	return results, nil
}

func toEntryResponse(v model.EntryView) entryResponse {
	return entryResponse{
		ID:   v.ID,
		Link: v.Link,
		Source: entrySourceResponse{
			ID:    v.SourceID,
			Link:  v.SourceLink,
			Label: v.SourceLabel,
			Tags:  nonNil(v.SourceTags),
		},
		Summary: v.Summary,
		Title:   v.Title,
		Updated: v.Updated,
	}
}

func toSourceResponse(v model.SourceView) sourceResponse {
	return sourceResponse{
		FeedURI:   v.FeedURI,
		ID:        v.ID,
		Label:     v.Label(),
		LastCheck: v.LastCheck,
		LastFetch: v.LastFetch,
		Link:      v.Link,
		TagLabels: nonNil(v.TagLabels),
	}
}

// nonNil はJSONでnullではなく空配列を出力するためにnilを空スライスに置き換える。
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// コンパイル時のインターフェース実装チェック
var (
	_ QueryService     = (*QueryServiceAdapter)(nil)
	_ AuthService      = (*auth.Service)(nil)
	_ SourceSubscriber = (*source.Service)(nil)
	_ OPMLImporter     = (*opml.Importer)(nil)
)
