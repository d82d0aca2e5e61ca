package fetch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/feedsync/internal/entry"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository/repotest"
	"github.com/hitoshi/feedsync/internal/security"
)

// mockParser はFeedParserのテスト用モック。
type mockParser struct {
	parseFunc func(ctx context.Context, feedURI string) model.ParsedFeed
}

func (m *mockParser) Parse(ctx context.Context, feedURI string) model.ParsedFeed {
	if m.parseFunc != nil {
		return m.parseFunc(ctx, feedURI)
	}
	return model.ParsedFeed{}
}

func fixedParser(feed model.ParsedFeed) *mockParser {
	return &mockParser{
		parseFunc: func(ctx context.Context, feedURI string) model.ParsedFeed {
			return feed
		},
	}
}

func newTestFetcher(store *repotest.Store, parser FeedParser, buf *bytes.Buffer, now time.Time) *Fetcher {
	logger := newTestLogger(buf)
	f := NewFetcher(store, parser, entry.NewReconciler(security.NewContentSanitizer(), logger), logger)
	f.now = func() time.Time { return now }
	return f
}

func timePtr(t time.Time) *time.Time { return &t }

func storedSource(t *testing.T, store *repotest.Store, id string) model.Source {
	t.Helper()
	for _, src := range store.AllSources() {
		if src.ID == id {
			return src
		}
	}
	t.Fatalf("source %s not found", id)
	return model.Source{}
}

func TestSyncSource_SavesEntriesAndIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	store := repotest.NewStore()
	src := store.PutSource(model.Source{
		FeedURI:      "https://example.com/feed",
		FetchedLabel: "old",
		LastCheck:    model.MinTime,
		LastFetch:    model.MinTime,
	})
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	parser := fixedParser(model.ParsedFeed{
		Title: "Example Blog",
		Entries: []model.ParsedEntry{
			{Link: "https://example.com/1", Title: "one", Updated: timePtr(t0)},
			{Link: "https://example.com/2", Title: "two", Summary: "<p>hi</p><script>x</script>"},
		},
	})
	now := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	f := newTestFetcher(store, parser, &buf, now)

	res, err := f.SyncSource(context.Background(), &src)
	if err != nil {
		t.Fatalf("SyncSource returned error: %v", err)
	}
	if res.Bozo || res.Seen != 2 || res.Added != 2 {
		t.Errorf("1回目: 期待 seen=2 added=2, 結果 %+v", res)
	}

	got := storedSource(t, store, src.ID)
	if got.FetchedLabel != "Example Blog" {
		t.Errorf("表示名がフィードのタイトルに更新されていない: %q", got.FetchedLabel)
	}
	if !got.LastFetch.Equal(now) || !got.LastCheck.Equal(now) {
		t.Errorf("同期日時が更新されていない: %+v", got)
	}
	if src.FetchedLabel != "Example Blog" {
		t.Error("呼び出し元のソースも更新されるべき")
	}

	for _, e := range store.AllEntries() {
		if strings.Contains(e.Summary, "<script>") {
			t.Errorf("サマリーはサニタイズされるべき: %q", e.Summary)
		}
	}

	res, err = f.SyncSource(context.Background(), &src)
	if err != nil {
		t.Fatalf("SyncSource returned error: %v", err)
	}
	if res.Added != 0 || res.Seen != 2 {
		t.Errorf("2回目: 期待 seen=2 added=0, 結果 %+v", res)
	}
	if len(store.AllEntries()) != 2 {
		t.Errorf("記事数 = %d, want 2", len(store.AllEntries()))
	}
}

func TestSyncSource_BozoOnlyAdvancesLastCheck(t *testing.T) {
	var buf bytes.Buffer
	store := repotest.NewStore()
	lastFetch := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	src := store.PutSource(model.Source{
		FeedURI:      "https://broken.example/feed",
		FetchedLabel: "Broken",
		LastCheck:    lastFetch,
		LastFetch:    lastFetch,
	})
	parser := fixedParser(model.ParsedFeed{
		Bozo:      true,
		BozoError: errors.New("connection refused"),
		Title:     "ignored",
		Entries:   []model.ParsedEntry{{Link: "https://broken.example/1", Title: "x"}},
	})
	now := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	f := newTestFetcher(store, parser, &buf, now)

	res, err := f.SyncSource(context.Background(), &src)
	if err != nil {
		t.Fatalf("bozoはエラーとしないべき: %v", err)
	}
	if !res.Bozo || res.Added != 0 {
		t.Errorf("期待 bozo=true added=0, 結果 %+v", res)
	}

	got := storedSource(t, store, src.ID)
	if !got.LastCheck.Equal(now) {
		t.Errorf("last_checkは更新されるべき: %v", got.LastCheck)
	}
	if !got.LastFetch.Equal(lastFetch) {
		t.Errorf("last_fetchは変更されてはならない: %v", got.LastFetch)
	}
	if got.FetchedLabel != "Broken" {
		t.Errorf("bozoの場合は表示名を変更しない: %q", got.FetchedLabel)
	}
	if len(store.AllEntries()) != 0 {
		t.Error("bozoの場合は記事を保存しない")
	}
	if !strings.Contains(buf.String(), "connection refused") {
		t.Errorf("bozoの原因がログに記録されていない: %s", buf.String())
	}
}

func TestSyncSource_EmptyTitleKeepsLabel(t *testing.T) {
	var buf bytes.Buffer
	store := repotest.NewStore()
	src := store.PutSource(model.Source{FeedURI: "https://example.com/feed", FetchedLabel: "Kept"})
	f := newTestFetcher(store, fixedParser(model.ParsedFeed{}), &buf, time.Now())

	if _, err := f.SyncSource(context.Background(), &src); err != nil {
		t.Fatalf("SyncSource returned error: %v", err)
	}
	if got := storedSource(t, store, src.ID); got.FetchedLabel != "Kept" {
		t.Errorf("空のタイトルで表示名を上書きしてはならない: %q", got.FetchedLabel)
	}
}

func TestSyncSource_RollsBackOnEntryFailure(t *testing.T) {
	var buf bytes.Buffer
	store := repotest.NewStore()
	src := store.PutSource(model.Source{
		FeedURI:      "https://example.com/feed",
		FetchedLabel: "old",
		LastCheck:    model.MinTime,
		LastFetch:    model.MinTime,
	})
	store.InsertEntryHook = func(e *model.Entry) error {
		if e.Link == "https://example.com/2" {
			return errors.New("disk full")
		}
		return nil
	}
	parser := fixedParser(model.ParsedFeed{
		Title: "New Title",
		Entries: []model.ParsedEntry{
			{Link: "https://example.com/1", Title: "one"},
			{Link: "https://example.com/2", Title: "two"},
		},
	})
	f := newTestFetcher(store, parser, &buf, time.Now())

	original := src
	if _, err := f.SyncSource(context.Background(), &src); err == nil {
		t.Fatal("記事の保存に失敗した場合はエラーを返すべき")
	}

	if len(store.AllEntries()) != 0 {
		t.Error("失敗時は記事の保存がロールバックされるべき")
	}
	got := storedSource(t, store, src.ID)
	if got.FetchedLabel != "old" || !got.LastCheck.Equal(model.MinTime) {
		t.Errorf("失敗時は同期状態もロールバックされるべき: %+v", got)
	}
	if src != original {
		t.Error("失敗時は呼び出し元のソースを変更してはならない")
	}
}

func TestSyncSource_PassesFeedURIToParser(t *testing.T) {
	var buf bytes.Buffer
	store := repotest.NewStore()
	src := store.PutSource(model.Source{FeedURI: "https://example.com/atom.xml"})

	var got string
	parser := &mockParser{
		parseFunc: func(ctx context.Context, feedURI string) model.ParsedFeed {
			got = feedURI
			return model.ParsedFeed{}
		},
	}
	f := newTestFetcher(store, parser, &buf, time.Now())

	if _, err := f.SyncSource(context.Background(), &src); err != nil {
		t.Fatalf("SyncSource returned error: %v", err)
	}
	if got != src.FeedURI {
		t.Errorf("parser received %q, want %q", got, src.FeedURI)
	}
}

func TestSyncSource_LogsDurationAsInteger(t *testing.T) {
	var buf bytes.Buffer
	var kinds []slog.Kind
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == "duration_ms" {
				kinds = append(kinds, a.Value.Kind())
			}
			return a
		},
	}))
	store := repotest.NewStore()
	src := store.PutSource(model.Source{FeedURI: "https://example.com/feed"})
	f := NewFetcher(store, fixedParser(model.ParsedFeed{Title: "t"}), entry.NewReconciler(security.NewContentSanitizer(), logger), logger)

	if _, err := f.SyncSource(context.Background(), &src); err != nil {
		t.Fatalf("SyncSource returned error: %v", err)
	}
	if len(kinds) != 1 || kinds[0] != slog.KindInt64 {
		t.Errorf("duration_ms はミリ秒の整数で記録されるべき: kinds=%v ログ出力: %s", kinds, buf.String())
	}
}
