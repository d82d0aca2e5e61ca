package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedsync/internal/database"
	"github.com/hitoshi/feedsync/internal/model"
)

// PostgreSQL実装が各インターフェースを満たすことを検証
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ UserRepository = (*PostgresUserRepo)(nil)
	var _ SessionRepository = (*PostgresSessionRepo)(nil)
	var _ SourceRepository = (*PostgresSourceRepo)(nil)
	var _ EntryRepository = (*PostgresEntryRepo)(nil)
	var _ TagRepository = (*PostgresTagRepo)(nil)
	var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
	var _ Transactor = (*Store)(nil)
}

// NewReposが全リポジトリを初期化することを検証
func TestNewRepos_InitializesAll(t *testing.T) {
	r := NewRepos(nil)
	if r.Users == nil || r.Sessions == nil || r.Sources == nil ||
		r.Entries == nil || r.Tags == nil || r.Subscriptions == nil {
		t.Fatalf("NewRepos returned nil repository: %+v", r)
	}
}

func TestIsUniqueViolation_NonPQError_ReturnsFalse(t *testing.T) {
	if isUniqueViolation(errors.New("boom")) {
		t.Error("expected false for non-pq error")
	}
	if isUniqueViolation(nil) {
		t.Error("expected false for nil error")
	}
}

// openTestStore はTEST_DATABASE_URLのDBにマイグレーションを適用し、全テーブルを空にする。
// DBに接続できない場合はスキップする。
func openTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(dbURL, database.PoolConfig{})
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE users, sessions, sources, entries, tags, subscriptions, subscription_tags CASCADE`); err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}

	return NewStore(db), db
}

func createTestUser(t *testing.T, store *Store, name string) *model.User {
	t.Helper()
	u := &model.User{ID: uuid.New().String(), Name: name, PasswordHash: "hash", CreatedAt: time.Now()}
	if err := store.Users.Create(context.Background(), u); err != nil {
		t.Fatalf("ユーザー作成に失敗: %v", err)
	}
	return u
}

func createTestSource(t *testing.T, store *Store, uri string) *model.Source {
	t.Helper()
	src, created, err := store.Sources.CreateIfAbsent(context.Background(), &model.Source{
		ID:           uuid.New().String(),
		FeedURI:      uri,
		FetchedLabel: "Example",
		Link:         "https://example.com",
		LastCheck:    model.MinTime,
		LastFetch:    model.MinTime,
		CreatedAt:    time.Now(),
	})
	if err != nil || !created {
		t.Fatalf("ソース作成に失敗: created=%v err=%v", created, err)
	}
	return src
}

func TestPostgresUserRepo_DuplicateName_ReturnsErrAlreadyExists(t *testing.T) {
	store, _ := openTestStore(t)
	createTestUser(t, store, "alice")

	err := store.Users.Create(context.Background(), &model.User{
		ID: uuid.New().String(), Name: "alice", PasswordHash: "x", CreatedAt: time.Now(),
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestPostgresSourceRepo_CreateIfAbsent_ReturnsExisting(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	first := createTestSource(t, store, "https://example.com/feed.xml")

	got, created, err := store.Sources.CreateIfAbsent(ctx, &model.Source{
		ID: uuid.New().String(), FeedURI: "https://example.com/feed.xml",
		FetchedLabel: "Other", Link: "x", LastCheck: model.MinTime, LastFetch: model.MinTime,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateIfAbsent returned error: %v", err)
	}
	if created {
		t.Error("created = true, want false for existing feed_uri")
	}
	if got.ID != first.ID {
		t.Errorf("ID = %q, want existing %q", got.ID, first.ID)
	}
	if !got.LastFetch.Equal(model.MinTime) {
		t.Errorf("LastFetch = %v, want MinTime", got.LastFetch)
	}
}

func TestPostgresEntryRepo_InsertIfAbsent_Deduplicates(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	src := createTestSource(t, store, "https://example.com/feed.xml")

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newEntry := func(updated time.Time) *model.Entry {
		return &model.Entry{
			ID: uuid.New().String(), SourceID: src.ID, Link: "http://x/1",
			Title: "Old", Updated: updated, CreatedAt: time.Now(),
		}
	}

	if ok, err := store.Entries.InsertIfAbsent(ctx, newEntry(t0)); err != nil || !ok {
		t.Fatalf("1件目: inserted=%v err=%v", ok, err)
	}
	if ok, err := store.Entries.InsertIfAbsent(ctx, newEntry(t0)); err != nil || ok {
		t.Fatalf("重複: inserted=%v err=%v, want false", ok, err)
	}
	if ok, err := store.Entries.InsertIfAbsent(ctx, newEntry(t0.Add(time.Hour))); err != nil || !ok {
		t.Fatalf("updated変更: inserted=%v err=%v, want true", ok, err)
	}
}

func TestPostgresSubscriptionRepo_AddTags_IsUnion(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, store, "bob")
	src := createTestSource(t, store, "https://example.com/feed.xml")

	a, _ := store.Tags.FindOrCreate(ctx, user.ID, "A")
	b, _ := store.Tags.FindOrCreate(ctx, user.ID, "B")
	again, _ := store.Tags.FindOrCreate(ctx, user.ID, "A")
	if again.ID != a.ID {
		t.Fatalf("FindOrCreate returned a new tag for existing label")
	}

	sub, created, err := store.Subscriptions.CreateIfAbsent(ctx, &model.Subscription{
		ID: uuid.New().String(), SourceID: src.ID, UserID: user.ID, CreatedAt: time.Now(),
	})
	if err != nil || !created {
		t.Fatalf("購読作成に失敗: created=%v err=%v", created, err)
	}

	if n, err := store.Subscriptions.AddTags(ctx, sub.ID, []string{a.ID}); err != nil || n != 1 {
		t.Fatalf("AddTags(A) = %d, %v", n, err)
	}
	if n, err := store.Subscriptions.AddTags(ctx, sub.ID, []string{a.ID, b.ID}); err != nil || n != 1 {
		t.Fatalf("AddTags(A,B) = %d, %v, want 1", n, err)
	}

	views, err := store.Subscriptions.ListViewsByUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListViewsByUser returned error: %v", err)
	}
	if len(views) != 1 || len(views[0].TagLabels) != 2 {
		t.Fatalf("views = %+v, want 1 source with tags [A B]", views)
	}
}

func TestStore_InTx_RollsBackOnError(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	wantErr := errors.New("abort")

	err := store.InTx(ctx, func(r Repos) error {
		_, _, err := r.Sources.CreateIfAbsent(ctx, &model.Source{
			ID: uuid.New().String(), FeedURI: "https://rollback.example.com/feed",
			FetchedLabel: "x", Link: "x", LastCheck: model.MinTime, LastFetch: model.MinTime,
			CreatedAt: time.Now(),
		})
		if err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	got, err := store.Sources.FindByFeedURI(ctx, "https://rollback.example.com/feed")
	if err != nil {
		t.Fatalf("FindByFeedURI returned error: %v", err)
	}
	if got != nil {
		t.Error("ロールバックされたソースが残っています")
	}
}

func TestPostgresSessionRepo_DeleteExpiredBefore(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	u := createTestUser(t, store, "carol")
	now := time.Now()

	for id, expires := range map[string]time.Time{
		"old":    now.Add(-10 * 24 * time.Hour),
		"recent": now.Add(-time.Hour),
		"valid":  now.Add(time.Hour),
	} {
		if err := store.Sessions.Create(ctx, &model.Session{ID: id, UserID: u.ID, ExpiresAt: expires, CreatedAt: now}); err != nil {
			t.Fatalf("セッション作成に失敗: %v", err)
		}
	}

	n, err := store.Sessions.DeleteExpiredBefore(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if s, _ := store.Sessions.FindByID(ctx, "valid"); s == nil {
		t.Error("valid session should remain")
	}
}
