package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/feedsync/internal/model"
)

const sourceColumns = `id, feed_uri, fetched_label, link, last_check, last_fetch, created_at`

// PostgresSourceRepo はPostgreSQLを使用したソースリポジトリ。
type PostgresSourceRepo struct {
	db Querier
}

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db Querier) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

// FindByFeedURI はフィードURIでソースを検索する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByFeedURI(ctx context.Context, feedURI string) (*model.Source, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE feed_uri = $1`,
		feedURI,
	)
	source, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	return source, nil
}

// CreateIfAbsent はソースを作成する。
// 同じフィードURIのソースが既に存在する場合は既存のソースとfalseを返す。
func (r *PostgresSourceRepo) CreateIfAbsent(ctx context.Context, source *model.Source) (*model.Source, bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO sources (id, feed_uri, fetched_label, link, last_check, last_fetch, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (feed_uri) DO NOTHING`,
		source.ID, source.FeedURI, source.FetchedLabel, source.Link,
		source.LastCheck, source.LastFetch, source.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("ソースの作成に失敗しました: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("ソース作成結果の取得に失敗しました: %w", err)
	}
	if n == 1 {
		return source, true, nil
	}

	existing, err := r.FindByFeedURI(ctx, source.FeedURI)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("競合したソースが見つかりません: %s", source.FeedURI)
	}
	return existing, false, nil
}

// ListAll は全ソースをフィードURI順で返す。
func (r *PostgresSourceRepo) ListAll(ctx context.Context) ([]*model.Source, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources ORDER BY feed_uri`,
	)
	if err != nil {
		return nil, fmt.Errorf("ソース一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []*model.Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("ソースのスキャンに失敗しました: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ソース一覧の走査に失敗しました: %w", err)
	}
	return sources, nil
}

// UpdateSyncState はfetched_label、last_check、last_fetchを更新する。
func (r *PostgresSourceRepo) UpdateSyncState(ctx context.Context, source *model.Source) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources
		 SET fetched_label = $2, last_check = $3, last_fetch = $4
		 WHERE id = $1`,
		source.ID, source.FetchedLabel, source.LastCheck, source.LastFetch,
	)
	if err != nil {
		return fmt.Errorf("ソースの同期状態の更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteAll は全ソースを削除し、削除件数を返す。
func (r *PostgresSourceRepo) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sources`)
	if err != nil {
		return 0, fmt.Errorf("ソースの全削除に失敗しました: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSource(row rowScanner) (*model.Source, error) {
	s := &model.Source{}
	if err := row.Scan(
		&s.ID, &s.FeedURI, &s.FetchedLabel, &s.Link,
		&s.LastCheck, &s.LastFetch, &s.CreatedAt,
	); err != nil {
		return nil, err
	}
	s.LastCheck = s.LastCheck.UTC()
	s.LastFetch = s.LastFetch.UTC()
	return s, nil
}

// compile-time interface check
var _ SourceRepository = (*PostgresSourceRepo)(nil)
