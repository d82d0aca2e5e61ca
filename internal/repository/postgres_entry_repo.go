package repository

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresEntryRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresEntryRepo struct {
	db Querier
}

// NewPostgresEntryRepo はPostgresEntryRepoを生成する。
func NewPostgresEntryRepo(db Querier) *PostgresEntryRepo {
	return &PostgresEntryRepo{db: db}
}

// InsertIfAbsent は同一性キー (source_id, link, title, updated) が一致する記事が無い場合のみ挿入する。
// 一意インデックスとの競合はON CONFLICT DO NOTHINGで吸収する。
func (r *PostgresEntryRepo) InsertIfAbsent(ctx context.Context, entry *model.Entry) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO entries (id, source_id, link, title, summary, updated, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING`,
		entry.ID, entry.SourceID, entry.Link, entry.Title, entry.Summary,
		entry.Updated, entry.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("記事の作成に失敗しました: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("記事作成結果の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// ListForUser はユーザーが購読しているソースの記事をupdated降順で返す。
// ソース情報にはユーザーごとの表示名とタグを含める。
func (r *PostgresEntryRepo) ListForUser(ctx context.Context, userID string, limit int) ([]model.EntryView, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT e.id, e.source_id, e.link, e.title, e.summary, e.updated, e.created_at,
		        s.link,
		        COALESCE(NULLIF(sub.user_label, ''), s.fetched_label),
		        COALESCE((
		            SELECT array_agg(t.label ORDER BY t.label)
		            FROM subscription_tags st
		            JOIN tags t ON t.id = st.tag_id
		            WHERE st.subscription_id = sub.id
		        ), '{}')
		 FROM entries e
		 JOIN subscriptions sub ON sub.source_id = e.source_id AND sub.user_id = $1
		 JOIN sources s ON s.id = e.source_id
		 ORDER BY e.updated DESC, e.id
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	views := []model.EntryView{}
	for rows.Next() {
		var v model.EntryView
		var tags []string
		if err := rows.Scan(
			&v.ID, &v.SourceID, &v.Link, &v.Title, &v.Summary, &v.Updated, &v.CreatedAt,
			&v.SourceLink, &v.SourceLabel, pq.Array(&tags),
		); err != nil {
			return nil, fmt.Errorf("記事のスキャンに失敗しました: %w", err)
		}
		v.Updated = v.Updated.UTC()
		v.SourceTags = tags
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}
	return views, nil
}

// compile-time interface check
var _ EntryRepository = (*PostgresEntryRepo)(nil)
