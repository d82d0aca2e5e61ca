package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db Querier
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db Querier) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// FindBySourceAndUser は購読をタグ付きで取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindBySourceAndUser(ctx context.Context, sourceID, userID string) (*model.Subscription, error) {
	sub := &model.Subscription{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, source_id, user_id, user_label, created_at
		 FROM subscriptions
		 WHERE source_id = $1 AND user_id = $2`,
		sourceID, userID,
	).Scan(&sub.ID, &sub.SourceID, &sub.UserID, &sub.UserLabel, &sub.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}

	tags, err := r.listTags(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	sub.Tags = tags
	return sub, nil
}

// CreateIfAbsent は購読を作成する。既に存在する場合は既存の購読とfalseを返す。
func (r *PostgresSubscriptionRepo) CreateIfAbsent(ctx context.Context, sub *model.Subscription) (*model.Subscription, bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, source_id, user_id, user_label, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (source_id, user_id) DO NOTHING`,
		sub.ID, sub.SourceID, sub.UserID, sub.UserLabel, sub.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("購読の作成に失敗しました: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("購読作成結果の取得に失敗しました: %w", err)
	}
	if n == 1 {
		return sub, true, nil
	}

	existing, err := r.FindBySourceAndUser(ctx, sub.SourceID, sub.UserID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("競合した購読が見つかりません: source=%s user=%s", sub.SourceID, sub.UserID)
	}
	return existing, false, nil
}

// AddTags は購読に未付与のタグのみを追加し、追加件数を返す。
func (r *PostgresSubscriptionRepo) AddTags(ctx context.Context, subscriptionID string, tagIDs []string) (int, error) {
	if len(tagIDs) == 0 {
		return 0, nil
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO subscription_tags (subscription_id, tag_id)
		 SELECT $1::uuid, tag_id FROM unnest($2::uuid[]) AS tag_id
		 ON CONFLICT DO NOTHING`,
		subscriptionID, pq.Array(tagIDs),
	)
	if err != nil {
		return 0, fmt.Errorf("購読へのタグ追加に失敗しました: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("タグ追加結果の取得に失敗しました: %w", err)
	}
	return int(n), nil
}

// ListViewsByUser はユーザーの購読ソースを表示名順で返す。
func (r *PostgresSubscriptionRepo) ListViewsByUser(ctx context.Context, userID string) ([]model.SourceView, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, s.feed_uri, s.fetched_label, s.link, s.last_check, s.last_fetch, s.created_at,
		        sub.user_label,
		        COALESCE(array_agg(t.label ORDER BY t.label) FILTER (WHERE t.id IS NOT NULL), '{}')
		 FROM subscriptions sub
		 JOIN sources s ON s.id = sub.source_id
		 LEFT JOIN subscription_tags st ON st.subscription_id = sub.id
		 LEFT JOIN tags t ON t.id = st.tag_id
		 WHERE sub.user_id = $1
		 GROUP BY s.id, sub.id
		 ORDER BY COALESCE(NULLIF(sub.user_label, ''), s.fetched_label), s.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	views := []model.SourceView{}
	for rows.Next() {
		var v model.SourceView
		var labels []string
		if err := rows.Scan(
			&v.ID, &v.FeedURI, &v.FetchedLabel, &v.Link, &v.LastCheck, &v.LastFetch, &v.CreatedAt,
			&v.UserLabel, pq.Array(&labels),
		); err != nil {
			return nil, fmt.Errorf("購読のスキャンに失敗しました: %w", err)
		}
		v.LastCheck = v.LastCheck.UTC()
		v.LastFetch = v.LastFetch.UTC()
		v.TagLabels = labels
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読一覧の走査に失敗しました: %w", err)
	}
	return views, nil
}

func (r *PostgresSubscriptionRepo) listTags(ctx context.Context, subscriptionID string) ([]model.Tag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.id, t.user_id, t.label
		 FROM subscription_tags st
		 JOIN tags t ON t.id = st.tag_id
		 WHERE st.subscription_id = $1
		 ORDER BY t.label`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読タグの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tags []model.Tag
	for rows.Next() {
		var tag model.Tag
		if err := rows.Scan(&tag.ID, &tag.UserID, &tag.Label); err != nil {
			return nil, fmt.Errorf("購読タグのスキャンに失敗しました: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
