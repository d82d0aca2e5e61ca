package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresTagRepo はPostgreSQLを使用したタグリポジトリ。
type PostgresTagRepo struct {
	db Querier
}

// NewPostgresTagRepo はPostgresTagRepoを生成する。
func NewPostgresTagRepo(db Querier) *PostgresTagRepo {
	return &PostgresTagRepo{db: db}
}

// FindOrCreate は (label, user) のタグを取得し、無ければ作成する。
// 同時に作成された場合も一意制約により1件に収束する。
func (r *PostgresTagRepo) FindOrCreate(ctx context.Context, userID, label string) (*model.Tag, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tags (id, user_id, label)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (label, user_id) DO NOTHING`,
		uuid.New().String(), userID, label,
	)
	if err != nil {
		return nil, fmt.Errorf("タグの作成に失敗しました: %w", err)
	}

	tag := &model.Tag{}
	err = r.db.QueryRowContext(ctx,
		`SELECT id, user_id, label FROM tags WHERE label = $1 AND user_id = $2`,
		label, userID,
	).Scan(&tag.ID, &tag.UserID, &tag.Label)
	if err != nil {
		return nil, fmt.Errorf("タグの取得に失敗しました: %w", err)
	}
	return tag, nil
}

// ListByUser はユーザーのタグをラベル順で返す。
func (r *PostgresTagRepo) ListByUser(ctx context.Context, userID string) ([]model.Tag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, label FROM tags WHERE user_id = $1 ORDER BY label, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("タグ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	tags := []model.Tag{}
	for rows.Next() {
		var tag model.Tag
		if err := rows.Scan(&tag.ID, &tag.UserID, &tag.Label); err != nil {
			return nil, fmt.Errorf("タグのスキャンに失敗しました: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("タグ一覧の走査に失敗しました: %w", err)
	}
	return tags, nil
}

// compile-time interface check
var _ TagRepository = (*PostgresTagRepo)(nil)
