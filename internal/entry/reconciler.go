// Package entry はフィードから取得した記事と保存済み記事の突き合わせを提供する。
package entry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/security"
)

// Result は突き合わせの結果。
type Result struct {
	// Seen はフィードに含まれていた記事数（リンク欠落でスキップした記事を含む）。
	Seen int
	// Added は新たに保存した記事数。
	Added int
}

// Reconciler は記事の同一性判定と新規記事の保存を行う。
// 同一性は (source, link, title, updated) の組で判定し、
// タイトルや更新日時が変わった記事は新しい版として別の行に保存する。
type Reconciler struct {
	sanitizer security.ContentSanitizerService
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler はReconcilerの新しいインスタンスを生成する。
func NewReconciler(sanitizer security.ContentSanitizerService, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

// Reconcile はフィードの記事をフィード順に処理し、未保存の記事のみを保存する。
// entriesはトランザクション内のリポジトリを渡すこと。
func (r *Reconciler) Reconcile(
	ctx context.Context,
	entries repository.EntryRepository,
	sourceID string,
	parsed []model.ParsedEntry,
) (Result, error) {
	var res Result
	createdAt := r.now().UTC()

	for _, raw := range parsed {
		res.Seen++

		if raw.Link == "" {
			r.logger.Debug("リンクの無い記事をスキップしました",
				slog.String("source_id", sourceID),
				slog.String("title", raw.Title),
			)
			continue
		}

		e := &model.Entry{
			ID:        uuid.New().String(),
			SourceID:  sourceID,
			Link:      raw.Link,
			Title:     raw.Title,
			Summary:   r.sanitizer.Sanitize(raw.Summary),
			Updated:   NormalizeUpdated(raw.Updated),
			CreatedAt: createdAt,
		}
		if e.Title == "" {
			e.Title = e.Link
		}

		inserted, err := entries.InsertIfAbsent(ctx, e)
		if err != nil {
			return res, fmt.Errorf("記事の保存に失敗しました (link=%s): %w", e.Link, err)
		}
		if inserted {
			res.Added++
		}
	}

	return res, nil
}

// NormalizeUpdated は記事の更新日時を保存用に正規化する。
// nilの場合はmodel.MinTimeを返す。PostgreSQLの精度に合わせてマイクロ秒に切り捨てる。
func NormalizeUpdated(t *time.Time) time.Time {
	if t == nil {
		return model.MinTime
	}
	return t.UTC().Truncate(time.Microsecond)
}
