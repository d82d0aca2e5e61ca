// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// ErrAlreadyExists は一意制約に違反した場合に返される。
var ErrAlreadyExists = errors.New("record already exists")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// Create はユーザーを作成する。名前が重複する場合はErrAlreadyExistsを返す。
	Create(ctx context.Context, user *model.User) error
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
	// FindByName は名前でユーザーを検索する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, name string) (*model.User, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpiredBefore はcutoffより前に期限切れとなったセッションを削除し、削除件数を返す。
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SourceRepository はフィード取得元の永続化インターフェース。
type SourceRepository interface {
	// FindByFeedURI はフィードURIでソースを検索する。見つからない場合はnilを返す。
	FindByFeedURI(ctx context.Context, feedURI string) (*model.Source, error)

	// CreateIfAbsent はソースを作成する。
	// 同じフィードURIのソースが既に存在する場合は作成せず、既存のソースとfalseを返す。
	CreateIfAbsent(ctx context.Context, source *model.Source) (*model.Source, bool, error)

	// ListAll は全ソースを返す。
	ListAll(ctx context.Context) ([]*model.Source, error)

	// UpdateSyncState はfetched_label、last_check、last_fetchを更新する。
	UpdateSyncState(ctx context.Context, source *model.Source) error

	// DeleteAll は全ソースを削除し、削除件数を返す。
	// 記事と購読はCASCADE削除される。
	DeleteAll(ctx context.Context) (int64, error)
}

// EntryRepository は記事データの永続化インターフェース。
type EntryRepository interface {
	// InsertIfAbsent は (source, link, title, updated) が一致する記事が無い場合のみ挿入する。
	// 挿入した場合はtrueを返す。
	InsertIfAbsent(ctx context.Context, entry *model.Entry) (bool, error)

	// ListForUser はユーザーが購読しているソースの記事をupdated降順で返す。
	ListForUser(ctx context.Context, userID string, limit int) ([]model.EntryView, error)
}

// TagRepository はタグデータの永続化インターフェース。
type TagRepository interface {
	// FindOrCreate は (label, user) のタグを取得し、無ければ作成する。
	FindOrCreate(ctx context.Context, userID, label string) (*model.Tag, error)

	// ListByUser はユーザーのタグをラベル順で返す。
	ListByUser(ctx context.Context, userID string) ([]model.Tag, error)
}

// SubscriptionRepository はユーザーごとのソース情報の永続化インターフェース。
type SubscriptionRepository interface {
	// FindBySourceAndUser は購読をタグ付きで取得する。見つからない場合はnilを返す。
	FindBySourceAndUser(ctx context.Context, sourceID, userID string) (*model.Subscription, error)

	// CreateIfAbsent は購読を作成する。
	// 既に存在する場合は作成せず、既存の購読とfalseを返す。
	CreateIfAbsent(ctx context.Context, sub *model.Subscription) (*model.Subscription, bool, error)

	// AddTags は購読に未付与のタグのみを追加し、追加件数を返す。既存のタグは削除しない。
	AddTags(ctx context.Context, subscriptionID string, tagIDs []string) (int, error)

	// ListViewsByUser はユーザーの購読ソースを表示名順で返す。
	ListViewsByUser(ctx context.Context, userID string) ([]model.SourceView, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Querier は*sql.DBと*sql.Txの共通インターフェース。
// リポジトリはトランザクションの有無を意識せずにクエリを発行できる。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
