package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反エラーコード。
const uniqueViolation = "23505"

// Repos は同一のQuerier上で動作するリポジトリの組。
type Repos struct {
	Users         UserRepository
	Sessions      SessionRepository
	Sources       SourceRepository
	Entries       EntryRepository
	Tags          TagRepository
	Subscriptions SubscriptionRepository
}

// NewRepos はQuerier上のPostgreSQLリポジトリを生成する。
func NewRepos(q Querier) Repos {
	return Repos{
		Users:         NewPostgresUserRepo(q),
		Sessions:      NewPostgresSessionRepo(q),
		Sources:       NewPostgresSourceRepo(q),
		Entries:       NewPostgresEntryRepo(q),
		Tags:          NewPostgresTagRepo(q),
		Subscriptions: NewPostgresSubscriptionRepo(q),
	}
}

// Transactor はリポジトリ操作をひとつのトランザクションで実行するインターフェース。
type Transactor interface {
	InTx(ctx context.Context, fn func(Repos) error) error
}

// Store はトランザクション外の読み取り用リポジトリと、
// 明示的なトランザクション実行を提供する。
type Store struct {
	Repos
	db TxBeginner
}

// NewStore はStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{Repos: NewRepos(db), db: db}
}

// InTx はfnをひとつのトランザクション内で実行する。
// fnがnilを返した場合はコミットし、エラーまたはpanicの場合はロールバックする。
// panicはロールバック後に再送出する。
func (s *Store) InTx(ctx context.Context, fn func(Repos) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(NewRepos(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to rollback transaction: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation はエラーが一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// compile-time interface check
var _ Transactor = (*Store)(nil)
