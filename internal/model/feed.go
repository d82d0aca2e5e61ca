// Package model はドメインモデルを定義する。
package model

import "time"

// MinTime は「不明」「未同期」を表す番兵のタイムスタンプ。
// 更新日時の無い記事や、一度も同期されていないソースに使用する。
var MinTime = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

// Source は複数ユーザーで共有されるフィード取得元を表す。
// FeedURIで一意となる。
type Source struct {
	ID           string
	FeedURI      string
	FetchedLabel string
	Link         string
	// LastCheck は同期を試行するたびに更新される。
	LastCheck time.Time
	// LastFetch は正常にフェッチできた場合のみ更新される。
	LastFetch time.Time
	CreatedAt time.Time
}

// Subscription はユーザーごとのソース情報（表示名とタグ）を表す。
// (SourceID, UserID) で一意となる。
type Subscription struct {
	ID        string
	SourceID  string
	UserID    string
	UserLabel string
	Tags      []Tag
	CreatedAt time.Time
}

// Tag はユーザーごとのラベル。(Label, UserID) で一意となる。
type Tag struct {
	ID     string
	UserID string
	Label  string
}

// SourceView はユーザー視点のソース一覧表示用モデル。
type SourceView struct {
	Source
	UserLabel string
	TagLabels []string
}

// Label はユーザー指定の表示名を返す。未指定の場合はフェッチした表示名を返す。
func (v SourceView) Label() string {
	if v.UserLabel != "" {
		return v.UserLabel
	}
	return v.FetchedLabel
}

// ParsedFeed はフィードパーサーの結果を表す。
// Bozoがtrueの場合はフェッチまたはパースに失敗しており、その他のフィールドは信頼できない。
type ParsedFeed struct {
	Bozo      bool
	BozoError error
	Title     string
	Link      string
	Entries   []ParsedEntry
}

// ParsedEntry はパース済みの記事を表す。
// Updatedがnilの場合、フィードが更新日時を提供していないことを示す。
type ParsedEntry struct {
	Link    string
	Title   string
	Summary string
	Updated *time.Time
}
