package model

import "time"

// Entry はフィードの1記事を表す。
// (SourceID, Link, Title, Updated) の組で一意となり、
// タイトルや更新日時が変わった記事は別の行として保存される。
type Entry struct {
	ID        string
	SourceID  string
	Link      string
	Title     string
	Summary   string
	Updated   time.Time
	CreatedAt time.Time
}

// EntryView はユーザー視点の記事一覧表示用モデル。
// 記事に所属するソースのユーザーごとの表示名とタグを含む。
type EntryView struct {
	Entry
	SourceLink  string
	SourceLabel string
	SourceTags  []string
}
