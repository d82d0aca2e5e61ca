// Package logger はJSON構造化ログの初期化を提供する。
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// level は全ロガー共通の出力レベル。SetLevelで実行中に変更できる。
var level = new(slog.LevelVar)

// Setup はwに出力するJSON構造化ロガーを返す。レベルはSetLevelに従う。
func Setup(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// SetupDefault はSetupのロガーをslogのデフォルトに設定する。wがnilならos.Stdout。
func SetupDefault(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	l := Setup(w)
	slog.SetDefault(l)
	return l
}

// SetLevel はdebug、info、warn、errorのいずれかを設定する。大文字小文字は問わず、
// 空文字列はinfo。slogの "warn+2" のようなオフセット表記も受け付ける。
func SetLevel(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		level.Set(slog.LevelInfo)
		return nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("unknown log level: %q", name)
	}
	level.Set(l)
	return nil
}

// Component はデフォルトロガーにcomponent属性を付けたものを返す。
// ワーカーやサービスごとにログを絞り込むために使う。
func Component(name string) *slog.Logger {
	return slog.Default().With(slog.String("component", name))
}
