// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、以降は変更しない。
type Config struct {
	DatabaseURL string `env:"DATABASE_URL" validate:"required"`
	BaseURL     string `env:"BASE_URL" validate:"required,url"`
	ServerPort  string `env:"SERVER_PORT" env-default:"8080" validate:"required,numeric"`

	// SessionMaxAge はログインセッションの有効期間（秒）。
	SessionMaxAge        int `env:"SESSION_MAX_AGE" env-default:"2592000" validate:"gt=0"`
	SessionRetentionDays int `env:"SESSION_RETENTION_DAYS" env-default:"7" validate:"gt=0"`

	FetchTimeout       time.Duration `env:"FETCH_TIMEOUT" env-default:"10s" validate:"gt=0"`
	FetchMaxSize       int64         `env:"FETCH_MAX_SIZE" env-default:"5242880" validate:"gt=0"`
	FetchMaxConcurrent int           `env:"FETCH_MAX_CONCURRENT" env-default:"10" validate:"gt=0"`
	FetchInterval      time.Duration `env:"FETCH_INTERVAL" env-default:"30m" validate:"gt=0"`
	OPMLMaxSize        int64         `env:"OPML_MAX_SIZE" env-default:"1048576" validate:"gt=0"`

	LogLevel string `env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`

	CookieDomain      string `env:"COOKIE_DOMAIN"`
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN"`

	// AllowPrivateNetworks はセルフホストのフィードを購読するローカル開発用。
	AllowPrivateNetworks bool `env:"ALLOW_PRIVATE_NETWORKS" env-default:"false"`

	// CookieSecure はBASE_URLがhttpsのときtrue。
	CookieSecure bool
}

var validate = validator.New()

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 値を解釈できない変数や制約を満たさない変数があればエラーを返す。
// 制約違反はまとめて環境変数名で報告する。
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load()
}

func load() (*Config, error) {
	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	if err := validate.Struct(cfg); err != nil {
		return nil, describe(err)
	}
	return cfg, nil
}

// describe はバリデーションエラーを "BASE_URL (url)" の形に変換する。
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", EnvName(fe.StructField()), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
}

// EnvName はConfigのフィールド名に対応する環境変数名を返す。
func EnvName(field string) string {
	f, ok := reflect.TypeOf(Config{}).FieldByName(field)
	if !ok {
		return field
	}
	if name := f.Tag.Get("env"); name != "" {
		return name
	}
	return field
}

// Usage は設定可能な環境変数とデフォルト値の一覧を返す。CLIのヘルプに表示する。
func Usage() string {
	var b strings.Builder
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Tag.Get("env")
		if name == "" {
			continue
		}
		fmt.Fprintf(&b, "  %s", name)
		if def, ok := f.Tag.Lookup("env-default"); ok {
			fmt.Fprintf(&b, " (default %s)", def)
		}
		if strings.Contains(f.Tag.Get("validate"), "required") {
			b.WriteString(" (required)")
		}
		b.WriteByte('\n')
	}
	return b.String()
}
