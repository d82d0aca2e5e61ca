package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/feedsync/internal/auth"
	"github.com/hitoshi/feedsync/internal/middleware"
	"github.com/hitoshi/feedsync/internal/model"
)

// loginFailedMessage はログイン失敗時のフラッシュメッセージ。
// ユーザー名とパスワードのどちらが誤っているかは区別しない。
const loginFailedMessage = "User login failed."

// AuthService は認証サービスのインターフェース。
type AuthService interface {
	Login(ctx context.Context, name, password string) (*model.Session, *model.User, error)
	Logout(ctx context.Context, sessionID string) error
}

// LoginRecorder はログイン試行のメトリクス記録インターフェース。
type LoginRecorder interface {
	RecordLogin(success bool)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Cookie        middleware.CookieConfig
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はログイン・ログアウトのHTTPハンドラー。
type AuthHandler struct {
	service  AuthService
	flash    *middleware.Flasher
	metrics  LoginRecorder
	config   AuthHandlerConfig
	validate *validator.Validate
}

// NewAuthHandler はAuthHandlerの新しいインスタンスを生成する。
func NewAuthHandler(service AuthService, flash *middleware.Flasher, metrics LoginRecorder, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		flash:    flash,
		metrics:  metrics,
		config:   config,
		validate: validator.New(),
	}
}

// loginForm はログインフォームの入力値。
type loginForm struct {
	Name     string `validate:"required,max=100"`
	Password string `validate:"required,max=256"`
}

// Login はフォームの名前とパスワードで認証し、セッションCookieを発行する。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	form := loginForm{
		Name:     strings.TrimSpace(r.FormValue("name")),
		Password: r.FormValue("password"),
	}
	if err := h.validate.Struct(form); err != nil {
		h.flash.Add(w, r, middleware.FlashError, loginFailedMessage)
		redirectHome(w, r)
		return
	}

	session, user, err := h.service.Login(r.Context(), form.Name, form.Password)
	if err != nil {
		h.metrics.RecordLogin(false)
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			slog.Error("ログイン処理に失敗しました", slog.String("error", err.Error()))
		}
		h.flash.Add(w, r, middleware.FlashError, loginFailedMessage)
		redirectHome(w, r)
		return
	}

	h.metrics.RecordLogin(true)
	middleware.SetSessionCookie(w, h.config.Cookie, session.ID, h.config.SessionMaxAge)
	h.flash.Add(w, r, middleware.FlashInfo, fmt.Sprintf("User %q logged in.", user.Name))
	redirectHome(w, r)
}

// Logout はセッションを破棄し、セッションCookieを削除する。
// 未ログインの場合はリダイレクトのみ行う。
// GET /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.ClearSessionCookie(w, h.config.Cookie)
		redirectHome(w, r)
		return
	}

	if sessionID := middleware.SessionIDFromContext(r.Context()); sessionID != "" {
		if err := h.service.Logout(r.Context(), sessionID); err != nil {
			slog.Error("セッションの削除に失敗しました",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	middleware.ClearSessionCookie(w, h.config.Cookie)
	h.flash.Add(w, r, middleware.FlashInfo, fmt.Sprintf("User %q logged out.", user.Name))
	redirectHome(w, r)
}
