// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/feedsync/internal/auth"
	"github.com/hitoshi/feedsync/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

type contextKey int

const (
	sessionContextKey contextKey = iota
	csrfTokenContextKey
)

// sessionInfo はセッションミドルウェアが復元した認証状態。
type sessionInfo struct {
	user *model.User
	id   string
}

// SessionRestorer はセッションIDからユーザーを復元するインターフェース。
// auth.Serviceが満たす。
type SessionRestorer interface {
	RestoreSession(ctx context.Context, sessionID string) (*model.User, error)
}

// CookieConfig はアプリケーションが発行するCookieの共通属性。
type CookieConfig struct {
	Secure bool
	Domain string
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを読み取り、
// 有効であればログインユーザーをリクエストコンテキストに注入するミドルウェアを返す。
// 未ログインのリクエストもそのまま通過させる。認証の強制はRequireUserJSON / RequireUserRedirectで行う。
func NewSessionMiddleware(restorer SessionRestorer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			user, err := restorer.RestoreSession(r.Context(), cookie.Value)
			switch {
			case errors.Is(err, auth.ErrNoSession):
			case err != nil:
				slog.WarnContext(r.Context(), "failed to restore session, continuing anonymously",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
			default:
				r = r.WithContext(context.WithValue(r.Context(), sessionContextKey,
					sessionInfo{user: user, id: cookie.Value}))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUserJSON は未ログインのリクエストに401と統一エラーフォーマットを返すミドルウェア。
func RequireUserJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUserRedirect は未ログインのリクエストをフラッシュメッセージ付きで
// トップページにリダイレクトするミドルウェアを返す。
func RequireUserRedirect(flash *Flasher) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := UserFromContext(r.Context()); !ok {
				flash.Add(w, r, FlashError, "Please log in first.")
				http.Redirect(w, r, "/", http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserFromContext はリクエストコンテキストからログインユーザーを取得する。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	info, _ := ctx.Value(sessionContextKey).(sessionInfo)
	return info.user, info.user != nil
}

// UserIDFromContext はログインユーザーのIDを返す。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, ok := UserFromContext(ctx)
	if !ok || user.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// SessionIDFromContext はリクエストのセッションIDを返す。未ログインなら空文字列。
func SessionIDFromContext(ctx context.Context) string {
	info, _ := ctx.Value(sessionContextKey).(sessionInfo)
	return info.id
}

// ContextWithUser はセッションIDを伴わずにログインユーザーを注入する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, sessionContextKey, sessionInfo{user: user})
}

// SetSessionCookie はHttpOnlyのセッションCookieを設定する。
func SetSessionCookie(w http.ResponseWriter, config CookieConfig, sessionID string, maxAge int) {
	http.SetCookie(w, config.sessionCookie(sessionID, maxAge))
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, config.sessionCookie("", -1))
}

func (c CookieConfig) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
