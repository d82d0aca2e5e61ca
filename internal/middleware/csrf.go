package middleware

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

const (
	// csrfCookieName はダブルサブミット用トークンのCookie名。
	// ページ内のスクリプトから読めるようHttpOnlyにしない。
	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"

	// CSRFFormField はHTMLフォームの隠しフィールド名。
	CSRFFormField = "csrf_token"

	defaultCSRFMaxAge = 24 * time.Hour
	csrfTokenBytes    = 32
)

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string
	// MaxFormBytes はフォームからトークンを読み取る際のボディ上限。0の場合は上限なし。
	MaxFormBytes int64
	// MaxAge はトークンCookieの有効期間。0の場合は24時間。
	MaxAge time.Duration
}

func (c CSRFConfig) cookie(token string) *http.Cookie {
	maxAge := c.MaxAge
	if maxAge <= 0 {
		maxAge = defaultCSRFMaxAge
	}
	return &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Domain:   c.CookieDomain,
		MaxAge:   int(maxAge.Seconds()),
		Secure:   c.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// NewCSRFMiddleware はダブルサブミットCookie方式のCSRF対策ミドルウェアを返す。
//
// GET, HEAD, OPTIONS は検証せず、トークンCookieを用意してコンテキストに格納する。
// それ以外のメソッドではCookieの値と、X-CSRF-Tokenヘッダーまたはフォームの
// csrf_tokenフィールドの値が一致しなければ403を返す。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var token string
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				token = issueCSRFToken(w, r, config)
			default:
				var reason string
				token, reason = verifyCSRFToken(w, r, config)
				if reason != "" {
					rejectCSRF(w, r, reason)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), csrfTokenContextKey, token)))
		})
	}
}

// verifyCSRFToken は一致したトークンを返す。失敗時は理由を返す。
func verifyCSRFToken(w http.ResponseWriter, r *http.Request, config CSRFConfig) (token, reason string) {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return "", "missing cookie token"
	}

	submitted := r.Header.Get(csrfHeaderName)
	if submitted == "" {
		if config.MaxFormBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, config.MaxFormBytes)
		}
		// multipartの場合もFormValueが解析する
		submitted = r.FormValue(CSRFFormField)
	}
	switch {
	case submitted == "":
		return "", "missing submitted token"
	case subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(submitted)) != 1:
		return "", "token mismatch"
	}
	return cookie.Value, ""
}

func rejectCSRF(w http.ResponseWriter, r *http.Request, reason string) {
	slog.WarnContext(r.Context(), "CSRF validation failed",
		slog.String("reason", reason),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
	if wantsJSON(r) {
		WriteAPIError(w, model.NewCSRFFailedError())
		return
	}
	http.Error(w, "CSRF token validation failed", http.StatusForbidden)
}

// CSRFTokenFromContext はCSRFミドルウェアが格納したトークンを返す。
// テンプレートの隠しフィールドに埋め込むために使う。
func CSRFTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(csrfTokenContextKey).(string)
	return token
}

// NewCSRFTokenHandler は GET /api/csrf-token のハンドラーを返す。
// スクリプトからPOSTする画面向けに、現在のトークンをJSONで返す。
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := issueCSRFToken(w, r, config)
		if token == "" {
			WriteInternalServerError(w)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Token string `json:"token"`
		}{token})
	})
}

// issueCSRFToken は既存のトークンCookieがあればその値を、なければ新しく発行して返す。
// 乱数の取得に失敗した場合は空文字列を返す。
func issueCSRFToken(w http.ResponseWriter, r *http.Request, config CSRFConfig) string {
	if cookie, err := r.Cookie(csrfCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		slog.ErrorContext(r.Context(), "failed to generate CSRF token", slog.String("error", err.Error()))
		return ""
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	http.SetCookie(w, config.cookie(token))
	return token
}
