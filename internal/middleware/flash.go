package middleware

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
)

const flashCookieName = "flash"

// フラッシュメッセージのカテゴリ。
const (
	FlashInfo  = "info"
	FlashError = "error"
)

// Flash は次の画面表示で一度だけ表示されるメッセージ。
type Flash struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Flasher は短命なCookieでフラッシュメッセージを受け渡す。
// Cookieの値はFlashのリストをJSONにしてbase64エンコードしたもの。
type Flasher struct {
	cookie CookieConfig
}

// NewFlasher はFlasherを生成する。
func NewFlasher(cookie CookieConfig) *Flasher {
	return &Flasher{cookie: cookie}
}

// Add はリクエストに既に付いているメッセージに追加してCookieを書き込む。
func (f *Flasher) Add(w http.ResponseWriter, r *http.Request, category, message string) {
	flashes := append(readFlashes(r), Flash{Category: category, Message: message})

	raw, err := json.Marshal(flashes)
	if err != nil {
		slog.Error("failed to encode flash messages", slog.String("error", err.Error()))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(raw),
		Path:     "/",
		Domain:   f.cookie.Domain,
		MaxAge:   300,
		HttpOnly: true,
		Secure:   f.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Pop はリクエストのメッセージを返し、Cookieを削除する。
func (f *Flasher) Pop(w http.ResponseWriter, r *http.Request) []Flash {
	flashes := readFlashes(r)
	if _, err := r.Cookie(flashCookieName); err == nil {
		http.SetCookie(w, &http.Cookie{
			Name:     flashCookieName,
			Value:    "",
			Path:     "/",
			Domain:   f.cookie.Domain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   f.cookie.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return flashes
}

// readFlashes はCookieからメッセージを読み取る。壊れた値は無視する。
func readFlashes(r *http.Request) []Flash {
	cookie, err := r.Cookie(flashCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return nil
	}
	var flashes []Flash
	if err := json.Unmarshal(raw, &flashes); err != nil {
		return nil
	}
	return flashes
}
