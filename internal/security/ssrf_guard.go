// Package security はフィード取得とHTML表示のセキュリティ機能を提供する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService はフィード取得先の制限を抽象化する。
// 同期、OPML取り込み、フィード検出のすべての取得がこれを経由する。
type SSRFGuardService interface {
	// NewSafeClient は接続時に宛先IPを検証するHTTPクライアントを返す。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はDNS解決を伴わない事前検証を行う。
	ValidateURL(rawURL string) error
}

// ValidateURLが返すエラー。
var (
	ErrEmptyURL         = errors.New("empty URL")
	ErrDisallowedScheme = errors.New("disallowed scheme")
	ErrMissingHost      = errors.New("missing host")
	ErrBlockedAddress   = errors.New("blocked address")
)

var (
	allowedSchemes = []string{"http", "https"}
	allowedPorts   = []uint16{80, 443}

	// netip.Addrの判定メソッドで拾えない予約済み範囲
	extraBlockedPrefixes = []netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/8"),
		netip.MustParsePrefix("100.64.0.0/10"), // CGNAT
		netip.MustParsePrefix("192.0.0.0/24"),
		netip.MustParsePrefix("198.18.0.0/15"),
	}
)

// SSRFGuard はSSRFGuardServiceの実装。
// 接続時の検証はsafeurlに任せ、ValidateURLでは明らかな内部宛先を早期に弾く。
type SSRFGuard struct {
	allowPrivate bool
}

// NewSSRFGuard はSSRFGuardを生成する。
// allowPrivateNetworksはセルフホストのフィードを購読するローカル開発用。
func NewSSRFGuard(allowPrivateNetworks bool) *SSRFGuard {
	return &SSRFGuard{allowPrivate: allowPrivateNetworks}
}

// NewSafeClient はtimeoutを持つHTTPクライアントを返す。
// プライベートネットワークを許可しない場合、safeurlがDNS解決後のIPをDialerで検証するため
// DNSリバインディングでも内部アドレスには接続できない。
func (g *SSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	if g.allowPrivate {
		return &http.Client{Timeout: timeout}
	}

	ports := make([]int, len(allowedPorts))
	for i, p := range allowedPorts {
		ports[i] = int(p)
	}
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(ports...).
		Build()
	return safeurl.Client(config).Client
}

// ValidateURL はスキーム、ホストの有無、IPリテラルとlocalhostを検証する。
// 返すエラーはErrEmptyURLなどの番兵エラーをラップしている。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return ErrEmptyURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: %q", ErrDisallowedScheme, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: %s", ErrMissingHost, rawURL)
	}
	if g.allowPrivate {
		return nil
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && IsInternalAddr(addr) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
	}
	return nil
}

// IsInternalAddr はaddrがループバック、プライベート、リンクローカル（クラウドの
// メタデータ 169.254.169.254 を含む）、未指定、または予約済みの範囲かを返す。
func IsInternalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return true
	}
	for _, p := range extraBlockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

var _ SSRFGuardService = (*SSRFGuard)(nil)
