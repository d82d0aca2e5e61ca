package security

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// httpsOnly はimgのsrcとして許可するURLパターン。
var httpsOnly = regexp.MustCompile(`^https://`)

// ContentSanitizerService は記事サマリーのサニタイズ機能のインターフェース。
type ContentSanitizerService interface {
	// Sanitize はHTMLをサニタイズして安全なHTMLを返す。同一入力に対して常に同一出力を返す。
	Sanitize(rawHTML string) string
}

// ContentSanitizer はbluemondayの許可リストポリシーで記事サマリーをサニタイズする。
// ポリシーは生成後に変更しないため、複数goroutineから同時に使用できる。
type ContentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerを生成する。
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, b, i, img
//   - aのhrefは絶対URLのみ。target="_blank" と rel="noopener noreferrer" を付与する
//   - imgのsrcはhttpsのみ
func NewContentSanitizer() *ContentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "b", "i",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("http", "https")
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("alt").OnElements("img")
	p.AllowAttrs("src").Matching(httpsOnly).OnElements("img")

	return &ContentSanitizer{policy: p}
}

// Sanitize はHTMLをサニタイズし、前後の空白を取り除いて返す。
func (s *ContentSanitizer) Sanitize(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return strings.TrimSpace(s.policy.Sanitize(rawHTML))
}

// compile-time interface check
var _ ContentSanitizerService = (*ContentSanitizer)(nil)
