package feed

import (
	"bytes"
	"context"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hitoshi/feedsync/internal/model"
)

// Kind はHTMLのlink要素で告知されたフィードの形式。
type Kind int

const (
	KindJSON Kind = iota + 1
	KindRSS
	KindAtom
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindRSS:
		return "rss"
	case KindAtom:
		return "atom"
	default:
		return "unknown"
	}
}

// linkTypes はalternateリンクのtype属性とフィード形式の対応。
// application/json はWordPressのREST APIリンクにも使われるため含めない。
var linkTypes = map[string]Kind{
	"application/atom+xml":  KindAtom,
	"application/rss+xml":   KindRSS,
	"application/rdf+xml":   KindRSS,
	"application/feed+json": KindJSON,
}

const detectAccept = "application/atom+xml, application/rss+xml, application/feed+json, " +
	"application/xml;q=0.9, text/xml;q=0.9, text/html;q=0.8, */*;q=0.5"

// Candidate はHTMLページから見つかったフィード候補。
type Candidate struct {
	URL   string
	Kind  Kind
	Title string
}

// Detector はWebページのURLからフィードURLを自動検出する。
// 単一フィードの購読時に使用される。
type Detector struct {
	client *Client
}

// NewDetector はDetectorを生成する。取得にはclientのSSRF防止とサイズ上限が適用される。
func NewDetector(client *Client) *Detector {
	return &Detector{client: client}
}

// DetectFeedURL はinputURLがフィードであればそのまま返し、
// HTMLページであればalternateリンクから最適な候補を選んで返す。
// 失敗時は原因カテゴリと対処方法を含む*model.APIErrorを返す。
func (d *Detector) DetectFeedURL(ctx context.Context, inputURL string) (string, error) {
	inputURL = strings.TrimSpace(inputURL)

	resp, err := d.client.get(ctx, inputURL, detectAccept)
	if err != nil {
		return "", err
	}

	if IsFeed(resp.body) {
		return inputURL, nil
	}
	if !isHTML(resp.contentType, resp.body) {
		return "", model.NewFeedNotDetectedError(inputURL)
	}

	candidates, err := FindCandidates(resp.body, inputURL)
	if err != nil || len(candidates) == 0 {
		return "", model.NewFeedNotDetectedError(inputURL)
	}
	return SelectBest(candidates, inputURL).URL, nil
}

// IsFeed は本文がRSS、Atom、JSON Feedのいずれかかを判定する。
// Content-Typeは信用せず本文で判断する。
func IsFeed(body []byte) bool {
	switch gofeed.DetectFeedType(bytes.NewReader(body)) {
	case gofeed.FeedTypeRSS, gofeed.FeedTypeAtom:
		return true
	case gofeed.FeedTypeJSON:
		// gofeedは妥当なJSONであればJSON Feedと判定するため、versionのURLで確認する
		return bytes.Contains(body, []byte("jsonfeed.org/version"))
	default:
		return false
	}
}

func isHTML(contentType string, body []byte) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
			return true
		}
	}
	return strings.HasPrefix(http.DetectContentType(body), "text/html")
}

// FindCandidates はHTMLのhead内にあるrel="alternate"のフィードリンクを文書順に返す。
// 相対URLは<base href>があればそれを、なければpageURLを基準に解決する。
// 同じURLは最初の1件だけを残す。
func FindCandidates(body []byte, pageURL string) ([]Candidate, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var (
		candidates []Candidate
		seen       = make(map[string]bool)
		baseSeen   bool
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Body:
				return
			case atom.Base:
				// 最初の<base>だけが有効
				if href := attr(n, "href"); href != "" && !baseSeen {
					baseSeen = true
					if u, err := base.Parse(href); err == nil {
						base = u
					}
				}
			case atom.Link:
				if c, ok := candidateFrom(n, base); ok && !seen[c.URL] {
					seen[c.URL] = true
					candidates = append(candidates, c)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return candidates, nil
}

func candidateFrom(n *html.Node, base *url.URL) (Candidate, bool) {
	if !hasToken(attr(n, "rel"), "alternate") {
		return Candidate{}, false
	}
	mediaType, _, err := mime.ParseMediaType(attr(n, "type"))
	if err != nil {
		return Candidate{}, false
	}
	kind, ok := linkTypes[mediaType]
	if !ok {
		return Candidate{}, false
	}
	href := strings.TrimSpace(attr(n, "href"))
	if href == "" {
		return Candidate{}, false
	}
	u, err := base.Parse(href)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Candidate{}, false
	}
	return Candidate{URL: u.String(), Kind: kind, Title: strings.TrimSpace(attr(n, "title"))}, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// hasToken はスペース区切りの属性値にtokenが含まれるかを大文字小文字を区別せずに判定する。
func hasToken(value, token string) bool {
	for _, f := range strings.Fields(value) {
		if strings.EqualFold(f, token) {
			return true
		}
	}
	return false
}

// SelectBest は候補から購読するフィードを選ぶ。
// 入力URLと同じホストを最優先し、次にAtom、RSS、JSON Feedの順に優先する。
// 同点の場合は文書中で先に現れた候補を選ぶ。candidatesが空の場合はnilを返す。
func SelectBest(candidates []Candidate, inputURL string) *Candidate {
	inputHost := hostOf(inputURL)

	var best *Candidate
	bestScore := -1
	for i := range candidates {
		score := int(candidates[i].Kind)
		if inputHost != "" && hostOf(candidates[i].URL) == inputHost {
			score += 100
		}
		if score > bestScore {
			best, bestScore = &candidates[i], score
		}
	}
	return best
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
