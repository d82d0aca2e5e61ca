// Package feed はフィードの取得、パース、自動検出を提供する。
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/security"
)

// SSRFValidator はsecurity.SSRFGuardServiceのうちClientが使う部分。
// ValidateURLは宛先拒否の場合にsecurity.ErrBlockedAddressをラップしたエラーを返す。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

const userAgent = "Feedsync/1.0 RSS Reader"

// Client はSSRF防止付きでフィードを取得し、gofeedでパースする。
type Client struct {
	ssrfGuard   SSRFValidator
	timeout     time.Duration
	maxBodySize int64
}

// NewClient はClientの新しいインスタンスを生成する。
// timeoutやmaxBodySizeが0以下の場合は10秒、5MBを使用する。
func NewClient(ssrfGuard SSRFValidator, timeout time.Duration, maxBodySize int64) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxBodySize <= 0 {
		maxBodySize = 5 * 1024 * 1024
	}
	return &Client{
		ssrfGuard:   ssrfGuard,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// response はHTTP取得結果。
type response struct {
	contentType string
	body        []byte
}

// get はURLを取得する。SSRF検証、ステータス確認、サイズ上限の確認を行う。
// 失敗時は*model.APIErrorを返す。
func (c *Client) get(ctx context.Context, rawURL, accept string) (*response, error) {
	if rawURL == "" {
		return nil, model.NewInvalidURLError("URLが入力されていません")
	}

	if c.ssrfGuard != nil {
		if err := c.ssrfGuard.ValidateURL(rawURL); err != nil {
			if errors.Is(err, security.ErrBlockedAddress) {
				return nil, model.NewSSRFBlockedError()
			}
			return nil, model.NewInvalidURLError(err.Error())
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, model.NewFetchFailedError(fmt.Sprintf("HTTPステータス %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, model.NewFetchFailedError(fmt.Sprintf("レスポンスが上限 %d バイトを超えています", c.maxBodySize))
	}

	return &response{
		contentType: resp.Header.Get("Content-Type"),
		body:        body,
	}, nil
}

func (c *Client) httpClient() *http.Client {
	if c.ssrfGuard != nil {
		return c.ssrfGuard.NewSafeClient(c.timeout)
	}
	return &http.Client{Timeout: c.timeout}
}

// Parse はフィードを取得してパースする。
// 取得やパースに失敗してもエラーは返さず、Bozo=trueの結果として報告する。
func (c *Client) Parse(ctx context.Context, feedURI string) model.ParsedFeed {
	resp, err := c.get(ctx, feedURI, "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	if err != nil {
		return model.ParsedFeed{Bozo: true, BozoError: err}
	}
	return ParseBytes(resp.body)
}

// ParseBytes は取得済みのフィード本文をパースする。
func ParseBytes(body []byte) model.ParsedFeed {
	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return model.ParsedFeed{Bozo: true, BozoError: fmt.Errorf("フィードのパースに失敗: %w", err)}
	}

	return model.ParsedFeed{
		Title:   strings.TrimSpace(parsed.Title),
		Link:    strings.TrimSpace(parsed.Link),
		Entries: convertGofeedItems(parsed.Items),
	}
}

// convertGofeedItems はgofeedの記事をmodel.ParsedEntryに変換する。
// 値の補完（リンク欠落時のスキップやタイトルの代替）は呼び出し側の責務とする。
func convertGofeedItems(items []*gofeed.Item) []model.ParsedEntry {
	entries := make([]model.ParsedEntry, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		entry := model.ParsedEntry{
			Link:    strings.TrimSpace(item.Link),
			Title:   strings.TrimSpace(item.Title),
			Summary: item.Description,
		}

		if entry.Summary == "" {
			entry.Summary = item.Content
		}

		// LinkがなくGUIDがURL形式の場合はGUIDをLinkとして使用
		if entry.Link == "" &&
			(strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://")) {
			entry.Link = item.GUID
		}

		if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			entry.Updated = &t
		} else if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			entry.Updated = &t
		}

		entries = append(entries, entry)
	}

	return entries
}
