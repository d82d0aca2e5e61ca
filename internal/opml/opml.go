// Package opml はOPMLの解析と、ユーザーの購読への取り込みを提供する。
package opml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// ErrInvalidOPML はOPMLとして解析できない場合に返される。
var ErrInvalidOPML = errors.New("invalid OPML")

// Document はOPML文書を表す。
type Document struct {
	Head Head  `xml:"head"`
	Body *Body `xml:"body"`
}

// Head はOPMLのhead要素。
type Head struct {
	Title string `xml:"title"`
}

// Body はOPMLのbody要素。
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline はOPMLのoutline要素。フィードまたはタグを表す。
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr"`
	Type     string    `xml:"type,attr"`
	XMLURL   string    `xml:"xmlUrl,attr"`
	HTMLURL  string    `xml:"htmlUrl,attr"`
	Outlines []Outline `xml:"outline"`
}

// OutlineKind はoutline要素の種類。
type OutlineKind int

const (
	// KindTag は子要素を持つタグ（フォルダ）。
	KindTag OutlineKind = iota
	// KindFeed はフィードの購読。
	KindFeed
)

// Kind はoutlineの種類を返す。type属性が "rss" の場合のみフィードとする。
func (o Outline) Kind() OutlineKind {
	if o.Type == "rss" {
		return KindFeed
	}
	return KindTag
}

// FeedURI はフィードのURIを返す。
func (o Outline) FeedURI() string {
	return strings.TrimSpace(o.XMLURL)
}

// Label はタグのラベルを返す。text属性が空の場合はtitle属性を使う。
func (o Outline) Label() string {
	if label := strings.TrimSpace(o.Text); label != "" {
		return label
	}
	return strings.TrimSpace(o.Title)
}

// Parse はOPML文書を解析する。
// XMLとして不正な場合やbody要素が無い場合はErrInvalidOPMLを返す。
func Parse(r io.Reader) (*Document, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOPML, err)
	}
	if doc.Body == nil {
		return nil, fmt.Errorf("%w: body要素がありません", ErrInvalidOPML)
	}
	return &doc, nil
}

// FeedURIs はフィードoutlineのURIを文書順で返す。
func (d *Document) FeedURIs() []string {
	var uris []string
	var walk func([]Outline)
	walk = func(outlines []Outline) {
		for _, o := range outlines {
			if o.Kind() == KindFeed {
				if uri := o.FeedURI(); uri != "" {
					uris = append(uris, uri)
				}
				continue
			}
			walk(o.Outlines)
		}
	}
	if d.Body != nil {
		walk(d.Body.Outlines)
	}
	return uris
}
