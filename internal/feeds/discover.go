// Package feeds identifies RSS and Atom feeds and the names they publish.
package feeds

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonathan/robopost/internal/fetch"
)

// Kind is the document type a URL resolved to.
type Kind string

const (
	KindRSS  Kind = "rss"
	KindAtom Kind = "atom"
	KindHTML Kind = "html"
)

// ErrNoTitle is returned when a document carries no usable title.
var ErrNoTitle = errors.New("no title found")

// Feed describes a discovered source.
type Feed struct {
	Title string
	// URL is the feed location. For HTML pages it is the advertised alternate
	// feed when one exists, otherwise the page itself.
	URL  string
	Kind Kind
}

// Discover fetches rawURL and extracts a title from it.
func Discover(ctx context.Context, rawURL string, opts *fetch.Options) (*Feed, error) {
	result, err := fetch.URL(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	return Parse(result.Body, result.URL)
}

// Parse inspects a fetched document. XML roots of rss, rdf:RDF and feed are
// read as feeds; anything else is treated as HTML.
func Parse(body []byte, docURL string) (*Feed, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrNoTitle
	}
	if root, ok := xmlRoot(trimmed); ok {
		switch root {
		case "rss", "RDF":
			return parseRSS(trimmed, docURL)
		case "feed":
			return parseAtom(trimmed, docURL)
		}
	}
	return parseHTML(trimmed, docURL)
}

// FallbackName derives a display name from the URL host.
func FallbackName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// xmlRoot returns the local name of the first element when body is XML.
func xmlRoot(body []byte) (string, bool) {
	if body[0] != '<' || bytes.HasPrefix(bytes.ToLower(body), []byte("<!doctype html")) {
		return "", false
	}
	dec := newDecoder(body)
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, true
		}
	}
}

type rssDocument struct {
	Channel struct {
		Title string `xml:"title"`
	} `xml:"channel"`
}

type atomDocument struct {
	Title string `xml:"title"`
}

func parseRSS(body []byte, docURL string) (*Feed, error) {
	var doc rssDocument
	if err := decodeXML(body, &doc); err != nil {
		return nil, fmt.Errorf("parse rss: %w", err)
	}
	title := cleanTitle(doc.Channel.Title)
	if title == "" {
		return nil, ErrNoTitle
	}
	return &Feed{Title: title, URL: docURL, Kind: KindRSS}, nil
}

func parseAtom(body []byte, docURL string) (*Feed, error) {
	var doc atomDocument
	if err := decodeXML(body, &doc); err != nil {
		return nil, fmt.Errorf("parse atom: %w", err)
	}
	title := cleanTitle(doc.Title)
	if title == "" {
		return nil, ErrNoTitle
	}
	return &Feed{Title: title, URL: docURL, Kind: KindAtom}, nil
}

func decodeXML(body []byte, v any) error {
	return newDecoder(body).Decode(v)
}

// newDecoder tolerates declared non-UTF-8 charsets by reading the bytes as-is.
func newDecoder(body []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	return dec
}

var alternateTypes = []string{"application/rss+xml", "application/atom+xml"}

func parseHTML(body []byte, docURL string) (*Feed, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	feed := &Feed{URL: docURL, Kind: KindHTML}
	for _, typ := range alternateTypes {
		link := doc.Find(fmt.Sprintf(`link[rel="alternate"][type=%q]`, typ)).First()
		if href, ok := link.Attr("href"); ok && strings.TrimSpace(href) != "" {
			feed.URL = resolve(docURL, strings.TrimSpace(href))
			if title := cleanTitle(link.AttrOr("title", "")); title != "" {
				feed.Title = title
			}
			break
		}
	}

	if feed.Title == "" {
		feed.Title = cleanTitle(doc.Find("head > title").First().Text())
	}
	if feed.Title == "" {
		feed.Title = cleanTitle(doc.Find(`meta[property="og:site_name"]`).AttrOr("content", ""))
	}
	if feed.Title == "" {
		return nil, ErrNoTitle
	}
	return feed, nil
}

func resolve(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

func cleanTitle(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
