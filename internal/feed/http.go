package feed

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"
	jsonfeed "github.com/mmcdole/gofeed/json"
	"github.com/mmcdole/gofeed/rss"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 10 << 20
	userAgent          = "feedr/1.0 (+https://github.com/edgard/feedr)"
)

// ErrPageTooLarge is returned when a feed page exceeds the configured body size.
var ErrPageTooLarge = errors.New("feed page too large")

// HTTPFetcher downloads feed pages over HTTP and parses them with gofeed.
type HTTPFetcher struct {
	client      *http.Client
	clock       clockwork.Clock
	maxBodySize int64
	logger      *slog.Logger
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithClock sets the clock used to stamp entries that carry no date.
func WithClock(c clockwork.Clock) Option {
	return func(f *HTTPFetcher) { f.clock = c }
}

// WithMaxBodySize caps the size of a downloaded page.
func WithMaxBodySize(n int64) Option {
	return func(f *HTTPFetcher) { f.maxBodySize = n }
}

// NewHTTPFetcher creates a fetcher whose requests time out after timeout.
func NewHTTPFetcher(timeout time.Duration, logger *slog.Logger, opts ...Option) *HTTPFetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &HTTPFetcher{
		client:      &http.Client{Timeout: timeout},
		clock:       clockwork.NewRealClock(),
		maxBodySize: defaultMaxBodySize,
		logger:      logger.With("component", "feed_fetcher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads and parses the page at pageURL.
func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	body, err := f.download(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url %q: %w", pageURL, err)
	}

	doc, err := parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed %s: %w", pageURL, err)
	}

	page := &Page{URL: pageURL}
	if doc.next != "" {
		page.Next = resolve(base, doc.next)
	}

	fetchedAt := f.clock.Now()
	for i, item := range doc.feed.Items {
		link := itemLink(item)
		if link == "" {
			f.logger.DebugContext(ctx, "Skipping feed item without link", "feed", pageURL, "title", item.Title)
			continue
		}
		title := PlainText(item.Title)
		if doc.markupTitle(i) {
			title = StripMarkup(item.Title)
		}
		page.Entries = append(page.Entries, Entry{
			Link:        resolve(base, link),
			Title:       title,
			PublishedAt: itemTime(item, fetchedAt),
		})
	}

	f.logger.DebugContext(ctx, "Fetched feed page", "url", pageURL, "entries", len(page.Entries), "next", page.Next)
	return page, nil
}

func (f *HTTPFetcher) download(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/atom+xml, application/rss+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to fetch %s: unexpected status %s", pageURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", pageURL, err)
	}
	if int64(len(body)) > f.maxBodySize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrPageTooLarge, pageURL, f.maxBodySize)
	}
	return body, nil
}

// document is a parsed feed page.
type document struct {
	feed *gofeed.Feed
	next string
	// markup flags the items whose title is declared as HTML or XHTML.
	markup []bool
}

func (d *document) markupTitle(i int) bool {
	return i < len(d.markup) && d.markup[i]
}

// parse runs the format specific parser so the pagination links survive, then
// translates the result into gofeed's universal model for the items.
func parse(body []byte) (*document, error) {
	switch gofeed.DetectFeedType(bytes.NewReader(body)) {
	case gofeed.FeedTypeAtom:
		raw, err := (&atom.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		parsed, err := (&gofeed.DefaultAtomTranslator{}).Translate(raw)
		if err != nil {
			return nil, err
		}
		return &document{feed: parsed, next: atomNext(raw), markup: atomTitleMarkup(body)}, nil

	case gofeed.FeedTypeRSS:
		raw, err := (&rss.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		parsed, err := (&gofeed.DefaultRSSTranslator{}).Translate(raw)
		if err != nil {
			return nil, err
		}
		return &document{feed: parsed, next: extensionNext(raw.Extensions)}, nil

	case gofeed.FeedTypeJSON:
		raw, err := (&jsonfeed.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		parsed, err := (&gofeed.DefaultJSONTranslator{}).Translate(raw)
		if err != nil {
			return nil, err
		}
		return &document{feed: parsed, next: raw.NextURL}, nil

	default:
		return nil, gofeed.ErrFeedTypeNotDetected
	}
}

// atomTitleMarkup reports, per entry in document order, whether the entry title has
// type="html" or type="xhtml". gofeed's Atom model drops the type attribute.
func atomTitleMarkup(body []byte) []bool {
	var doc struct {
		Entries []struct {
			Title struct {
				Type string `xml:"type,attr"`
			} `xml:"title"`
		} `xml:"entry"`
	}
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil
	}

	markup := make([]bool, len(doc.Entries))
	for i, e := range doc.Entries {
		switch strings.ToLower(strings.TrimSpace(e.Title.Type)) {
		case "html", "xhtml", "text/html":
			markup[i] = true
		}
	}
	return markup
}

func atomNext(raw *atom.Feed) string {
	for _, l := range raw.Links {
		if l != nil && strings.EqualFold(l.Rel, "next") && l.Href != "" {
			return l.Href
		}
	}
	return extensionNext(raw.Extensions)
}

// extensionNext finds <atom:link rel="next"> inside a non-Atom document.
func extensionNext(exts ext.Extensions) string {
	for _, l := range exts["atom"]["link"] {
		if strings.EqualFold(l.Attrs["rel"], "next") && l.Attrs["href"] != "" {
			return l.Attrs["href"]
		}
	}
	return ""
}

func itemLink(item *gofeed.Item) string {
	if item.Link != "" {
		return strings.TrimSpace(item.Link)
	}
	for _, l := range item.Links {
		if l != "" {
			return strings.TrimSpace(l)
		}
	}
	if strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://") {
		return strings.TrimSpace(item.GUID)
	}
	return ""
}

// itemTime prefers the updated date, like the entry timestamp feed readers expose.
func itemTime(item *gofeed.Item, fallback time.Time) time.Time {
	switch {
	case item.UpdatedParsed != nil:
		return item.UpdatedParsed.UTC()
	case item.PublishedParsed != nil:
		return item.PublishedParsed.UTC()
	default:
		return fallback.UTC()
	}
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
