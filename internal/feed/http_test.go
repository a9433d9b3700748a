package feed_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/feedr/internal/feed"
)

const atomPage = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example</title>
  <link rel="self" href="/atom?page=1"/>
  <link rel="next" href="/atom?page=2"/>
  <updated>2024-03-01T12:00:00Z</updated>
  <entry>
    <title>Newest &amp; best</title>
    <link rel="alternate" href="https://example.com/posts/2"/>
    <id>urn:post:2</id>
    <updated>2024-03-01T12:00:00Z</updated>
  </entry>
  <entry>
    <title>Escaping &lt;script&gt; in Go templates</title>
    <link rel="alternate" href="https://example.com/posts/3"/>
    <id>urn:post:3</id>
    <updated>2024-02-29T10:00:00Z</updated>
  </entry>
  <entry>
    <title type="html">&lt;b&gt;Older&lt;/b&gt;   post</title>
    <link rel="alternate" href="/posts/1"/>
    <id>urn:post:1</id>
    <updated>2024-02-28T08:30:00Z</updated>
  </entry>
</feed>`

const rssPage = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">
  <channel>
    <title>Example</title>
    <link>https://example.com</link>
    <description>Example feed</description>
    <atom:link rel="next" href="https://example.com/rss?page=2"/>
    <item>
      <title>Only post</title>
      <link>https://example.com/only</link>
      <pubDate>Fri, 01 Mar 2024 12:00:00 +0000</pubDate>
    </item>
    <item>
      <title>Undated</title>
      <guid>https://example.com/undated</guid>
    </item>
    <item>
      <title>No link at all</title>
      <guid isPermaLink="false">abc-123</guid>
    </item>
  </channel>
</rss>`

const htmlTopicsPage = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Web</title>
    <link>https://example.com</link>
    <description>Posts about markup</description>
    <item>
      <title>Why &lt;div&gt; soup is bad</title>
      <link>https://example.com/div-soup</link>
    </item>
    <item>
      <title>Use the &lt;script&gt; tag &amp; friends</title>
      <link>https://example.com/script</link>
    </item>
  </channel>
</rss>`

const lastRSSPage = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example</title>
    <link>https://example.com</link>
    <description>Example feed</description>
    <item>
      <title>Last</title>
      <link>https://example.com/last</link>
    </item>
  </channel>
</rss>`

const jsonPage = `{
  "version": "https://jsonfeed.org/version/1.1",
  "title": "Example",
  "next_url": "https://example.com/feed.json?page=2",
  "items": [
    {"id": "1", "url": "https://example.com/json/1", "title": "JSON post", "date_published": "2024-03-01T12:00:00Z"}
  ]
}`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	serve := func(path, contentType, body string) {
		mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", contentType)
			_, _ = w.Write([]byte(body))
		})
	}
	serve("/atom", "application/atom+xml", atomPage)
	serve("/rss", "application/rss+xml", rssPage)
	serve("/last", "application/rss+xml", lastRSSPage)
	serve("/html-topics", "application/rss+xml", htmlTopicsPage)
	serve("/feed.json", "application/feed+json", jsonPage)
	serve("/garbage", "text/plain", "this is not a feed")
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPFetcherFetch(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	fetchedAt := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	fetcher := feed.NewHTTPFetcher(5*time.Second, nil,
		feed.WithHTTPClient(srv.Client()),
		feed.WithClock(clockwork.NewFakeClockAt(fetchedAt)))

	tests := []struct {
		name     string
		path     string
		wantNext string
		want     []feed.Entry
	}{
		{
			name:     "atom with next link",
			path:     "/atom?page=1",
			wantNext: srv.URL + "/atom?page=2",
			want: []feed.Entry{
				{Link: "https://example.com/posts/2", Title: "Newest & best", PublishedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
				{Link: "https://example.com/posts/3", Title: "Escaping <script> in Go templates", PublishedAt: time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)},
				{Link: srv.URL + "/posts/1", Title: "Older post", PublishedAt: time.Date(2024, 2, 28, 8, 30, 0, 0, time.UTC)},
			},
		},
		{
			name:     "rss with atom:link next",
			path:     "/rss",
			wantNext: "https://example.com/rss?page=2",
			want: []feed.Entry{
				{Link: "https://example.com/only", Title: "Only post", PublishedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
				{Link: "https://example.com/undated", Title: "Undated", PublishedAt: fetchedAt},
			},
		},
		{
			name:     "rss titles mentioning tags",
			path:     "/html-topics",
			wantNext: "",
			want: []feed.Entry{
				{Link: "https://example.com/div-soup", Title: "Why <div> soup is bad", PublishedAt: fetchedAt},
				{Link: "https://example.com/script", Title: "Use the <script> tag & friends", PublishedAt: fetchedAt},
			},
		},
		{
			name:     "last page",
			path:     "/last",
			wantNext: "",
			want: []feed.Entry{
				{Link: "https://example.com/last", Title: "Last", PublishedAt: fetchedAt},
			},
		},
		{
			name:     "json feed",
			path:     "/feed.json",
			wantNext: "https://example.com/feed.json?page=2",
			want: []feed.Entry{
				{Link: "https://example.com/json/1", Title: "JSON post", PublishedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			page, err := fetcher.Fetch(context.Background(), srv.URL+tc.path)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if page.Next != tc.wantNext {
				t.Errorf("Next = %q, want %q", page.Next, tc.wantNext)
			}
			if len(page.Entries) != len(tc.want) {
				t.Fatalf("entries = %+v, want %+v", page.Entries, tc.want)
			}
			for i, want := range tc.want {
				got := page.Entries[i]
				if got.Link != want.Link || got.Title != want.Title || !got.PublishedAt.Equal(want.PublishedAt) {
					t.Errorf("entry %d = %+v, want %+v", i, got, want)
				}
			}
		})
	}
}

func TestHTTPFetcherErrors(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	fetcher := feed.NewHTTPFetcher(5*time.Second, nil)

	for _, path := range []string{"/broken", "/garbage", "/missing"} {
		if _, err := fetcher.Fetch(context.Background(), srv.URL+path); err == nil {
			t.Errorf("Fetch(%s) error = nil, want error", path)
		}
	}
}

func TestHTTPFetcherPageTooLarge(t *testing.T) {
	t.Parallel()

	srv := newServer(t)

	small := feed.NewHTTPFetcher(5*time.Second, nil, feed.WithMaxBodySize(int64(len(rssPage)-1)))
	if _, err := small.Fetch(context.Background(), srv.URL+"/rss"); !errors.Is(err, feed.ErrPageTooLarge) {
		t.Fatalf("Fetch() error = %v, want ErrPageTooLarge", err)
	}

	exact := feed.NewHTTPFetcher(5*time.Second, nil, feed.WithMaxBodySize(int64(len(rssPage))))
	if _, err := exact.Fetch(context.Background(), srv.URL+"/rss"); err != nil {
		t.Fatalf("Fetch() at the size limit: error = %v", err)
	}
}

func TestPlainText(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Plain title":                "Plain title",
		"  spaced \n\t out  ":        "spaced out",
		"Why <div> soup is bad":      "Why <div> soup is bad",
		"Tom &amp; Jerry":            "Tom &amp; Jerry",
		"a < b (maybe)":              "a < b (maybe)",
		"Use the <script> tag again": "Use the <script> tag again",
	}
	for in, want := range tests {
		if got := feed.PlainText(in); got != want {
			t.Errorf("PlainText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStripMarkup(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Plain title":                       "Plain title",
		"<b>Bold</b> move":                  "Bold move",
		"Tom &amp; Jerry":                   "Tom & Jerry",
		"<p>Para</p><p>graphs</p> again":    "Paragraphs again",
		"<div>  nested <em>text</em></div>": "nested text",
	}
	for in, want := range tests {
		if got := feed.StripMarkup(in); got != want {
			t.Errorf("StripMarkup(%q) = %q, want %q", in, got, want)
		}
	}
}
