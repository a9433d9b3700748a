// Package feed fetches and parses feed pages (Atom, RSS and JSON Feed) including
// the link to the next page of a paginated feed.
package feed

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Entry is one item read from a feed page.
type Entry struct {
	Link        string
	Title       string
	PublishedAt time.Time
}

// Page is one page of a feed. Entries keep the order of the document, which for
// most feeds is newest first. Next is empty on the last page.
type Page struct {
	URL     string
	Entries []Entry
	Next    string
}

// Fetcher retrieves a single feed page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// PlainText collapses runs of whitespace in an already decoded text title.
// Angle brackets and ampersands are kept as they are.
func PlainText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// StripMarkup reduces a title declared as HTML or XHTML to single-spaced text.
func StripMarkup(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return PlainText(s)
	}
	return PlainText(doc.Text())
}
