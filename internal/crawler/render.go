package crawler

import "strings"

const ellipsis = "…"

// Limits bounds the rendered message. LinkLength is the length the destination
// counts for any link, regardless of its actual length.
type Limits struct {
	MaxLength  int
	LinkLength int
}

// DefaultLimits matches a 280 character message with links shortened to 23.
var DefaultLimits = Limits{MaxLength: 280, LinkLength: 23}

// TitleBudget is the room left for the title after the link and its separating space.
func (l Limits) TitleBudget() int {
	return l.MaxLength - l.LinkLength - 1
}

// Render builds "<title> <link>", shortening the title with an ellipsis when it does
// not fit. A shortened title never ends with an open parenthesis left unclosed.
func Render(title, link string, limits Limits) string {
	return renderTitle(title, limits.TitleBudget()) + " " + link
}

func renderTitle(title string, budget int) string {
	runes := []rune(title)
	if len(runes) <= budget {
		return title
	}

	// the cut text plus the ellipsis plus any closing parens stays within budget-1
	cut := max(budget-2, 0)
	open := unclosed(runes[:cut])
	for open > 0 && cut > 0 && cut+1+open > budget-1 {
		cut--
		open = unclosed(runes[:cut])
	}

	return string(runes[:cut]) + ellipsis + strings.Repeat(")", open)
}

// unclosed counts "(" without a later matching ")".
func unclosed(runes []rune) int {
	depth := 0
	for _, r := range runes {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		}
	}
	return depth
}
