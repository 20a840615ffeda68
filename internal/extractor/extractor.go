// Package extractor scrapes the visible text and metadata of a page. It is
// the content context of the extension: one instance answers for one tab.
package extractor

import (
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/net/html"

	"page-chat/internal/domain"
)

// DefaultTags are the block containers whose text makes up the page content.
var DefaultTags = []string{"div"}

// Extractor turns a parsed document into PageContent.
type Extractor struct {
	tags map[string]bool
}

type Option func(*Extractor)

// WithTags replaces the set of container elements that are read.
func WithTags(tags ...string) Option {
	return func(e *Extractor) {
		e.tags = make(map[string]bool, len(tags))
		for _, t := range tags {
			e.tags[strings.ToLower(strings.TrimSpace(t))] = true
		}
	}
}

func New(opts ...Option) *Extractor {
	e := &Extractor{}
	WithTags(DefaultTags...)(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtractHTML parses raw HTML and extracts its content.
func (e *Extractor) ExtractHTML(r io.Reader, url string) (domain.PageContent, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return domain.PageContent{}, fmt.Errorf("extractor: parse HTML: %w", err)
	}
	return e.Extract(doc, url), nil
}

// Extract reads every matching container under <body> in document order,
// nested ones included, and joins their text with single spaces. Block
// boundaries inside a container become line breaks. A page without matching
// containers yields empty content.
func (e *Extractor) Extract(doc *html.Node, url string) domain.PageContent {
	var b strings.Builder
	if body := findElement(doc, "body"); body != nil {
		for c := body.FirstChild; c != nil; c = c.NextSibling {
			e.collect(c, &b)
		}
	}

	var title string
	if t := findElement(doc, "title"); t != nil {
		title = renderedText(t)
	}

	return domain.PageContent{
		Title:   title,
		URL:     url,
		Content: strings.TrimSpace(b.String()),
	}
}

func (e *Extractor) collect(n *html.Node, b *strings.Builder) {
	if n.Type != html.ElementNode || isSkipped(n) {
		return
	}
	if e.tags[n.Data] {
		b.WriteString(renderedText(n))
		b.WriteString(" ")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		e.collect(c, b)
	}
}

// renderedText approximates what a browser renders for n: text of visible
// descendants, one line per block, runs of spaces collapsed within a line.
func renderedText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			// Source newlines are layout, not breaks.
			b.WriteString(strings.Map(spaceOut, n.Data))
			return
		case html.ElementNode:
			if isSkipped(n) {
				return
			}
			if isBreak(n.Data) {
				b.WriteByte('\n')
				defer b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func spaceOut(r rune) rune {
	if unicode.IsSpace(r) {
		return ' '
	}
	return r
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// isSkipped reports elements that never render text.
func isSkipped(n *html.Node) bool {
	switch n.Data {
	case "script", "style", "noscript", "template", "head":
		return true
	}
	for _, a := range n.Attr {
		if a.Key == "hidden" {
			return true
		}
	}
	return false
}

func isBreak(tag string) bool {
	switch tag {
	case "br", "div", "p", "section", "article", "header", "footer", "nav", "main", "aside",
		"h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li", "table", "tr", "td", "th",
		"form", "fieldset", "blockquote", "pre":
		return true
	}
	return false
}
