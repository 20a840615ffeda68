package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"page-chat/internal/domain"
	"page-chat/internal/platform"
)

const maxPageBytes = 5 << 20

// Request is the one-shot trigger asking a tab for its content.
type Request struct {
	PageContent bool `json:"pageContent"`
}

// Response carries the extracted content back to the requester.
type Response struct {
	Content domain.PageContent `json:"content"`
}

// Source yields the current document of a tab.
type Source interface {
	Snapshot(ctx context.Context) (doc io.Reader, url string, err error)
}

// Page is a Source backed by a fixed document.
type Page struct {
	URL  string
	HTML string
}

func (p Page) Snapshot(context.Context) (io.Reader, string, error) {
	return strings.NewReader(p.HTML), p.URL, nil
}

// Listener answers {"pageContent": true} with the tab's content. Any other
// message is left for other listeners.
func Listener(src Source, opts ...Option) platform.MessageHandler {
	e := New(opts...)
	return func(ctx context.Context, msg json.RawMessage) (json.RawMessage, bool) {
		var req Request
		if err := json.Unmarshal(msg, &req); err != nil || !req.PageContent {
			return nil, false
		}

		doc, url, err := src.Snapshot(ctx)
		if err != nil {
			slog.Warn("page snapshot failed", "err", err)
			return nil, false
		}
		content, err := e.ExtractHTML(doc, url)
		if err != nil {
			slog.Warn("page extraction failed", "url", url, "err", err)
			return nil, false
		}

		raw, err := json.Marshal(Response{Content: content})
		if err != nil {
			slog.Warn("encode page content failed", "url", url, "err", err)
			return nil, false
		}
		return raw, true
	}
}

// Fetch downloads a page so a host can load it into a tab.
func Fetch(ctx context.Context, client *http.Client, url string) (Page, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Page{}, fmt.Errorf("extractor: create request: %w", err)
	}
	res, err := client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("extractor: fetch %s: %w", url, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Page{}, fmt.Errorf("extractor: fetch %s: unexpected status %d", url, res.StatusCode)
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, maxPageBytes))
	if err != nil {
		return Page{}, fmt.Errorf("extractor: read %s: %w", url, err)
	}
	return Page{URL: res.Request.URL.String(), HTML: string(buf)}, nil
}

// Title returns the document title of a page, for labelling its tab.
func (p Page) Title() string {
	content, err := New().ExtractHTML(strings.NewReader(p.HTML), p.URL)
	if err != nil {
		return ""
	}
	return content.Title
}
