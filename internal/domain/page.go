package domain

// PageContent is the scraped text and metadata of one page, produced on demand
// by the content extractor and held by the requester for one response cycle.
type PageContent struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// SelectionContext is the text highlighted when the context menu was invoked.
type SelectionContext struct {
	Text string `json:"text"`
}
