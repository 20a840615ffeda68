package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"page-chat/internal/domain"
)

// chatRequest is the body of the chat endpoint.
type chatRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

// contextRequest is the body of the page-content endpoint.
type contextRequest struct {
	Context   domain.PageContent `json:"context"`
	SessionID string             `json:"session_id"`
}

// answerObject is the structured reply shape: {"answer": "..."}.
type answerObject struct {
	Answer *string `json:"answer"`
}

// ErrMalformedReply is returned when the chat reply is neither a JSON string
// nor an object with a string answer.
var ErrMalformedReply = errors.New("chatapi: malformed reply")

// HTTPStatusError captures non-2xx backend responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("chatapi: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the chat backend.
type Client struct {
	chatURL    string
	contextURL string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client for the given endpoints. Requests run without a
// client-side timeout unless an http.Client with one is supplied.
func NewClient(chatURL, contextURL string, opts ...Option) (*Client, error) {
	chatURL = strings.TrimSpace(chatURL)
	contextURL = strings.TrimSpace(contextURL)
	if chatURL == "" {
		return nil, errors.New("chatapi: chat URL must not be empty")
	}
	if contextURL == "" {
		return nil, errors.New("chatapi: context URL must not be empty")
	}
	c := &Client{
		chatURL:    chatURL,
		contextURL: contextURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

// Chat posts a user message and returns the reply text.
func (c *Client) Chat(ctx context.Context, query, sessionID string) (string, error) {
	raw, err := c.postJSON(ctx, c.chatURL, chatRequest{Query: query, SessionID: sessionID})
	if err != nil {
		return "", err
	}
	return decodeReply(raw)
}

// PushContext posts page content for the session. The response body is not
// interpreted.
func (c *Client) PushContext(ctx context.Context, page domain.PageContent, sessionID string) error {
	_, err := c.postJSON(ctx, c.contextURL, contextRequest{Context: page, SessionID: sessionID})
	return err
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("chatapi: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chatapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatapi: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("chatapi: read response body: %w", err)
	}
	return buf, nil
}

// decodeReply accepts a JSON string or {"answer": string}.
func decodeReply(raw []byte) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty body", ErrMalformedReply)
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedReply, err)
		}
		return s, nil
	case '{':
		var obj answerObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedReply, err)
		}
		if obj.Answer == nil {
			return "", fmt.Errorf("%w: object has no string answer", ErrMalformedReply)
		}
		return *obj.Answer, nil
	}
	return "", fmt.Errorf("%w: unexpected JSON %.32q", ErrMalformedReply, raw)
}
