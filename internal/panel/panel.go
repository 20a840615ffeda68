// Package panel is the chat side panel controller. It owns the transcript and
// the chat input, talks to the backend and pulls page content from the
// active tab on request.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"page-chat/internal/domain"
	"page-chat/internal/extractor"
	"page-chat/internal/integrations/chatapi"
	"page-chat/internal/platform"
)

const (
	ChannelName = "chat"
	CommitKey   = "Enter"
	PushNotice  = "Pushing web context to RAG chatbot backend"
)

var forbiddenSchemes = []string{
	"chrome://",
	"chrome-extension://",
	"edge://",
	"about:",
	"devtools://",
}

// Host is the platform surface the panel uses.
type Host interface {
	Connect(name string, sender platform.Sender) (*platform.Port, error)
	QueryActiveTab(ctx context.Context, windowID int) ([]platform.Tab, error)
	SendTabMessage(ctx context.Context, tabID int, msg any) (json.RawMessage, error)
}

// View renders panel state. Append is called with the panel's transcript lock
// held, so implementations must not call back into the Panel from it.
type View interface {
	SetInput(text string)
	Append(msg domain.ChatMessage)
	ShowError(err error)
	ShowNotice(text string)
}

// Result is the outcome of one chat send.
type Result struct {
	Reply domain.ChatMessage
	Err   error
}

type backend interface {
	Chat(ctx context.Context, query, sessionID string) (string, error)
	PushContext(ctx context.Context, page domain.PageContent, sessionID string) error
}

type Panel struct {
	cfg     Config
	host    Host
	view    View
	backend backend
	logger  *slog.Logger

	mu         sync.Mutex
	input      string
	transcript []domain.ChatMessage
	port       *platform.Port
	closed     bool

	// life is cancelled by Close and bounds every background send.
	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type options struct {
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*options)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *options) {
		o.httpClient = httpClient
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func New(cfg Config, host Host, view View, opts ...Option) (*Panel, error) {
	if host == nil {
		return nil, errors.New("panel: host must not be nil")
	}
	if view == nil {
		return nil, errors.New("panel: view must not be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	var clientOpts []chatapi.Option
	if o.httpClient != nil {
		clientOpts = append(clientOpts, chatapi.WithHTTPClient(o.httpClient))
	}
	client, err := chatapi.NewClient(cfg.ChatURL, cfg.PushContextURL, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("panel: %w", err)
	}

	life, cancel := context.WithCancel(context.Background())
	return &Panel{
		life:    life,
		cancel:  cancel,
		cfg:     cfg,
		host:    host,
		view:    view,
		backend: client,
		logger:  o.logger.With("window_id", cfg.WindowID, "session_id", cfg.SessionID),
	}, nil
}

// Initialize connects to the coordinator on the chat channel and starts
// consuming selection messages.
func (p *Panel) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.port != nil {
		p.mu.Unlock()
		return errors.New("panel: already initialized")
	}
	p.mu.Unlock()

	port, err := p.host.Connect(ChannelName, platform.Sender{WindowID: p.cfg.WindowID})
	if err != nil {
		return fmt.Errorf("panel: connect %q channel: %w", ChannelName, err)
	}

	p.mu.Lock()
	p.port = port
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.listen(ctx, port)
	}()
	return nil
}

func (p *Panel) listen(ctx context.Context, port *platform.Port) {
	for {
		select {
		case raw := <-port.Messages():
			p.handleSelection(raw)
		case <-port.Done():
			return
		case <-ctx.Done():
			return
		case <-p.life.Done():
			return
		}
	}
}

type selectionMessage struct {
	Context string `json:"context"`
}

func (p *Panel) handleSelection(raw json.RawMessage) {
	var msg selectionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.logger.Warn("ignoring malformed channel message", "err", err)
		return
	}
	if msg.Context == "" {
		return
	}
	p.SetInput(SelectionPrompt(msg.Context))
}

// SelectionPrompt is the input seeded from a page selection.
func SelectionPrompt(selection string) string {
	return `Help me understand "` + selection + `"`
}

// Close disconnects the chat channel, cancels in-flight sends and waits for
// them to return. Replies that arrive after Close are dropped.
func (p *Panel) Close() {
	p.cancel()
	p.mu.Lock()
	p.closed = true
	port := p.port
	p.mu.Unlock()
	if port != nil {
		port.Disconnect()
	}
	p.wg.Wait()
}

func (p *Panel) SetInput(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.input = text
	p.view.SetInput(text)
}

func (p *Panel) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input
}

// Transcript returns a copy of the entries appended so far.
func (p *Panel) Transcript() []domain.ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ChatMessage, len(p.transcript))
	copy(out, p.transcript)
	return out
}

// Click is the send button.
func (p *Panel) Click(ctx context.Context) (<-chan Result, bool) {
	return p.SendChatMessage(ctx)
}

// KeyDown sends on the commit key and ignores every other key.
func (p *Panel) KeyDown(ctx context.Context, key string) (<-chan Result, bool) {
	if key != CommitKey {
		return nil, false
	}
	return p.SendChatMessage(ctx)
}

// SendChatMessage appends the input as a user entry, clears the input and
// posts it to the backend in the background. It reports false when the input
// is empty. The returned channel yields exactly one Result; the bot entry is
// appended before it is sent.
func (p *Panel) SendChatMessage(ctx context.Context) (<-chan Result, bool) {
	p.mu.Lock()
	text := p.input
	if text == "" || p.closed {
		p.mu.Unlock()
		return nil, false
	}
	p.appendLocked(domain.ChatMessage{Text: text, Origin: domain.OriginUser})
	p.input = ""
	p.view.SetInput("")
	p.wg.Add(1)
	p.mu.Unlock()

	out := make(chan Result, 1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(p.life, cancel)
		defer stop()
		out <- p.deliver(ctx, text)
	}()
	return out, true
}

func (p *Panel) deliver(ctx context.Context, text string) Result {
	answer, err := p.backend.Chat(ctx, text, p.cfg.SessionID)
	if p.life.Err() != nil {
		return Result{Err: newError(ErrorTransport, "panel closed", err)}
	}
	if err != nil {
		code := ErrorTransport
		if errors.Is(err, chatapi.ErrMalformedReply) {
			code = ErrorMalformedReply
		}
		return Result{Err: p.fail(newError(code, "chat request failed", err))}
	}

	reply := domain.ChatMessage{Text: answer, Origin: domain.OriginBot}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Result{Err: newError(ErrorTransport, "panel closed", nil)}
	}
	p.appendLocked(reply)
	return Result{Reply: reply}
}

func (p *Panel) appendLocked(msg domain.ChatMessage) {
	p.transcript = append(p.transcript, msg)
	p.view.Append(msg)
}

// PushContext extracts the active tab's content and posts it to the backend
// for this session. Failures short-circuit and are not retried.
func (p *Panel) PushContext(ctx context.Context) error {
	p.view.ShowNotice(PushNotice)

	page, err := p.RequestPageContent(ctx)
	if err != nil {
		return err
	}
	if err := p.backend.PushContext(ctx, page, p.cfg.SessionID); err != nil {
		return p.fail(newError(ErrorTransport, "push context request failed", err))
	}
	p.logger.Info("pushed page context", "url", page.URL, "content_len", len(page.Content))
	return nil
}

// RequestPageContent asks the active tab of the panel's window for its
// content.
func (p *Panel) RequestPageContent(ctx context.Context) (domain.PageContent, error) {
	tabs, err := p.host.QueryActiveTab(ctx, p.cfg.WindowID)
	if err != nil {
		return domain.PageContent{}, p.fail(newError(ErrorNoActiveContext, "query active tab", err))
	}
	if len(tabs) == 0 {
		return domain.PageContent{}, p.fail(newError(ErrorNoActiveContext, "no active tab", nil))
	}
	tab := tabs[0]
	if isForbidden(tab.URL) {
		return domain.PageContent{}, p.fail(newError(ErrorForbiddenContext, "cannot read "+tab.URL, nil))
	}

	raw, err := p.host.SendTabMessage(ctx, tab.ID, extractor.Request{PageContent: true})
	if err != nil {
		if errors.Is(err, platform.ErrTabNotFound) {
			return domain.PageContent{}, p.fail(newError(ErrorNoActiveContext, "active tab went away", err))
		}
		return domain.PageContent{}, p.fail(newError(ErrorEmptyResponse, "tab did not answer", err))
	}

	var resp struct {
		Content *domain.PageContent `json:"content"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.PageContent{}, p.fail(newError(ErrorEmptyResponse, "unreadable tab response", err))
	}
	if resp.Content == nil {
		return domain.PageContent{}, p.fail(newError(ErrorEmptyResponse, "tab response has no content", nil))
	}
	return *resp.Content, nil
}

func (p *Panel) fail(e *Error) *Error {
	p.logger.Warn("panel operation failed", "code", e.Code, "reason", e.Reason, "err", e.Err)
	p.view.ShowError(e)
	return e
}

func isForbidden(url string) bool {
	lower := strings.ToLower(strings.TrimSpace(url))
	for _, scheme := range forbiddenSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}
