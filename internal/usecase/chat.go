package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"page-chat/internal/domain"
	"page-chat/internal/integrations/paramstore"
	"page-chat/internal/repository"
)

const (
	defaultMaxHistory   = 20
	defaultMaxQueryLen  = 4000
	defaultTopK         = 4
	defaultAttempts     = 2
	defaultRetryDelay   = 60 * time.Second
	defaultChunkSize    = 500
	defaultChunkOverlap = 0
	embedBatchSize      = 64
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.PromptMessage) (string, error)
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

type ChatInput struct {
	Query     string
	SessionID string
}

type ChatOutput struct {
	Answer string
}

type PushInput struct {
	Context   domain.PageContent
	SessionID string
}

type PushOutput struct {
	Chunks int
}

// ChatService answers chat turns for a session. Once page content has been
// pushed into a session, its answers are grounded on the closest chunks of
// that content.
type ChatService struct {
	params      ParamGetter
	llm         LLMClient
	sessions    repository.Sessions
	chunks      repository.Chunks
	paramPrefix string
	logger      *slog.Logger

	maxHistory  int
	maxQueryLen int
	topK        int
	attempts    int
	retryDelay  time.Duration
	splitter    Splitter

	cacheMu        sync.RWMutex
	cacheLoaded    bool
	chatModel      string
	embeddingModel string
	systemPrompt   string
}

type Option func(*ChatService)

func WithMaxHistory(n int) Option {
	return func(s *ChatService) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

func WithMaxQueryLen(n int) Option {
	return func(s *ChatService) {
		if n > 0 {
			s.maxQueryLen = n
		}
	}
}

func WithTopK(k int) Option {
	return func(s *ChatService) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithRetry sets how many times a chat turn is attempted and the pause
// between attempts.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(s *ChatService) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if delay >= 0 {
			s.retryDelay = delay
		}
	}
}

func WithSplitter(sp Splitter) Option {
	return func(s *ChatService) {
		if sp.ChunkSize > 0 {
			s.splitter = sp
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewChatService(p ParamGetter, llm LLMClient, sessions repository.Sessions, chunks repository.Chunks, paramPrefix string, opts ...Option) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if chunks == nil {
		return nil, errors.New("usecase: chunk store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	s := &ChatService{
		params:      p,
		llm:         llm,
		sessions:    sessions,
		chunks:      chunks,
		paramPrefix: paramPrefix,
		logger:      slog.Default(),
		maxHistory:  defaultMaxHistory,
		maxQueryLen: defaultMaxQueryLen,
		topK:        defaultTopK,
		attempts:    defaultAttempts,
		retryDelay:  defaultRetryDelay,
		splitter:    NewSplitter(defaultChunkSize, defaultChunkOverlap),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_session_id", nil)
	}
	// Blank queries are rejected, but the query is sent and stored verbatim.
	query := in.Query
	if strings.TrimSpace(query) == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_query", nil)
	}
	if len(strings.TrimSpace(query)) > s.maxQueryLen {
		return ChatOutput{}, newError(ErrorInvalidInput, "query_too_long", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "param_load_error", err)
	}

	turns, err := s.sessions.GetSessionTurnCount(ctx, sessionID)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "session_turn_count_error", err)
	}
	var history []domain.Message
	if turns > 0 {
		history, err = s.sessions.GetHistory(ctx, sessionID, s.maxHistory)
		if err != nil {
			return ChatOutput{}, newError(ErrorInternal, "session_history_error", err)
		}
	}
	grounded, err := s.chunks.HasChunks(ctx, sessionID)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "chunk_lookup_error", err)
	}

	logger := s.logger.With("session_id", sessionID, "grounded", grounded)
	var answer string
	err = s.withRetry(ctx, logger, func() error {
		var err error
		if grounded {
			answer, err = s.answerFromPage(ctx, sessionID, query, history)
		} else {
			answer, err = s.llm.Chat(ctx, s.chatModel, buildChatMessages(s.systemPrompt, query, history))
		}
		return err
	})
	if err != nil {
		var ue *Error
		if errors.As(err, &ue) {
			return ChatOutput{}, ue
		}
		return ChatOutput{}, upstreamError("model_error", err)
	}

	if err := s.sessions.SaveCompletedTurn(ctx, sessionID, query, answer); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "session_write_error", err)
	}
	return ChatOutput{Answer: answer}, nil
}

// answerFromPage rewrites the query into a standalone question when there is
// history, retrieves the closest chunks for it and answers from them.
func (s *ChatService) answerFromPage(ctx context.Context, sessionID, query string, history []domain.Message) (string, error) {
	standalone := query
	if hasCompleteTurn(history) {
		rewritten, err := s.llm.Chat(ctx, s.chatModel, buildContextualizeMessages(query, history))
		if err != nil {
			return "", fmt.Errorf("contextualize question: %w", err)
		}
		if r := strings.TrimSpace(rewritten); r != "" {
			standalone = r
		}
	}

	vecs, err := s.llm.Embed(ctx, s.embeddingModel, []string{standalone})
	if err != nil {
		return "", fmt.Errorf("embed question: %w", err)
	}
	if len(vecs) != 1 {
		return "", fmt.Errorf("embed question: got %d vectors", len(vecs))
	}
	hits, err := s.chunks.SearchChunks(ctx, sessionID, vecs[0], s.topK)
	if err != nil {
		return "", newError(ErrorInternal, "chunk_search_error", err)
	}
	return s.llm.Chat(ctx, s.chatModel, buildAnswerMessages(query, history, hits))
}

func hasCompleteTurn(history []domain.Message) bool {
	for _, m := range history {
		if len(historyToPromptMessages(m)) > 0 {
			return true
		}
	}
	return false
}

// withRetry runs fn up to s.attempts times, pausing s.retryDelay between
// attempts. Store failures and cancellation are not retried.
func (s *ChatService) withRetry(ctx context.Context, logger *slog.Logger, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var ue *Error
		if errors.As(err, &ue) || ctx.Err() != nil {
			return err
		}
		logger.Error("model call failed", "attempt", attempt, "err", err)
		if attempt == s.attempts {
			break
		}
		logger.Info("retrying model call", "delay", s.retryDelay)
		timer := time.NewTimer(s.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	logger.Error("failed to get response", "attempts", s.attempts)
	return err
}

// PushPageContent splits the page into chunks, embeds them and stores them
// under the session. Later chats in the session are answered from them.
func (s *ChatService) PushPageContent(ctx context.Context, in PushInput) (PushOutput, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return PushOutput{}, newError(ErrorInvalidInput, "empty_session_id", nil)
	}
	texts := s.splitter.Split(in.Context.Content)
	if len(texts) == 0 {
		s.logger.Info("page has no content", "session_id", sessionID, "url", in.Context.URL)
		return PushOutput{}, nil
	}
	if err := s.ensureConfig(ctx); err != nil {
		return PushOutput{}, newError(ErrorInternal, "param_load_error", err)
	}

	chunks := make([]domain.Chunk, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		batch := texts[start:min(start+embedBatchSize, len(texts))]
		vecs, err := s.llm.Embed(ctx, s.embeddingModel, batch)
		if err != nil {
			return PushOutput{}, upstreamError("embedding_error", err)
		}
		if len(vecs) != len(batch) {
			return PushOutput{}, newError(ErrorUpstream, "embedding_count_mismatch", nil)
		}
		for i, text := range batch {
			chunks = append(chunks, domain.Chunk{
				SessionID: sessionID,
				Title:     in.Context.Title,
				Source:    in.Context.URL,
				Text:      text,
				Embedding: vecs[i],
			})
		}
	}

	if err := s.chunks.SaveChunks(ctx, sessionID, chunks); err != nil {
		return PushOutput{}, newError(ErrorInternal, "chunk_write_error", err)
	}
	s.logger.Info("added page content", "session_id", sessionID, "title", in.Context.Title, "chunks", len(chunks))
	return PushOutput{Chunks: len(chunks)}, nil
}

func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	chatModel, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/chat_model")
	if err != nil {
		return fmt.Errorf("usecase: load chat model: %w", err)
	}
	embeddingModel, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/embedding_model")
	if err != nil {
		return fmt.Errorf("usecase: load embedding model: %w", err)
	}
	systemPrompt, err := s.params.GetParameter(ctx, s.paramPrefix+"/system_prompt")
	switch {
	case errors.Is(err, paramstore.ErrNotFound):
		systemPrompt = defaultSystemPrompt
	case err != nil:
		return fmt.Errorf("usecase: load system prompt: %w", err)
	}

	s.chatModel = strings.TrimSpace(chatModel)
	s.embeddingModel = strings.TrimSpace(embeddingModel)
	s.systemPrompt = strings.TrimSpace(systemPrompt)
	s.cacheLoaded = true
	return nil
}
