package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"page-chat/internal/domain"
	"page-chat/internal/integrations/paramstore"
	"page-chat/internal/repository"
	"page-chat/internal/repository/memory"
)

const testPrefix = "/page-chat"

type fakeParams struct {
	mu    sync.Mutex
	vals  map[string]string
	err   error
	calls int
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.vals[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", paramstore.ErrNotFound, name)
	}
	return v, nil
}

func defaultParams() *fakeParams {
	return &fakeParams{vals: map[string]string{
		testPrefix + "/config/chat_model":      "llama3",
		testPrefix + "/config/embedding_model": "nomic-embed-text",
	}}
}

type chatCall struct {
	Model    string
	Messages []domain.PromptMessage
}

type fakeLLM struct {
	mu         sync.Mutex
	chatFn     func(n int, msgs []domain.PromptMessage) (string, error)
	embedFn    func(inputs []string) ([][]float32, error)
	chatCalls  []chatCall
	embedCalls [][]string
}

func (f *fakeLLM) Chat(_ context.Context, model string, msgs []domain.PromptMessage) (string, error) {
	f.mu.Lock()
	f.chatCalls = append(f.chatCalls, chatCall{Model: model, Messages: msgs})
	n := len(f.chatCalls)
	f.mu.Unlock()
	if f.chatFn == nil {
		return "answer", nil
	}
	return f.chatFn(n, msgs)
}

func (f *fakeLLM) Embed(_ context.Context, _ string, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	f.embedCalls = append(f.embedCalls, inputs)
	f.mu.Unlock()
	if f.embedFn != nil {
		return f.embedFn(inputs)
	}
	return keywordEmbed(inputs), nil
}

// keywordEmbed maps text onto two axes: mentions "go" and mentions "rust".
func keywordEmbed(inputs []string) [][]float32 {
	axis := func(text, word string) float32 {
		if strings.Contains(strings.ToLower(text), word) {
			return 1
		}
		return 0
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = []float32{axis(in, "go"), axis(in, "rust")}
	}
	return out
}

type statusErr int

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

type failingSessions struct {
	repository.Sessions
	countErr error
	saveErr  error
}

func (f failingSessions) GetSessionTurnCount(ctx context.Context, id string) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.Sessions.GetSessionTurnCount(ctx, id)
}

func (f failingSessions) SaveCompletedTurn(ctx context.Context, id, q, a string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.Sessions.SaveCompletedTurn(ctx, id, q, a)
}

type fixture struct {
	svc      *ChatService
	params   *fakeParams
	llm      *fakeLLM
	sessions *memory.Sessions
	chunks   *memory.Chunks
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		params:   defaultParams(),
		llm:      &fakeLLM{},
		sessions: memory.NewSessions(),
		chunks:   memory.NewChunks(),
	}
	opts = append([]Option{WithRetry(2, 0)}, opts...)
	svc, err := NewChatService(f.params, f.llm, f.sessions, f.chunks, testPrefix, opts...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var ue *Error
	require.True(t, errors.As(err, &ue), "expected *usecase.Error, got %T: %v", err, err)
	require.Equal(t, code, ue.Code)
}

func TestNewChatService_Validates(t *testing.T) {
	p, llm, s, c := defaultParams(), &fakeLLM{}, memory.NewSessions(), memory.NewChunks()

	_, err := NewChatService(nil, llm, s, c, testPrefix)
	require.ErrorContains(t, err, "param getter")
	_, err = NewChatService(p, nil, s, c, testPrefix)
	require.ErrorContains(t, err, "llm")
	_, err = NewChatService(p, llm, nil, c, testPrefix)
	require.ErrorContains(t, err, "session store")
	_, err = NewChatService(p, llm, s, nil, testPrefix)
	require.ErrorContains(t, err, "chunk store")
	_, err = NewChatService(p, llm, s, c, " / ")
	require.ErrorContains(t, err, "prefix")
}

func TestChat_InvalidInput(t *testing.T) {
	cases := []struct {
		name string
		in   ChatInput
	}{
		{name: "no session", in: ChatInput{Query: "hi"}},
		{name: "blank query", in: ChatInput{Query: " \n\t", SessionID: "s"}},
		{name: "too long", in: ChatInput{Query: strings.Repeat("q", 11), SessionID: "s"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, WithMaxQueryLen(10))
			_, err := f.svc.Chat(context.Background(), tc.in)
			requireCode(t, err, ErrorInvalidInput)
			require.Empty(t, f.llm.chatCalls)
		})
	}
}

func TestChat_PlainConversationKeepsHistory(t *testing.T) {
	f := newFixture(t)
	f.llm.chatFn = func(n int, _ []domain.PromptMessage) (string, error) {
		return fmt.Sprintf("reply %d", n), nil
	}
	ctx := context.Background()

	out, err := f.svc.Chat(ctx, ChatInput{Query: "  What is Go? ", SessionID: "chat-x1y2z3"})
	require.NoError(t, err)
	require.Equal(t, "reply 1", out.Answer)

	out, err = f.svc.Chat(ctx, ChatInput{Query: "Who made it?", SessionID: "chat-x1y2z3"})
	require.NoError(t, err)
	require.Equal(t, "reply 2", out.Answer)

	require.Len(t, f.llm.chatCalls, 2)
	require.Equal(t, "llama3", f.llm.chatCalls[0].Model)
	require.Equal(t, []domain.PromptMessage{
		{Role: "system", Content: defaultSystemPrompt},
		{Role: "user", Content: "  What is Go? "},
	}, f.llm.chatCalls[0].Messages)
	require.Equal(t, []domain.PromptMessage{
		{Role: "system", Content: defaultSystemPrompt},
		{Role: "user", Content: "  What is Go? "},
		{Role: "assistant", Content: "reply 1"},
		{Role: "user", Content: "Who made it?"},
	}, f.llm.chatCalls[1].Messages)

	turns, err := f.sessions.GetSessionTurnCount(ctx, "chat-x1y2z3")
	require.NoError(t, err)
	require.Equal(t, 2, turns)

	hist, err := f.sessions.GetHistory(ctx, "chat-x1y2z3", 10)
	require.NoError(t, err)
	require.Equal(t, "  What is Go? ", hist[0].Query, "queries are stored verbatim")
	require.Equal(t, 3, f.params.calls, "parameters are loaded once and cached")
	require.Empty(t, f.llm.embedCalls)
}

func TestChat_SessionsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, ChatInput{Query: "first", SessionID: "a"})
	require.NoError(t, err)
	_, err = f.svc.Chat(ctx, ChatInput{Query: "second", SessionID: "b"})
	require.NoError(t, err)

	require.Len(t, f.llm.chatCalls[1].Messages, 2)
}

func TestChat_SystemPromptFromParams(t *testing.T) {
	f := newFixture(t)
	f.params.vals[testPrefix+"/system_prompt"] = "  Be brief.  "

	_, err := f.svc.Chat(context.Background(), ChatInput{Query: "hi", SessionID: "s"})
	require.NoError(t, err)
	require.Equal(t, "Be brief.", f.llm.chatCalls[0].Messages[0].Content)
}

func TestChat_ParamFailure(t *testing.T) {
	f := newFixture(t)
	f.params.err = errors.New("ssm unavailable")

	_, err := f.svc.Chat(context.Background(), ChatInput{Query: "hi", SessionID: "s"})
	requireCode(t, err, ErrorInternal)
	require.ErrorContains(t, err, "ssm unavailable")
}

func TestChat_MissingModelParam(t *testing.T) {
	f := newFixture(t)
	delete(f.params.vals, testPrefix+"/config/chat_model")

	_, err := f.svc.Chat(context.Background(), ChatInput{Query: "hi", SessionID: "s"})
	requireCode(t, err, ErrorInternal)
	require.ErrorIs(t, err, paramstore.ErrNotFound)
}

func TestChat_RetriesOnceThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.llm.chatFn = func(n int, _ []domain.PromptMessage) (string, error) {
		if n == 1 {
			return "", errors.New("connection reset")
		}
		return "recovered", nil
	}

	out, err := f.svc.Chat(context.Background(), ChatInput{Query: "hi", SessionID: "s"})
	require.NoError(t, err)
	require.Equal(t, "recovered", out.Answer)
	require.Len(t, f.llm.chatCalls, 2)
}

func TestChat_UpstreamFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{name: "rate limited", err: fmt.Errorf("openai: request failed: %w", statusErr(429)), code: ErrorRateLimited},
		{name: "server error", err: statusErr(500), code: ErrorUpstream},
		{name: "network", err: errors.New("dial tcp: refused"), code: ErrorUpstream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.llm.chatFn = func(int, []domain.PromptMessage) (string, error) { return "", tc.err }

			_, err := f.svc.Chat(context.Background(), ChatInput{Query: "hi", SessionID: "s"})
			requireCode(t, err, tc.code)
			require.Len(t, f.llm.chatCalls, 2)

			turns, _ := f.sessions.GetSessionTurnCount(context.Background(), "s")
			require.Zero(t, turns, "failed turns are not saved")
		})
	}
}

func TestChat_RetryDelayHonoursCancellation(t *testing.T) {
	f := newFixture(t, WithRetry(2, time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	f.llm.chatFn = func(int, []domain.PromptMessage) (string, error) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		return "", errors.New("model down")
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Chat(ctx, ChatInput{Query: "hi", SessionID: "s"})
		done <- err
	}()

	select {
	case err := <-done:
		requireCode(t, err, ErrorUpstream)
	case <-time.After(5 * time.Second):
		t.Fatal("retry delay ignored cancellation")
	}
	require.Len(t, f.llm.chatCalls, 1)
}

func TestChat_StoreFailures(t *testing.T) {
	ctx := context.Background()

	svc, err := NewChatService(defaultParams(), &fakeLLM{}, failingSessions{Sessions: memory.NewSessions(), countErr: errors.New("boom")}, memory.NewChunks(), testPrefix)
	require.NoError(t, err)
	_, err = svc.Chat(ctx, ChatInput{Query: "hi", SessionID: "s"})
	requireCode(t, err, ErrorInternal)

	svc, err = NewChatService(defaultParams(), &fakeLLM{}, failingSessions{Sessions: memory.NewSessions(), saveErr: errors.New("boom")}, memory.NewChunks(), testPrefix)
	require.NoError(t, err)
	_, err = svc.Chat(ctx, ChatInput{Query: "hi", SessionID: "s"})
	requireCode(t, err, ErrorInternal)
}

func TestPushPageContent_StoresChunksWithMetadata(t *testing.T) {
	f := newFixture(t)
	page := domain.PageContent{
		Title:   "Go vs Rust",
		URL:     "https://example.com/compare",
		Content: strings.Repeat("go ", 200) + "\n\n" + strings.Repeat("rust ", 100),
	}

	out, err := f.svc.PushPageContent(context.Background(), PushInput{Context: page, SessionID: "s"})
	require.NoError(t, err)
	require.Equal(t, 3, out.Chunks)
	require.Len(t, f.llm.embedCalls, 1)
	require.Len(t, f.llm.embedCalls[0], 3)

	hits, err := f.chunks.SearchChunks(context.Background(), "s", []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "Go vs Rust", hits[0].Chunk.Title)
	require.Equal(t, "https://example.com/compare", hits[0].Chunk.Source)
	require.Equal(t, "s", hits[0].Chunk.SessionID)
	require.True(t, strings.HasPrefix(hits[0].Chunk.Text, "rust"))
}

func TestPushPageContent_EmptyPage(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.PushPageContent(context.Background(), PushInput{Context: domain.PageContent{Title: "Blank"}, SessionID: "s"})
	require.NoError(t, err)
	require.Zero(t, out.Chunks)
	require.Empty(t, f.llm.embedCalls)
	require.Zero(t, f.params.calls)

	has, err := f.chunks.HasChunks(context.Background(), "s")
	require.NoError(t, err)
	require.False(t, has)
}

func TestPushPageContent_Failures(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.PushPageContent(context.Background(), PushInput{Context: domain.PageContent{Content: "x"}})
	requireCode(t, err, ErrorInvalidInput)

	f.llm.embedFn = func([]string) ([][]float32, error) { return nil, statusErr(429) }
	_, err = f.svc.PushPageContent(context.Background(), PushInput{Context: domain.PageContent{Content: "x"}, SessionID: "s"})
	requireCode(t, err, ErrorRateLimited)

	f.llm.embedFn = func([]string) ([][]float32, error) { return [][]float32{}, nil }
	_, err = f.svc.PushPageContent(context.Background(), PushInput{Context: domain.PageContent{Content: "x"}, SessionID: "s"})
	requireCode(t, err, ErrorUpstream)
}

func TestChat_GroundedOnPushedPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	page := domain.PageContent{
		Title:   "Languages",
		URL:     "https://example.com",
		Content: strings.Repeat("rust borrow checker ", 30) + "\n\n" + strings.Repeat("go has goroutines ", 30),
	}
	_, err := f.svc.PushPageContent(ctx, PushInput{Context: page, SessionID: "s"})
	require.NoError(t, err)
	f.llm.embedCalls = nil

	f.llm.chatFn = func(n int, msgs []domain.PromptMessage) (string, error) {
		if strings.HasPrefix(msgs[0].Content, contextualizePrompt) {
			return "What does rust check?", nil
		}
		return fmt.Sprintf("grounded %d", n), nil
	}

	out, err := f.svc.Chat(ctx, ChatInput{Query: "Tell me about goroutines", SessionID: "s"})
	require.NoError(t, err)
	require.Equal(t, "grounded 1", out.Answer)
	require.Len(t, f.llm.chatCalls, 1, "first grounded turn needs no rewrite")
	require.Equal(t, [][]string{{"Tell me about goroutines"}}, f.llm.embedCalls)

	system := f.llm.chatCalls[0].Messages[0].Content
	require.True(t, strings.HasPrefix(system, answerPrompt))
	require.Contains(t, system, "<context>\ngo has goroutines")
	require.Equal(t, domain.PromptMessage{Role: "user", Content: "Tell me about goroutines"}, f.llm.chatCalls[0].Messages[1])

	_, err = f.svc.Chat(ctx, ChatInput{Query: "and the other one?", SessionID: "s"})
	require.NoError(t, err)
	require.Len(t, f.llm.chatCalls, 3)
	require.True(t, strings.HasPrefix(f.llm.chatCalls[1].Messages[0].Content, contextualizePrompt))
	require.Equal(t, []string{"What does rust check?"}, f.llm.embedCalls[1])

	answer := f.llm.chatCalls[2].Messages
	require.True(t, strings.HasPrefix(answer[0].Content, answerPrompt+"\n\n<context>\nrust borrow checker"))
	require.Equal(t, domain.PromptMessage{Role: "user", Content: "and the other one?"}, answer[len(answer)-1])
	require.Equal(t, domain.PromptMessage{Role: "assistant", Content: "grounded 1"}, answer[2])
}
