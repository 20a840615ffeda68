package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"page-chat/internal/domain"
	"page-chat/internal/usecase"
)

type stubUseCase struct {
	chatOut usecase.ChatOutput
	pushOut usecase.PushOutput
	err     error

	chatIn usecase.ChatInput
	pushIn usecase.PushInput
	calls  int
}

func (s *stubUseCase) Chat(_ context.Context, in usecase.ChatInput) (usecase.ChatOutput, error) {
	s.calls++
	s.chatIn = in
	return s.chatOut, s.err
}

func (s *stubUseCase) PushPageContent(_ context.Context, in usecase.PushInput) (usecase.PushOutput, error) {
	s.calls++
	s.pushIn = in
	return s.pushOut, s.err
}

func makeEvent(path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_Chat(t *testing.T) {
	uc := &stubUseCase{chatOut: usecase.ChatOutput{Answer: "Go is a language."}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/chat/", `{"query":"What is Go?","session_id":"chat-x1y2z3"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.ChatInput{Query: "What is Go?", SessionID: "chat-x1y2z3"}, uc.chatIn)

	// The answer is a bare JSON string.
	require.Equal(t, "Go is a language.", parseBody[string](t, resp.Body))
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
	require.Equal(t, "*", resp.Headers["Access-Control-Allow-Origin"])
}

func TestHandle_ChatWithoutTrailingSlash(t *testing.T) {
	uc := &stubUseCase{chatOut: usecase.ChatOutput{Answer: "ok"}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/chat", `{"query":"hi","session_id":"s"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, uc.calls)
}

func TestHandle_PushPageContent(t *testing.T) {
	uc := &stubUseCase{pushOut: usecase.PushOutput{Chunks: 3}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	body := `{"context":{"url":"https://go.dev","title":"Go","content":"Go is expressive."},"session_id":"chat-x1y2z3"}`
	resp, err := h.Handle(context.Background(), makeEvent("/chat/page-content/", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.PushInput{
		Context:   domain.PageContent{URL: "https://go.dev", Title: "Go", Content: "Go is expressive."},
		SessionID: "chat-x1y2z3",
	}, uc.pushIn)

	out := parseBody[pushResponse](t, resp.Body)
	require.Equal(t, pushResponse{Status: "ok", Chunks: 3}, out)
}

func TestHandle_Base64Body(t *testing.T) {
	uc := &stubUseCase{chatOut: usecase.ChatOutput{Answer: "ok"}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent("/chat/", base64.StdEncoding.EncodeToString([]byte(`{"query":"hi","session_id":"s"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hi", uc.chatIn.Query)
}

func TestHandle_Preflight(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent("/chat/", "")
	event.HTTPMethod = http.MethodOptions
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Contains(t, resp.Headers["Access-Control-Allow-Methods"], "POST")
	require.Empty(t, resp.Body)
	require.Zero(t, uc.calls)
}

func TestHandle_UnknownRoute(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/ask", `{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Zero(t, uc.calls)
}

func TestHandle_InvalidBody(t *testing.T) {
	for _, path := range []string{ChatPath, PushContextPath} {
		t.Run(path, func(t *testing.T) {
			uc := &stubUseCase{}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(path, `not-json`))
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
			require.Equal(t, resp.Headers["X-Correlation-Id"], out.CorrelationID)
			require.Zero(t, uc.calls)
		})
	}
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_query"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "llm_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "llm_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "dynamodb_write_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(ChatPath, `{"query":"What is Go?","session_id":"s"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_SessionRateLimit(t *testing.T) {
	uc := &stubUseCase{chatOut: usecase.ChatOutput{Answer: "ok"}}
	h, err := NewHandler(uc, WithSessionRateLimit(0.001, 1))
	require.NoError(t, err)

	first, err := h.Handle(context.Background(), makeEvent(ChatPath, `{"query":"a","session_id":"s1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, err := h.Handle(context.Background(), makeEvent(ChatPath, `{"query":"b","session_id":"s1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	require.Equal(t, string(usecase.ErrorRateLimited), parseBody[errorResponse](t, second.Body).Error)

	other, err := h.Handle(context.Background(), makeEvent(ChatPath, `{"query":"c","session_id":"s2"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, other.StatusCode)
	require.Equal(t, 2, uc.calls)
}

func TestAllow_EvictsIdleLimiters(t *testing.T) {
	h, err := NewHandler(&stubUseCase{}, WithSessionRateLimit(1, 1))
	require.NoError(t, err)
	clock := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }

	for i := 0; i < 100; i++ {
		require.NoError(t, h.allow(fmt.Sprintf("s%d", i)))
	}
	require.Len(t, h.limiters, 100)

	clock = clock.Add(limiterIdleTTL + time.Second)
	require.NoError(t, h.allow("fresh"))
	require.Len(t, h.limiters, 1)
	require.Contains(t, h.limiters, "fresh")
}

func TestAllow_KeepsLimitersThatHaveNotRefilled(t *testing.T) {
	h, err := NewHandler(&stubUseCase{}, WithSessionRateLimit(0.0001, 1))
	require.NoError(t, err)
	clock := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }

	require.NoError(t, h.allow("slow"))
	clock = clock.Add(limiterIdleTTL + time.Second)
	require.NoError(t, h.allow("other"))

	require.Len(t, h.limiters, 2)
	var rateErr *usecase.Error
	require.ErrorAs(t, h.allow("slow"), &rateErr)
	require.Equal(t, usecase.ErrorRateLimited, rateErr.Code)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	uc := &stubUseCase{chatOut: usecase.ChatOutput{Answer: "ok"}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(ChatPath, `{"query":"hi","session_id":"s"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_RejectsGet(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(ChatPath, "")
	event.HTTPMethod = http.MethodGet
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Zero(t, uc.calls)
}
