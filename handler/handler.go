// Package handler exposes the chat use case over HTTP. The same routes are
// served to API Gateway through Handle and to local clients through the gin
// router returned by NewRouter.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"page-chat/internal/domain"
	"page-chat/internal/usecase"
)

const (
	ChatPath        = "/chat/"
	PushContextPath = "/chat/page-content/"

	correlationHeader = "X-Correlation-Id"
	errorNotFound     = "NOT_FOUND"
	errorMethod       = "METHOD_NOT_ALLOWED"

	// limiterIdleTTL is how long a session limiter sits unused before it
	// may be dropped. It is also the sweep interval.
	limiterIdleTTL = 10 * time.Minute
)

type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
	PushPageContent(ctx context.Context, in usecase.PushInput) (usecase.PushOutput, error)
}

type chatRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

type pushRequest struct {
	Context   domain.PageContent `json:"context"`
	SessionID string             `json:"session_id"`
}

type pushResponse struct {
	Status string `json:"status"`
	Chunks int    `json:"chunks"`
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type Handler struct {
	uc     ChatUseCase
	logger *slog.Logger

	limit     rate.Limit
	burst     int
	now       func() time.Time
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastSweep time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Option func(*Handler)

// WithSessionRateLimit caps requests per session ID. Zero disables the cap.
func WithSessionRateLimit(r rate.Limit, burst int) Option {
	return func(h *Handler) {
		h.limit = r
		h.burst = burst
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(uc ChatUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{
		uc:       uc,
		logger:   slog.Default(),
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// serve runs one request against a route and returns the status and the
// value to encode as the JSON body.
func (h *Handler) serve(ctx context.Context, method, path string, body []byte, correlationID string) (int, any) {
	logger := h.logger.With("correlation_id", correlationID, "path", path)

	if method != http.MethodPost {
		return http.StatusMethodNotAllowed, errorResponse{Error: errorMethod, CorrelationID: correlationID}
	}

	var (
		status int
		out    any
		err    error
	)
	switch normalizePath(path) {
	case ChatPath:
		var req chatRequest
		if err = json.Unmarshal(body, &req); err != nil {
			err = &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
			break
		}
		if err = h.allow(req.SessionID); err != nil {
			break
		}
		var res usecase.ChatOutput
		res, err = h.uc.Chat(ctx, usecase.ChatInput{Query: req.Query, SessionID: req.SessionID})
		status, out = http.StatusOK, res.Answer
	case PushContextPath:
		var req pushRequest
		if err = json.Unmarshal(body, &req); err != nil {
			err = &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}
			break
		}
		if err = h.allow(req.SessionID); err != nil {
			break
		}
		var res usecase.PushOutput
		res, err = h.uc.PushPageContent(ctx, usecase.PushInput{Context: req.Context, SessionID: req.SessionID})
		status, out = http.StatusOK, pushResponse{Status: "ok", Chunks: res.Chunks}
	default:
		return http.StatusNotFound, errorResponse{Error: errorNotFound, CorrelationID: correlationID}
	}

	if err != nil {
		code := usecase.CodeOf(err)
		status = statusFor(code)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", "code", code, "err", err)
		} else {
			logger.Warn("request rejected", "code", code, "err", err)
		}
		return status, errorResponse{Error: string(code), CorrelationID: correlationID}
	}
	logger.Info("request served", "status", status)
	return status, out
}

func (h *Handler) allow(sessionID string) error {
	if h.limit <= 0 {
		return nil
	}
	now := h.now()
	h.mu.Lock()
	h.sweepLocked(now)
	entry, ok := h.limiters[sessionID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(h.limit, h.burst)}
		h.limiters[sessionID] = entry
	}
	entry.lastSeen = now
	h.mu.Unlock()

	if !entry.limiter.AllowN(now, 1) {
		return &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "session_rate_limited"}
	}
	return nil
}

// sweepLocked drops limiters that have been idle for limiterIdleTTL and have
// refilled to their burst, since a fresh limiter would behave the same.
func (h *Handler) sweepLocked(now time.Time) {
	if now.Sub(h.lastSweep) < limiterIdleTTL {
		return
	}
	h.lastSweep = now
	for id, entry := range h.limiters {
		if now.Sub(entry.lastSeen) >= limiterIdleTTL && entry.limiter.TokensAt(now) >= float64(h.burst) {
			delete(h.limiters, id)
		}
	}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func normalizePath(p string) string {
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
