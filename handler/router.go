package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"page-chat/internal/usecase"
)

const DefaultMaxRequestSize = 10 << 20

// NewRouter serves the chat routes with gin for local runs.
func NewRouter(h *Handler, maxBodyBytes int64) *gin.Engine {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxRequestSize
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(correlation())
	r.Use(cors())
	r.Use(requestSizeLimiter(maxBodyBytes))
	r.Use(accessLog(h))

	r.POST(ChatPath, h.ginHandler)
	r.POST(PushContextPath, h.ginHandler)
	return r
}

func (h *Handler) ginHandler(c *gin.Context) {
	correlationID := CorrelationID(c.Request.Context())
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.AbortWithStatusJSON(status, errorResponse{Error: string(usecase.ErrorInvalidInput), CorrelationID: correlationID})
		return
	}
	status, payload := h.serve(c.Request.Context(), c.Request.Method, c.FullPath(), body, correlationID)
	c.JSON(status, payload)
}

func correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationHeader)
		if id == "" {
			id = newCorrelationID()
		}
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), correlationCtxKey{}, id))
		c.Writer.Header().Set(correlationHeader, id)
		c.Next()
	}
}

type correlationCtxKey struct{}

// CorrelationID returns the request's correlation ID set by the router.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationCtxKey{}).(string)
	return id
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		for k, v := range corsHeaders {
			c.Writer.Header().Set(k, v)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func accessLog(h *Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("http request",
			"correlation_id", CorrelationID(c.Request.Context()),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
