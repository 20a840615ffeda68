package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"page-chat/handler"
	"page-chat/internal/integrations/openai"
	"page-chat/internal/integrations/paramstore"
	"page-chat/internal/repository"
	"page-chat/internal/repository/memory"
	"page-chat/internal/usecase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "err", err)
	}

	// ---- Configuration (read only here) ----
	addr := envString("ADDR", "localhost:8000")
	paramPrefix := envString("PARAM_PREFIX", "/page-chat")
	llmBaseURL := envString("LLM_BASE_URL", "http://localhost:11434")
	llmAPIKey := os.Getenv("LLM_API_KEY")
	stateTable := os.Getenv("STATE_TABLE")
	useSSM := os.Getenv("USE_SSM") == "true"
	maxHistory := envInt("MAX_HISTORY", 20)
	maxQueryLen := envInt("MAX_QUERY_LENGTH", 4000)
	maxBodyBytes := envInt("MAX_BODY_BYTES", handler.DefaultMaxRequestSize)
	retryDelay := time.Duration(envInt("RETRY_DELAY_SECONDS", 60)) * time.Second
	sessionRate := envInt("SESSION_REQUESTS_PER_MINUTE", 30)

	// ---- Parameters: environment first, then SSM when enabled ----
	params := paramstore.Chain{paramstore.EnvGetter{}}

	var (
		sessions repository.Sessions = memory.NewSessions()
		chunks   repository.Chunks   = memory.NewChunks()
	)
	if stateTable != "" || useSSM {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			slog.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
		if useSSM {
			ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg), paramstore.WithCacheTTL(5*time.Minute))
			if err != nil {
				slog.Error("failed to create SSM client", "err", err)
				os.Exit(1)
			}
			params = append(params, ssmClient)
		}
		if stateTable != "" {
			stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
			if err != nil {
				slog.Error("failed to create state client", "err", err)
				os.Exit(1)
			}
			sessions, chunks = stateClient, stateClient
		}
	}

	llmOpts := []openai.Option{openai.WithBaseURL(llmBaseURL)}
	if llmAPIKey != "" {
		llmOpts = append(llmOpts, openai.WithAPIKey(llmAPIKey))
	}
	llmClient, err := openai.NewClient(llmOpts...)
	if err != nil {
		slog.Error("failed to create model client", "err", err)
		os.Exit(1)
	}

	chatService, err := usecase.NewChatService(params, llmClient, sessions, chunks, paramPrefix,
		usecase.WithMaxHistory(maxHistory),
		usecase.WithMaxQueryLen(maxQueryLen),
		usecase.WithRetry(2, retryDelay),
	)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService,
		handler.WithSessionRateLimit(rate.Limit(float64(sessionRate)/60), max(sessionRate, 1)),
	)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.NewRouter(h, int64(maxBodyBytes)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown", "err", err)
		}
	}()

	slog.Info("chat server listening", "addr", addr, "llm_base_url", llmBaseURL, "dynamodb", stateTable != "")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
