package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/time/rate"

	"page-chat/handler"
	"page-chat/internal/integrations/openai"
	"page-chat/internal/integrations/paramstore"
	"page-chat/internal/repository"
	"page-chat/internal/usecase"
)

const (
	// API Gateway ends integration requests after 29s, so a retry has to
	// fit in what the first model call leaves of that budget.
	apiGatewayTimeout = 29 * time.Second
	defaultRetryDelay = 2 * time.Second
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	llmBaseURL := os.Getenv("LLM_BASE_URL")
	maxHistory := envInt("MAX_HISTORY", 20)
	maxQueryLen := envInt("MAX_QUERY_LENGTH", 4000)
	retryDelay := lambdaRetryDelay(envInt("RETRY_DELAY_SECONDS", int(defaultRetryDelay/time.Second)))
	sessionRate := envInt("SESSION_REQUESTS_PER_MINUTE", 0)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg), paramstore.WithCacheTTL(5*time.Minute))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	llmOpts := []openai.Option{openai.WithParamStoreKey(ssmClient, paramPrefix)}
	if llmBaseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(llmBaseURL))
	}
	llmClient, err := openai.NewClient(llmOpts...)
	if err != nil {
		slog.Error("failed to create model client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(ssmClient, llmClient, stateClient, stateClient, paramPrefix,
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

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
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

// lambdaRetryDelay caps the delay between model attempts at a value that
// leaves room for the retry inside the API Gateway timeout.
func lambdaRetryDelay(seconds int) time.Duration {
	d := time.Duration(seconds) * time.Second
	if d < 0 {
		return defaultRetryDelay
	}
	if d >= apiGatewayTimeout/2 {
		slog.Warn("retry delay does not fit the API Gateway timeout, using default",
			"configured", d, "default", defaultRetryDelay)
		return defaultRetryDelay
	}
	return d
}
