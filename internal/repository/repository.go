// Package repository persists chat sessions and the page chunks pushed into
// them.
package repository

import (
	"context"

	"page-chat/internal/domain"
)

// Sessions is the conversation state consumed by the chat use case.
type Sessions interface {
	GetSessionTurnCount(ctx context.Context, sessionID string) (int, error)
	GetHistory(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	// SaveCompletedTurn records a turn and increments the session's turn
	// count in place, so concurrent turns of one session are all counted.
	SaveCompletedTurn(ctx context.Context, sessionID, query, answer string) error
}

// ScoredChunk is a retrieval hit.
type ScoredChunk struct {
	Chunk domain.Chunk
	Score float64
}

// Chunks stores embedded page chunks per session.
type Chunks interface {
	SaveChunks(ctx context.Context, sessionID string, chunks []domain.Chunk) error
	HasChunks(ctx context.Context, sessionID string) (bool, error)
	SearchChunks(ctx context.Context, sessionID string, query []float32, k int) ([]ScoredChunk, error)
}
