// Package memory holds sessions and chunks in process memory for local runs
// and tests. Nothing survives a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"page-chat/internal/domain"
	"page-chat/internal/repository"
)

// Sessions implements repository.Sessions.
type Sessions struct {
	mu       sync.RWMutex
	messages map[string][]domain.Message
	turns    map[string]int
	now      func() time.Time
}

func NewSessions() *Sessions {
	return &Sessions{
		messages: make(map[string][]domain.Message),
		turns:    make(map[string]int),
		now:      time.Now,
	}
}

func (s *Sessions) GetSessionTurnCount(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turns[sessionID], nil
}

func (s *Sessions) GetHistory(_ context.Context, sessionID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		return nil, nil
	}
	msgs := s.messages[sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Sessions) SaveCompletedTurn(_ context.Context, sessionID, query, answer string) error {
	msg := repository.NewMessage(sessionID, query, answer, repository.StatusComplete, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	s.turns[sessionID]++
	return nil
}

// Chunks implements repository.Chunks with a linear scan per search.
type Chunks struct {
	mu     sync.RWMutex
	chunks map[string][]domain.Chunk
}

func NewChunks() *Chunks {
	return &Chunks{chunks: make(map[string][]domain.Chunk)}
}

func (c *Chunks) SaveChunks(_ context.Context, sessionID string, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range chunks {
		ch.SessionID = sessionID
		ch.Embedding = append([]float32(nil), ch.Embedding...)
		c.chunks[sessionID] = append(c.chunks[sessionID], ch)
	}
	return nil
}

func (c *Chunks) HasChunks(_ context.Context, sessionID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chunks[sessionID]) > 0, nil
}

func (c *Chunks) SearchChunks(_ context.Context, sessionID string, query []float32, k int) ([]repository.ScoredChunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return repository.TopK(c.chunks[sessionID], query, k), nil
}

var (
	_ repository.Sessions = (*Sessions)(nil)
	_ repository.Chunks   = (*Chunks)(nil)
)
