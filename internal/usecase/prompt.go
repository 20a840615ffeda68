package usecase

import (
	"strings"

	"page-chat/internal/domain"
	"page-chat/internal/repository"
)

const defaultSystemPrompt = "You're a helpful AI. Answer the query with a factual answer. " +
	"If you don't know the answer or are not sure, just say 'I don't know'. " +
	"Use LaTeX for mathematical equations. " +
	"Wrap code in <pre><code class='language-LANG'>...</code></pre> so it renders with syntax highlighting, " +
	"and keep any explanation of the code outside those tags."

const contextualizePrompt = "Given a chat history and the latest user question " +
	"which might reference context in the chat history, " +
	"formulate a standalone question which can be understood " +
	"without the chat history. Do NOT answer the question, " +
	"just reformulate it if needed and otherwise return it as is."

const answerPrompt = "You are an assistant for question-answering tasks. " +
	"Answer the question based only on the following pieces of retrieved context from the webpage. " +
	"If you don't know the answer, say that you don't know. " +
	"Use three sentences maximum and keep the answer concise unless asked to elaborate. " +
	"You may use LaTeX for mathematical equations and wrap code in <pre><code>...</code></pre> tags."

func buildChatMessages(systemPrompt, query string, history []domain.Message) []domain.PromptMessage {
	return withHistory(systemPrompt, query, history)
}

func buildContextualizeMessages(query string, history []domain.Message) []domain.PromptMessage {
	return withHistory(contextualizePrompt, query, history)
}

func buildAnswerMessages(query string, history []domain.Message, hits []repository.ScoredChunk) []domain.PromptMessage {
	return withHistory(answerPrompt+"\n\n<context>\n"+joinChunks(hits)+"\n</context>", query, history)
}

func withHistory(system, query string, history []domain.Message) []domain.PromptMessage {
	messages := make([]domain.PromptMessage, 0, 2+2*len(history))
	messages = append(messages, domain.PromptMessage{Role: "system", Content: system})
	for _, m := range history {
		messages = append(messages, historyToPromptMessages(m)...)
	}
	return append(messages, domain.PromptMessage{Role: "user", Content: query})
}

func historyToPromptMessages(m domain.Message) []domain.PromptMessage {
	if m.Status != repository.StatusComplete {
		return nil
	}
	if strings.TrimSpace(m.Query) == "" || strings.TrimSpace(m.Answer) == "" {
		return nil
	}
	return []domain.PromptMessage{
		{Role: "user", Content: m.Query},
		{Role: "assistant", Content: m.Answer},
	}
}

func joinChunks(hits []repository.ScoredChunk) string {
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		parts = append(parts, h.Chunk.Text)
	}
	return strings.Join(parts, "\n\n")
}
