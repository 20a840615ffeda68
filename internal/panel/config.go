package panel

import (
	"errors"
	"strings"
)

// Config is fixed for the lifetime of a panel. Every backend call made by one
// panel carries the same SessionID.
type Config struct {
	ChatURL        string `yaml:"chat_url"`
	PushContextURL string `yaml:"push_context_url"`
	SessionID      string `yaml:"session_id"`
	WindowID       int    `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		ChatURL:        "http://localhost:8000/chat/",
		PushContextURL: "http://localhost:8000/chat/page-content/",
		SessionID:      "chat-x1y2z3",
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SessionID) == "" {
		return errors.New("panel: session ID must not be empty")
	}
	return nil
}
