package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"page-chat/internal/panel"
)

// hostConfig is the YAML file accepted by -config.
type hostConfig struct {
	Panel    panel.Config `yaml:"panel"`
	WindowID int          `yaml:"window_id"`
	Pages    []string     `yaml:"pages"`
}

func defaultHostConfig() hostConfig {
	return hostConfig{Panel: panel.DefaultConfig(), WindowID: 1}
}

// loadConfig reads path over the defaults, then applies environment
// overrides. An empty path skips the file.
func loadConfig(path string, lookup func(string) (string, bool)) (hostConfig, error) {
	cfg := defaultHostConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return hostConfig{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return hostConfig{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	overrides := map[string]*string{
		"PAGE_CHAT_CHAT_URL":         &cfg.Panel.ChatURL,
		"PAGE_CHAT_PUSH_CONTEXT_URL": &cfg.Panel.PushContextURL,
		"PAGE_CHAT_SESSION_ID":       &cfg.Panel.SessionID,
	}
	for key, dst := range overrides {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	return cfg, nil
}

func newSessionID() string {
	return "chat-" + uuid.NewString()
}
