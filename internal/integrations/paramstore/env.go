package paramstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// EnvGetter serves parameters from environment variables. A parameter name
// such as "/page-chat/config/chat_model" maps to PAGE_CHAT_CONFIG_CHAT_MODEL.
// Explicit entries in Names take precedence over the derived variable name.
type EnvGetter struct {
	Names  map[string]string
	Lookup func(key string) (string, bool)
}

func (g EnvGetter) GetParameter(_ context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	lookup := g.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	key, ok := g.Names[name]
	if !ok {
		key = EnvKey(name)
	}
	v, ok := lookup(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %q (env %s)", ErrNotFound, name, key)
	}
	return v, nil
}

// EnvKey derives the environment variable name for a parameter.
func EnvKey(name string) string {
	name = strings.Trim(strings.TrimSpace(name), "/")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// Chain asks each getter in order and returns the first value found. Errors
// other than ErrNotFound stop the search.
type Chain []Getter

func (c Chain) GetParameter(ctx context.Context, name string) (string, error) {
	for _, g := range c {
		if g == nil {
			continue
		}
		v, err := g.GetParameter(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, name)
}
