// Package paramstore resolves named configuration parameters such as model
// names and API tokens. Parameters come from AWS SSM Parameter Store in
// deployed environments and from environment variables in local runs.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrNotFound reports that a getter has no value for the parameter.
var ErrNotFound = errors.New("paramstore: parameter not found")

type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads decrypted parameters from SSM. With a cache TTL, values are
// kept per name until they expire; misses and errors are never cached.
type Client struct {
	api ssmAPI
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	values map[string]cachedValue
}

type cachedValue struct {
	value   string
	expires time.Time
}

type Option func(*Client)

// WithCacheTTL keeps fetched values for d. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) {
		c.ttl = d
	}
}

func New(api ssmAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	c := &Client{
		api:    api,
		now:    time.Now,
		values: make(map[string]cachedValue),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	if v, ok := c.cached(name); ok {
		return v, nil
	}
	v, err := c.fetch(ctx, name)
	if err != nil {
		return "", err
	}
	c.store(name, v)
	return v, nil
}

func (c *Client) fetch(ctx context.Context, name string) (string, error) {
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: ptr(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}

func (c *Client) cached(name string) (string, bool) {
	if c.ttl <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.values[name]
	if !ok || !c.now().Before(e.expires) {
		delete(c.values, name)
		return "", false
	}
	return e.value, true
}

func (c *Client) store(name, value string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]cachedValue)
	}
	c.values[name] = cachedValue{value: value, expires: c.now().Add(c.ttl)}
}

func ptr[T any](v T) *T { return &v }
