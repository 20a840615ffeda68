package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"/page-chat/config/chat_model": "PAGE_CHAT_CONFIG_CHAT_MODEL",
		"/page-chat/model-token":       "PAGE_CHAT_MODEL_TOKEN",
		" system_prompt ":              "SYSTEM_PROMPT",
	}
	for in, want := range cases {
		require.Equal(t, want, EnvKey(in), "name=%q", in)
	}
}

func TestEnvGetter(t *testing.T) {
	g := EnvGetter{
		Names: map[string]string{"/page-chat/model-token": "OPENAI_TOKEN_JSON"},
		Lookup: lookupFrom(map[string]string{
			"PAGE_CHAT_CONFIG_CHAT_MODEL": "llama3",
			"OPENAI_TOKEN_JSON":           `{"token":"sk-local"}`,
			"PAGE_CHAT_SYSTEM_PROMPT":     "",
		}),
	}

	v, err := g.GetParameter(context.Background(), "/page-chat/config/chat_model")
	require.NoError(t, err)
	require.Equal(t, "llama3", v)

	v, err = g.GetParameter(context.Background(), "/page-chat/model-token")
	require.NoError(t, err)
	require.Equal(t, `{"token":"sk-local"}`, v)

	_, err = g.GetParameter(context.Background(), "/page-chat/system_prompt")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = g.GetParameter(context.Background(), " ")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

type stubGetter struct {
	val   string
	err   error
	calls int
}

func (s *stubGetter) GetParameter(context.Context, string) (string, error) {
	s.calls++
	return s.val, s.err
}

func TestChain(t *testing.T) {
	missing := &stubGetter{err: ErrNotFound}
	found := &stubGetter{val: "v"}
	later := &stubGetter{val: "unused"}

	v, err := Chain{missing, nil, found, later}.GetParameter(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, "v", v)
	require.Equal(t, 1, missing.calls)
	require.Zero(t, later.calls)

	broken := &stubGetter{err: errors.New("access denied")}
	_, err = Chain{broken, found}.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "access denied")

	_, err = Chain{missing}.GetParameter(context.Background(), "p")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = Chain{}.GetParameter(context.Background(), "p")
	require.ErrorIs(t, err, ErrNotFound)
}
