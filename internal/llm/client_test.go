package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChatClientComplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		require.Equal(t, "system", req.Messages[0].Role)
		require.Equal(t, "hello", req.Messages[1].Content)
		require.InDelta(t, 0.2, req.Temperature, 1e-9)
		require.Equal(t, 256, req.MaxTokens)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hi there \n"}}]}`))
	}))
	defer srv.Close()

	client := NewChatClient(ClientConfig{
		Endpoint: srv.URL, Model: "gpt-test", APIKey: "secret", Temperature: 0.2, MaxTokens: 256,
	})
	got, err := client.Complete(context.Background(), "sys", "hello")
	require.NoError(t, err)
	require.Equal(t, "hi there", got)
}

func TestChatClientErrorBodyIsTruncated(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	client := NewChatClient(ClientConfig{Endpoint: srv.URL, Model: "m", APIKey: "k"})
	_, err := client.Complete(context.Background(), "sys", "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
	require.Less(t, len(err.Error()), 1200)
}

func TestChatClientRejectsMissingConfig(t *testing.T) {
	t.Parallel()

	_, err := NewChatClient(ClientConfig{Model: "m"}).Complete(context.Background(), "s", "u")
	require.ErrorContains(t, err, "misconfigured")
}

func TestChatClientNoChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewChatClient(ClientConfig{Endpoint: srv.URL, Model: "m", APIKey: "k"}).
		Complete(context.Background(), "s", "u")
	require.ErrorContains(t, err, "no choices")
}
