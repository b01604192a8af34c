package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_UnknownBackend(t *testing.T) {
	_, err := NewClient("bedrock")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown llm backend")
}

func TestNewClient_OllamaRequiresBaseURL(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "")
	_, err := NewClient("ollama")
	require.Error(t, err)
}

func newOllamaTestServer(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	t.Setenv("OLLAMA_BASE_URL", server.URL)
	t.Setenv("OLLAMA_MODEL", "test-model")

	client, err := NewOllamaClient()
	require.NoError(t, err)
	return client
}

func TestOllamaGenerate(t *testing.T) {
	client := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "hello", Done: true})
	})

	out, err := client.Generate(context.Background(), "say hello", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestOllamaChat_PrependsSystemMessage(t *testing.T) {
	client := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: Message{Role: "assistant", Content: "hi there"},
			Done:    true,
		})
	})

	out, err := client.Chat(context.Background(), "be brief",
		[]Message{{Role: "user", Content: "hello"}}, GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)
}

func TestOllama_BackendErrorIsUnavailable(t *testing.T) {
	client := newOllamaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	})

	_, err := client.Generate(context.Background(), "x", GenerationParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}
