package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func Test_OpenAIEmbedder_Embed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}
		var req openaiEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// Return data out of order to exercise index-based reassembly.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.4, 0.5}, "index": 1},
				{"embedding": []float32{0.1, 0.2}, "index": 0},
			},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "test-key", Model: "text-embedding-3-small"})
	got, err := e.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 embeddings, got %d", len(got))
	}
	if got[0][0] != 0.1 || got[1][0] != 0.4 {
		t.Errorf("embeddings not reordered by index: %v", got)
	}
}

func Test_OpenAIEmbedder_AzureURLAndAuth(t *testing.T) {
	t.Parallel()

	var gotURL, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		gotKey = r.Header.Get("api-key")
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1}, "index": 0}},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{
		BaseURL:    srv.URL,
		APIKey:     "azure-key",
		Model:      "embed-deploy",
		Azure:      true,
		APIVersion: "2025-04-01-preview",
	})
	if _, err := e.Embed(context.Background(), []string{"x"}); err != nil {
		t.Fatalf("embed: %v", err)
	}

	if !strings.Contains(gotURL, "/deployments/embed-deploy/embeddings") {
		t.Errorf("azure deployment path missing: %q", gotURL)
	}
	if !strings.Contains(gotURL, "api-version=2025-04-01-preview") {
		t.Errorf("api-version param missing: %q", gotURL)
	}
	if gotKey != "azure-key" {
		t.Errorf("api-key header not set, got %q", gotKey)
	}
}

func Test_OpenAIEmbedder_SurfacesAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limit exceeded"},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	_, err := e.Embed(context.Background(), []string{"x"})
	if err == nil || !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Errorf("want API error message surfaced, got %v", err)
	}
}

func Test_OpenAIEmbedder_CountMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1}, "index": 0}},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	if _, err := e.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("want error when the API returns fewer embeddings than inputs")
	}
}

func Test_OllamaEmbedder_Embed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "nomic-embed-text" {
			t.Errorf("unexpected model %q", req.Model)
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{
			Embeddings: [][]float32{{0.1}, {0.2}},
		})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic-embed-text"})
	got, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("want 2 embeddings, got %d", len(got))
	}
}

func Test_NewFromEnv_ResolvesBackend(t *testing.T) {
	t.Setenv("MODEL_PROVIDER", "")
	t.Setenv("EMBEDDING_PROVIDER", "")
	t.Setenv("EMBEDDING_ENDPOINT", "")
	t.Setenv("OLLAMA_HOST", "")

	// Default is ollama.
	e, err := NewFromEnv()
	if err != nil {
		t.Fatalf("default backend: %v", err)
	}
	if _, ok := e.(*OllamaEmbedder); !ok {
		t.Errorf("want OllamaEmbedder by default, got %T", e)
	}

	// EMBEDDING_PROVIDER overrides MODEL_PROVIDER.
	t.Setenv("MODEL_PROVIDER", "openai")
	t.Setenv("EMBEDDING_PROVIDER", "ollama")
	e, err = NewFromEnv()
	if err != nil {
		t.Fatalf("explicit ollama: %v", err)
	}
	if _, ok := e.(*OllamaEmbedder); !ok {
		t.Errorf("want OllamaEmbedder, got %T", e)
	}

	// openai without a key fails fast.
	t.Setenv("EMBEDDING_PROVIDER", "openai")
	t.Setenv("EMBEDDING_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewFromEnv(); err == nil {
		t.Error("want error for openai backend with no API key")
	}

	// openai inherits the chat provider key.
	t.Setenv("OPENAI_API_KEY", "sk-test")
	e, err = NewFromEnv()
	if err != nil {
		t.Fatalf("openai with inherited key: %v", err)
	}
	if _, ok := e.(*OpenAIEmbedder); !ok {
		t.Errorf("want OpenAIEmbedder, got %T", e)
	}

	// Unknown backends are rejected.
	t.Setenv("EMBEDDING_PROVIDER", "carrier-pigeon")
	if _, err := NewFromEnv(); err == nil {
		t.Error("want error for unknown backend")
	}
}

func Test_DefaultDimensions(t *testing.T) {
	t.Setenv("EMBEDDING_DIMENSIONS", "")

	if got := DefaultDimensions("ollama"); got != defaultOllamaDimensions {
		t.Errorf("ollama dims = %d, want %d", got, defaultOllamaDimensions)
	}
	if got := DefaultDimensions("openai"); got != defaultOpenAIDimensions {
		t.Errorf("openai dims = %d, want %d", got, defaultOpenAIDimensions)
	}

	t.Setenv("EMBEDDING_DIMENSIONS", "3072")
	if got := DefaultDimensions("ollama"); got != 3072 {
		t.Errorf("env override dims = %d, want 3072", got)
	}
}

func Test_LooksLikeChatModel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"llama3.1:8b", true},
		{"Mistral-7B", true},
		{"nomic-embed-text", false},
		{"text-embedding-3-small", false},
	}
	for _, tc := range cases {
		if got := looksLikeChatModel(tc.model); got != tc.want {
			t.Errorf("looksLikeChatModel(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}
