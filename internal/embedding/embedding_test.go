package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/config"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b Vector
		want float64
	}{
		{"identical", Vector{1, 0, 0}, Vector{1, 0, 0}, 1.0},
		{"orthogonal", Vector{1, 0, 0}, Vector{0, 1, 0}, 0.0},
		{"opposite", Vector{1, 0}, Vector{-1, 0}, -1.0},
		{"mismatched dims", Vector{1, 0}, Vector{1, 0, 0}, 0.0},
		{"zero vector", Vector{0, 0}, Vector{1, 0}, 0.0},
		{"empty", nil, nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("expected %f, got %f", tt.want, got)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := Vector{0.1, -2.5, 0, 3.14159, float32(math.Inf(1))}

	decoded, err := Decode(Encode(v))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(v) {
		t.Fatalf("length mismatch: %d vs %d", len(decoded), len(v))
	}
	for i := range v {
		if decoded[i] != v[i] {
			t.Errorf("index %d: expected %f, got %f", i, v[i], decoded[i])
		}
	}
}

func TestDecodeRejectsTorn(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for blob not a multiple of 4 bytes")
	}
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "nomic-embed-text" || req.Prompt != "hello" {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float32{0.1, 0.2}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "nomic-embed-text")
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.1 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestOpenAIEmbedderAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization header: %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1, 2, 3}}},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(srv.URL, "test-key", "text-embedding-3-small", 3)
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestNewFromConfig(t *testing.T) {
	if _, err := NewFromConfig(config.EmbeddingConfig{Provider: "ollama"}); err != nil {
		t.Errorf("ollama: %v", err)
	}
	if _, err := NewFromConfig(config.EmbeddingConfig{Provider: "openai"}); err != nil {
		t.Errorf("openai: %v", err)
	}
	if _, err := NewFromConfig(config.EmbeddingConfig{Provider: "bogus"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
