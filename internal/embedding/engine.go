// Package embedding turns failure text into vectors for similarity search.
// The default backend is a deterministic local token-hash vectorizer; Ollama
// and Google GenAI backends are available when a model server is reachable.
package embedding

import (
	"context"
	"math"
	"sort"

	"foreman/internal/faults"
	"foreman/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// HealthChecker is implemented by engines that can verify their backing
// service before batch work starts.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config selects and tunes an embedding backend.
type Config struct {
	// Provider: "local", "ollama", or "genai".
	Provider string `json:"provider"`

	OllamaEndpoint string `json:"ollama_endpoint"`
	OllamaModel    string `json:"ollama_model"`

	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"`
	// TaskType for GenAI, e.g. "SEMANTIC_SIMILARITY" or "RETRIEVAL_QUERY".
	TaskType string `json:"task_type"`
}

// DefaultConfig returns the local deterministic vectorizer, which needs no
// external service and keeps failure matching reproducible.
func DefaultConfig() Config {
	return Config{
		Provider:       "local",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
		TaskType:       "SEMANTIC_SIMILARITY",
	}
}

// NewEngine creates an embedding engine from configuration.
func NewEngine(cfg Config) (Engine, error) {
	logging.Embedding("creating embedding engine: provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "local", "":
		return NewVectorizer(), nil
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		return nil, faults.Newf(faults.CodeEmbeddingFailed, "unsupported embedding provider %q", cfg.Provider)
	}
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// in [-1, 1]. Zero-magnitude vectors compare as 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, faults.Newf(faults.CodeEmbeddingFailed, "vector dimension mismatch: %d != %d", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// SimilarityResult is one hit from FindTopK.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the k corpus vectors most similar to the query, sorted
// by similarity descending. Mismatched-dimension vectors are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("FindTopK skipped %d vectors with mismatched dimensions", skipped)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
