package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"foreman/internal/faults"
)

// GenAIEngine generates embeddings through Google's Gemini embedding API.
type GenAIEngine struct {
	client   *genai.Client
	model    string
	taskType string
}

// NewGenAIEngine creates a GenAI-backed engine. An API key is required.
func NewGenAIEngine(apiKey, model, taskType string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, faults.New(faults.CodeEmbeddingFailed, "genai api key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, faults.Wrap(faults.CodeEmbeddingFailed, err, "create genai client")
	}

	return &GenAIEngine{
		client:   client,
		model:    model,
		taskType: parseTaskType(taskType),
	}, nil
}

func parseTaskType(taskType string) string {
	switch taskType {
	case "RETRIEVAL_DOCUMENT":
		return "RETRIEVAL_DOCUMENT"
	case "RETRIEVAL_QUERY":
		return "RETRIEVAL_QUERY"
	case "CLASSIFICATION":
		return "CLASSIFICATION"
	case "CLUSTERING":
		return "CLUSTERING"
	default:
		return "SEMANTIC_SIMILARITY"
	}
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one API call.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{TaskType: e.taskType})
	if err != nil {
		return nil, faults.Wrap(faults.CodeEmbeddingFailed, err, "genai embed")
	}
	if len(result.Embeddings) != len(texts) {
		return nil, faults.Newf(faults.CodeEmbeddingFailed, "genai returned %d embeddings for %d texts",
			len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

// Dimensions returns 768, the width of gemini-embedding-001 vectors.
func (e *GenAIEngine) Dimensions() int { return 768 }

// Name returns the engine name.
func (e *GenAIEngine) Name() string { return fmt.Sprintf("genai:%s", e.model) }

// Close releases the underlying client. The genai client holds no
// resources that require explicit release.
func (e *GenAIEngine) Close() error {
	return nil
}
