package embedding

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"foreman/internal/faults"
)

// VectorDimensions is the fixed size of locally produced vectors.
const VectorDimensions = 128

// stopWords are dropped from token streams before hashing. Error messages
// are short, so common filler would otherwise dominate the vector.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "in": true,
	"is": true, "it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "this": true, "to": true, "was": true,
	"were": true, "will": true, "with": true,
}

// TextEmbedding is the full local embedding of one text: the L2-normalized
// vector plus the intermediate token stream, kept for diagnostics.
type TextEmbedding struct {
	Vector            []float32 `json:"vector"`
	Tokens            []string  `json:"tokens"`
	NormalizedMessage string    `json:"normalized_message"`
}

// Vectorizer is a deterministic token-hash embedder. It needs no model
// server and always produces the same vector for the same text, which keeps
// failure matching stable across restarts. The vocabulary only feeds
// statistics and state export; hashing does not depend on it.
type Vectorizer struct {
	mu       sync.RWMutex
	vocab    map[string]int // token -> occurrence count
	docCount int
}

// NewVectorizer returns an empty local vectorizer.
func NewVectorizer() *Vectorizer {
	return &Vectorizer{vocab: make(map[string]int)}
}

// Normalize lowercases, collapses runs of whitespace to single spaces, and
// strips leading and trailing punctuation.
func Normalize(text string) string {
	lowered := strings.ToLower(text)
	fields := strings.Fields(lowered)
	collapsed := strings.Join(fields, " ")
	return strings.TrimFunc(collapsed, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

// Tokenize splits a normalized message into stop-word-free tokens.
// Punctuation inside words is treated as a separator.
func Tokenize(normalized string) []string {
	raw := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		if !stopWords[t] {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// EmbedText produces the full embedding of one text and grows the
// vocabulary with any new tokens.
func (v *Vectorizer) EmbedText(text string) TextEmbedding {
	normalized := Normalize(text)
	tokens := Tokenize(normalized)

	v.mu.Lock()
	for _, t := range tokens {
		v.vocab[t]++
	}
	v.docCount++
	v.mu.Unlock()

	return TextEmbedding{
		Vector:            hashTokens(tokens),
		Tokens:            tokens,
		NormalizedMessage: normalized,
	}
}

// hashTokens buckets each token by FNV-1a hash and L2-normalizes the
// resulting count vector, so similarity reduces to a dot product.
func hashTokens(tokens []string) []float32 {
	vec := make([]float32, VectorDimensions)
	for _, t := range tokens {
		h := fnv.New32a()
		h.Write([]byte(t))
		vec[h.Sum32()%VectorDimensions]++
	}

	var mag float64
	for _, x := range vec {
		mag += float64(x) * float64(x)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// Embed implements Engine.
func (v *Vectorizer) Embed(_ context.Context, text string) ([]float32, error) {
	return v.EmbedText(text).Vector, nil
}

// EmbedBatch implements Engine.
func (v *Vectorizer) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := v.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements Engine.
func (v *Vectorizer) Dimensions() int { return VectorDimensions }

// Name implements Engine.
func (v *Vectorizer) Name() string { return "local:token-hash" }

// VocabularySize returns the number of distinct tokens seen so far.
func (v *Vectorizer) VocabularySize() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vocab)
}

// DocumentCount returns the number of texts embedded so far.
func (v *Vectorizer) DocumentCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.docCount
}

type vectorizerState struct {
	Vocabulary    map[string]int `json:"vocabulary"`
	DocumentCount int            `json:"document_count"`
}

// ExportState serializes the vocabulary and document count.
func (v *Vectorizer) ExportState() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return json.Marshal(vectorizerState{Vocabulary: v.vocab, DocumentCount: v.docCount})
}

// ImportState replaces the vectorizer state with a previously exported one.
func (v *Vectorizer) ImportState(data []byte) error {
	var state vectorizerState
	if err := json.Unmarshal(data, &state); err != nil {
		return faults.Wrap(faults.CodeEmbeddingFailed, err, "invalid vectorizer state")
	}
	if state.Vocabulary == nil {
		state.Vocabulary = make(map[string]int)
	}
	v.mu.Lock()
	v.vocab = state.Vocabulary
	v.docCount = state.DocumentCount
	v.mu.Unlock()
	return nil
}
