// Package failures indexes failure contexts as vectors so new failures can
// be matched against previously seen ones and their resolutions. The hot
// index is in memory with a fixed capacity; old records can be archived to
// a sqlite file and restored later.
package failures

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/internal/embedding"
	"foreman/internal/faults"
	"foreman/internal/logging"
)

// Index defaults.
const (
	DefaultMaxRecords          = 10000
	DefaultSimilarityThreshold = 0.5
)

// FailureContext is the raw material of one indexed failure.
type FailureContext struct {
	ErrorType string            `json:"error_type"`
	Message   string            `json:"message"`
	TaskID    string            `json:"task_id,omitempty"`
	State     string            `json:"state,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// text is what gets embedded. Type and message carry the signal; task ids
// would only add noise.
func (c FailureContext) text() string {
	return c.ErrorType + " " + c.Message
}

// Resolution describes one attempted fix for a failure.
type Resolution struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Successful  bool      `json:"successful"`
	AppliedAt   time.Time `json:"applied_at"`
}

// Record is one indexed failure.
type Record struct {
	ID         string                  `json:"id"`
	Context    FailureContext          `json:"context"`
	Embedding  embedding.TextEmbedding `json:"embedding"`
	Resolution *Resolution             `json:"resolution,omitempty"`
	SessionID  string                  `json:"session_id,omitempty"`
	Tags       []string                `json:"tags,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
}

// SearchResult pairs a record with its similarity to the query.
type SearchResult struct {
	Record     *Record `json:"record"`
	Similarity float64 `json:"similarity"`
}

// Stats summarizes the index.
type Stats struct {
	TotalRecords  int     `json:"total_records"`
	ResolvedCount int     `json:"resolved_count"`
	SuccessRate   float64 `json:"success_rate"`
	SearchCount   int     `json:"search_count"`
}

// Pattern is one recurring error type.
type Pattern struct {
	ErrorType string `json:"error_type"`
	Count     int    `json:"count"`
}

// Options tunes an Index.
type Options struct {
	MaxRecords          int     `json:"max_records"`
	SimilarityThreshold float64 `json:"similarity_threshold"`

	// Engine overrides the embedding backend. Nil, or the local
	// *embedding.Vectorizer, keeps the deterministic token-hash embedder.
	Engine embedding.Engine `json:"-"`
}

// DefaultOptions returns the standard capacity and threshold.
func DefaultOptions() Options {
	return Options{MaxRecords: DefaultMaxRecords, SimilarityThreshold: DefaultSimilarityThreshold}
}

// Index is the capped in-memory failure store. Safe for concurrent use.
type Index struct {
	mu          sync.RWMutex
	vectorizer  *embedding.Vectorizer
	engine      embedding.Engine
	records     []*Record
	maxRecords  int
	threshold   float64
	searchCount int
}

// NewIndex creates an empty index; zero option fields fall back to defaults.
func NewIndex(opts Options) *Index {
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultMaxRecords
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	ix := &Index{
		vectorizer: embedding.NewVectorizer(),
		maxRecords: opts.MaxRecords,
		threshold:  opts.SimilarityThreshold,
	}
	if v, ok := opts.Engine.(*embedding.Vectorizer); ok {
		ix.vectorizer = v
	} else if opts.Engine != nil {
		ix.engine = opts.Engine
	}
	return ix
}

// embed vectorizes one text through the configured engine. An engine
// failure permanently reverts the index to the local vectorizer so every
// stored vector stays dimensionally comparable.
func (ix *Index) embed(text string) embedding.TextEmbedding {
	ix.mu.RLock()
	eng := ix.engine
	ix.mu.RUnlock()
	if eng == nil {
		return ix.vectorizer.EmbedText(text)
	}

	vec, err := eng.Embed(context.Background(), text)
	if err != nil {
		ix.mu.Lock()
		ix.engine = nil
		ix.mu.Unlock()
		logging.Get(logging.CategoryFailures).Warn("engine %s failed, reverting to local vectorizer: %v", eng.Name(), err)
		return ix.vectorizer.EmbedText(text)
	}
	return embedding.TextEmbedding{Vector: vec, NormalizedMessage: embedding.Normalize(text)}
}

// AddOptions carries the optional fields of a new record.
type AddOptions struct {
	ID         string
	Resolution *Resolution
	SessionID  string
	Tags       []string
}

// Add embeds and stores a failure. At capacity the oldest record is
// evicted. Records are kept in insertion order, oldest first.
func (ix *Index) Add(ctx FailureContext, opts AddOptions) *Record {
	rec := &Record{
		ID:         opts.ID,
		Context:    ctx,
		Embedding:  ix.embed(ctx.text()),
		Resolution: opts.Resolution,
		SessionID:  opts.SessionID,
		Tags:       opts.Tags,
		CreatedAt:  time.Now().UTC(),
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	ix.mu.Lock()
	if len(ix.records) >= ix.maxRecords {
		evicted := ix.records[0]
		ix.records = ix.records[1:]
		logging.FailuresDebug("capacity reached, evicted record %s", evicted.ID)
	}
	ix.records = append(ix.records, rec)
	ix.mu.Unlock()

	logging.FailuresDebug("indexed failure %s (type=%s)", rec.ID, ctx.ErrorType)
	return rec
}

// AddResolution attaches a resolution to an existing record.
func (ix *Index) AddResolution(recordID string, res Resolution) bool {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.AppliedAt.IsZero() {
		res.AppliedAt = time.Now().UTC()
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, rec := range ix.records {
		if rec.ID == recordID {
			rec.Resolution = &res
			return true
		}
	}
	return false
}

// Search returns records whose similarity to the query context meets the
// threshold, sorted descending. topK <= 0 means 10.
func (ix *Index) Search(ctx FailureContext, topK int) []SearchResult {
	if topK <= 0 {
		topK = 10
	}
	query := ix.embed(ctx.text()).Vector

	ix.mu.Lock()
	ix.searchCount++
	records := make([]*Record, len(ix.records))
	copy(records, ix.records)
	ix.mu.Unlock()

	corpus := make([][]float32, len(records))
	for i, rec := range records {
		corpus[i] = rec.Embedding.Vector
	}

	var out []SearchResult
	for _, hit := range embedding.FindTopK(query, corpus, topK) {
		if hit.Similarity < ix.threshold {
			continue
		}
		out = append(out, SearchResult{Record: records[hit.Index], Similarity: hit.Similarity})
	}
	return out
}

// FindResolutions returns the resolutions of similar failures, most similar
// first. With onlySuccessful set, failed resolution attempts are skipped.
func (ix *Index) FindResolutions(ctx FailureContext, onlySuccessful bool) []SearchResult {
	var out []SearchResult
	for _, hit := range ix.Search(ctx, 0) {
		if hit.Record.Resolution == nil {
			continue
		}
		if onlySuccessful && !hit.Record.Resolution.Successful {
			continue
		}
		out = append(out, hit)
	}
	return out
}

// GetByTag returns all records carrying the tag, oldest first.
func (ix *Index) GetByTag(tag string) []*Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []*Record
	for _, rec := range ix.records {
		for _, t := range rec.Tags {
			if t == tag {
				out = append(out, rec)
				break
			}
		}
	}
	return out
}

// GetByType returns all records of one error type, oldest first.
func (ix *Index) GetByType(errorType string) []*Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []*Record
	for _, rec := range ix.records {
		if rec.Context.ErrorType == errorType {
			out = append(out, rec)
		}
	}
	return out
}

// GetRecent returns the n most recently added records, newest first.
func (ix *Index) GetRecent(n int) []*Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if n <= 0 || n > len(ix.records) {
		n = len(ix.records)
	}
	out := make([]*Record, 0, n)
	for i := len(ix.records) - 1; i >= len(ix.records)-n; i-- {
		out = append(out, ix.records[i])
	}
	return out
}

// GetStats summarizes the index.
func (ix *Index) GetStats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	stats := Stats{TotalRecords: len(ix.records), SearchCount: ix.searchCount}
	successful := 0
	for _, rec := range ix.records {
		if rec.Resolution != nil {
			stats.ResolvedCount++
			if rec.Resolution.Successful {
				successful++
			}
		}
	}
	if stats.ResolvedCount > 0 {
		stats.SuccessRate = float64(successful) / float64(stats.ResolvedCount)
	}
	return stats
}

// FindPatterns groups records by error type and returns the types seen at
// least minCount times, most frequent first.
func (ix *Index) FindPatterns(minCount int) []Pattern {
	if minCount <= 0 {
		minCount = 2
	}

	ix.mu.RLock()
	counts := make(map[string]int)
	for _, rec := range ix.records {
		counts[rec.Context.ErrorType]++
	}
	ix.mu.RUnlock()

	var out []Pattern
	for errType, count := range counts {
		if count >= minCount {
			out = append(out, Pattern{ErrorType: errType, Count: count})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ErrorType < out[j].ErrorType
	})
	return out
}

// indexState is the full serializable form of an index.
type indexState struct {
	Records    []*Record       `json:"records"`
	Vectorizer json.RawMessage `json:"vectorizer"`
}

// Export serializes every record plus the vectorizer state.
func (ix *Index) Export() ([]byte, error) {
	vecState, err := ix.vectorizer.ExportState()
	if err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return json.Marshal(indexState{Records: ix.records, Vectorizer: vecState})
}

// Import replaces the index contents with a previously exported state.
func (ix *Index) Import(data []byte) error {
	var state indexState
	if err := json.Unmarshal(data, &state); err != nil {
		return faults.Wrap(faults.CodeCorrupt, err, "invalid index export")
	}
	if len(state.Vectorizer) > 0 {
		if err := ix.vectorizer.ImportState(state.Vectorizer); err != nil {
			return err
		}
	}

	ix.mu.Lock()
	ix.records = state.Records
	ix.mu.Unlock()
	logging.Failures("imported %d failure records", len(state.Records))
	return nil
}

// Clear drops every record. The vectorizer vocabulary is kept so vectors
// stay comparable with archived data.
func (ix *Index) Clear() {
	ix.mu.Lock()
	ix.records = nil
	ix.searchCount = 0
	ix.mu.Unlock()
}

// Len returns the number of hot records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.records)
}
