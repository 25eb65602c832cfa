package failures

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"foreman/internal/embedding"
)

func connRefused(port int) FailureContext {
	return FailureContext{
		ErrorType: "ConnectionError",
		Message:   fmt.Sprintf("connection refused on port %d", port),
	}
}

func TestAddAndSearch(t *testing.T) {
	ix := NewIndex(DefaultOptions())
	rec := ix.Add(connRefused(5432), AddOptions{Tags: []string{"db"}})
	if rec.ID == "" {
		t.Fatal("record should get a generated id")
	}
	ix.Add(FailureContext{ErrorType: "NilPointer", Message: "nil pointer dereference in parser"}, AddOptions{})

	results := ix.Search(connRefused(6379), 5)
	if len(results) == 0 {
		t.Fatal("similar connection failure should match")
	}
	if results[0].Record.ID != rec.ID {
		t.Errorf("best match = %s, want %s", results[0].Record.ID, rec.ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Error("results not sorted descending")
		}
	}
	for _, r := range results {
		if r.Similarity < DefaultSimilarityThreshold {
			t.Errorf("similarity %f below threshold", r.Similarity)
		}
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	ix := NewIndex(Options{MaxRecords: 3})
	first := ix.Add(connRefused(1), AddOptions{})
	ix.Add(connRefused(2), AddOptions{})
	ix.Add(connRefused(3), AddOptions{})
	ix.Add(connRefused(4), AddOptions{})

	if ix.Len() != 3 {
		t.Fatalf("len = %d, want 3", ix.Len())
	}
	for _, rec := range ix.GetRecent(0) {
		if rec.ID == first.ID {
			t.Error("oldest record should have been evicted")
		}
	}
}

func TestAddResolution(t *testing.T) {
	ix := NewIndex(DefaultOptions())
	rec := ix.Add(connRefused(5432), AddOptions{})

	if !ix.AddResolution(rec.ID, Resolution{Description: "restart postgres", Successful: true}) {
		t.Fatal("resolution not attached")
	}
	if ix.AddResolution("no-such-record", Resolution{}) {
		t.Error("unknown record should report false")
	}

	hits := ix.FindResolutions(connRefused(5432), true)
	if len(hits) != 1 || hits[0].Record.Resolution.Description != "restart postgres" {
		t.Fatalf("hits: %+v", hits)
	}

	// Unsuccessful resolutions are filtered when onlySuccessful is set.
	rec2 := ix.Add(connRefused(9999), AddOptions{})
	ix.AddResolution(rec2.ID, Resolution{Description: "reboot", Successful: false})
	all := ix.FindResolutions(connRefused(5432), false)
	onlyGood := ix.FindResolutions(connRefused(5432), true)
	if len(all) <= len(onlyGood) {
		t.Errorf("all=%d onlyGood=%d", len(all), len(onlyGood))
	}
}

func TestLookupsAndStats(t *testing.T) {
	ix := NewIndex(DefaultOptions())
	ix.Add(connRefused(1), AddOptions{Tags: []string{"db", "infra"}})
	ix.Add(connRefused(2), AddOptions{Tags: []string{"infra"}})
	rec := ix.Add(FailureContext{ErrorType: "Timeout", Message: "deadline exceeded"}, AddOptions{})
	ix.AddResolution(rec.ID, Resolution{Description: "raise timeout", Successful: true})

	if got := len(ix.GetByTag("infra")); got != 2 {
		t.Errorf("by tag infra = %d", got)
	}
	if got := len(ix.GetByType("ConnectionError")); got != 2 {
		t.Errorf("by type = %d", got)
	}

	recent := ix.GetRecent(2)
	if len(recent) != 2 || recent[0].ID != rec.ID {
		t.Errorf("recent: %+v", recent)
	}

	ix.Search(connRefused(1), 3)
	stats := ix.GetStats()
	if stats.TotalRecords != 3 || stats.ResolvedCount != 1 || stats.SearchCount != 1 {
		t.Errorf("stats: %+v", stats)
	}
	if stats.SuccessRate != 1.0 {
		t.Errorf("success rate = %f", stats.SuccessRate)
	}
}

func TestFindPatterns(t *testing.T) {
	ix := NewIndex(DefaultOptions())
	for i := 0; i < 3; i++ {
		ix.Add(connRefused(i), AddOptions{})
	}
	ix.Add(FailureContext{ErrorType: "Timeout", Message: "deadline exceeded"}, AddOptions{})
	ix.Add(FailureContext{ErrorType: "Timeout", Message: "slow dns"}, AddOptions{})
	ix.Add(FailureContext{ErrorType: "OneOff", Message: "rare"}, AddOptions{})

	patterns := ix.FindPatterns(2)
	if len(patterns) != 2 {
		t.Fatalf("patterns: %+v", patterns)
	}
	if patterns[0].ErrorType != "ConnectionError" || patterns[0].Count != 3 {
		t.Errorf("top pattern: %+v", patterns[0])
	}
}

func TestExportImport(t *testing.T) {
	ix := NewIndex(DefaultOptions())
	ix.Add(connRefused(5432), AddOptions{SessionID: "sess-1"})
	rec := ix.Add(FailureContext{ErrorType: "Timeout", Message: "deadline exceeded"}, AddOptions{})
	ix.AddResolution(rec.ID, Resolution{Description: "raise timeout", Successful: true})

	data, err := ix.Export()
	if err != nil {
		t.Fatal(err)
	}

	fresh := NewIndex(DefaultOptions())
	if err := fresh.Import(data); err != nil {
		t.Fatal(err)
	}
	if fresh.Len() != 2 {
		t.Fatalf("len = %d", fresh.Len())
	}
	hits := fresh.Search(FailureContext{ErrorType: "Timeout", Message: "deadline exceeded"}, 1)
	if len(hits) != 1 || hits[0].Record.Resolution == nil {
		t.Errorf("imported index should search like the original: %+v", hits)
	}

	if err := fresh.Import([]byte("{broken")); err == nil {
		t.Error("garbage import should fail")
	}
}

func TestClear(t *testing.T) {
	ix := NewIndex(DefaultOptions())
	ix.Add(connRefused(1), AddOptions{})
	ix.Clear()
	if ix.Len() != 0 {
		t.Errorf("len after clear = %d", ix.Len())
	}
	if stats := ix.GetStats(); stats.SearchCount != 0 {
		t.Errorf("search count after clear = %d", stats.SearchCount)
	}
}

func TestArchiveAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	ix := NewIndex(DefaultOptions())

	old := ix.Add(connRefused(5432), AddOptions{SessionID: "sess-1"})
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	ix.AddResolution(old.ID, Resolution{Description: "restart postgres", Successful: true})
	fresh := ix.Add(connRefused(6379), AddOptions{})

	n, err := ix.ArchiveTo(context.Background(), path, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("archived = %d, want 1", n)
	}
	if ix.Len() != 1 || ix.GetRecent(1)[0].ID != fresh.ID {
		t.Error("hot index should keep only the fresh record")
	}

	// Nothing old left; a second pass is a no-op.
	if n, err := ix.ArchiveTo(context.Background(), path, 24*time.Hour); err != nil || n != 0 {
		t.Errorf("second archive: n=%d err=%v", n, err)
	}

	restored, err := ix.RestoreFrom(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if restored != 1 || ix.Len() != 2 {
		t.Fatalf("restored=%d len=%d", restored, ix.Len())
	}

	hits := ix.FindResolutions(connRefused(5432), true)
	if len(hits) == 0 || hits[0].Record.Resolution.Description != "restart postgres" {
		t.Errorf("restored record lost its resolution: %+v", hits)
	}
}

func TestArchiveKeepsConcurrentAdds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	ix := NewIndex(DefaultOptions())
	for i := 0; i < 50; i++ {
		rec := ix.Add(connRefused(i), AddOptions{})
		rec.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	}

	// Adds racing the archive pass must survive it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			ix.Add(FailureContext{ErrorType: "Fresh", Message: fmt.Sprintf("new failure %d", i)}, AddOptions{})
		}
	}()

	n, err := ix.ArchiveTo(context.Background(), path, 24*time.Hour)
	<-done
	if err != nil {
		t.Fatal(err)
	}
	if n != 50 {
		t.Fatalf("archived = %d, want 50", n)
	}
	if ix.Len() != 50 {
		t.Errorf("hot index holds %d records, want all 50 fresh ones", ix.Len())
	}
	for _, rec := range ix.GetRecent(0) {
		if rec.Context.ErrorType != "Fresh" {
			t.Errorf("stale record survived archiving: %+v", rec.Context)
		}
	}
}

// fixedEngine is a stub remote embedding backend.
type fixedEngine struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *fixedEngine) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0, 0, 0}, nil
}

func (e *fixedEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, txt := range texts {
		vec, err := e.Embed(ctx, txt)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *fixedEngine) Dimensions() int { return 4 }
func (e *fixedEngine) Name() string    { return "fixed" }

func (e *fixedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestConfiguredEngineEmbeds(t *testing.T) {
	eng := &fixedEngine{}
	ix := NewIndex(Options{Engine: eng})

	rec := ix.Add(connRefused(5432), AddOptions{})
	if got := len(rec.Embedding.Vector); got != eng.Dimensions() {
		t.Fatalf("vector dims = %d, want %d", got, eng.Dimensions())
	}

	results := ix.Search(connRefused(6379), 5)
	if len(results) != 1 || results[0].Record.ID != rec.ID {
		t.Errorf("engine-embedded search: %+v", results)
	}
	if eng.callCount() < 2 {
		t.Errorf("engine consulted %d times, want add + search", eng.callCount())
	}
}

func TestBrokenEngineRevertsToVectorizer(t *testing.T) {
	eng := &fixedEngine{err: fmt.Errorf("backend unreachable")}
	ix := NewIndex(Options{Engine: eng})

	rec := ix.Add(connRefused(5432), AddOptions{})
	if got := len(rec.Embedding.Vector); got != ix.vectorizer.Dimensions() {
		t.Fatalf("fallback vector dims = %d, want %d", got, ix.vectorizer.Dimensions())
	}

	// The reversion is sticky: later adds do not retry the dead engine.
	ix.Add(connRefused(6379), AddOptions{})
	if eng.callCount() != 1 {
		t.Errorf("engine consulted %d times after failure, want 1", eng.callCount())
	}
	if results := ix.Search(connRefused(5433), 5); len(results) == 0 {
		t.Error("local vectors should still match")
	}
}

func TestVectorizerEngineStaysLocal(t *testing.T) {
	ix := NewIndex(Options{Engine: embedding.NewVectorizer()})
	rec := ix.Add(connRefused(1), AddOptions{})
	if got := len(rec.Embedding.Vector); got != ix.vectorizer.Dimensions() {
		t.Errorf("vector dims = %d, want local %d", got, ix.vectorizer.Dimensions())
	}
}

func TestSearchLatency(t *testing.T) {
	if testing.Short() {
		t.Skip("latency check skipped in short mode")
	}
	ix := NewIndex(DefaultOptions())
	for i := 0; i < 1000; i++ {
		ix.Add(FailureContext{
			ErrorType: fmt.Sprintf("Type%d", i%20),
			Message:   fmt.Sprintf("failure number %d in component %d", i, i%7),
		}, AddOptions{})
	}

	start := time.Now()
	ix.Search(connRefused(5432), 10)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("search over 1000 records took %v, want <= 100ms", elapsed)
	}
}
