package failures

import (
	"math"
	"testing"
	"time"
)

func seededMatcher(t *testing.T) (*Index, *Matcher, *Record) {
	t.Helper()
	ix := NewIndex(DefaultOptions())
	rec := ix.Add(connRefused(5432), AddOptions{})
	ix.AddResolution(rec.ID, Resolution{
		ID:          "res-restart",
		Description: "restart postgres",
		Successful:  true,
		AppliedAt:   time.Now().UTC(),
	})
	return ix, NewMatcher(ix), rec
}

func TestWilsonLowerBound(t *testing.T) {
	if got := wilsonLowerBound(0, 0); got != 0.5 {
		t.Errorf("no votes = %f, want 0.5", got)
	}
	// One positive vote barely moves the needle.
	one := wilsonLowerBound(1, 1)
	if one < 0.15 || one > 0.35 {
		t.Errorf("1/1 votes = %f, want a cautious bound", one)
	}
	// Many positive votes converge toward 1.
	many := wilsonLowerBound(95, 100)
	if many < 0.85 {
		t.Errorf("95/100 votes = %f", many)
	}
	if many <= one {
		t.Error("more evidence must raise the bound")
	}
	// All-negative evidence sinks toward 0.
	if bad := wilsonLowerBound(0, 20); bad > 0.1 {
		t.Errorf("0/20 votes = %f", bad)
	}
}

func TestRecencyFactor(t *testing.T) {
	now := time.Now()
	if f := recencyFactor(now, now); math.Abs(f-1.0) > 1e-9 {
		t.Errorf("fresh = %f", f)
	}
	weekOld := recencyFactor(now.Add(-168*time.Hour), now)
	if math.Abs(weekOld-0.5) > 1e-6 {
		t.Errorf("one half-life = %f, want 0.5", weekOld)
	}
	if future := recencyFactor(now.Add(time.Hour), now); future != 1.0 {
		t.Errorf("future timestamps clamp to 1, got %f", future)
	}
}

func TestMatchRanksAndFilters(t *testing.T) {
	ix, m, _ := seededMatcher(t)

	// Unsuccessful resolution must never be suggested.
	failedRec := ix.Add(connRefused(6379), AddOptions{})
	ix.AddResolution(failedRec.ID, Resolution{ID: "res-bad", Description: "reboot host", Successful: false})

	matches := m.Match(connRefused(5000))
	if len(matches) == 0 {
		t.Fatal("expected matches")
	}
	for _, match := range matches {
		if !match.Resolution.Successful {
			t.Error("unsuccessful resolution returned")
		}
		if match.Confidence <= 0 || match.Confidence > 1 {
			t.Errorf("confidence = %f", match.Confidence)
		}
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Confidence > matches[i-1].Confidence {
			t.Error("matches not sorted by confidence")
		}
	}
}

func TestFeedbackShiftsConfidence(t *testing.T) {
	_, m, _ := seededMatcher(t)

	before := m.GetBestMatch(connRefused(5432))
	if before == nil {
		t.Fatal("expected a match")
	}

	// Pile on negative feedback; confidence must drop.
	for i := 0; i < 20; i++ {
		m.ProvideFeedback(before, false)
	}
	after := m.GetBestMatch(connRefused(5432))
	if after == nil {
		t.Fatal("match disappeared")
	}
	if after.Confidence >= before.Confidence {
		t.Errorf("confidence %f should drop below %f after negative feedback",
			after.Confidence, before.Confidence)
	}
	if q := m.GetResolutionQuality("res-restart"); q > 0.1 {
		t.Errorf("quality after 0/20 votes = %f", q)
	}
}

func TestGetResolutionQualityDefaultsNeutral(t *testing.T) {
	_, m, _ := seededMatcher(t)
	if q := m.GetResolutionQuality("never-voted"); q != 0.5 {
		t.Errorf("quality = %f, want 0.5", q)
	}
}

func TestHasConfidentMatch(t *testing.T) {
	_, m, _ := seededMatcher(t)
	if !m.HasConfidentMatch(connRefused(5432), 0.3) {
		t.Error("near-identical failure should clear a low bar")
	}
	if m.HasConfidentMatch(connRefused(5432), 0.99) {
		t.Error("cold resolution should not clear 0.99")
	}
	if m.HasConfidentMatch(FailureContext{ErrorType: "Unrelated", Message: "zzz qqq"}, 0.1) {
		t.Error("unrelated failure should not match at all")
	}
}

func TestSuggestResolution(t *testing.T) {
	ix, m, _ := seededMatcher(t)

	s := m.SuggestResolution(connRefused(5432))
	if s.Suggestion == nil || s.Suggestion.Description != "restart postgres" {
		t.Fatalf("suggestion: %+v", s)
	}
	if s.Explanation == "" {
		t.Error("suggestion should carry an explanation")
	}

	// A second successful resolution becomes an alternative.
	rec := ix.Add(connRefused(6379), AddOptions{})
	ix.AddResolution(rec.ID, Resolution{ID: "res-alt", Description: "open firewall", Successful: true})
	s = m.SuggestResolution(connRefused(5432))
	if len(s.Alternatives) != 1 {
		t.Errorf("alternatives: %+v", s.Alternatives)
	}

	// No similar failures: nil suggestion, not an error.
	empty := m.SuggestResolution(FailureContext{ErrorType: "Unrelated", Message: "zzz qqq"})
	if empty.Suggestion != nil || empty.Explanation == "" {
		t.Errorf("empty suggestion: %+v", empty)
	}
}

func TestFindCommonResolutions(t *testing.T) {
	ix, m, _ := seededMatcher(t)
	for i := 0; i < 2; i++ {
		rec := ix.Add(connRefused(7000+i), AddOptions{})
		ix.AddResolution(rec.ID, Resolution{Description: "open firewall", Successful: true})
	}

	common := m.FindCommonResolutions("ConnectionError")
	if len(common) != 2 {
		t.Fatalf("common: %+v", common)
	}
	if common[0].Description != "open firewall" || common[0].Count != 2 {
		t.Errorf("top common: %+v", common[0])
	}
}

func TestAnalyzePatterns(t *testing.T) {
	ix, m, _ := seededMatcher(t)
	ix.Add(FailureContext{ErrorType: "Timeout", Message: "deadline exceeded"}, AddOptions{})

	analysis := m.AnalyzePatterns()
	if analysis.ByType["ConnectionError"] != 1 || analysis.ByType["Timeout"] != 1 {
		t.Errorf("by type: %+v", analysis.ByType)
	}
	if len(analysis.MostEffective) == 0 {
		t.Error("expected at least one effective resolution")
	}
	if len(analysis.RecentTypes) == 0 || analysis.RecentTypes[0] != "Timeout" {
		t.Errorf("recent types: %+v", analysis.RecentTypes)
	}
}
