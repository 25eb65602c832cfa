package failures

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"foreman/internal/logging"
)

// Confidence weighting. Similarity dominates; feedback and recency adjust.
const (
	weightSimilarity = 0.5
	weightFeedback   = 0.3
	weightRecency    = 0.2

	// Recency half-life of one week, in hours.
	recencyHalfLifeHours = 168.0

	// z for a 95% Wilson interval.
	wilsonZ = 1.959964
)

// Match is one candidate resolution for a new failure.
type Match struct {
	Record     *Record     `json:"record"`
	Resolution *Resolution `json:"resolution"`
	Similarity float64     `json:"similarity"`
	Confidence float64     `json:"confidence"`
}

// Suggestion is the outcome of SuggestResolution. Suggestion is nil when
// nothing confident enough was found.
type Suggestion struct {
	Suggestion   *Resolution `json:"suggestion,omitempty"`
	Confidence   float64     `json:"confidence"`
	Explanation  string      `json:"explanation"`
	Alternatives []Match     `json:"alternatives,omitempty"`
}

// CommonResolution is one resolution description with its usage count.
type CommonResolution struct {
	Description string `json:"description"`
	Count       int    `json:"count"`
}

// PatternAnalysis is the output of AnalyzePatterns.
type PatternAnalysis struct {
	ByType        map[string]int `json:"by_type"`
	MostEffective []string       `json:"most_effective"`
	RecentTypes   []string       `json:"recent_types"`
}

type voteCount struct {
	helpful int
	total   int
}

// Matcher ranks resolutions of past failures against new ones. Feedback
// votes are folded in through a Wilson lower bound so a resolution with no
// history scores near neutral instead of swinging on a single vote.
type Matcher struct {
	index *Index

	mu    sync.RWMutex
	votes map[string]*voteCount
}

// NewMatcher builds a matcher over an index.
func NewMatcher(index *Index) *Matcher {
	return &Matcher{index: index, votes: make(map[string]*voteCount)}
}

// wilsonLowerBound returns the lower bound of the 95% Wilson score interval
// for helpful/total votes. No votes means 0.5, the neutral prior.
func wilsonLowerBound(helpful, total int) float64 {
	if total == 0 {
		return 0.5
	}
	n := float64(total)
	p := float64(helpful) / n
	z2 := wilsonZ * wilsonZ
	denom := 1 + z2/n
	center := p + z2/(2*n)
	margin := wilsonZ * math.Sqrt((p*(1-p)+z2/(4*n))/n)
	return (center - margin) / denom
}

// recencyFactor decays from 1 toward 0 with the age of the resolution.
func recencyFactor(appliedAt time.Time, now time.Time) float64 {
	age := now.Sub(appliedAt).Hours()
	if age < 0 {
		age = 0
	}
	return math.Exp2(-age / recencyHalfLifeHours)
}

// Match returns candidate resolutions for the failure, best first. Only
// successful resolutions are considered.
func (m *Matcher) Match(ctx FailureContext) []Match {
	now := time.Now().UTC()
	var out []Match
	for _, hit := range m.index.FindResolutions(ctx, true) {
		res := hit.Record.Resolution
		confidence := weightSimilarity*hit.Similarity +
			weightFeedback*m.GetResolutionQuality(res.ID) +
			weightRecency*recencyFactor(res.AppliedAt, now)
		out = append(out, Match{
			Record:     hit.Record,
			Resolution: res,
			Similarity: hit.Similarity,
			Confidence: confidence,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// GetBestMatch returns the highest-confidence match, or nil.
func (m *Matcher) GetBestMatch(ctx FailureContext) *Match {
	matches := m.Match(ctx)
	if len(matches) == 0 {
		return nil
	}
	return &matches[0]
}

// HasConfidentMatch reports whether any match reaches the threshold.
func (m *Matcher) HasConfidentMatch(ctx FailureContext, threshold float64) bool {
	best := m.GetBestMatch(ctx)
	return best != nil && best.Confidence >= threshold
}

// SuggestResolution picks the best match and explains it. With no usable
// match the suggestion is nil and the explanation says why.
func (m *Matcher) SuggestResolution(ctx FailureContext) Suggestion {
	matches := m.Match(ctx)
	if len(matches) == 0 {
		logging.FailuresDebug("no resolution candidates for %s", ctx.ErrorType)
		return Suggestion{Explanation: "no similar resolved failures found"}
	}

	best := matches[0]
	s := Suggestion{
		Suggestion: best.Resolution,
		Confidence: best.Confidence,
		Explanation: fmt.Sprintf("resolved a %.0f%% similar %s failure (quality %.2f over %d votes)",
			best.Similarity*100, best.Record.Context.ErrorType,
			m.GetResolutionQuality(best.Resolution.ID), m.voteTotal(best.Resolution.ID)),
	}
	if len(matches) > 1 {
		s.Alternatives = matches[1:]
	}
	return s
}

// ProvideFeedback records one helpful/unhelpful vote for the resolution
// behind a match.
func (m *Matcher) ProvideFeedback(match *Match, helpful bool) {
	if match == nil || match.Resolution == nil {
		return
	}
	m.mu.Lock()
	vc := m.votes[match.Resolution.ID]
	if vc == nil {
		vc = &voteCount{}
		m.votes[match.Resolution.ID] = vc
	}
	vc.total++
	if helpful {
		vc.helpful++
	}
	m.mu.Unlock()
	logging.FailuresDebug("feedback for resolution %s: helpful=%v", match.Resolution.ID, helpful)
}

// GetResolutionQuality returns the Wilson lower bound of the resolution's
// feedback, 0.5 when no votes exist.
func (m *Matcher) GetResolutionQuality(resolutionID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vc := m.votes[resolutionID]
	if vc == nil {
		return 0.5
	}
	return wilsonLowerBound(vc.helpful, vc.total)
}

func (m *Matcher) voteTotal(resolutionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if vc := m.votes[resolutionID]; vc != nil {
		return vc.total
	}
	return 0
}

// FindCommonResolutions lists the successful resolution descriptions seen
// for one error type, most used first.
func (m *Matcher) FindCommonResolutions(errorType string) []CommonResolution {
	counts := make(map[string]int)
	for _, rec := range m.index.GetByType(errorType) {
		if rec.Resolution != nil && rec.Resolution.Successful {
			counts[rec.Resolution.Description]++
		}
	}

	var out []CommonResolution
	for desc, count := range counts {
		out = append(out, CommonResolution{Description: desc, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Description < out[j].Description
	})
	return out
}

// AnalyzePatterns summarizes the index: counts by error type, the
// resolutions with the best feedback, and the error types of the ten most
// recent failures.
func (m *Matcher) AnalyzePatterns() PatternAnalysis {
	analysis := PatternAnalysis{ByType: make(map[string]int)}

	for _, p := range m.index.FindPatterns(1) {
		analysis.ByType[p.ErrorType] = p.Count
	}

	type scored struct {
		id      string
		desc    string
		quality float64
	}
	seen := make(map[string]bool)
	var ranked []scored
	for _, rec := range m.index.GetRecent(0) {
		if rec.Resolution == nil || !rec.Resolution.Successful || seen[rec.Resolution.ID] {
			continue
		}
		seen[rec.Resolution.ID] = true
		ranked = append(ranked, scored{
			id:      rec.Resolution.ID,
			desc:    rec.Resolution.Description,
			quality: m.GetResolutionQuality(rec.Resolution.ID),
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].quality != ranked[j].quality {
			return ranked[i].quality > ranked[j].quality
		}
		return ranked[i].desc < ranked[j].desc
	})
	for i := 0; i < len(ranked) && i < 5; i++ {
		analysis.MostEffective = append(analysis.MostEffective, ranked[i].desc)
	}

	for _, rec := range m.index.GetRecent(10) {
		analysis.RecentTypes = append(analysis.RecentTypes, rec.Context.ErrorType)
	}
	return analysis
}
