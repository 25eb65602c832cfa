// Package wave schedules the stories of a plan across waves, bounded by
// per-wave and global concurrency budgets, and records progress through
// the checkpoint store so interrupted runs resume where they stopped.
package wave

import (
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"foreman/internal/faults"
)

// Parallelization modes of a wave.
const (
	ParallelizationSequential = "sequential"
	ParallelizationPartial    = "partial"
	ParallelizationFull       = "full"
)

// Story is one unit of agent work. Immutable after planning.
type Story struct {
	ID                 string   `yaml:"id" json:"id"`
	WaveID             string   `yaml:"-" json:"wave_id"`
	Title              string   `yaml:"title" json:"title"`
	Description        string   `yaml:"description" json:"description"`
	AgentType          string   `yaml:"agent_type" json:"agent_type"`
	Model              string   `yaml:"model" json:"model"`
	EstimatedMinutes   int      `yaml:"estimated_minutes" json:"estimated_minutes"`
	Dependencies       []string `yaml:"dependencies" json:"dependencies,omitempty"`
	ParallelGroup      int      `yaml:"parallel_group" json:"parallel_group"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria" json:"acceptance_criteria,omitempty"`
	FilesInScope       []string `yaml:"files_in_scope" json:"files_in_scope,omitempty"`
	TestRequirements   string   `yaml:"test_requirements" json:"test_requirements,omitempty"`
}

// Wave is one ordered phase of a plan. Immutable after plan creation.
type Wave struct {
	ID              string   `yaml:"id" json:"id"`
	Number          int      `yaml:"number" json:"number"`
	Phase           string   `yaml:"phase" json:"phase"`
	Name            string   `yaml:"name" json:"name"`
	Dependencies    []string `yaml:"dependencies" json:"dependencies,omitempty"`
	Parallelization string   `yaml:"parallelization" json:"parallelization"`
	MaxConcurrent   int      `yaml:"max_concurrent" json:"max_concurrent"`
	Stories         []Story  `yaml:"stories" json:"stories"`
}

// Plan is an ordered list of waves.
type Plan struct {
	Title string `yaml:"title" json:"title"`
	Waves []Wave `yaml:"waves" json:"waves"`
}

// LoadPlan reads a YAML plan file and validates it.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Wrap(faults.CodeLoadFailed, err, "read plan").With("path", path)
	}
	return ParsePlan(data)
}

// ParsePlan decodes and validates a YAML plan.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, faults.Wrap(faults.CodeLoadFailed, err, "parse plan yaml")
	}
	if err := plan.normalize(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// normalize fills defaults, stamps story back-references, and validates
// structure. Waves are sorted by number.
func (p *Plan) normalize() error {
	if len(p.Waves) == 0 {
		return faults.New(faults.CodeLoadFailed, "plan has no waves")
	}
	sort.SliceStable(p.Waves, func(i, j int) bool {
		return p.Waves[i].Number < p.Waves[j].Number
	})

	waveIDs := make(map[string]bool)
	for i := range p.Waves {
		w := &p.Waves[i]
		if w.Number < 1 {
			return faults.Newf(faults.CodeLoadFailed, "wave %q has number %d, must be >= 1", w.ID, w.Number)
		}
		if w.ID == "" {
			w.ID = "wave-" + strconv.Itoa(w.Number)
		}
		if waveIDs[w.ID] {
			return faults.Newf(faults.CodeLoadFailed, "duplicate wave id %q", w.ID)
		}
		waveIDs[w.ID] = true

		if w.MaxConcurrent < 1 {
			w.MaxConcurrent = 1
		}
		switch w.Parallelization {
		case ParallelizationSequential, ParallelizationPartial, ParallelizationFull:
		case "":
			w.Parallelization = ParallelizationPartial
		default:
			return faults.Newf(faults.CodeLoadFailed, "wave %q: unknown parallelization %q", w.ID, w.Parallelization)
		}

		storyIDs := make(map[string]bool)
		for j := range w.Stories {
			s := &w.Stories[j]
			if s.ID == "" {
				return faults.Newf(faults.CodeLoadFailed, "wave %q: story %d has no id", w.ID, j)
			}
			if storyIDs[s.ID] {
				return faults.Newf(faults.CodeLoadFailed, "wave %q: duplicate story id %q", w.ID, s.ID)
			}
			storyIDs[s.ID] = true
			s.WaveID = w.ID
		}
		for j := range w.Stories {
			for _, dep := range w.Stories[j].Dependencies {
				if !storyIDs[dep] {
					return faults.Newf(faults.CodeLoadFailed, "story %q depends on unknown story %q",
						w.Stories[j].ID, dep)
				}
			}
		}
	}

	for _, w := range p.Waves {
		for _, dep := range w.Dependencies {
			if !waveIDs[dep] {
				return faults.Newf(faults.CodeLoadFailed, "wave %q depends on unknown wave %q", w.ID, dep)
			}
		}
	}
	return nil
}
