package checkpoint

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"foreman/internal/faults"
	"foreman/internal/logging"
)

// DefaultStepsKept is how many step checkpoints per session survive
// compaction when the caller does not say otherwise.
const DefaultStepsKept = 10

// StepState is the persisted snapshot of one story step within a session.
type StepState struct {
	SessionID  string                 `json:"session_id"`
	StepID     string                 `json:"step_id"`
	StoryID    string                 `json:"story_id,omitempty"`
	WaveNumber int                    `json:"wave_number,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	RecordedAt time.Time              `json:"recorded_at"`
}

func (s *Store) stepsDir() string {
	return filepath.Join(s.dir, stepsSubdir)
}

func stepName(sessionID, stepID string) string {
	return "step-" + sessionID + "-" + stepID
}

// SaveStep persists a step checkpoint under steps/step-<session>-<id>.json.
func (s *Store) SaveStep(state StepState) error {
	if state.SessionID == "" || state.StepID == "" {
		return faults.New(faults.CodeInvalidName, "step checkpoint requires session and step ids")
	}
	if state.RecordedAt.IsZero() {
		state.RecordedAt = time.Now().UTC()
	}
	return s.saveIn(s.stepsDir(), stepName(state.SessionID, state.StepID), state)
}

// LoadStep reads one step checkpoint. Returns nil when it does not exist.
func (s *Store) LoadStep(sessionID, stepID string) (*StepState, error) {
	var state StepState
	found, err := s.loadIn(s.stepsDir(), stepName(sessionID, stepID), &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

// ListStepsBySession returns all step checkpoints for a session, oldest
// first by recorded time.
func (s *Store) ListStepsBySession(sessionID string) ([]StepState, error) {
	names, err := s.listIn(s.stepsDir())
	if err != nil {
		return nil, err
	}

	prefix := "step-" + sessionID + "-"
	var steps []StepState
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		var state StepState
		found, err := s.loadIn(s.stepsDir(), name, &state)
		if err != nil {
			logging.CheckpointWarn("skipping unreadable step %s: %v", name, err)
			continue
		}
		if found {
			steps = append(steps, state)
		}
	}

	sort.Slice(steps, func(i, j int) bool {
		if steps[i].RecordedAt.Equal(steps[j].RecordedAt) {
			return steps[i].StepID < steps[j].StepID
		}
		return steps[i].RecordedAt.Before(steps[j].RecordedAt)
	})
	return steps, nil
}

// LatestStepBySession returns the most recent step checkpoint for a
// session, or nil when the session has none.
func (s *Store) LatestStepBySession(sessionID string) (*StepState, error) {
	steps, err := s.ListStepsBySession(sessionID)
	if err != nil || len(steps) == 0 {
		return nil, err
	}
	latest := steps[len(steps)-1]
	return &latest, nil
}

// CompactStepsBySession deletes all but the newest keep step checkpoints of
// a session and returns the number deleted. keep <= 0 means the default.
func (s *Store) CompactStepsBySession(sessionID string, keep int) (int, error) {
	if keep <= 0 {
		keep = DefaultStepsKept
	}
	steps, err := s.ListStepsBySession(sessionID)
	if err != nil {
		return 0, err
	}
	if len(steps) <= keep {
		return 0, nil
	}

	deleted := 0
	for _, step := range steps[:len(steps)-keep] {
		if err := s.deleteIn(s.stepsDir(), stepName(step.SessionID, step.StepID)); err != nil {
			return deleted, faults.Wrap(faults.CodeCompactionFailed, err, "delete step checkpoint").
				With("session", sessionID).
				With("step", step.StepID)
		}
		deleted++
	}
	logging.CheckpointDebug("compacted %d step checkpoints for session %s (kept %d)", deleted, sessionID, keep)
	return deleted, nil
}
