package checkpoint

import (
	"path/filepath"
	"time"

	"foreman/internal/faults"
	"foreman/internal/logging"
)

// IterationResult records the outcome of one loop iteration.
type IterationResult struct {
	Number      int       `json:"number"`
	Success     bool      `json:"success"`
	Summary     string    `json:"summary,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// LoopState is the persisted state of a repeat-until loop construct.
type LoopState struct {
	LoopID           string            `json:"loop_id"`
	Iterations       []IterationResult `json:"iterations"`
	CurrentIteration int               `json:"current_iteration"`
	LastActivityAt   time.Time         `json:"last_activity_at"`
}

func (s *Store) loopsDir() string {
	return filepath.Join(s.dir, loopsSubdir)
}

func loopName(id string) string {
	return "loop-" + id
}

// SaveLoop persists loop state under loops/loop-<id>.json.
func (s *Store) SaveLoop(state LoopState) error {
	if state.LoopID == "" {
		return faults.New(faults.CodeInvalidName, "loop checkpoint requires an id")
	}
	if state.LastActivityAt.IsZero() {
		state.LastActivityAt = time.Now().UTC()
	}
	return s.saveIn(s.loopsDir(), loopName(state.LoopID), state)
}

// LoadLoop reads one loop state. Returns nil when it does not exist.
func (s *Store) LoadLoop(id string) (*LoopState, error) {
	var state LoopState
	found, err := s.loadIn(s.loopsDir(), loopName(id), &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

// UpdateLoopIteration appends an iteration result to a loop, creating the
// loop on first use, and returns the updated state.
func (s *Store) UpdateLoopIteration(id string, result IterationResult) (*LoopState, error) {
	state, err := s.LoadLoop(id)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &LoopState{LoopID: id}
	}

	if result.Number == 0 {
		result.Number = len(state.Iterations) + 1
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	state.Iterations = append(state.Iterations, result)
	state.CurrentIteration = result.Number
	state.LastActivityAt = time.Now().UTC()

	if err := s.SaveLoop(*state); err != nil {
		return nil, err
	}
	logging.CheckpointDebug("loop %s advanced to iteration %d (success=%v)", id, result.Number, result.Success)
	return state, nil
}

// DeleteLoop removes a loop checkpoint; missing is not an error.
func (s *Store) DeleteLoop(id string) error {
	return s.deleteIn(s.loopsDir(), loopName(id))
}

// ListLoops returns the ids of all persisted loops, sorted ascending.
func (s *Store) ListLoops() ([]string, error) {
	names, err := s.listIn(s.loopsDir())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(names))
	for _, name := range names {
		if len(name) > len("loop-") {
			ids = append(ids, name[len("loop-"):])
		}
	}
	return ids, nil
}
