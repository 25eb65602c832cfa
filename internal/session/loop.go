package session

import (
	"context"

	"foreman/internal/checkpoint"
	"foreman/internal/faults"
)

// IterationFunc performs one loop iteration and reports its outcome.
// The iteration number starts at 1 and counts resumed iterations.
type IterationFunc func(ctx context.Context, iteration int) checkpoint.IterationResult

// Terminator decides, from all iterations so far, whether the loop is
// done. It is checked before every iteration, so a resumed loop that
// already satisfies it runs nothing.
type Terminator func(iterations []checkpoint.IterationResult) bool

// RepeatUntilLoop runs a body until a caller-supplied predicate holds,
// persisting every iteration through the checkpoint store so an
// interrupted loop resumes at its next iteration.
type RepeatUntilLoop struct {
	ID            string
	Store         *checkpoint.Store
	MaxIterations int
}

// DefaultMaxIterations bounds loops whose terminator never fires.
const DefaultMaxIterations = 100

// Run executes the loop. Each iteration is checkpointed before the
// terminator is re-checked. Exceeding the iteration bound is an error;
// the accumulated state is still returned.
func (l *RepeatUntilLoop) Run(ctx context.Context, body IterationFunc, done Terminator) (*checkpoint.LoopState, error) {
	if l.ID == "" {
		return nil, faults.New(faults.CodeInvalidName, "loop requires an id")
	}
	if l.Store == nil {
		return nil, faults.New(faults.CodeInvalidName, "loop requires a checkpoint store")
	}
	max := l.MaxIterations
	if max <= 0 {
		max = DefaultMaxIterations
	}

	state, err := l.Store.LoadLoop(l.ID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &checkpoint.LoopState{LoopID: l.ID}
	}

	for !done(state.Iterations) {
		select {
		case <-ctx.Done():
			return state, faults.Wrap(faults.CodeCancelled, ctx.Err(), "loop cancelled").With("loop", l.ID)
		default:
		}
		if len(state.Iterations) >= max {
			return state, faults.Newf(faults.CodeMaxRetriesExceeded, "loop %s hit the %d-iteration bound", l.ID, max).
				With("loop", l.ID)
		}

		result := body(ctx, len(state.Iterations)+1)
		state, err = l.Store.UpdateLoopIteration(l.ID, result)
		if err != nil {
			return state, err
		}
	}
	return state, nil
}

// Reset deletes the loop's checkpoint so the next Run starts over.
func (l *RepeatUntilLoop) Reset() error {
	if l.Store == nil {
		return faults.New(faults.CodeInvalidName, "loop requires a checkpoint store")
	}
	return l.Store.DeleteLoop(l.ID)
}
