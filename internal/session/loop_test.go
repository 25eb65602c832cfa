package session

import (
	"context"
	"testing"

	"foreman/internal/checkpoint"
	"foreman/internal/faults"
)

func loopStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.NewStore(checkpoint.DefaultOptions(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func successesIn(iterations []checkpoint.IterationResult) int {
	n := 0
	for _, it := range iterations {
		if it.Success {
			n++
		}
	}
	return n
}

func TestRepeatUntilLoop(t *testing.T) {
	loop := &RepeatUntilLoop{ID: "fix-tests", Store: loopStore(t)}

	calls := 0
	state, err := loop.Run(context.Background(),
		func(ctx context.Context, iteration int) checkpoint.IterationResult {
			calls++
			if iteration != calls {
				t.Errorf("iteration %d on call %d", iteration, calls)
			}
			// Succeeds on the third attempt.
			return checkpoint.IterationResult{Success: iteration >= 3, Summary: "attempt"}
		},
		func(iterations []checkpoint.IterationResult) bool {
			return successesIn(iterations) >= 1
		})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 || state.CurrentIteration != 3 {
		t.Errorf("calls=%d state=%+v", calls, state)
	}
}

func TestLoopResumesFromCheckpoint(t *testing.T) {
	store := loopStore(t)
	for i := 0; i < 2; i++ {
		if _, err := store.UpdateLoopIteration("resume-me", checkpoint.IterationResult{Success: false}); err != nil {
			t.Fatal(err)
		}
	}

	loop := &RepeatUntilLoop{ID: "resume-me", Store: store}
	calls := 0
	state, err := loop.Run(context.Background(),
		func(ctx context.Context, iteration int) checkpoint.IterationResult {
			calls++
			if iteration != 3 {
				t.Errorf("resumed at iteration %d", iteration)
			}
			return checkpoint.IterationResult{Success: true}
		},
		func(iterations []checkpoint.IterationResult) bool {
			return successesIn(iterations) >= 1
		})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 || len(state.Iterations) != 3 {
		t.Errorf("calls=%d iterations=%d", calls, len(state.Iterations))
	}
}

func TestLoopAlreadySatisfiedRunsNothing(t *testing.T) {
	store := loopStore(t)
	if _, err := store.UpdateLoopIteration("done", checkpoint.IterationResult{Success: true}); err != nil {
		t.Fatal(err)
	}

	loop := &RepeatUntilLoop{ID: "done", Store: store}
	state, err := loop.Run(context.Background(),
		func(ctx context.Context, iteration int) checkpoint.IterationResult {
			t.Error("body ran on a satisfied loop")
			return checkpoint.IterationResult{}
		},
		func(iterations []checkpoint.IterationResult) bool {
			return successesIn(iterations) >= 1
		})
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Iterations) != 1 {
		t.Errorf("iterations = %d", len(state.Iterations))
	}
}

func TestLoopIterationBound(t *testing.T) {
	loop := &RepeatUntilLoop{ID: "hopeless", Store: loopStore(t), MaxIterations: 4}
	state, err := loop.Run(context.Background(),
		func(ctx context.Context, iteration int) checkpoint.IterationResult {
			return checkpoint.IterationResult{Success: false}
		},
		func(iterations []checkpoint.IterationResult) bool { return false })
	if !faults.HasCode(err, faults.CodeMaxRetriesExceeded) {
		t.Fatalf("err = %v", err)
	}
	if len(state.Iterations) != 4 {
		t.Errorf("iterations = %d", len(state.Iterations))
	}
}

func TestLoopCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := &RepeatUntilLoop{ID: "cancelled", Store: loopStore(t)}
	_, err := loop.Run(ctx,
		func(ctx context.Context, iteration int) checkpoint.IterationResult {
			cancel() // checked before the next iteration
			return checkpoint.IterationResult{Success: false}
		},
		func(iterations []checkpoint.IterationResult) bool { return false })
	if !faults.HasCode(err, faults.CodeCancelled) {
		t.Errorf("err = %v", err)
	}
}

func TestLoopReset(t *testing.T) {
	store := loopStore(t)
	loop := &RepeatUntilLoop{ID: "resettable", Store: store}
	if _, err := store.UpdateLoopIteration("resettable", checkpoint.IterationResult{Success: true}); err != nil {
		t.Fatal(err)
	}
	if err := loop.Reset(); err != nil {
		t.Fatal(err)
	}
	state, err := store.LoadLoop("resettable")
	if err != nil {
		t.Fatal(err)
	}
	if state != nil {
		t.Errorf("state survived reset: %+v", state)
	}
}

func TestBusDeliveryAndCancel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(2)

	bus.Publish(Event{Type: EventSessionStatus, SessionID: "s"})
	bus.Publish(Event{Type: EventWaveProgress, SessionID: "s"})
	bus.Publish(Event{Type: EventStateChange, SessionID: "s"}) // dropped, buffer full

	if got := len(ch); got != 2 {
		t.Errorf("buffered = %d", got)
	}
	e := <-ch
	if e.Type != EventSessionStatus || e.At.IsZero() {
		t.Errorf("event: %+v", e)
	}

	cancel()
	cancel() // idempotent
	if bus.SubscriberCount() != 0 {
		t.Errorf("subscribers = %d", bus.SubscriberCount())
	}
	bus.Publish(Event{Type: EventStateChange}) // no subscribers, no panic
}
