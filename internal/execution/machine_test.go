package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"foreman/internal/faults"
)

func TestHappyPath(t *testing.T) {
	m := NewMachine(DefaultConfig())
	ec := NewContext("scope", "task-1", map[string]interface{}{"goal": "build"})

	var phases []string
	res := m.Execute(context.Background(), ec, Handlers{
		OnPlanning:  func(context.Context, *ExecutionContext) error { phases = append(phases, "plan"); return nil },
		OnExecuting: func(context.Context, *ExecutionContext) error { phases = append(phases, "exec"); return nil },
		OnVerifying: func(context.Context, *ExecutionContext) (bool, error) {
			phases = append(phases, "verify")
			return true, nil
		},
		OnCommitting: func(context.Context, *ExecutionContext) error { phases = append(phases, "commit"); return nil },
	})

	if !res.Success || res.FinalState != StateCompleted {
		t.Fatalf("result: %s (err=%v)", res, res.Err)
	}
	if res.RetryCount != 0 {
		t.Errorf("retries = %d, want 0", res.RetryCount)
	}
	if len(phases) != 4 || phases[0] != "plan" || phases[3] != "commit" {
		t.Errorf("phase order: %v", phases)
	}
	if ec.EndTime == nil {
		t.Error("end time not stamped")
	}

	// History starts from IDLE and ends on the final state.
	if res.History[0].FromState != StateIdle {
		t.Errorf("history starts at %s", res.History[0].FromState)
	}
	if last := res.History[len(res.History)-1]; last.ToState != StateCompleted {
		t.Errorf("history ends at %s", last.ToState)
	}
}

func TestDefaultVerifyingPasses(t *testing.T) {
	m := NewMachine(DefaultConfig())
	ec := NewContext("scope", "task-1", nil)
	res := m.Execute(context.Background(), ec, Handlers{})
	if !res.Success {
		t.Errorf("nil handlers should complete: %s (err=%v)", res, res.Err)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	m := NewMachine(Config{MaxRetries: 3, AllowFailFromAny: true})
	ec := NewContext("scope", "task-1", nil)

	attempts := 0
	res := m.Execute(context.Background(), ec, Handlers{
		OnVerifying: func(context.Context, *ExecutionContext) (bool, error) {
			attempts++
			return attempts > 2, nil // false, false, true
		},
	})

	if !res.Success {
		t.Fatalf("result: %s (err=%v)", res, res.Err)
	}
	if res.RetryCount != 2 {
		t.Errorf("retries = %d, want 2", res.RetryCount)
	}
	cycles := 0
	for _, h := range res.History {
		if h.FromState == StateExecuting && h.ToState == StateVerifying {
			cycles++
		}
	}
	if cycles != 3 {
		t.Errorf("executing->verifying cycles = %d, want 3", cycles)
	}
}

func TestFailAfterRetriesExhausted(t *testing.T) {
	m := NewMachine(Config{MaxRetries: 2, AllowFailFromAny: true})
	ec := NewContext("scope", "task-1", nil)

	res := m.Execute(context.Background(), ec, Handlers{
		OnVerifying: func(context.Context, *ExecutionContext) (bool, error) { return false, nil },
	})

	if res.Success || res.FinalState != StateFailed {
		t.Fatalf("result: %s", res)
	}
	if res.RetryCount != 2 {
		t.Errorf("retries = %d, want 2", res.RetryCount)
	}
	if !faults.HasCode(res.Err, faults.CodeMaxRetriesExceeded) {
		t.Errorf("err = %v, want MAX_RETRIES_EXCEEDED", res.Err)
	}
	if ec.Error == "" {
		t.Error("context should carry the causing error")
	}
}

func TestHandlerErrorFails(t *testing.T) {
	m := NewMachine(DefaultConfig())
	ec := NewContext("scope", "task-1", nil)
	boom := errors.New("compiler exploded")

	res := m.Execute(context.Background(), ec, Handlers{
		OnExecuting: func(context.Context, *ExecutionContext) error { return boom },
	})

	if res.FinalState != StateFailed {
		t.Fatalf("result: %s", res)
	}
	if !faults.HasCode(res.Err, faults.CodeHandlerFault) {
		t.Errorf("err = %v, want HANDLER_FAULT", res.Err)
	}
	if !errors.Is(res.Err, boom) {
		t.Error("original error lost from chain")
	}
}

func TestHandlerPanicIsCaptured(t *testing.T) {
	m := NewMachine(DefaultConfig())
	ec := NewContext("scope", "task-1", nil)

	res := m.Execute(context.Background(), ec, Handlers{
		OnCommitting: func(context.Context, *ExecutionContext) error { panic("nil map write") },
	})

	if res.FinalState != StateFailed {
		t.Fatalf("result: %s", res)
	}
	if !faults.HasCode(res.Err, faults.CodeHandlerFault) {
		t.Errorf("err = %v, want HANDLER_FAULT", res.Err)
	}
}

func TestNonIdleContextRejected(t *testing.T) {
	m := NewMachine(DefaultConfig())
	ec := NewContext("scope", "task-1", nil)
	ec.State = StateExecuting

	res := m.Execute(context.Background(), ec, Handlers{})
	if res.Err == nil || !faults.HasCode(res.Err, faults.CodeInvalidTransition) {
		t.Errorf("err = %v, want INVALID_TRANSITION", res.Err)
	}
	if ec.State != StateExecuting {
		t.Errorf("context state mutated to %s", ec.State)
	}
}

func TestCancellationProducesCancelledFailure(t *testing.T) {
	m := NewMachine(DefaultConfig())
	ec := NewContext("scope", "task-1", nil)
	ctx, cancel := context.WithCancel(context.Background())

	res := m.Execute(ctx, ec, Handlers{
		OnExecuting: func(hctx context.Context, _ *ExecutionContext) error {
			cancel()
			<-hctx.Done() // handler observes cancellation
			return nil
		},
	})

	if res.FinalState != StateFailed {
		t.Fatalf("result: %s", res)
	}
	if !faults.HasCode(res.Err, faults.CodeCancelled) {
		t.Errorf("err = %v, want CANCELLED", res.Err)
	}
}

func TestGuardBlocksTransition(t *testing.T) {
	transitions := defaultTransitions()
	for _, tr := range transitions {
		if tr.From == StatePlanning && tr.To == StateExecuting {
			tr.Guards = []Guard{func(c *ExecutionContext) bool {
				_, ok := c.Inputs["approved"]
				return ok
			}}
		}
	}
	m, err := NewMachineWithTransitions(Config{MaxRetries: 1, AllowFailFromAny: true}, transitions)
	if err != nil {
		t.Fatalf("machine: %v", err)
	}

	ec := NewContext("scope", "task-1", nil) // no "approved" input
	res := m.Execute(context.Background(), ec, Handlers{})
	if res.FinalState != StateFailed {
		t.Fatalf("result: %s", res)
	}
	if !faults.HasCode(res.Err, faults.CodeNoGuardPassed) {
		t.Errorf("err = %v, want NO_GUARD_PASSED", res.Err)
	}
}

func TestPriorityBreaksTies(t *testing.T) {
	low := &Transition{ID: "low", From: StateIdle, To: StatePlanning, Priority: 1}
	high := &Transition{ID: "high", From: StateIdle, To: StatePlanning, Priority: 10}
	table, err := newTransitionTable([]*Transition{low, high})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	tr, err := table.pick(NewContext("s", "t", nil), StatePlanning)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if tr.ID != "high" {
		t.Errorf("picked %s, want high", tr.ID)
	}
}

func TestInvalidEdgeRejectedAtConstruction(t *testing.T) {
	bad := &Transition{ID: "skip", From: StateIdle, To: StateCompleted}
	_, err := NewMachineWithTransitions(DefaultConfig(), []*Transition{bad})
	if !faults.HasCode(err, faults.CodeInvalidTransition) {
		t.Errorf("err = %v, want INVALID_TRANSITION", err)
	}
}

func TestStateChangeCallbackOrder(t *testing.T) {
	m := NewMachine(DefaultConfig())
	var seen []ExecState
	m.OnStateChange = func(_, to ExecState, _ *ExecutionContext) {
		seen = append(seen, to)
	}
	res := m.Execute(context.Background(), NewContext("s", "t", nil), Handlers{})
	if !res.Success {
		t.Fatalf("result: %s", res)
	}
	want := []ExecState{StatePlanning, StateExecuting, StateVerifying, StateCommitting, StateCompleted}
	if len(seen) != len(want) {
		t.Fatalf("callbacks: %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("callback %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestStepTowardIdle(t *testing.T) {
	cases := map[ExecState]ExecState{
		StateIdle:       StateIdle,
		StatePlanning:   StateIdle,
		StateExecuting:  StatePlanning,
		StateVerifying:  StateExecuting,
		StateCommitting: StateVerifying,
		StateCompleted:  StateCommitting,
		StateFailed:     StateCommitting,
	}
	for from, want := range cases {
		if got := from.StepTowardIdle(); got != want {
			t.Errorf("%s steps to %s, want %s", from, got, want)
		}
	}
}

func TestWithinDuration(t *testing.T) {
	ec := NewContext("s", "t", nil)
	ec.MarkEnded(ec.StartTime.Add(42 * time.Millisecond))
	if ec.EndTime.Sub(ec.StartTime) != 42*time.Millisecond {
		t.Error("MarkEnded should stamp exactly once")
	}
	ec.MarkEnded(ec.StartTime.Add(time.Hour))
	if ec.EndTime.Sub(ec.StartTime) != 42*time.Millisecond {
		t.Error("second MarkEnded must not overwrite")
	}
}
