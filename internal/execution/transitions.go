package execution

import (
	"sort"

	"foreman/internal/faults"
)

// Guard is a side-effect-free predicate over a context. All guards of a
// transition must hold for the transition to fire.
type Guard func(*ExecutionContext) bool

// Transition is one edge of the execution state graph. Priority breaks ties
// when multiple transitions leave the same state (higher wins).
type Transition struct {
	ID       string
	From     ExecState
	To       ExecState
	Guards   []Guard
	Priority int
}

// applicable reports whether every guard admits the context.
func (t *Transition) applicable(ctx *ExecutionContext) bool {
	for _, guard := range t.Guards {
		if !guard(ctx) {
			return false
		}
	}
	return true
}

// validEdges is the fixed transition graph. Any edge not listed here is a
// hard error; the fail edge from non-terminal states is added at runtime
// when the machine allows failure from any state.
var validEdges = map[ExecState][]ExecState{
	StateIdle:       {StatePlanning, StateFailed},
	StatePlanning:   {StateExecuting, StateFailed},
	StateExecuting:  {StateVerifying, StateFailed},
	StateVerifying:  {StateCommitting, StateExecuting, StateFailed},
	StateCommitting: {StateCompleted, StateFailed},
	StateCompleted:  {},
	StateFailed:     {},
}

// EdgeAllowed reports whether from→to is part of the fixed graph.
func EdgeAllowed(from, to ExecState) bool {
	for _, next := range validEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionTable indexes transitions by source state, ordered by priority
// descending so selection walks candidates deterministically.
type transitionTable struct {
	byFrom map[ExecState][]*Transition
}

func newTransitionTable(transitions []*Transition) (*transitionTable, error) {
	table := &transitionTable{byFrom: make(map[ExecState][]*Transition)}
	for _, tr := range transitions {
		if !tr.From.IsValid() || !tr.To.IsValid() {
			return nil, faults.Newf(faults.CodeInvalidTransition, "unknown state on transition %s", tr.ID)
		}
		if !EdgeAllowed(tr.From, tr.To) {
			return nil, faults.Newf(faults.CodeInvalidTransition, "edge %s -> %s is not in the graph", tr.From, tr.To).
				With("transition", tr.ID)
		}
		table.byFrom[tr.From] = append(table.byFrom[tr.From], tr)
	}
	for from := range table.byFrom {
		list := table.byFrom[from]
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Priority > list[j].Priority
		})
	}
	return table, nil
}

// pick selects the highest-priority applicable transition from the current
// state to the requested target.
func (t *transitionTable) pick(ctx *ExecutionContext, to ExecState) (*Transition, error) {
	candidates := t.byFrom[ctx.State]
	sawEdge := false
	for _, tr := range candidates {
		if tr.To != to {
			continue
		}
		sawEdge = true
		if tr.applicable(ctx) {
			return tr, nil
		}
	}
	if sawEdge {
		return nil, faults.Newf(faults.CodeNoGuardPassed, "no guard admitted %s -> %s", ctx.State, to).
			With("task", ctx.TaskID)
	}
	return nil, faults.Newf(faults.CodeInvalidTransition, "no transition %s -> %s", ctx.State, to).
		With("task", ctx.TaskID)
}

// defaultTransitions builds the standard graph with unguarded edges.
func defaultTransitions() []*Transition {
	var out []*Transition
	for from, targets := range validEdges {
		for _, to := range targets {
			out = append(out, &Transition{
				ID:   string(from) + "->" + string(to),
				From: from,
				To:   to,
			})
		}
	}
	return out
}
