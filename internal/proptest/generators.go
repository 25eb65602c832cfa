package proptest

import (
	"fmt"

	"foreman/internal/execution"
)

// Gen pairs a generator with an optional shrinker. Shrink returns strictly
// simpler candidates; an empty slice means the value is minimal.
type Gen[T any] struct {
	Generate func(*Rand) T
	Shrink   func(T) []T
}

const defaultAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789 -_"

// StateGen draws uniformly from the execution state set and shrinks one
// step toward idle.
func StateGen() Gen[execution.ExecState] {
	return Gen[execution.ExecState]{
		Generate: func(r *Rand) execution.ExecState {
			return execution.AllStates[r.Intn(len(execution.AllStates))]
		},
		Shrink: func(s execution.ExecState) []execution.ExecState {
			if s == execution.StateIdle {
				return nil
			}
			return []execution.ExecState{s.StepTowardIdle()}
		},
	}
}

// StringGen draws strings with length in [minLen, maxLen] over the given
// alphabet. Shrinking halves the string from the back.
func StringGen(minLen, maxLen int, alphabet string) Gen[string] {
	if alphabet == "" {
		alphabet = defaultAlphabet
	}
	return Gen[string]{
		Generate: func(r *Rand) string {
			n := minLen
			if maxLen > minLen {
				n += r.Intn(maxLen - minLen + 1)
			}
			buf := make([]byte, n)
			for i := range buf {
				buf[i] = alphabet[r.Intn(len(alphabet))]
			}
			return string(buf)
		},
		Shrink: func(s string) []string {
			if len(s) <= minLen {
				return nil
			}
			half := len(s) / 2
			if half < minLen {
				half = minLen
			}
			return []string{s[:half]}
		},
	}
}

// IntGen draws integers in [min, max] and shrinks toward min.
func IntGen(min, max int64) Gen[int64] {
	return Gen[int64]{
		Generate: func(r *Rand) int64 {
			return r.Int64Range(min, max)
		},
		Shrink: func(v int64) []int64 {
			if v <= min {
				return nil
			}
			mid := min + (v-min)/2
			if mid == v {
				mid = v - 1
			}
			return []int64{mid}
		},
	}
}

// BoolGen draws a fair boolean and shrinks true to false.
func BoolGen() Gen[bool] {
	return Gen[bool]{
		Generate: func(r *Rand) bool { return r.Bool() },
		Shrink: func(v bool) []bool {
			if v {
				return []bool{false}
			}
			return nil
		},
	}
}

// SliceGen draws slices of elem with length in [minLen, maxLen]. Shrinking
// drops one element at a time.
func SliceGen[T any](elem Gen[T], minLen, maxLen int) Gen[[]T] {
	return Gen[[]T]{
		Generate: func(r *Rand) []T {
			n := minLen
			if maxLen > minLen {
				n += r.Intn(maxLen - minLen + 1)
			}
			out := make([]T, n)
			for i := range out {
				out[i] = elem.Generate(r)
			}
			return out
		},
		Shrink: func(v []T) [][]T {
			if len(v) <= minLen {
				return nil
			}
			var out [][]T
			for i := range v {
				smaller := make([]T, 0, len(v)-1)
				smaller = append(smaller, v[:i]...)
				smaller = append(smaller, v[i+1:]...)
				out = append(out, smaller)
			}
			return out
		},
	}
}

// ObjectGen draws a map with a fixed key shape. Shrinking is left to the
// context-level shrinker, which understands which keys may be dropped.
func ObjectGen(shape map[string]Gen[interface{}]) Gen[map[string]interface{}] {
	return Gen[map[string]interface{}]{
		Generate: func(r *Rand) map[string]interface{} {
			out := make(map[string]interface{}, len(shape))
			for k, g := range shape {
				out[k] = g.Generate(r)
			}
			return out
		},
	}
}

// randomScalar draws one of string, int, bool, or null.
func randomScalar(r *Rand) interface{} {
	switch r.Intn(4) {
	case 0:
		return StringGen(0, 12, "").Generate(r)
	case 1:
		return r.Int64Range(-1000, 1000)
	case 2:
		return r.Bool()
	default:
		return nil
	}
}

// outputBearingStates lists the states whose contexts carry outputs.
var outputBearingStates = map[execution.ExecState]bool{
	execution.StateCompleted:  true,
	execution.StateVerifying:  true,
	execution.StateCommitting: true,
}

// GenerateExecutionContext draws a random execution context: random state,
// up to five mixed-type inputs, outputs for states past execution, an end
// time for terminal states, and an error for half of the failed contexts.
func GenerateExecutionContext(r *Rand) *execution.ExecutionContext {
	state := StateGen().Generate(r)

	inputs := make(map[string]interface{})
	for i, n := 0, r.Intn(6); i < n; i++ {
		inputs[fmt.Sprintf("input-%d", i)] = randomScalar(r)
	}

	ec := execution.NewContext(
		fmt.Sprintf("scope-%d", r.Intn(10)),
		fmt.Sprintf("task-%d", r.Intn(1000)),
		inputs,
	)
	ec.State = state

	if outputBearingStates[state] {
		for i, n := 0, 1+r.Intn(3); i < n; i++ {
			ec.SetOutput(fmt.Sprintf("output-%d", i), randomScalar(r))
		}
	}
	if state.IsTerminal() {
		ec.MarkEnded(ec.StartTime.Add(1))
	}
	if state == execution.StateFailed && r.Bool() {
		ec.Error = "simulated failure"
	}
	return ec
}

// ShrinkExecutionContext proposes simpler variants of a context: each input
// key dropped, each output key dropped, the error cleared, and the state
// stepped one position toward idle.
func ShrinkExecutionContext(ec *execution.ExecutionContext) []*execution.ExecutionContext {
	var out []*execution.ExecutionContext

	for key := range ec.Inputs {
		c := ec.Clone()
		delete(c.Inputs, key)
		out = append(out, c)
	}
	for key := range ec.Outputs {
		c := ec.Clone()
		delete(c.Outputs, key)
		out = append(out, c)
	}
	if ec.Error != "" {
		c := ec.Clone()
		c.Error = ""
		out = append(out, c)
	}
	if ec.State != execution.StateIdle {
		c := ec.Clone()
		c.State = ec.State.StepTowardIdle()
		out = append(out, c)
	}
	return out
}
