package contract

import (
	"fmt"
	"strings"

	"foreman/internal/execution"
)

// Standard condition constructors. Each returns a Condition with severity
// error; callers tune Type and Severity after construction when needed.

// HasInput passes when the context carries the named input.
func HasInput(key string) Condition {
	return Condition{
		ID:   "has-input-" + key,
		Name: "hasInput(" + key + ")",
		Type: Precondition,
		Predicate: func(ctx *execution.ExecutionContext) (bool, error) {
			_, ok := ctx.Inputs[key]
			return ok, nil
		},
		ErrorMessage: fmt.Sprintf("required input %q is missing", key),
		Severity:     SeverityError,
	}
}

// InputNotEmpty passes when the named input exists and is not an empty or
// whitespace-only string nor an empty slice.
func InputNotEmpty(key string) Condition {
	return Condition{
		ID:   "input-not-empty-" + key,
		Name: "inputNotEmpty(" + key + ")",
		Type: Precondition,
		Predicate: func(ctx *execution.ExecutionContext) (bool, error) {
			v, ok := ctx.Inputs[key]
			if !ok {
				return false, nil
			}
			switch val := v.(type) {
			case string:
				return strings.TrimSpace(val) != "", nil
			case []interface{}:
				return len(val) > 0, nil
			case []string:
				return len(val) > 0, nil
			default:
				return v != nil, nil
			}
		},
		ErrorMessage: fmt.Sprintf("input %q is empty", key),
		Severity:     SeverityError,
	}
}

// HasOutput passes when the context carries the named output.
func HasOutput(key string) Condition {
	return Condition{
		ID:   "has-output-" + key,
		Name: "hasOutput(" + key + ")",
		Type: Postcondition,
		Predicate: func(ctx *execution.ExecutionContext) (bool, error) {
			_, ok := ctx.Outputs[key]
			return ok, nil
		},
		ErrorMessage: fmt.Sprintf("expected output %q is missing", key),
		Severity:     SeverityError,
	}
}

// NoError passes when the context carries no error message.
func NoError() Condition {
	return Condition{
		ID:   "no-error",
		Name: "noError()",
		Type: Postcondition,
		Predicate: func(ctx *execution.ExecutionContext) (bool, error) {
			return ctx.Error == "", nil
		},
		ErrorMessage: "context carries an error",
		Severity:     SeverityError,
	}
}

// ValidState passes when the context state is one of the allowed states.
func ValidState(allowed ...execution.ExecState) Condition {
	set := make(map[execution.ExecState]bool, len(allowed))
	names := make([]string, 0, len(allowed))
	for _, s := range allowed {
		set[s] = true
		names = append(names, string(s))
	}
	return Condition{
		ID:   "valid-state",
		Name: "validState(" + strings.Join(names, ",") + ")",
		Type: Invariant,
		Predicate: func(ctx *execution.ExecutionContext) (bool, error) {
			return set[ctx.State], nil
		},
		ErrorMessage: "state not in allowed set [" + strings.Join(names, ", ") + "]",
		Severity:     SeverityError,
	}
}

// WithinTimeout passes when the context ended and took at most ms
// milliseconds. A context without an end time fails.
func WithinTimeout(ms int64) Condition {
	return Condition{
		ID:   fmt.Sprintf("within-timeout-%d", ms),
		Name: fmt.Sprintf("withinTimeout(%d)", ms),
		Type: Postcondition,
		Predicate: func(ctx *execution.ExecutionContext) (bool, error) {
			if ctx.EndTime == nil {
				return false, nil
			}
			return ctx.EndTime.Sub(ctx.StartTime).Milliseconds() <= ms, nil
		},
		ErrorMessage: fmt.Sprintf("execution exceeded %dms", ms),
		Severity:     SeverityError,
	}
}
