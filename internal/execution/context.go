// Package execution implements the deterministic per-task execution state
// machine. One ExecutionContext is owned by one Machine invocation and
// progresses through a fixed transition graph with guarded edges and a
// bounded verify-retry loop.
package execution

import (
	"time"
)

// ExecState is the execution state of a task. COMPLETED and FAILED are
// terminal.
type ExecState string

const (
	StateIdle       ExecState = "idle"
	StatePlanning   ExecState = "planning"
	StateExecuting  ExecState = "executing"
	StateVerifying  ExecState = "verifying"
	StateCommitting ExecState = "committing"
	StateCompleted  ExecState = "completed"
	StateFailed     ExecState = "failed"
)

// AllStates lists every state in progression order.
var AllStates = []ExecState{
	StateIdle,
	StatePlanning,
	StateExecuting,
	StateVerifying,
	StateCommitting,
	StateCompleted,
	StateFailed,
}

// IsTerminal reports whether the state admits no further transitions.
func (s ExecState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsValid reports whether s is a member of the state set.
func (s ExecState) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Depth returns the progression depth of a state, 1 (idle) through 5
// (committing). Terminal states share the depth of committing; used for
// input-complexity statistics and shrinking direction.
func (s ExecState) Depth() int {
	switch s {
	case StateIdle:
		return 1
	case StatePlanning:
		return 2
	case StateExecuting:
		return 3
	case StateVerifying:
		return 4
	default:
		return 5
	}
}

// StepTowardIdle returns the state one position closer to idle along the
// happy path; idle maps to itself. Shrinkers use this to simplify contexts.
func (s ExecState) StepTowardIdle() ExecState {
	switch s {
	case StatePlanning:
		return StateIdle
	case StateExecuting:
		return StatePlanning
	case StateVerifying:
		return StateExecuting
	case StateCommitting:
		return StateVerifying
	case StateCompleted, StateFailed:
		return StateCommitting
	default:
		return StateIdle
	}
}

// ExecutionContext is the moving state of one story's execution. It is the
// input to all handlers and contract conditions. Only the Machine mutates
// State; conditions must treat the context as read-only.
type ExecutionContext struct {
	ScopeID   string                 `json:"scope_id"`
	TaskID    string                 `json:"task_id"`
	Inputs    map[string]interface{} `json:"inputs"`
	Outputs   map[string]interface{} `json:"outputs,omitempty"`
	State     ExecState              `json:"state"`
	Artifacts map[string]interface{} `json:"artifacts,omitempty"`
	StartTime time.Time              `json:"start_time"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// NewContext creates a context in the idle state, ready for execution.
func NewContext(scopeID, taskID string, inputs map[string]interface{}) *ExecutionContext {
	if inputs == nil {
		inputs = make(map[string]interface{})
	}
	return &ExecutionContext{
		ScopeID:   scopeID,
		TaskID:    taskID,
		Inputs:    inputs,
		Artifacts: make(map[string]interface{}),
		State:     StateIdle,
		StartTime: time.Now().UTC(),
	}
}

// SetOutput records an output value, allocating the map on first use.
func (c *ExecutionContext) SetOutput(key string, value interface{}) {
	if c.Outputs == nil {
		c.Outputs = make(map[string]interface{})
	}
	c.Outputs[key] = value
}

// SetArtifact records an artifact value, allocating the map on first use.
func (c *ExecutionContext) SetArtifact(key string, value interface{}) {
	if c.Artifacts == nil {
		c.Artifacts = make(map[string]interface{})
	}
	c.Artifacts[key] = value
}

// MarkEnded stamps the end time if not already set.
func (c *ExecutionContext) MarkEnded(at time.Time) {
	if c.EndTime == nil {
		t := at.UTC()
		c.EndTime = &t
	}
}

// Clone returns a deep-enough copy for snapshotting: maps are copied, the
// values they hold are shared.
func (c *ExecutionContext) Clone() *ExecutionContext {
	out := *c
	out.Inputs = copyMap(c.Inputs)
	out.Outputs = copyMap(c.Outputs)
	out.Artifacts = copyMap(c.Artifacts)
	if c.EndTime != nil {
		t := *c.EndTime
		out.EndTime = &t
	}
	return &out
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
