// Package contract evaluates named, side-effect-free conditions against an
// execution context. Conditions are small records carrying a predicate and
// metadata rather than an interface hierarchy; a contract bundles the
// preconditions, postconditions, and invariants of one task type.
package contract

import (
	"fmt"
	"time"

	"foreman/internal/execution"
	"foreman/internal/logging"
)

// ConditionType classifies when a condition applies.
type ConditionType string

const (
	Precondition  ConditionType = "precondition"
	Postcondition ConditionType = "postcondition"
	Invariant     ConditionType = "invariant"
)

// Severity grades a condition failure.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Predicate is a pure function over a context. Returning an error is
// equivalent to a thrown fault: the condition records as failed with the
// error's message.
type Predicate func(*execution.ExecutionContext) (bool, error)

// Condition is a named predicate with metadata.
type Condition struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Type         ConditionType `json:"type"`
	Predicate    Predicate     `json:"-"`
	ErrorMessage string        `json:"error_message"`
	Severity     Severity      `json:"severity"`
	Tags         []string      `json:"tags,omitempty"`
}

// Contract bundles the conditions of one task type. Immutable once built.
type Contract struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	TaskType       string      `json:"task_type"`
	Preconditions  []Condition `json:"preconditions"`
	Postconditions []Condition `json:"postconditions"`
	Invariants     []Condition `json:"invariants"`
}

// ConditionResult records one evaluation.
type ConditionResult struct {
	ConditionID          string                 `json:"condition_id"`
	ConditionName        string                 `json:"condition_name"`
	Type                 ConditionType          `json:"type"`
	Passed               bool                   `json:"passed"`
	ErrorMessage         string                 `json:"error_message,omitempty"`
	Severity             Severity               `json:"severity"`
	EvaluatedAt          time.Time              `json:"evaluated_at"`
	EvaluationDurationMs int64                  `json:"evaluation_duration_ms"`
	Context              map[string]interface{} `json:"context,omitempty"`
}

// Failure describes one failed condition inside a ContractResult.
type Failure struct {
	ConditionID   string                 `json:"condition_id"`
	ConditionName string                 `json:"condition_name"`
	Type          ConditionType          `json:"type"`
	ErrorMessage  string                 `json:"error_message"`
	Severity      Severity               `json:"severity"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// ContractResult is the outcome of evaluating a full contract.
type ContractResult struct {
	Success   bool              `json:"success"`
	Failures  []Failure         `json:"failures"`
	Successes int               `json:"successes"`
	Results   []ConditionResult `json:"results"`
}

// FirstFailedCondition returns the name of the first failed condition, or
// "" when everything passed. Shrinking keys off this.
func (r *ContractResult) FirstFailedCondition() string {
	for _, res := range r.Results {
		if !res.Passed {
			return res.ConditionName
		}
	}
	return ""
}

// Engine evaluates conditions. Stateless; safe for concurrent use.
type Engine struct{}

// NewEngine returns a contract engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate runs one condition against a context. Predicates must not
// mutate the context; a panicking or erroring predicate records as failed
// with severity error.
func (e *Engine) Evaluate(cond Condition, ctx *execution.ExecutionContext) ConditionResult {
	start := time.Now()
	result := ConditionResult{
		ConditionID:   cond.ID,
		ConditionName: cond.Name,
		Type:          cond.Type,
		Severity:      cond.Severity,
		EvaluatedAt:   start.UTC(),
	}

	passed, evalErr := runPredicate(cond.Predicate, ctx)
	result.EvaluationDurationMs = time.Since(start).Milliseconds()
	result.Passed = passed && evalErr == nil

	if evalErr != nil {
		result.ErrorMessage = evalErr.Error()
		result.Severity = SeverityError
		result.Context = map[string]interface{}{"predicate_error": evalErr.Error()}
	} else if !passed {
		result.ErrorMessage = cond.ErrorMessage
	}

	logging.ContractDebug("condition %s (%s): passed=%v", cond.Name, cond.Type, result.Passed)
	return result
}

// runPredicate converts panics into evaluation errors.
func runPredicate(p Predicate, ctx *execution.ExecutionContext) (passed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			passed = false
			err = fmt.Errorf("predicate panicked: %v", r)
		}
	}()
	if p == nil {
		return false, fmt.Errorf("condition has no predicate")
	}
	return p(ctx)
}

// EvaluateAll runs every condition of the contract in the fixed order
// preconditions, postconditions, invariants. Success means every condition
// either passed or failed with a non-error severity.
func (e *Engine) EvaluateAll(c *Contract, ctx *execution.ExecutionContext) *ContractResult {
	timer := logging.StartTimer(logging.CategoryContract, "evaluateAll "+c.Name)
	defer timer.Stop()

	out := &ContractResult{Success: true}
	groups := [][]Condition{c.Preconditions, c.Postconditions, c.Invariants}
	for _, group := range groups {
		for _, cond := range group {
			res := e.Evaluate(cond, ctx)
			out.Results = append(out.Results, res)
			if res.Passed {
				out.Successes++
				continue
			}
			out.Failures = append(out.Failures, Failure{
				ConditionID:   res.ConditionID,
				ConditionName: res.ConditionName,
				Type:          res.Type,
				ErrorMessage:  res.ErrorMessage,
				Severity:      res.Severity,
				Context:       res.Context,
			})
			if res.Severity == SeverityError {
				out.Success = false
			}
		}
	}

	if !out.Success {
		logging.Contract("contract %s failed: %d failures", c.Name, len(out.Failures))
	}
	return out
}
