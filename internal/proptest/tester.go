package proptest

import (
	"time"

	"foreman/internal/contract"
	"foreman/internal/execution"
	"foreman/internal/logging"
)

// Defaults for a test run.
const (
	DefaultNumRuns    = 100
	DefaultMaxShrinks = 100
)

// Options tunes one property-test run.
type Options struct {
	NumRuns    int   `json:"num_runs"`
	MaxShrinks int   `json:"max_shrinks"`
	Seed       int64 `json:"seed"`
	CollectAll bool  `json:"collect_all"`
}

// DefaultOptions returns 100 runs, 100 shrink attempts, a time-derived
// seed, and stop-on-first-failure.
func DefaultOptions() Options {
	return Options{NumRuns: DefaultNumRuns, MaxShrinks: DefaultMaxShrinks}
}

// FailureCase is one counterexample, shrunk where possible.
type FailureCase struct {
	Input           *execution.ExecutionContext `json:"input"`
	ShrunkInput     *execution.ExecutionContext `json:"shrunk_input,omitempty"`
	Error           string                      `json:"error"`
	FailedCondition string                      `json:"failed_condition"`
	ShrinkSteps     int                         `json:"shrink_steps"`
}

// Statistics summarizes the generated input population and shrink behavior.
type Statistics struct {
	StateDistribution map[execution.ExecState]int `json:"state_distribution"`
	AvgComplexity     float64                     `json:"avg_complexity"`
	ShrinkSuccessRate float64                     `json:"shrink_success_rate"`
	AvgShrinkSteps    float64                     `json:"avg_shrink_steps"`
}

// Report is the outcome of one run. Seed makes any failure reproducible.
type Report struct {
	Passed      bool          `json:"passed"`
	TestsRun    int           `json:"tests_run"`
	TestsPassed int           `json:"tests_passed"`
	TestsFailed int           `json:"tests_failed"`
	Failures    []FailureCase `json:"failures,omitempty"`
	Seed        int64         `json:"seed"`
	DurationMs  int64         `json:"duration_ms"`
	Statistics  Statistics    `json:"statistics"`
}

// Tester runs contracts against generated execution contexts.
type Tester struct {
	engine *contract.Engine
	opts   Options
}

// NewTester builds a tester; zero option fields fall back to defaults.
func NewTester(opts Options) *Tester {
	if opts.NumRuns <= 0 {
		opts.NumRuns = DefaultNumRuns
	}
	if opts.MaxShrinks <= 0 {
		opts.MaxShrinks = DefaultMaxShrinks
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Tester{engine: contract.NewEngine(), opts: opts}
}

// Run generates contexts, evaluates the contract against each, and shrinks
// every counterexample while it keeps failing the same condition.
func (t *Tester) Run(c *contract.Contract) *Report {
	started := time.Now()
	rng := NewRand(t.opts.Seed)

	report := &Report{
		Passed: true,
		Seed:   t.opts.Seed,
		Statistics: Statistics{
			StateDistribution: make(map[execution.ExecState]int),
		},
	}
	complexitySum := 0
	shrinkStepSum := 0
	shrunkCount := 0

	for i := 0; i < t.opts.NumRuns; i++ {
		ec := GenerateExecutionContext(rng)
		report.TestsRun++
		report.Statistics.StateDistribution[ec.State]++
		complexitySum += ec.State.Depth()

		res := t.engine.EvaluateAll(c, ec)
		if res.Success {
			report.TestsPassed++
			continue
		}
		report.TestsFailed++
		report.Passed = false

		failedCond := res.FirstFailedCondition()
		shrunk, steps := t.shrink(c, ec, failedCond)
		fc := FailureCase{
			Input:           ec,
			Error:           failureMessage(res, failedCond),
			FailedCondition: failedCond,
			ShrinkSteps:     steps,
		}
		if steps > 0 {
			fc.ShrunkInput = shrunk
			shrunkCount++
			shrinkStepSum += steps
		}
		report.Failures = append(report.Failures, fc)

		logging.PropTest("counterexample for %s on %s (shrink steps=%d, seed=%d)",
			c.Name, failedCond, steps, t.opts.Seed)
		if !t.opts.CollectAll {
			break
		}
	}

	if report.TestsRun > 0 {
		report.Statistics.AvgComplexity = float64(complexitySum) / float64(report.TestsRun)
	}
	if report.TestsFailed > 0 {
		report.Statistics.ShrinkSuccessRate = float64(shrunkCount) / float64(report.TestsFailed)
	}
	if shrunkCount > 0 {
		report.Statistics.AvgShrinkSteps = float64(shrinkStepSum) / float64(shrunkCount)
	}
	report.DurationMs = time.Since(started).Milliseconds()

	logging.PropTestDebug("run complete: %d/%d passed in %dms",
		report.TestsPassed, report.TestsRun, report.DurationMs)
	return report
}

// shrink walks toward a minimal counterexample: any candidate that still
// fails on the same condition name replaces the current one. Every
// evaluated candidate counts against the shrink budget.
func (t *Tester) shrink(c *contract.Contract, ec *execution.ExecutionContext, condName string) (*execution.ExecutionContext, int) {
	current := ec
	steps := 0
	attempts := 0

	for attempts < t.opts.MaxShrinks {
		advanced := false
		for _, candidate := range ShrinkExecutionContext(current) {
			attempts++
			res := t.engine.EvaluateAll(c, candidate)
			if !res.Success && res.FirstFailedCondition() == condName {
				current = candidate
				steps++
				advanced = true
				break
			}
			if attempts >= t.opts.MaxShrinks {
				break
			}
		}
		if !advanced {
			break
		}
	}
	return current, steps
}

func failureMessage(res *contract.ContractResult, condName string) string {
	for _, f := range res.Failures {
		if f.ConditionName == condName {
			return f.ErrorMessage
		}
	}
	return "condition failed"
}
