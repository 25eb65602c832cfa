package execution

import (
	"context"
	"fmt"
	"time"

	"foreman/internal/faults"
	"foreman/internal/logging"
)

// Default machine configuration.
const (
	DefaultMaxRetries        = 3
	DefaultTransitionTimeout = 30 * time.Second
)

// Config tunes one Machine.
type Config struct {
	MaxRetries        int           `json:"max_retries"`
	AllowFailFromAny  bool          `json:"allow_fail_from_any"`
	TransitionTimeout time.Duration `json:"transition_timeout"`
}

// DefaultConfig returns the standard retry and timeout settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        DefaultMaxRetries,
		AllowFailFromAny:  true,
		TransitionTimeout: DefaultTransitionTimeout,
	}
}

// Handlers are the four optional phase callbacks. A nil handler is a no-op;
// a nil OnVerifying verifies trivially. Handlers observe cancellation via
// the passed context; the machine has no timer of its own.
type Handlers struct {
	OnPlanning   func(context.Context, *ExecutionContext) error
	OnExecuting  func(context.Context, *ExecutionContext) error
	OnVerifying  func(context.Context, *ExecutionContext) (bool, error)
	OnCommitting func(context.Context, *ExecutionContext) error
}

// HistoryEntry records one attempted transition.
type HistoryEntry struct {
	TransitionID string    `json:"transition_id"`
	FromState    ExecState `json:"from_state"`
	ToState      ExecState `json:"to_state"`
	Success      bool      `json:"success"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
	Error        string    `json:"error,omitempty"`
	RetryAttempt int       `json:"retry_attempt,omitempty"`
}

// Result is the outcome of one Machine execution.
type Result struct {
	FinalState      ExecState         `json:"final_state"`
	Success         bool              `json:"success"`
	Context         *ExecutionContext `json:"context"`
	History         []HistoryEntry    `json:"history"`
	TotalDurationMs int64             `json:"total_duration_ms"`
	RetryCount      int               `json:"retry_count"`
	Err             error             `json:"-"`
}

// Machine drives one ExecutionContext through the transition graph.
// Machines are stateless between Execute calls and safe to reuse.
type Machine struct {
	cfg   Config
	table *transitionTable

	// OnStateChange fires after every successful transition.
	OnStateChange func(from, to ExecState, ctx *ExecutionContext)
	// OnError fires when execution lands in FAILED.
	OnError func(err error, ctx *ExecutionContext)
}

// NewMachine creates a machine over the standard transition graph.
func NewMachine(cfg Config) *Machine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.TransitionTimeout <= 0 {
		cfg.TransitionTimeout = DefaultTransitionTimeout
	}
	table, err := newTransitionTable(defaultTransitions())
	if err != nil {
		// The default graph is statically valid.
		panic(err)
	}
	return &Machine{cfg: cfg, table: table}
}

// NewMachineWithTransitions creates a machine over a caller-supplied set of
// guarded transitions. Every edge must be part of the fixed graph.
func NewMachineWithTransitions(cfg Config, transitions []*Transition) (*Machine, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	table, err := newTransitionTable(transitions)
	if err != nil {
		return nil, err
	}
	return &Machine{cfg: cfg, table: table}, nil
}

// run executes one phase handler, converting panics into HANDLER_FAULT so a
// misbehaving handler fails the story instead of the process.
func runHandler(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faults.Newf(faults.CodeHandlerFault, "%s panicked: %v", name, r)
		}
	}()
	if fnErr := fn(); fnErr != nil {
		return faults.Wrap(faults.CodeHandlerFault, fnErr, name+" failed")
	}
	return nil
}

// Execute drives ec from IDLE to a terminal state using the provided
// handlers. The passed context carries cancellation; a cancelled handler
// produces a FAILED outcome with code CANCELLED.
func (m *Machine) Execute(ctx context.Context, ec *ExecutionContext, h Handlers) *Result {
	started := time.Now()
	res := &Result{Context: ec}

	finish := func() *Result {
		res.FinalState = ec.State
		res.Success = ec.State == StateCompleted
		res.TotalDurationMs = time.Since(started).Milliseconds()
		return res
	}

	if ec.State != StateIdle {
		res.Err = faults.Newf(faults.CodeInvalidTransition, "context must start idle, was %s", ec.State).
			With("task", ec.TaskID)
		return finish()
	}

	logging.StateMachine("task %s: execution started", ec.TaskID)

	// IDLE -> PLANNING
	if err := m.transition(res, ec, StatePlanning, 0); err != nil {
		return m.fail(res, ec, err, finish)
	}
	if err := m.checkCancelled(ctx); err != nil {
		return m.fail(res, ec, err, finish)
	}
	if h.OnPlanning != nil {
		if err := runHandler("planning handler", func() error { return h.OnPlanning(ctx, ec) }); err != nil {
			return m.fail(res, ec, err, finish)
		}
	}

	// PLANNING -> EXECUTING
	if err := m.transition(res, ec, StateExecuting, 0); err != nil {
		return m.fail(res, ec, err, finish)
	}

	// Execute/verify loop with bounded retry.
	for {
		if err := m.checkCancelled(ctx); err != nil {
			return m.fail(res, ec, err, finish)
		}
		if h.OnExecuting != nil {
			if err := runHandler("executing handler", func() error { return h.OnExecuting(ctx, ec) }); err != nil {
				return m.fail(res, ec, err, finish)
			}
		}

		// EXECUTING -> VERIFYING
		if err := m.transition(res, ec, StateVerifying, res.RetryCount); err != nil {
			return m.fail(res, ec, err, finish)
		}
		if err := m.checkCancelled(ctx); err != nil {
			return m.fail(res, ec, err, finish)
		}

		verified := true
		if h.OnVerifying != nil {
			var ok bool
			err := runHandler("verifying handler", func() error {
				var verifyErr error
				ok, verifyErr = h.OnVerifying(ctx, ec)
				return verifyErr
			})
			if err != nil {
				return m.fail(res, ec, err, finish)
			}
			verified = ok
		}
		if verified {
			break
		}

		if res.RetryCount >= m.cfg.MaxRetries {
			err := faults.Newf(faults.CodeMaxRetriesExceeded, "verification failed after %d retries", res.RetryCount).
				With("task", ec.TaskID)
			return m.fail(res, ec, err, finish)
		}
		res.RetryCount++
		logging.StateMachineDebug("task %s: verification failed, retry %d/%d", ec.TaskID, res.RetryCount, m.cfg.MaxRetries)

		// VERIFYING -> EXECUTING (retry)
		if err := m.transition(res, ec, StateExecuting, res.RetryCount); err != nil {
			return m.fail(res, ec, err, finish)
		}
	}

	// VERIFYING -> COMMITTING
	if err := m.transition(res, ec, StateCommitting, res.RetryCount); err != nil {
		return m.fail(res, ec, err, finish)
	}
	if err := m.checkCancelled(ctx); err != nil {
		return m.fail(res, ec, err, finish)
	}
	if h.OnCommitting != nil {
		if err := runHandler("committing handler", func() error { return h.OnCommitting(ctx, ec) }); err != nil {
			return m.fail(res, ec, err, finish)
		}
	}

	// COMMITTING -> COMPLETED
	if err := m.transition(res, ec, StateCompleted, res.RetryCount); err != nil {
		return m.fail(res, ec, err, finish)
	}

	ec.MarkEnded(time.Now())
	logging.StateMachine("task %s: completed (retries=%d)", ec.TaskID, res.RetryCount)
	return finish()
}

// checkCancelled maps context cancellation onto the CANCELLED code.
func (m *Machine) checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return faults.Wrap(faults.CodeCancelled, ctx.Err(), "execution cancelled")
	default:
		return nil
	}
}

// transition moves ec to the target state and records history.
func (m *Machine) transition(res *Result, ec *ExecutionContext, to ExecState, retryAttempt int) error {
	from := ec.State
	start := time.Now()

	tr, err := m.table.pick(ec, to)
	entry := HistoryEntry{
		FromState:    from,
		ToState:      to,
		Timestamp:    start.UTC(),
		DurationMs:   time.Since(start).Milliseconds(),
		RetryAttempt: retryAttempt,
	}
	if err != nil {
		entry.Success = false
		entry.Error = err.Error()
		res.History = append(res.History, entry)
		return err
	}

	ec.State = to
	entry.TransitionID = tr.ID
	entry.Success = true
	entry.DurationMs = time.Since(start).Milliseconds()
	res.History = append(res.History, entry)

	logging.StateMachineDebug("task %s: %s -> %s", ec.TaskID, from, to)
	if m.OnStateChange != nil {
		m.OnStateChange(from, to, ec)
	}
	return nil
}

// fail redirects execution to FAILED, preserving the originating error on
// the context and in the result.
func (m *Machine) fail(res *Result, ec *ExecutionContext, cause error, finish func() *Result) *Result {
	res.Err = cause
	ec.Error = cause.Error()

	if !ec.State.IsTerminal() {
		if m.cfg.AllowFailFromAny || EdgeAllowed(ec.State, StateFailed) {
			from := ec.State
			ec.State = StateFailed
			res.History = append(res.History, HistoryEntry{
				TransitionID: string(from) + "->" + string(StateFailed),
				FromState:    from,
				ToState:      StateFailed,
				Success:      true,
				Timestamp:    time.Now().UTC(),
				Error:        cause.Error(),
				RetryAttempt: res.RetryCount,
			})
			if m.OnStateChange != nil {
				m.OnStateChange(from, StateFailed, ec)
			}
		}
	}

	ec.MarkEnded(time.Now())
	logging.Get(logging.CategoryStateMachine).Error("task %s failed: %v", ec.TaskID, cause)
	if m.OnError != nil {
		m.OnError(cause, ec)
	}
	return finish()
}

// String renders a compact summary, useful in logs and test failures.
func (r *Result) String() string {
	return fmt.Sprintf("final=%s success=%v retries=%d transitions=%d",
		r.FinalState, r.Success, r.RetryCount, len(r.History))
}
