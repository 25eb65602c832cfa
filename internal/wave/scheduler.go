package wave

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"foreman/internal/checkpoint"
	"foreman/internal/contract"
	"foreman/internal/execution"
	"foreman/internal/faults"
	"foreman/internal/logging"
)

// Scheduler defaults.
const (
	DefaultGlobalAgentBudget     = 2
	DefaultAdmissionPollInterval = 250 * time.Millisecond
)

// FailurePolicy decides what a failed story does to the rest of the run.
type FailurePolicy string

const (
	// FailurePolicyStop fails the wave and stops the scheduler.
	FailurePolicyStop FailurePolicy = "stop"
	// FailurePolicyContinue finishes the wave and marks it partial.
	FailurePolicyContinue FailurePolicy = "continue"
)

// Outcome of one wave.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
)

// WaveState is the persisted runtime twin of a Wave. Only the scheduler
// mutates it; it is checkpointed after every terminal story.
type WaveState struct {
	WaveNumber       int       `json:"waveNumber"`
	CompletedTaskIDs []string  `json:"completedTaskIds"`
	FailedTaskIDs    []string  `json:"failedTaskIds"`
	Timestamp        time.Time `json:"timestamp"`
}

// CheckpointName returns the checkpoint key of a wave number.
func CheckpointName(waveNumber int) string {
	return "wave-" + strconv.Itoa(waveNumber)
}

// Config tunes a Scheduler.
type Config struct {
	GlobalAgentBudget     int              `json:"global_agent_budget"`
	AdmissionPollInterval time.Duration    `json:"admission_poll_interval"`
	FailurePolicy         FailurePolicy    `json:"failure_policy"`
	RetryFailed           bool             `json:"retry_failed"`
	Machine               execution.Config `json:"machine"`
}

// DefaultConfig returns the standard budget, poll interval, and the stop
// failure policy.
func DefaultConfig() Config {
	return Config{
		GlobalAgentBudget:     DefaultGlobalAgentBudget,
		AdmissionPollInterval: DefaultAdmissionPollInterval,
		FailurePolicy:         FailurePolicyStop,
		Machine:               execution.DefaultConfig(),
	}
}

// Events are optional scheduler observer callbacks. They are invoked
// synchronously; observers must not block.
type Events struct {
	OnStateChange     func(taskID string, from, to execution.ExecState)
	OnWaveProgress    func(waveID string, completed, failed, total int)
	OnStoryCompleted  func(storyID string, result *execution.Result)
	OnStoryFailed     func(storyID string, result *execution.Result)
	OnCheckpointSaved func(name string)
}

// WaveResult is the outcome of one wave run.
type WaveResult struct {
	Wave         *Wave                        `json:"wave"`
	Outcome      Outcome                      `json:"outcome"`
	State        *WaveState                   `json:"state"`
	StoryResults map[string]*execution.Result `json:"story_results"`
}

// PlanResult is the outcome of a full plan run.
type PlanResult struct {
	Waves            []*WaveResult `json:"waves"`
	CompletedStories int           `json:"completed_stories"`
	FailedStories    int           `json:"failed_stories"`
}

// Scheduler drives plan waves to completion. One scheduler serves one
// session at a time.
type Scheduler struct {
	cfg       Config
	store     *checkpoint.Store
	runner    AgentRunner
	admission AgentAdmissionController
	engine    *contract.Engine

	// ContractFor supplies the verification contract of a story. When nil
	// a minimal contract (agent produced output, no error) is used.
	ContractFor func(*Story) *contract.Contract

	Events Events
}

// NewScheduler builds a scheduler over a checkpoint store and an agent
// runner. Admission defaults to AlwaysAdmit.
func NewScheduler(cfg Config, store *checkpoint.Store, runner AgentRunner, admission AgentAdmissionController) *Scheduler {
	if cfg.GlobalAgentBudget <= 0 {
		cfg.GlobalAgentBudget = DefaultGlobalAgentBudget
	}
	if cfg.AdmissionPollInterval <= 0 {
		cfg.AdmissionPollInterval = DefaultAdmissionPollInterval
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailurePolicyStop
	}
	if admission == nil {
		admission = AlwaysAdmit{}
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		runner:    runner,
		admission: admission,
		engine:    contract.NewEngine(),
	}
}

// Run executes every wave of the plan in order. A failed wave under the
// stop policy halts the run with WAVE_FAILED; the partial results up to
// that point are still returned.
func (s *Scheduler) Run(ctx context.Context, sessionID string, plan *Plan) (*PlanResult, error) {
	result := &PlanResult{}
	outcomes := make(map[string]Outcome)

	for i := range plan.Waves {
		w := &plan.Waves[i]

		for _, dep := range w.Dependencies {
			oc, ran := outcomes[dep]
			if !ran {
				return result, faults.Newf(faults.CodeWaveFailed, "wave %s depends on %s which has not run", w.ID, dep)
			}
			if oc != OutcomeCompleted && s.cfg.FailurePolicy != FailurePolicyContinue {
				return result, faults.Newf(faults.CodeWaveFailed, "wave %s dependency %s finished %s", w.ID, dep, oc).
					With("wave", w.ID)
			}
		}

		wr, err := s.runWave(ctx, sessionID, w)
		if wr != nil {
			result.Waves = append(result.Waves, wr)
			result.CompletedStories += len(wr.State.CompletedTaskIDs)
			result.FailedStories += len(wr.State.FailedTaskIDs)
		}
		if err != nil {
			return result, err
		}

		outcomes[w.ID] = wr.Outcome
		if wr.Outcome == OutcomeFailed {
			return result, faults.Newf(faults.CodeWaveFailed, "wave %s failed", w.ID).With("wave", w.ID)
		}
	}
	return result, nil
}

// runWave drives one wave: layered dispatch, bounded concurrency, a
// checkpoint after every terminal story.
func (s *Scheduler) runWave(ctx context.Context, sessionID string, w *Wave) (*WaveResult, error) {
	timer := logging.StartTimer(logging.CategoryWave, "wave "+w.ID)
	defer timer.Stop()

	groups, err := layerStories(w)
	if err != nil {
		return nil, err
	}

	state, completed, failedSet, err := s.loadWaveState(w)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Story, len(w.Stories))
	for i := range w.Stories {
		byID[w.Stories[i].ID] = &w.Stories[i]
	}

	k := int64(w.MaxConcurrent)
	if int64(s.cfg.GlobalAgentBudget) < k {
		k = int64(s.cfg.GlobalAgentBudget)
	}
	if w.Parallelization == ParallelizationSequential {
		k = 1
	}
	sem := semaphore.NewWeighted(k)

	wr := &WaveResult{Wave: w, State: state, StoryResults: make(map[string]*execution.Result)}
	var mu sync.Mutex

	logging.Wave("wave %s: %d stories in %d groups, concurrency %d", w.ID, len(w.Stories), len(groups), k)

	for _, grp := range groups {
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range grp.storyIDs {
			story := byID[id]

			mu.Lock()
			alreadyDone := completed[id]
			skipFailed := failedSet[id] && !s.cfg.RetryFailed
			unmetDep := ""
			if !alreadyDone && !skipFailed {
				for _, dep := range story.Dependencies {
					if !completed[dep] {
						unmetDep = dep
						break
					}
				}
			}
			mu.Unlock()

			if alreadyDone {
				logging.WaveDebug("wave %s: story %s already completed, skipping", w.ID, id)
				continue
			}
			if skipFailed {
				logging.WaveDebug("wave %s: story %s previously failed, not retrying", w.ID, id)
				continue
			}
			if unmetDep != "" {
				// Layering put every dependency in an earlier group, so an
				// incomplete one has terminally failed: the dependent is
				// never dispatched.
				if err := s.failForDependency(w, wr, state, completed, failedSet, &mu, story, unmetDep); err != nil {
					return wr, err
				}
				continue
			}
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return faults.Wrap(faults.CodeCancelled, err, "dispatch cancelled")
				}
				defer sem.Release(1)
				if err := s.waitAdmission(gctx, story.ID); err != nil {
					return err
				}

				res := s.runStory(gctx, sessionID, story)

				// An interrupted story stays pending rather than failed, so
				// the next run re-dispatches it.
				if faults.HasCode(res.Err, faults.CodeCancelled) || (!res.Success && gctx.Err() != nil) {
					logging.WaveDebug("wave %s: story %s interrupted, left pending", w.ID, story.ID)
					if res.Err != nil {
						return res.Err
					}
					return gctx.Err()
				}

				mu.Lock()
				wr.StoryResults[story.ID] = res
				if res.Success {
					completed[story.ID] = true
					delete(failedSet, story.ID)
				} else {
					failedSet[story.ID] = true
				}
				applySets(state, completed, failedSet)
				saveErr := s.saveWaveState(w, state)
				done, failedCount := len(state.CompletedTaskIDs), len(state.FailedTaskIDs)
				mu.Unlock()

				if res.Success {
					if s.Events.OnStoryCompleted != nil {
						s.Events.OnStoryCompleted(story.ID, res)
					}
				} else if s.Events.OnStoryFailed != nil {
					s.Events.OnStoryFailed(story.ID, res)
				}
				if s.Events.OnWaveProgress != nil {
					s.Events.OnWaveProgress(w.ID, done, failedCount, len(w.Stories))
				}
				return saveErr
			})
		}
		if err := g.Wait(); err != nil {
			return wr, err
		}
	}

	switch {
	case len(state.FailedTaskIDs) == 0:
		wr.Outcome = OutcomeCompleted
	case s.cfg.FailurePolicy == FailurePolicyContinue:
		wr.Outcome = OutcomePartial
	default:
		wr.Outcome = OutcomeFailed
	}
	logging.Wave("wave %s finished %s (completed=%d failed=%d)",
		w.ID, wr.Outcome, len(state.CompletedTaskIDs), len(state.FailedTaskIDs))
	return wr, nil
}

// failForDependency marks a story failed without dispatching it because
// one of its dependencies did not complete. The checkpoint and observers
// see it like any other failed story.
func (s *Scheduler) failForDependency(w *Wave, wr *WaveResult, state *WaveState,
	completed, failedSet map[string]bool, mu *sync.Mutex, story *Story, dep string) error {
	res := &execution.Result{
		FinalState: execution.StateFailed,
		Err: faults.Newf(faults.CodeDependencyFailed, "dependency %s did not complete", dep).
			With("story", story.ID),
	}

	mu.Lock()
	wr.StoryResults[story.ID] = res
	failedSet[story.ID] = true
	applySets(state, completed, failedSet)
	saveErr := s.saveWaveState(w, state)
	done, failedCount := len(state.CompletedTaskIDs), len(state.FailedTaskIDs)
	mu.Unlock()

	logging.WaveWarn("wave %s: story %s not dispatched, dependency %s did not complete", w.ID, story.ID, dep)
	if s.Events.OnStoryFailed != nil {
		s.Events.OnStoryFailed(story.ID, res)
	}
	if s.Events.OnWaveProgress != nil {
		s.Events.OnWaveProgress(w.ID, done, failedCount, len(w.Stories))
	}
	return saveErr
}

// loadWaveState resumes from an existing checkpoint or starts fresh.
// Previously failed stories are forgotten when the retry flag is set.
func (s *Scheduler) loadWaveState(w *Wave) (*WaveState, map[string]bool, map[string]bool, error) {
	state := &WaveState{WaveNumber: w.Number}
	found, err := s.store.Load(CheckpointName(w.Number), state)
	if err != nil {
		return nil, nil, nil, err
	}
	if found {
		logging.Wave("wave %s: resuming from checkpoint (completed=%d failed=%d)",
			w.ID, len(state.CompletedTaskIDs), len(state.FailedTaskIDs))
	}

	completed := make(map[string]bool, len(state.CompletedTaskIDs))
	for _, id := range state.CompletedTaskIDs {
		completed[id] = true
	}
	failedSet := make(map[string]bool, len(state.FailedTaskIDs))
	for _, id := range state.FailedTaskIDs {
		if s.cfg.RetryFailed {
			continue
		}
		failedSet[id] = true
	}
	applySets(state, completed, failedSet)
	return state, completed, failedSet, nil
}

func applySets(state *WaveState, completed, failed map[string]bool) {
	state.CompletedTaskIDs = sortedKeys(completed)
	state.FailedTaskIDs = sortedKeys(failed)
	state.Timestamp = time.Now().UTC()
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) saveWaveState(w *Wave, state *WaveState) error {
	name := CheckpointName(w.Number)
	if err := s.store.Save(name, state); err != nil {
		return err
	}
	if s.Events.OnCheckpointSaved != nil {
		s.Events.OnCheckpointSaved(name)
	}
	return nil
}

// waitAdmission polls the admission controller until it allows a new
// agent or the context is cancelled.
func (s *Scheduler) waitAdmission(ctx context.Context, storyID string) error {
	for {
		m := s.admission.Metrics()
		if m.CanSpawnAgent {
			return nil
		}
		logging.WaveWarn("admission denied for story %s (cpu=%.2f mem=%.2f), polling",
			storyID, m.CPULoad, m.MemoryPressure)
		select {
		case <-ctx.Done():
			return faults.Wrap(faults.CodeCancelled, ctx.Err(), "cancelled while awaiting admission").
				With("story", storyID)
		case <-time.After(s.cfg.AdmissionPollInterval):
		}
	}
}

// runStory drives one story through an execution state machine whose
// executing phase calls the agent runner and whose verifying phase
// evaluates the story's contract. Transient agent errors surface as a
// failed verification so the machine's bounded retry loop re-runs them;
// permanent errors fail the story immediately.
func (s *Scheduler) runStory(ctx context.Context, sessionID string, story *Story) *execution.Result {
	ec := execution.NewContext(sessionID, story.ID, map[string]interface{}{
		"title":       story.Title,
		"description": story.Description,
		"agent_type":  story.AgentType,
		"files":       story.FilesInScope,
	})

	var transientErr error
	h := execution.Handlers{
		OnExecuting: func(hctx context.Context, ec *execution.ExecutionContext) error {
			out, err := s.runner.Run(hctx, buildPrompt(story), story.Model)
			if err != nil {
				if IsTransient(err) {
					transientErr = err
					logging.WaveDebug("story %s: transient agent error: %v", story.ID, err)
					return nil
				}
				return err
			}
			transientErr = nil
			ec.SetOutput("output", out.Output)
			ec.SetArtifact("usage", out.Usage)
			for k, v := range out.Metadata {
				ec.SetArtifact(k, v)
			}
			return nil
		},
		OnVerifying: func(hctx context.Context, ec *execution.ExecutionContext) (bool, error) {
			if transientErr != nil {
				return false, nil
			}
			return s.engine.EvaluateAll(s.contractFor(story), ec).Success, nil
		},
	}

	m := execution.NewMachine(s.cfg.Machine)
	if s.Events.OnStateChange != nil {
		m.OnStateChange = func(from, to execution.ExecState, ec *execution.ExecutionContext) {
			s.Events.OnStateChange(ec.TaskID, from, to)
		}
	}
	return m.Execute(ctx, ec, h)
}

func (s *Scheduler) contractFor(story *Story) *contract.Contract {
	if s.ContractFor != nil {
		return s.ContractFor(story)
	}
	return &contract.Contract{
		ID:       "story-default",
		Name:     "story-default",
		TaskType: story.AgentType,
		Postconditions: []contract.Condition{
			contract.HasOutput("output"),
			contract.NoError(),
		},
	}
}

// buildPrompt renders the four-section prompt the validator expects.
func buildPrompt(story *Story) string {
	files := "unspecified"
	if len(story.FilesInScope) > 0 {
		files = story.FilesInScope[0]
		for _, f := range story.FilesInScope[1:] {
			files += ", " + f
		}
	}
	rules := story.TestRequirements
	if rules == "" {
		rules = "touch only the listed files"
	}
	return "Task: " + story.Description + "\n" +
		"Files: " + files + "\n" +
		"Output: json object with keys status and summary\n" +
		"Rules: " + rules
}
