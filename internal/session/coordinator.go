// Package session is the top-level coordinator: it owns session
// lifecycles, drives the wave scheduler, reacts to control events, and
// publishes observer events. Everything a restart must survive goes
// through the checkpoint store.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"foreman/internal/audit"
	"foreman/internal/checkpoint"
	"foreman/internal/execution"
	"foreman/internal/failures"
	"foreman/internal/faults"
	"foreman/internal/wave"
)

// Options wires a Coordinator. Store and Runner are required; the rest
// fall back to sensible defaults (AlwaysAdmit, a fresh failure index, a
// nop logger, no audit log).
type Options struct {
	Store     *checkpoint.Store
	Runner    wave.AgentRunner
	Admission wave.AgentAdmissionController
	Scheduler wave.Config
	Failures  *failures.Index
	Audit     *audit.Log
	Logger    *zap.Logger
	UserID    string
}

// stop reasons a control event can request while a session runs.
const (
	stopPause  = "pause"
	stopCancel = "cancel"
)

type runningSession struct {
	cancel     context.CancelFunc
	stopReason string
}

// Coordinator owns sessions. One coordinator serves one process; any
// number of sessions may exist but each runs at most once concurrently.
type Coordinator struct {
	store     *checkpoint.Store
	runner    wave.AgentRunner
	admission wave.AgentAdmissionController
	schedCfg  wave.Config
	failures  *failures.Index
	auditLog  *audit.Log
	log       *zap.Logger
	userID    string
	bus       *Bus

	mu      sync.Mutex
	running map[string]*runningSession
}

// NewCoordinator builds a coordinator from options.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, faults.New(faults.CodeInvalidName, "coordinator requires a checkpoint store")
	}
	if opts.Runner == nil {
		return nil, faults.New(faults.CodeInvalidName, "coordinator requires an agent runner")
	}
	if opts.Admission == nil {
		opts.Admission = wave.AlwaysAdmit{}
	}
	if opts.Failures == nil {
		opts.Failures = failures.NewIndex(failures.DefaultOptions())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.UserID == "" {
		opts.UserID = "local"
	}
	return &Coordinator{
		store:     opts.Store,
		runner:    opts.Runner,
		admission: opts.Admission,
		schedCfg:  opts.Scheduler,
		failures:  opts.Failures,
		auditLog:  opts.Audit,
		log:       opts.Logger,
		userID:    opts.UserID,
		bus:       NewBus(),
		running:   make(map[string]*runningSession),
	}, nil
}

// Bus returns the coordinator's event bus for observer subscriptions.
func (c *Coordinator) Bus() *Bus { return c.bus }

// FailureIndex exposes the shared failure index.
func (c *Coordinator) FailureIndex() *failures.Index { return c.failures }

func planName(sessionID string) string {
	return "plan-" + sessionID
}

// Create registers a new session around a plan and persists both. The
// session starts in the active status but does not run until Run.
func (c *Coordinator) Create(title string, plan *wave.Plan) (*checkpoint.SessionState, error) {
	if plan == nil || len(plan.Waves) == 0 {
		return nil, faults.New(faults.CodeLoadFailed, "session requires a non-empty plan")
	}

	now := time.Now().UTC()
	state := checkpoint.SessionState{
		ID:             uuid.NewString(),
		Title:          title,
		Status:         checkpoint.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := c.store.Save(planName(state.ID), plan); err != nil {
		return nil, err
	}
	if err := c.store.SaveSession(state); err != nil {
		return nil, err
	}
	if c.auditLog != nil {
		c.auditLog.SessionStarted(c.userID, state.ID)
	}
	c.log.Info("session created",
		zap.String("session", state.ID),
		zap.String("title", title),
		zap.Int("waves", len(plan.Waves)))
	return &state, nil
}

// Run drives a session's plan to completion, pause, or failure. It
// blocks until the run stops. A paused run returns a nil error; the
// session can be resumed later.
func (c *Coordinator) Run(ctx context.Context, sessionID string) (*wave.PlanResult, error) {
	sess, err := c.store.LoadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, faults.Newf(faults.CodeNotFound, "session %s does not exist", sessionID)
	}
	switch sess.Status {
	case checkpoint.SessionActive, checkpoint.SessionPaused:
	default:
		return nil, faults.Newf(faults.CodeInvalidTransition, "session %s is %s and cannot run", sessionID, sess.Status)
	}

	var plan wave.Plan
	found, err := c.store.Load(planName(sessionID), &plan)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, faults.Newf(faults.CodeNotFound, "session %s has no stored plan", sessionID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if _, busy := c.running[sessionID]; busy {
		c.mu.Unlock()
		return nil, faults.Newf(faults.CodeInvalidTransition, "session %s is already running", sessionID)
	}
	rs := &runningSession{cancel: cancel}
	c.running[sessionID] = rs
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, sessionID)
		c.mu.Unlock()
	}()

	sess.Status = checkpoint.SessionActive
	sess.LastActivityAt = time.Now().UTC()
	if err := c.store.SaveSession(*sess); err != nil {
		return nil, err
	}
	c.publishStatus(sessionID, checkpoint.SessionActive)
	c.log.Info("session running", zap.String("session", sessionID), zap.Int("waves", len(plan.Waves)))

	cfg := c.schedCfg
	cfg.RetryFailed = cfg.RetryFailed || sess.RetryFailed
	sched := wave.NewScheduler(cfg, c.store, c.runner, c.admission)
	sched.Events = c.bridgeEvents(sessionID, sess)

	result, runErr := sched.Run(runCtx, sessionID, &plan)

	c.mu.Lock()
	reason := rs.stopReason
	c.mu.Unlock()

	switch {
	case runErr == nil:
		sess.Status = checkpoint.SessionCompleted
	case reason == stopPause:
		sess.Status = checkpoint.SessionPaused
		runErr = nil
	default:
		sess.Status = checkpoint.SessionFailed
	}
	sess.LastActivityAt = time.Now().UTC()
	if saveErr := c.store.SaveSession(*sess); saveErr != nil && runErr == nil {
		runErr = saveErr
	}

	if c.auditLog != nil {
		outcome := audit.OutcomeSuccess
		if sess.Status == checkpoint.SessionFailed {
			outcome = audit.OutcomeFailure
		}
		c.auditLog.SessionEnded(c.userID, sessionID, outcome)
	}
	c.publishStatus(sessionID, sess.Status)
	c.log.Info("session stopped",
		zap.String("session", sessionID),
		zap.String("status", sess.Status),
		zap.Error(runErr))
	return result, runErr
}

// Resume continues a paused session. Active sessions that are not
// currently running may also be resumed after a process restart.
func (c *Coordinator) Resume(ctx context.Context, sessionID string) (*wave.PlanResult, error) {
	return c.Run(ctx, sessionID)
}

// Pause stops a running session at the next story boundary and marks it
// paused. Pausing a session that is not running only flips its status.
func (c *Coordinator) Pause(sessionID string) error {
	return c.stop(sessionID, stopPause, checkpoint.SessionPaused)
}

// Cancel aborts a session; its status becomes failed.
func (c *Coordinator) Cancel(sessionID string) error {
	return c.stop(sessionID, stopCancel, checkpoint.SessionFailed)
}

func (c *Coordinator) stop(sessionID, reason, idleStatus string) error {
	if c.auditLog != nil {
		c.auditLog.ControlEvent(c.userID, sessionID, reason)
	}

	c.mu.Lock()
	rs, ok := c.running[sessionID]
	if ok {
		rs.stopReason = reason
		rs.cancel()
	}
	c.mu.Unlock()
	if ok {
		c.log.Info("session stop requested", zap.String("session", sessionID), zap.String("reason", reason))
		return nil
	}

	// Not running: update the persisted status directly.
	sess, err := c.store.LoadSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return faults.Newf(faults.CodeNotFound, "session %s does not exist", sessionID)
	}
	if sess.Status == checkpoint.SessionCompleted {
		return faults.Newf(faults.CodeInvalidTransition, "session %s already completed", sessionID)
	}
	sess.Status = idleStatus
	sess.LastActivityAt = time.Now().UTC()
	if err := c.store.SaveSession(*sess); err != nil {
		return err
	}
	c.publishStatus(sessionID, idleStatus)
	return nil
}

// RestartWave forgets a wave's progress so the next run re-executes all
// of its stories. The session must not be running.
func (c *Coordinator) RestartWave(sessionID string, waveNumber int) error {
	if err := c.requireIdle(sessionID); err != nil {
		return err
	}
	state := wave.WaveState{WaveNumber: waveNumber, Timestamp: time.Now().UTC()}
	if err := c.store.Save(wave.CheckpointName(waveNumber), &state); err != nil {
		return err
	}
	if c.auditLog != nil {
		c.auditLog.ControlEvent(c.userID, sessionID, "restart-wave")
	}
	c.log.Info("wave restarted", zap.String("session", sessionID), zap.Int("wave", waveNumber))
	return nil
}

// RestartStory forgets one story's outcome inside a wave checkpoint so
// the next run re-executes it. The session must not be running.
func (c *Coordinator) RestartStory(sessionID string, waveNumber int, storyID string) error {
	if err := c.requireIdle(sessionID); err != nil {
		return err
	}
	var state wave.WaveState
	found, err := c.store.Load(wave.CheckpointName(waveNumber), &state)
	if err != nil {
		return err
	}
	if !found {
		return faults.Newf(faults.CodeNotFound, "wave %d has no checkpoint", waveNumber)
	}
	state.CompletedTaskIDs = removeID(state.CompletedTaskIDs, storyID)
	state.FailedTaskIDs = removeID(state.FailedTaskIDs, storyID)
	state.Timestamp = time.Now().UTC()
	if err := c.store.Save(wave.CheckpointName(waveNumber), &state); err != nil {
		return err
	}
	if c.auditLog != nil {
		c.auditLog.ControlEvent(c.userID, sessionID, "restart-story")
	}
	c.log.Info("story restarted",
		zap.String("session", sessionID),
		zap.Int("wave", waveNumber),
		zap.String("story", storyID))
	return nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (c *Coordinator) requireIdle(sessionID string) error {
	c.mu.Lock()
	_, busy := c.running[sessionID]
	c.mu.Unlock()
	if busy {
		return faults.Newf(faults.CodeInvalidTransition, "session %s is running", sessionID)
	}
	return nil
}

// List returns persisted sessions, optionally filtered by status.
func (c *Coordinator) List(status string) ([]checkpoint.SessionState, error) {
	return c.store.ListSessions(status)
}

// History is the durable record of one session: its state, plan, and
// every wave checkpoint written so far.
type History struct {
	Session checkpoint.SessionState `json:"session"`
	Plan    *wave.Plan              `json:"plan,omitempty"`
	Waves   []wave.WaveState        `json:"waves"`
}

// GetHistory loads a session's full durable record.
func (c *Coordinator) GetHistory(sessionID string) (*History, error) {
	sess, err := c.store.LoadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, faults.Newf(faults.CodeNotFound, "session %s does not exist", sessionID)
	}

	h := &History{Session: *sess}
	var plan wave.Plan
	found, err := c.store.Load(planName(sessionID), &plan)
	if err != nil {
		return nil, err
	}
	if found {
		h.Plan = &plan
		for _, w := range plan.Waves {
			var ws wave.WaveState
			ok, err := c.store.Load(wave.CheckpointName(w.Number), &ws)
			if err != nil || !ok {
				continue
			}
			h.Waves = append(h.Waves, ws)
		}
	}
	return h, nil
}

// Progress is a point-in-time snapshot of a session's advancement.
type Progress struct {
	SessionID        string  `json:"sessionId"`
	Status           string  `json:"status"`
	CurrentWave      int     `json:"currentWave"`
	TotalWaves       int     `json:"totalWaves"`
	CompletedStories int     `json:"completedStories"`
	FailedStories    int     `json:"failedStories"`
	TotalStories     int     `json:"totalStories"`
	Percent          float64 `json:"percent"`
}

// GetProgress computes a progress snapshot from checkpoints.
func (c *Coordinator) GetProgress(sessionID string) (*Progress, error) {
	h, err := c.GetHistory(sessionID)
	if err != nil {
		return nil, err
	}

	p := &Progress{SessionID: sessionID, Status: h.Session.Status, CurrentWave: h.Session.CurrentWave}
	if h.Plan == nil {
		return p, nil
	}
	p.TotalWaves = len(h.Plan.Waves)
	for _, w := range h.Plan.Waves {
		p.TotalStories += len(w.Stories)
	}
	for _, ws := range h.Waves {
		p.CompletedStories += len(ws.CompletedTaskIDs)
		p.FailedStories += len(ws.FailedTaskIDs)
		if ws.WaveNumber > p.CurrentWave {
			p.CurrentWave = ws.WaveNumber
		}
	}
	if p.TotalStories > 0 {
		p.Percent = float64(p.CompletedStories) / float64(p.TotalStories) * 100
	}
	return p, nil
}

// bridgeEvents adapts scheduler callbacks onto the bus, the failure
// index, and the audit log. CurrentWave tracking piggybacks on wave
// progress events.
func (c *Coordinator) bridgeEvents(sessionID string, sess *checkpoint.SessionState) wave.Events {
	return wave.Events{
		OnStateChange: func(taskID string, from, to execution.ExecState) {
			c.bus.Publish(Event{Type: EventStateChange, SessionID: sessionID, Payload: map[string]interface{}{
				"taskId": taskID, "from": string(from), "to": string(to),
			}})
		},
		OnWaveProgress: func(waveID string, completed, failed, total int) {
			c.bus.Publish(Event{Type: EventWaveProgress, SessionID: sessionID, Payload: map[string]interface{}{
				"waveId": waveID, "completed": completed, "failed": failed, "total": total,
			}})
		},
		OnStoryCompleted: func(storyID string, res *execution.Result) {
			c.bus.Publish(Event{Type: EventStoryCompleted, SessionID: sessionID, Payload: map[string]interface{}{
				"storyId": storyID, "summary": res.String(),
			}})
		},
		OnStoryFailed: func(storyID string, res *execution.Result) {
			c.bus.Publish(Event{Type: EventStoryFailed, SessionID: sessionID, Payload: map[string]interface{}{
				"storyId": storyID, "summary": res.String(),
			}})
			c.indexFailure(sessionID, storyID, res)
		},
		OnCheckpointSaved: func(name string) {
			if c.auditLog != nil {
				c.auditLog.CheckpointWritten(c.userID, name)
			}
			c.bus.Publish(Event{Type: EventCheckpointSaved, SessionID: sessionID, Payload: map[string]interface{}{
				"name": name,
			}})
		},
	}
}

// indexFailure records a failed story in the failure index so future
// failures can be matched against it.
func (c *Coordinator) indexFailure(sessionID, storyID string, res *execution.Result) {
	fc := failures.FailureContext{
		ErrorType: "STORY_FAILED",
		Message:   "story execution failed",
		TaskID:    storyID,
		State:     string(res.FinalState),
	}
	if res.Err != nil {
		if code := faults.CodeOf(res.Err); code != "" {
			fc.ErrorType = string(code)
		}
		fc.Message = res.Err.Error()
	}
	rec := c.failures.Add(fc, failures.AddOptions{SessionID: sessionID, Tags: []string{"story"}})
	c.bus.Publish(Event{Type: EventFailureIndexed, SessionID: sessionID, Payload: map[string]interface{}{
		"recordId": rec.ID,
	}})
	c.log.Warn("story failure indexed",
		zap.String("session", sessionID),
		zap.String("story", storyID),
		zap.String("record", rec.ID))
}

func (c *Coordinator) publishStatus(sessionID, status string) {
	c.bus.Publish(Event{Type: EventSessionStatus, SessionID: sessionID, Payload: map[string]interface{}{
		"status": status,
	}})
}
