package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"foreman/internal/audit"
	"foreman/internal/checkpoint"
	"foreman/internal/faults"
	"foreman/internal/wave"
)

func TestMain(m *testing.M) {
	// opencensus starts a background worker in package init; it is not a
	// goroutine owned by the code under test.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// stubRunner reads the story id off the Task: line of the prompt.
type stubRunner struct {
	mu       sync.Mutex
	calls    map[string]int
	fail     map[string]bool
	block    map[string]chan struct{}
	started  chan string
	released chan struct{}
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		calls:    make(map[string]int),
		fail:     make(map[string]bool),
		block:    make(map[string]chan struct{}),
		started:  make(chan string, 16),
		released: make(chan struct{}),
	}
}

func (r *stubRunner) Run(ctx context.Context, prompt, model string) (*wave.AgentResult, error) {
	id := strings.TrimPrefix(strings.SplitN(prompt, "\n", 2)[0], "Task: ")
	r.mu.Lock()
	r.calls[id]++
	blocker := r.block[id]
	failing := r.fail[id]
	r.mu.Unlock()

	select {
	case r.started <- id:
	default:
	}

	if blocker != nil {
		select {
		case <-blocker:
		case <-ctx.Done():
			return nil, &wave.RunError{Message: "interrupted", Transient: true, Cause: ctx.Err()}
		}
	}
	if failing {
		return nil, &wave.RunError{Message: "agent rejected the story"}
	}
	return &wave.AgentResult{Output: "done " + id}, nil
}

func (r *stubRunner) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func twoStoryPlan(t *testing.T) *wave.Plan {
	t.Helper()
	plan, err := wave.ParsePlan([]byte(`
title: test
waves:
  - number: 1
    max_concurrent: 1
    stories:
      - id: A
        title: a
        description: A
      - id: B
        title: b
        description: B
`))
	if err != nil {
		t.Fatal(err)
	}
	return plan
}

func newTestCoordinator(t *testing.T, runner wave.AgentRunner, cfg wave.Config) *Coordinator {
	t.Helper()
	store, err := checkpoint.NewStore(checkpoint.DefaultOptions(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewCoordinator(Options{Store: store, Runner: runner, Scheduler: cfg})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCreateAndRunSession(t *testing.T) {
	runner := newStubRunner()
	c := newTestCoordinator(t, runner, wave.DefaultConfig())

	sess, err := c.Create("build the thing", twoStoryPlan(t))
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != checkpoint.SessionActive || sess.ID == "" {
		t.Fatalf("session: %+v", sess)
	}

	res, err := c.Run(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.CompletedStories != 2 || res.FailedStories != 0 {
		t.Errorf("result: %+v", res)
	}

	after, err := c.store.LoadSession(sess.ID)
	if err != nil || after == nil {
		t.Fatalf("reload: %v %v", after, err)
	}
	if after.Status != checkpoint.SessionCompleted {
		t.Errorf("status = %s", after.Status)
	}

	p, err := c.GetProgress(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Percent != 100 || p.CompletedStories != 2 || p.TotalStories != 2 {
		t.Errorf("progress: %+v", p)
	}
}

func TestRunUnknownSession(t *testing.T) {
	c := newTestCoordinator(t, newStubRunner(), wave.DefaultConfig())
	if _, err := c.Run(context.Background(), "nope"); !faults.HasCode(err, faults.CodeNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestCompletedSessionCannotRun(t *testing.T) {
	runner := newStubRunner()
	c := newTestCoordinator(t, runner, wave.DefaultConfig())
	sess, _ := c.Create("t", twoStoryPlan(t))
	if _, err := c.Run(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background(), sess.ID); !faults.HasCode(err, faults.CodeInvalidTransition) {
		t.Errorf("err = %v", err)
	}
}

func TestPauseAndResume(t *testing.T) {
	runner := newStubRunner()
	runner.block["B"] = runner.released

	c := newTestCoordinator(t, runner, wave.DefaultConfig())
	sess, _ := c.Create("t", twoStoryPlan(t))

	type runOut struct {
		res *wave.PlanResult
		err error
	}
	out := make(chan runOut, 1)
	go func() {
		res, err := c.Run(context.Background(), sess.ID)
		out <- runOut{res, err}
	}()

	// Wait until story B is in flight, then pause.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case id := <-runner.started:
			if id == "B" {
				goto pause
			}
		case <-deadline:
			t.Fatal("story B never started")
		}
	}
pause:
	if err := c.Pause(sess.ID); err != nil {
		t.Fatal(err)
	}
	got := <-out
	if got.err != nil {
		t.Fatalf("paused run returned error: %v", got.err)
	}
	after, _ := c.store.LoadSession(sess.ID)
	if after.Status != checkpoint.SessionPaused {
		t.Fatalf("status = %s", after.Status)
	}

	// The interrupted story is pending, not failed, so a plain resume
	// picks it up.
	var ws wave.WaveState
	if _, err := c.store.Load(wave.CheckpointName(1), &ws); err != nil {
		t.Fatal(err)
	}
	if len(ws.FailedTaskIDs) != 0 {
		t.Fatalf("paused story recorded as failed: %+v", ws)
	}

	// Resume with the blocker released: only B runs again.
	close(runner.released)
	if _, err := c.Resume(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}
	final, _ := c.store.LoadSession(sess.ID)
	if final.Status != checkpoint.SessionCompleted {
		t.Errorf("status = %s", final.Status)
	}
	if runner.callCount("A") != 1 {
		t.Errorf("A ran %d times", runner.callCount("A"))
	}
	if runner.callCount("B") != 2 {
		t.Errorf("B ran %d times", runner.callCount("B"))
	}
}

func TestCancelFailsSession(t *testing.T) {
	runner := newStubRunner()
	runner.block["A"] = make(chan struct{}) // never released

	c := newTestCoordinator(t, runner, wave.DefaultConfig())
	sess, _ := c.Create("t", twoStoryPlan(t))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), sess.ID)
		errCh <- err
	}()

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("story A never started")
	}
	if err := c.Cancel(sess.ID); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err == nil {
		t.Error("cancelled run should error")
	}
	after, _ := c.store.LoadSession(sess.ID)
	if after.Status != checkpoint.SessionFailed {
		t.Errorf("status = %s", after.Status)
	}
}

func TestFailedStoryIsIndexed(t *testing.T) {
	runner := newStubRunner()
	runner.fail["B"] = true

	c := newTestCoordinator(t, runner, wave.DefaultConfig())
	events, cancel := c.Bus().Subscribe(64)
	defer cancel()

	sess, _ := c.Create("t", twoStoryPlan(t))
	if _, err := c.Run(context.Background(), sess.ID); !faults.HasCode(err, faults.CodeWaveFailed) {
		t.Fatalf("err = %v", err)
	}

	if c.FailureIndex().Len() != 1 {
		t.Fatalf("index has %d records", c.FailureIndex().Len())
	}
	rec := c.FailureIndex().GetRecent(1)[0]
	if rec.SessionID != sess.ID || rec.Context.TaskID != "B" {
		t.Errorf("record: %+v", rec)
	}

	var indexed bool
	for done := false; !done; {
		select {
		case e := <-events:
			if e.Type == EventFailureIndexed {
				indexed = true
			}
		default:
			done = true
		}
	}
	if !indexed {
		t.Error("no failure-indexed event published")
	}
}

func TestObserverEvents(t *testing.T) {
	runner := newStubRunner()
	c := newTestCoordinator(t, runner, wave.DefaultConfig())
	events, cancel := c.Bus().Subscribe(256)
	defer cancel()

	sess, _ := c.Create("t", twoStoryPlan(t))
	if _, err := c.Run(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}

	seen := make(map[EventType]int)
	for done := false; !done; {
		select {
		case e := <-events:
			if e.SessionID != sess.ID {
				t.Errorf("event for session %q", e.SessionID)
			}
			seen[e.Type]++
		default:
			done = true
		}
	}
	if seen[EventStoryCompleted] != 2 {
		t.Errorf("story-completed = %d", seen[EventStoryCompleted])
	}
	if seen[EventCheckpointSaved] != 2 {
		t.Errorf("checkpoint-saved = %d", seen[EventCheckpointSaved])
	}
	if seen[EventWaveProgress] == 0 || seen[EventStateChange] == 0 || seen[EventSessionStatus] == 0 {
		t.Errorf("events: %v", seen)
	}
}

func TestRestartStoryAndWave(t *testing.T) {
	runner := newStubRunner()
	c := newTestCoordinator(t, runner, wave.DefaultConfig())
	sess, _ := c.Create("t", twoStoryPlan(t))
	if _, err := c.Run(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}

	if err := c.RestartStory(sess.ID, 1, "B"); err != nil {
		t.Fatal(err)
	}
	var ws wave.WaveState
	if _, err := c.store.Load(wave.CheckpointName(1), &ws); err != nil {
		t.Fatal(err)
	}
	if len(ws.CompletedTaskIDs) != 1 || ws.CompletedTaskIDs[0] != "A" {
		t.Errorf("state after story restart: %+v", ws)
	}

	if err := c.RestartWave(sess.ID, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := c.store.Load(wave.CheckpointName(1), &ws); err != nil {
		t.Fatal(err)
	}
	if len(ws.CompletedTaskIDs) != 0 || len(ws.FailedTaskIDs) != 0 {
		t.Errorf("state after wave restart: %+v", ws)
	}

	if err := c.RestartStory(sess.ID, 7, "A"); !faults.HasCode(err, faults.CodeNotFound) {
		t.Errorf("missing wave err = %v", err)
	}
}

func TestHistoryAndList(t *testing.T) {
	runner := newStubRunner()
	c := newTestCoordinator(t, runner, wave.DefaultConfig())
	sess, _ := c.Create("history", twoStoryPlan(t))
	if _, err := c.Run(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}

	h, err := c.GetHistory(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if h.Plan == nil || len(h.Waves) != 1 || len(h.Waves[0].CompletedTaskIDs) != 2 {
		t.Errorf("history: %+v", h)
	}

	completed, err := c.List(checkpoint.SessionCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 1 || completed[0].ID != sess.ID {
		t.Errorf("list: %+v", completed)
	}
	active, err := c.List(checkpoint.SessionActive)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("active list: %+v", active)
	}
}

func TestAuditTrail(t *testing.T) {
	store, err := checkpoint.NewStore(checkpoint.DefaultOptions(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	log, err := audit.New(audit.DefaultOptions(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	runner := newStubRunner()
	c, err := NewCoordinator(Options{Store: store, Runner: runner, Scheduler: wave.DefaultConfig(), Audit: log})
	if err != nil {
		t.Fatal(err)
	}

	sess, _ := c.Create("audited", twoStoryPlan(t))
	if _, err := c.Run(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}

	entries, err := log.Query(audit.Query{EventType: audit.EventSessionControl})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Fatalf("session control entries: %d", len(entries))
	}
	checkpoints, err := log.Query(audit.Query{EventType: audit.EventCheckpoint})
	if err != nil {
		t.Fatal(err)
	}
	if len(checkpoints) != 2 {
		t.Errorf("checkpoint entries: %d", len(checkpoints))
	}
}
