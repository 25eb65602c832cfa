package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"foreman/internal/audit"
	"foreman/internal/embedding"
	"foreman/internal/failures"
	"foreman/internal/promptcheck"
	"foreman/internal/session"
	"foreman/internal/wave"
)

var (
	runTitle       string
	runRetryFailed bool
	agentCommand   string
	agentArgs      []string
)

// runCmd creates a session around a plan file and drives it.
var runCmd = &cobra.Command{
	Use:   "run [plan.yaml]",
	Short: "Run a plan of waves to completion",
	Long: `Loads a YAML plan, creates a session, and dispatches its stories to
the agent command. Progress is checkpointed after every story; an
interrupted run continues with "foreman resume".

Example:
  foreman run plan.yaml --agent-cmd "claude" --agent-arg "-p"`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

// resumeCmd continues a paused or interrupted session.
var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume a paused or interrupted session",
	Args:  cobra.ExactArgs(1),
	RunE:  resumeSession,
}

func init() {
	runCmd.Flags().StringVar(&runTitle, "title", "", "Session title (default: plan title)")
	runCmd.Flags().BoolVar(&runRetryFailed, "retry-failed", false, "Re-run stories that failed in an earlier attempt")
	runCmd.Flags().StringVar(&agentCommand, "agent-cmd", "", "Agent command to execute per story (required)")
	runCmd.Flags().StringSliceVar(&agentArgs, "agent-arg", nil, "Extra argument for the agent command (repeatable)")
	runCmd.MarkFlagRequired("agent-cmd")

	resumeCmd.Flags().StringVar(&agentCommand, "agent-cmd", "", "Agent command to execute per story (required)")
	resumeCmd.Flags().StringSliceVar(&agentArgs, "agent-arg", nil, "Extra argument for the agent command (repeatable)")
	resumeCmd.MarkFlagRequired("agent-cmd")
}

func runPlan(cmd *cobra.Command, args []string) error {
	plan, err := wave.LoadPlan(args[0])
	if err != nil {
		return err
	}
	title := runTitle
	if title == "" {
		title = plan.Title
	}

	coord, auditLog, err := buildCoordinator()
	if err != nil {
		return err
	}
	defer auditLog.Close()

	sess, err := coord.Create(title, plan)
	if err != nil {
		return err
	}
	fmt.Printf("session %s created (%d waves)\n", sess.ID, len(plan.Waves))

	return driveSession(coord, sess.ID)
}

func resumeSession(cmd *cobra.Command, args []string) error {
	coord, auditLog, err := buildCoordinator()
	if err != nil {
		return err
	}
	defer auditLog.Close()
	return driveSession(coord, args[0])
}

func driveSession(coord *session.Coordinator, sessionID string) error {
	ctx, cancel := signalContext()
	defer cancel()

	events, unsubscribe := coord.Bus().Subscribe(256)
	defer unsubscribe()
	go printEvents(events)

	result, err := coord.Run(ctx, sessionID)
	if result != nil {
		fmt.Printf("stories: %d completed, %d failed\n", result.CompletedStories, result.FailedStories)
	}
	if err != nil {
		return err
	}

	progress, perr := coord.GetProgress(sessionID)
	if perr == nil {
		fmt.Printf("session %s: %s (%.0f%%)\n", sessionID, progress.Status, progress.Percent)
	}
	return nil
}

func printEvents(events <-chan session.Event) {
	for e := range events {
		switch e.Type {
		case session.EventWaveProgress:
			fmt.Printf("  wave %v: %v completed, %v failed of %v\n",
				e.Payload["waveId"], e.Payload["completed"], e.Payload["failed"], e.Payload["total"])
		case session.EventStoryCompleted:
			fmt.Printf("  ✓ %v\n", e.Payload["storyId"])
		case session.EventStoryFailed:
			fmt.Printf("  ✗ %v\n", e.Payload["storyId"])
		}
	}
}

func buildCoordinator() (*session.Coordinator, *audit.Log, error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	auditLog, err := openAudit()
	if err != nil {
		return nil, nil, err
	}

	schedCfg := cfg.SchedulerConfig()
	schedCfg.RetryFailed = schedCfg.RetryFailed || runRetryFailed

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		auditLog.Close()
		return nil, nil, err
	}
	failureOpts := cfg.FailureOptions()
	failureOpts.Engine = engine

	coord, err := session.NewCoordinator(session.Options{
		Store:     store,
		Runner:    newExecRunner(agentCommand, agentArgs, auditLog),
		Scheduler: schedCfg,
		Failures:  failures.NewIndex(failureOpts),
		Audit:     auditLog,
		Logger:    logger,
	})
	if err != nil {
		auditLog.Close()
		return nil, nil, err
	}
	return coord, auditLog, nil
}

// tempFailExit is the sysexits.h EX_TEMPFAIL convention; agents exiting
// with it are retried.
const tempFailExit = 75

// execRunner dispatches each story prompt to an external command. The
// prompt is validated and sanitized before anything leaves the process.
type execRunner struct {
	command  string
	args     []string
	auditLog *audit.Log
}

func newExecRunner(command string, args []string, auditLog *audit.Log) *execRunner {
	return &execRunner{command: command, args: args, auditLog: auditLog}
}

func (r *execRunner) Run(ctx context.Context, prompt, model string) (*wave.AgentResult, error) {
	if res := promptcheck.Validate(prompt); !res.Valid {
		code := string(res.Errors[0].Code)
		if r.auditLog != nil {
			r.auditLog.PromptRejected("foreman", storyOf(prompt), code)
		}
		return nil, &wave.RunError{Message: "prompt rejected: " + code}
	}
	if r.auditLog != nil {
		r.auditLog.PromptAccepted("foreman", storyOf(prompt))
	}

	args := append(append([]string(nil), r.args...), "--model", model)
	c := exec.CommandContext(ctx, r.command, args...)
	c.Stdin = strings.NewReader(promptcheck.Sanitize(prompt))

	out, err := c.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, &wave.RunError{Message: "agent interrupted", Cause: ctx.Err()}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &wave.RunError{
				Message:   fmt.Sprintf("agent exited %d", exitErr.ExitCode()),
				Transient: exitErr.ExitCode() == tempFailExit,
				Cause:     err,
			}
		}
		return nil, &wave.RunError{Message: "agent failed to start", Cause: err}
	}

	return &wave.AgentResult{
		Output: string(out),
		Usage:  wave.AgentUsage{InputTokens: promptcheck.EstimateTokens(prompt)},
	}, nil
}

// storyOf pulls the task line out of a prompt for audit resources.
func storyOf(prompt string) string {
	first := strings.SplitN(prompt, "\n", 2)[0]
	return strings.TrimPrefix(first, "Task: ")
}

var _ wave.AgentRunner = (*execRunner)(nil)
