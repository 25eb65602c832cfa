package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"foreman/internal/failures"
	"foreman/internal/session"
	"foreman/internal/wave"
)

var (
	sessionsStatus string
	restartWaveNum int
	restartStoryID string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and control persisted sessions",
	RunE:  listSessions,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show a session's history and progress",
	Args:  cobra.ExactArgs(1),
	RunE:  showSession,
}

var sessionsCancelCmd = &cobra.Command{
	Use:   "cancel [session-id]",
	Short: "Mark a non-running session failed",
	Args:  cobra.ExactArgs(1),
	RunE:  cancelSession,
}

var sessionsRestartCmd = &cobra.Command{
	Use:   "restart [session-id]",
	Short: "Forget a wave's or story's recorded outcome",
	Long: `Clears recorded progress so the next run re-executes work.

Examples:
  foreman sessions restart SESSION --wave 2
  foreman sessions restart SESSION --wave 2 --story refactor-api`,
	Args: cobra.ExactArgs(1),
	RunE: restartProgress,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "Filter by status (active, paused, completed, failed)")
	sessionsRestartCmd.Flags().IntVar(&restartWaveNum, "wave", 0, "Wave number (required)")
	sessionsRestartCmd.Flags().StringVar(&restartStoryID, "story", "", "Story id (omit to restart the whole wave)")
	sessionsRestartCmd.MarkFlagRequired("wave")

	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsCancelCmd)
	sessionsCmd.AddCommand(sessionsRestartCmd)
}

// inspectCoordinator builds a coordinator for offline session admin. It
// never dispatches agents, so the runner is a stub.
func inspectCoordinator() (*session.Coordinator, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	return session.NewCoordinator(session.Options{
		Store:    store,
		Runner:   noRunner{},
		Failures: failures.NewIndex(cfg.FailureOptions()),
		Logger:   logger,
	})
}

// noRunner refuses to dispatch; admin commands never run stories.
type noRunner struct{}

func (noRunner) Run(ctx context.Context, prompt, model string) (*wave.AgentResult, error) {
	return nil, &wave.RunError{Message: "no agent configured"}
}

func listSessions(cmd *cobra.Command, args []string) error {
	coord, err := inspectCoordinator()
	if err != nil {
		return err
	}
	sessions, err := coord.List(sessionsStatus)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	fmt.Printf("%-38s %-10s %-20s %s\n", "ID", "STATUS", "LAST ACTIVITY", "TITLE")
	for _, s := range sessions {
		fmt.Printf("%-38s %-10s %-20s %s\n",
			s.ID, s.Status, s.LastActivityAt.Format("2006-01-02 15:04:05"), s.Title)
	}
	return nil
}

func showSession(cmd *cobra.Command, args []string) error {
	coord, err := inspectCoordinator()
	if err != nil {
		return err
	}
	h, err := coord.GetHistory(args[0])
	if err != nil {
		return err
	}
	p, err := coord.GetProgress(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("session %s (%s)\n", h.Session.ID, h.Session.Status)
	fmt.Printf("title:    %s\n", h.Session.Title)
	fmt.Printf("created:  %s\n", h.Session.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("progress: %d/%d stories (%.0f%%), %d failed\n",
		p.CompletedStories, p.TotalStories, p.Percent, p.FailedStories)
	for _, ws := range h.Waves {
		fmt.Printf("  wave %d: %d completed, %d failed\n",
			ws.WaveNumber, len(ws.CompletedTaskIDs), len(ws.FailedTaskIDs))
		for _, id := range ws.FailedTaskIDs {
			fmt.Printf("    ✗ %s\n", id)
		}
	}
	return nil
}

func cancelSession(cmd *cobra.Command, args []string) error {
	coord, err := inspectCoordinator()
	if err != nil {
		return err
	}
	if err := coord.Cancel(args[0]); err != nil {
		return err
	}
	fmt.Printf("session %s cancelled\n", args[0])
	return nil
}

func restartProgress(cmd *cobra.Command, args []string) error {
	coord, err := inspectCoordinator()
	if err != nil {
		return err
	}
	if restartStoryID != "" {
		if err := coord.RestartStory(args[0], restartWaveNum, restartStoryID); err != nil {
			return err
		}
		fmt.Printf("story %s in wave %d will re-run\n", restartStoryID, restartWaveNum)
		return nil
	}
	if err := coord.RestartWave(args[0], restartWaveNum); err != nil {
		return err
	}
	fmt.Printf("wave %d will re-run\n", restartWaveNum)
	return nil
}
