package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/audit"
)

var (
	auditEventType string
	auditUser      string
	auditOutcome   string
	auditSince     time.Duration
	auditLimit     int
	auditJSON      bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	Long: `Queries the append-only audit log.

Example:
  foreman audit --type session_control --since 24h --limit 50`,
	RunE: queryAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditEventType, "type", "", "Filter by event type")
	auditCmd.Flags().StringVar(&auditUser, "user", "", "Filter by user id")
	auditCmd.Flags().StringVar(&auditOutcome, "outcome", "", "Filter by outcome (success, failure, denied)")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "Only entries newer than this age")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum entries returned")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "Emit entries as JSON lines")
}

func queryAudit(cmd *cobra.Command, args []string) error {
	log, err := openAudit()
	if err != nil {
		return err
	}
	defer log.Close()

	q := audit.Query{
		EventType: auditEventType,
		UserID:    auditUser,
		Outcome:   auditOutcome,
		Limit:     auditLimit,
	}
	if auditSince > 0 {
		q.StartTime = time.Now().UTC().Add(-auditSince)
	}

	entries, err := log.Query(q)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no matching entries")
		return nil
	}

	for _, e := range entries {
		if auditJSON {
			line, err := json.Marshal(e)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
			continue
		}
		fmt.Printf("%s  %-16s %-8s %-10s %s\n",
			e.Timestamp.Format(time.RFC3339), e.EventType, e.Action, e.Outcome, e.Resource)
	}
	return nil
}
