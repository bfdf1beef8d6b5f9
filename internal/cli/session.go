package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/gohpc/pkg/model"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect leasing sessions",
	}
	cmd.AddCommand(newSessionListCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/sessions/")
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			var sessions []model.Session
			if err := json.Unmarshal(resp.Data, &sessions); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(sessions) == 0 {
				fmt.Println("No active sessions.")
				return nil
			}

			fmt.Printf("%-40s  %-12s  %-40s  %s\n", "ID", "SITE", "BATCH_JOB", "LAST_HEARTBEAT")
			for _, sess := range sessions {
				batchJob := sess.BatchJobID
				if batchJob == "" {
					batchJob = "-"
				}
				fmt.Printf("%-40s  %-12s  %-40s  %s ago\n",
					sess.ID, sess.SiteID, batchJob,
					time.Since(sess.Heartbeat).Round(time.Second))
			}
			return nil
		},
	}
}
