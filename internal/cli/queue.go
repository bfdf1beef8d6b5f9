package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/gohpc/pkg/model"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Request and list batch allocations",
	}
	cmd.AddCommand(newQueueSubmitCmd(), newQueueListCmd())
	return cmd
}

func newQueueSubmitCmd() *cobra.Command {
	var (
		site     string
		project  string
		queue    string
		numNodes int
		walltime int
		jobMode  string
		tags     []string
		params   []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Request a batch allocation on a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			filterTags, err := parseKeyValues(tags)
			if err != nil {
				return fmt.Errorf("parse tags: %w", err)
			}
			optionalParams, err := parseKeyValues(params)
			if err != nil {
				return fmt.Errorf("parse params: %w", err)
			}

			resp, err := client.Post("/api/v1/batch-jobs/", map[string]any{
				"site_id":         site,
				"project":         project,
				"queue":           queue,
				"num_nodes":       numNodes,
				"wall_time_min":   walltime,
				"job_mode":        jobMode,
				"filter_tags":     filterTags,
				"optional_params": optionalParams,
			})
			if err != nil {
				return fmt.Errorf("submit batch job: %w", err)
			}

			var bj model.BatchJob
			if err := json.Unmarshal(resp.Data, &bj); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Printf("Batch job created: %s (state: %s)\n", bj.ID, bj.State)
			return nil
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "Site id (required)")
	cmd.Flags().StringVar(&project, "project", "", "Allocation project (required)")
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Scheduler queue (required)")
	cmd.Flags().IntVarP(&numNodes, "nodes", "n", 1, "Number of nodes")
	cmd.Flags().IntVar(&walltime, "walltime", 60, "Wall time in minutes")
	cmd.Flags().StringVar(&jobMode, "job-mode", string(model.JobModeMPI), "Job mode (mpi, serial)")
	cmd.Flags().StringArrayVarP(&tags, "tag", "t", nil, "Only run jobs with this tag, as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Optional scheduler param as key=value (repeatable)")
	cmd.MarkFlagRequired("site")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("queue")
	return cmd
}

func newQueueListCmd() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List batch allocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/batch-jobs/"
			if state != "" {
				path += "?state=" + state
			}
			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list batch jobs: %w", err)
			}

			var batchJobs []model.BatchJob
			if err := json.Unmarshal(resp.Data, &batchJobs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(batchJobs) == 0 {
				fmt.Println("No batch jobs found.")
				return nil
			}

			fmt.Printf("%-40s  %-12s  %-10s  %5s  %8s  %-20s  %s\n",
				"ID", "SITE", "QUEUE", "NODES", "WALLTIME", "STATE", "SCHED_ID")
			for _, bj := range batchJobs {
				schedID := "-"
				if bj.SchedulerID != 0 {
					schedID = fmt.Sprintf("%d", bj.SchedulerID)
				}
				fmt.Printf("%-40s  %-12s  %-10s  %5d  %8d  %-20s  %s\n",
					bj.ID, bj.SiteID, bj.Queue, bj.NumNodes, bj.WallTimeMin, bj.State, schedID)
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(batchJobs), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by batch job state")
	return cmd
}
