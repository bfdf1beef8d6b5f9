package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/gohpc/pkg/model"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and list jobs",
	}
	cmd.AddCommand(newJobSubmitCmd(), newJobListCmd())
	return cmd
}

func newJobSubmitCmd() *cobra.Command {
	var (
		file     string
		workdir  string
		tags     []string
		parents  []string
		numNodes int
		ranks    int
		walltime int
	)

	cmd := &cobra.Command{
		Use:   "submit [app_id]",
		Short: "Submit jobs for execution",
		Long: "Submit a single job by app id and flags, or a whole DAG from a " +
			"YAML file with --file.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var specs []map[string]any

			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read jobs file: %w", err)
				}
				if err := yaml.Unmarshal(data, &specs); err != nil {
					return fmt.Errorf("parse jobs file: %w", err)
				}
			case len(args) == 1:
				parsedTags, err := parseKeyValues(tags)
				if err != nil {
					return fmt.Errorf("parse tags: %w", err)
				}
				specs = []map[string]any{{
					"app_id":     args[0],
					"workdir":    workdir,
					"tags":       parsedTags,
					"parent_ids": parents,
					"resources": map[string]any{
						"num_nodes":      numNodes,
						"ranks_per_node": ranks,
						"wall_time_min":  walltime,
					},
				}}
			default:
				return fmt.Errorf("either an app_id argument or --file is required")
			}

			resp, err := client.Post("/api/v1/jobs/", specs)
			if err != nil {
				return fmt.Errorf("submit jobs: %w", err)
			}

			var created []model.Job
			if err := json.Unmarshal(resp.Data, &created); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			for _, job := range created {
				fmt.Printf("Job created: %s (state: %s)\n", job.ID, job.State)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a list of job specs")
	cmd.Flags().StringVarP(&workdir, "workdir", "w", "", "Job working directory, relative to the site data path")
	cmd.Flags().StringArrayVarP(&tags, "tag", "t", nil, "Job tag as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&parents, "parent", nil, "Parent job id (repeatable)")
	cmd.Flags().IntVarP(&numNodes, "nodes", "n", 1, "Number of nodes")
	cmd.Flags().IntVar(&ranks, "ranks-per-node", 1, "MPI ranks per node")
	cmd.Flags().IntVar(&walltime, "walltime", 0, "Wall time estimate in minutes")
	return cmd
}

func newJobListCmd() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/jobs/"
			if state != "" {
				path += "?state=" + state
			}
			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			var jobs []model.Job
			if err := json.Unmarshal(resp.Data, &jobs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			fmt.Printf("%-40s  %-16s  %-24s  %5s  %s\n", "ID", "STATE", "APP", "NODES", "TAGS")
			for _, job := range jobs {
				fmt.Printf("%-40s  %-16s  %-24s  %5d  %s\n",
					job.ID, job.State, job.AppID, job.Resources.NumNodes, formatTags(job.Tags))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(jobs), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by job state")
	return cmd
}

// parseKeyValues parses repeated key=value flags into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%q is not key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(tags))
	for k, v := range tags {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}
