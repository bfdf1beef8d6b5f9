package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// JobMode selects how leased jobs are packed into a batch allocation.
type JobMode string

const (
	JobModeMPI    JobMode = "mpi"
	JobModeSerial JobMode = "serial"
)

// BatchJob is an allocation requested from a site's native scheduler, into
// which leased jobs are packed for execution.
type BatchJob struct {
	ID             string              `json:"id"`
	SiteID         string              `json:"site_id"`
	SchedulerID    int64               `json:"scheduler_id,omitempty"`
	Project        string              `json:"project"`
	Queue          string              `json:"queue"`
	NumNodes       int                 `json:"num_nodes"`
	WallTimeMin    int                 `json:"wall_time_min"`
	JobMode        JobMode             `json:"job_mode"`
	Partitions     []BatchJobPartition `json:"partitions,omitempty"`
	OptionalParams map[string]string   `json:"optional_params,omitempty"`
	FilterTags     map[string]string   `json:"filter_tags,omitempty"`
	State          BatchJobState       `json:"state"`
	StatusInfo     map[string]string   `json:"status_info,omitempty"`
	StartTime      *time.Time          `json:"start_time,omitempty"`
	EndTime        *time.Time          `json:"end_time,omitempty"`
}

// BatchJobPatch carries scheduler-side progress for a batch job: the
// native id assigned at submission and state observed in status polls. Nil
// fields are left unchanged.
type BatchJobPatch struct {
	SchedulerID *int64            `json:"scheduler_id,omitempty"`
	State       *BatchJobState    `json:"state,omitempty"`
	StatusInfo  map[string]string `json:"status_info,omitempty"`
	StartTime   *time.Time        `json:"start_time,omitempty"`
	EndTime     *time.Time        `json:"end_time,omitempty"`
}

// ApplyTo copies the patch's set fields onto the batch job.
func (p BatchJobPatch) ApplyTo(b *BatchJob) {
	if p.SchedulerID != nil {
		b.SchedulerID = *p.SchedulerID
	}
	if p.State != nil {
		b.State = *p.State
	}
	if p.StatusInfo != nil {
		b.StatusInfo = p.StatusInfo
	}
	if p.StartTime != nil {
		b.StartTime = p.StartTime
	}
	if p.EndTime != nil {
		b.EndTime = p.EndTime
	}
}

// BatchJobPartition is a sub-allocation of a batch job: a slice of nodes
// run in a particular job mode, restricted to jobs matching the filter tags.
type BatchJobPartition struct {
	JobMode    JobMode           `json:"job_mode"`
	NumNodes   int               `json:"num_nodes"`
	FilterTags map[string]string `json:"filter_tags,omitempty"`
}

// AllowedQueue bounds what a site accepts for one scheduler queue.
type AllowedQueue struct {
	MaxNodes    int `json:"max_nodes" yaml:"max_nodes"`
	MaxWallTime int `json:"max_walltime" yaml:"max_walltime"`
	MaxQueued   int `json:"max_queued" yaml:"max_queued"`
}

// Validate checks the batch job against a site's allow-lists before any
// external submission is attempted. Violations are rejected with a
// descriptive error, never clamped.
func (b *BatchJob) Validate(allowedQueues map[string]AllowedQueue, allowedProjects []string, optionalParams map[string]string) error {
	queue, ok := allowedQueues[b.Queue]
	if !ok {
		return fmt.Errorf("unknown queue %q (known: %s)", b.Queue, strings.Join(sortedKeys(allowedQueues), ", "))
	}
	if b.NumNodes < 1 {
		return fmt.Errorf("num_nodes must be at least 1")
	}
	if b.NumNodes > queue.MaxNodes {
		return fmt.Errorf("num_nodes %d exceeds queue %q max %d", b.NumNodes, b.Queue, queue.MaxNodes)
	}
	if b.WallTimeMin > queue.MaxWallTime {
		return fmt.Errorf("wall_time_min %d exceeds queue %q max %d", b.WallTimeMin, b.Queue, queue.MaxWallTime)
	}

	projectOK := false
	for _, p := range allowedProjects {
		if p == b.Project {
			projectOK = true
			break
		}
	}
	if !projectOK {
		return fmt.Errorf("unknown project %q (known: %s)", b.Project, strings.Join(allowedProjects, ", "))
	}

	if len(b.Partitions) > 0 {
		sum := 0
		for _, part := range b.Partitions {
			sum += part.NumNodes
		}
		if sum != b.NumNodes {
			return fmt.Errorf("sum of partition sizes %d must equal num_nodes %d", sum, b.NumNodes)
		}
	}

	var extraneous []string
	for k := range b.OptionalParams {
		if _, ok := optionalParams[k]; !ok {
			extraneous = append(extraneous, k)
		}
	}
	if len(extraneous) > 0 {
		sort.Strings(extraneous)
		return fmt.Errorf("extraneous optional params: %s (allowed: %s)",
			strings.Join(extraneous, ", "), strings.Join(sortedKeys(optionalParams), ", "))
	}

	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
