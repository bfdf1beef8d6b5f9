package model

import (
	"time"
)

// Job is a single unit of work executed at an HPC site. It carries the
// canonical state, the resource shape requested from the scheduler, and
// the leasing fields that tie it to a Session while a worker pool owns it.
type Job struct {
	ID      string            `json:"id"`
	Workdir string            `json:"workdir"`
	Tags    map[string]string `json:"tags,omitempty"`
	AppID   string            `json:"app_id"`

	State          JobState       `json:"state"`
	StateTimestamp time.Time      `json:"state_timestamp"`
	StateData      map[string]any `json:"state_data,omitempty"`

	// SessionID is the lease holder. A non-empty SessionID means the job is
	// exclusively owned by that session until release or heartbeat expiry.
	SessionID  string `json:"session_id,omitempty"`
	BatchJobID string `json:"batch_job_id,omitempty"`

	// ParentIDs are DAG dependencies: the job may only become runnable once
	// every parent has reached JOB_FINISHED.
	ParentIDs []string `json:"parent_ids,omitempty"`

	Resources ResourceSpec `json:"resources"`

	ReturnCode            *int   `json:"return_code,omitempty"`
	SerializedReturnValue string `json:"serialized_return_value,omitempty"`
	SerializedException   string `json:"serialized_exception,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ResourceSpec describes the scheduler-facing shape of a job.
type ResourceSpec struct {
	NumNodes         int               `json:"num_nodes"`
	RanksPerNode     int               `json:"ranks_per_node"`
	ThreadsPerRank   int               `json:"threads_per_rank"`
	ThreadsPerCore   int               `json:"threads_per_core"`
	GPUsPerRank      float64           `json:"gpus_per_rank"`
	NodePackingCount int               `json:"node_packing_count"`
	WallTimeMin      int               `json:"wall_time_min"`
	LaunchParams     map[string]string `json:"launch_params,omitempty"`
}

// IsSerial returns true if the job occupies a single rank on a single node.
func (r ResourceSpec) IsSerial() bool {
	return r.NumNodes == 1 && r.RanksPerNode == 1
}

// Leased returns true if the job is currently bound to a session.
func (j *Job) Leased() bool {
	return j.SessionID != ""
}

// HasTags returns true if the job's tags are a superset of want.
func (j *Job) HasTags(want map[string]string) bool {
	for k, v := range want {
		if j.Tags[k] != v {
			return false
		}
	}
	return true
}

// JobUpdate is a single record in a bulk status write: the terminal output
// of one state transition, applied to the job identified by ID.
type JobUpdate struct {
	ID                    string         `json:"id"`
	State                 JobState       `json:"state"`
	StateTimestamp        time.Time      `json:"state_timestamp"`
	StateData             map[string]any `json:"state_data,omitempty"`
	ReturnCode            *int           `json:"return_code,omitempty"`
	SerializedReturnValue string         `json:"serialized_return_value,omitempty"`
	SerializedException   string         `json:"serialized_exception,omitempty"`
}
