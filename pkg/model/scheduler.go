package model

import "time"

// SchedulerJobStatus is the canonical view of one batch job as reported by
// a native scheduler poll. Produced fresh per poll, never persisted.
type SchedulerJobStatus struct {
	SchedulerID      int64         `json:"scheduler_id"`
	State            BatchJobState `json:"state"`
	Queue            string        `json:"queue"`
	Project          string        `json:"project"`
	NumNodes         int           `json:"num_nodes"`
	WallTimeMin      int           `json:"wall_time_min"`
	TimeRemainingMin int           `json:"time_remaining_min"`
	StartTime        *time.Time    `json:"start_time,omitempty"`
	JobName          string        `json:"job_name,omitempty"`
}

// BackfillWindow is an idle scheduler slot usable for opportunistic
// scheduling: num_nodes idle for wall_time_min, keyed by queue.
type BackfillWindow struct {
	NumNodes    int `json:"num_nodes"`
	WallTimeMin int `json:"wall_time_min"`
}

// SchedulerJobLog carries best-effort start/stop times recovered from a
// scheduler's accounting or log output.
type SchedulerJobLog struct {
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}
