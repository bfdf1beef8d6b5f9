package model

// TransferDirection distinguishes stage-in from stage-out movement.
type TransferDirection string

const (
	TransferStageIn  TransferDirection = "stage_in"
	TransferStageOut TransferDirection = "stage_out"
)

// TransferItem is a job-scoped file movement task. The actual transfer is
// driven by an external engine; this record tracks its correlation id and
// lifecycle so job readiness can be derived from it.
type TransferItem struct {
	ID            string            `json:"id"`
	JobID         string            `json:"job_id"`
	Direction     TransferDirection `json:"direction"`
	LocationAlias string            `json:"location_alias"`
	RemotePath    string            `json:"remote_path"`
	LocalPath     string            `json:"local_path"`
	Recursive     bool              `json:"recursive"`
	State         TransferState     `json:"state"`

	// TaskID correlates this item with the external transfer engine's task.
	TaskID       string            `json:"task_id,omitempty"`
	TransferInfo map[string]string `json:"transfer_info,omitempty"`
}
