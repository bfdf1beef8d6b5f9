package model

// JobState represents the canonical lifecycle state of a Job.
//
// The state space is partitioned into pre-runnable states (waiting on
// dependencies or data movement), runnable states (eligible for session
// leasing), active states (session-bound, pre-terminal), and terminal states.
type JobState string

const (
	JobStateCreated         JobState = "CREATED"
	JobStateAwaitingParents JobState = "AWAITING_PARENTS"
	JobStateReady           JobState = "READY"
	JobStateStagedIn        JobState = "STAGED_IN"
	JobStatePreprocessed    JobState = "PREPROCESSED"
	JobStateRunning         JobState = "RUNNING"
	JobStateRunDone         JobState = "RUN_DONE"
	JobStateRunError        JobState = "RUN_ERROR"
	JobStateRunTimeout      JobState = "RUN_TIMEOUT"
	JobStateRestartReady    JobState = "RESTART_READY"
	JobStatePostprocessed   JobState = "POSTPROCESSED"
	JobStateStagedOut       JobState = "STAGED_OUT"
	JobStateFinished        JobState = "JOB_FINISHED"
	JobStateFailed          JobState = "FAILED"
	JobStateUnknown         JobState = "UNKNOWN"
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobState) IsTerminal() bool {
	return s == JobStateFinished || s == JobStateFailed
}

// IsRunnable returns true if the state is eligible for session leasing.
func (s JobState) IsRunnable() bool {
	switch s {
	case JobStateReady, JobStateStagedIn, JobStatePreprocessed, JobStateRestartReady,
		JobStateRunDone, JobStateRunError, JobStateRunTimeout:
		return true
	}
	return false
}

// HasResult returns true if the sentinel result scan applies on entry to
// this state (the job's captured output may carry a serialized return
// value or exception).
func (s JobState) HasResult() bool {
	return s == JobStateRunDone || s == JobStateRunError
}

// ProcessingStates is the default candidate set for a processing-service
// acquire: states whose transition handlers run on the site node rather
// than inside a batch allocation.
func ProcessingStates() []JobState {
	return []JobState{JobStateStagedIn, JobStateRunDone, JobStateRunError, JobStateRunTimeout}
}

// LaunchStates is the candidate set a launcher acquires for execution
// inside a batch allocation.
func LaunchStates() []JobState {
	return []JobState{JobStatePreprocessed, JobStateRestartReady}
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
// FAILED is reachable from every non-terminal state and is not listed.
// Jobs with nothing to postprocess or stage out finish directly from
// RUN_DONE or POSTPROCESSED.
var ValidJobTransitions = map[JobState][]JobState{
	JobStateCreated:         {JobStateReady, JobStateAwaitingParents},
	JobStateAwaitingParents: {JobStateReady},
	JobStateReady:           {JobStateStagedIn},
	JobStateStagedIn:        {JobStatePreprocessed},
	JobStatePreprocessed:    {JobStateRunning},
	JobStateRunning:         {JobStateRunDone, JobStateRunError, JobStateRunTimeout, JobStateRestartReady},
	JobStateRunDone:         {JobStatePostprocessed, JobStateFinished},
	JobStateRunError:        {JobStatePostprocessed, JobStateRestartReady},
	JobStateRunTimeout:      {JobStatePostprocessed, JobStateRestartReady},
	JobStateRestartReady:    {JobStateRunning},
	JobStatePostprocessed:   {JobStateStagedOut, JobStateFinished},
	JobStateStagedOut:       {JobStateFinished},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobState) CanTransitionTo(next JobState) bool {
	if next == JobStateFailed {
		return !s.IsTerminal()
	}
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// BatchJobState represents the lifecycle state of a scheduler allocation.
type BatchJobState string

const (
	BatchJobStatePendingSubmission BatchJobState = "pending_submission"
	BatchJobStateQueued            BatchJobState = "queued"
	BatchJobStateRunning           BatchJobState = "running"
	BatchJobStateFinished          BatchJobState = "finished"
	BatchJobStateSubmitFailed      BatchJobState = "submit_failed"
	BatchJobStatePendingDeletion   BatchJobState = "pending_deletion"

	// BatchJobStateUnknown is the canonical mapping for native scheduler
	// state tokens no backend recognizes.
	BatchJobStateUnknown BatchJobState = "unknown"
)

// IsTerminal returns true if the batch job is in a final state.
func (s BatchJobState) IsTerminal() bool {
	return s == BatchJobStateFinished || s == BatchJobStateSubmitFailed
}

// TransferState represents the lifecycle state of a TransferItem.
type TransferState string

const (
	TransferStateAwaitingJob TransferState = "awaiting_job"
	TransferStatePending     TransferState = "pending"
	TransferStateActive      TransferState = "active"
	TransferStateDone        TransferState = "done"
	TransferStateError       TransferState = "error"
)

// ValidTransferTransitions defines the allowed state transitions for TransferItems.
var ValidTransferTransitions = map[TransferState][]TransferState{
	TransferStateAwaitingJob: {TransferStatePending},
	TransferStatePending:     {TransferStateActive},
	TransferStateActive:      {TransferStateDone, TransferStateError},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TransferState) CanTransitionTo(next TransferState) bool {
	for _, allowed := range ValidTransferTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the transfer is in a final state.
func (s TransferState) IsTerminal() bool {
	return s == TransferStateDone || s == TransferStateError
}
