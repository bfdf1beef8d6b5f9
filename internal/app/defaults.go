package app

import "github.com/me/gohpc/pkg/model"

// DefaultTable is the passthrough handler table for apps with no custom
// transition code: nothing to preprocess, postprocess, or stage out.
//
//   - STAGED_IN jobs are immediately PREPROCESSED;
//   - RUN_DONE jobs finish outright;
//   - RUN_ERROR jobs fail;
//   - RUN_TIMEOUT jobs are requeued for another attempt.
func DefaultTable() HandlerTable {
	return HandlerTable{
		model.JobStateStagedIn: func(job *model.Job) error {
			job.State = model.JobStatePreprocessed
			return nil
		},
		model.JobStateRunDone: func(job *model.Job) error {
			job.State = model.JobStateFinished
			return nil
		},
		model.JobStateRunError: func(job *model.Job) error {
			job.State = model.JobStateFailed
			return nil
		},
		model.JobStateRunTimeout: func(job *model.Job) error {
			job.State = model.JobStateRestartReady
			return nil
		},
	}
}
