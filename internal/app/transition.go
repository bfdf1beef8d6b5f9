package app

import (
	"fmt"
	"time"

	"github.com/me/gohpc/pkg/model"
)

// RunTransition dispatches the handler registered for the job's current
// state and converts the outcome into a JobUpdate. Four outcomes exist:
//
//   - no handler for the state: the job is untouched and the update simply
//     restates its current state;
//   - the handler returns nil: the update reflects the mutated job snapshot;
//   - the handler returns an error or panics: the job is forced to FAILED
//     with the originating state and message recorded in StateData;
//   - the handler moves the job somewhere ValidJobTransitions forbids: the
//     same FAILED outcome, with the rejected transition in the message.
//
// The error never propagates to the caller. A worker loop observing a
// FAILED update has seen everything there is to see about the failure.
func RunTransition(table HandlerTable, job *model.Job) model.JobUpdate {
	dispatchState := job.State

	handler, ok := table[dispatchState]
	if ok {
		err := invoke(handler, job)
		if err == nil && job.State != dispatchState && !dispatchState.CanTransitionTo(job.State) {
			err = &model.InvalidTransitionError{
				Entity: "job",
				ID:     job.ID,
				From:   dispatchState.String(),
				To:     job.State.String(),
			}
		}
		if err != nil {
			job.State = model.JobStateFailed
			job.StateData = map[string]any{
				"handler": dispatchState.String(),
				"error":   err.Error(),
			}
		}
	}

	return model.JobUpdate{
		ID:                    job.ID,
		State:                 job.State,
		StateTimestamp:        time.Now().UTC(),
		StateData:             job.StateData,
		ReturnCode:            job.ReturnCode,
		SerializedReturnValue: job.SerializedReturnValue,
		SerializedException:   job.SerializedException,
	}
}

// invoke runs the handler with a recover boundary so a panicking handler is
// indistinguishable from one returning an error.
func invoke(handler Handler, job *model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(job)
}
