package transfer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/me/gohpc/pkg/model"
)

// ExecEngine queries task status by running a command line with the task
// id appended, the same way the scheduler adapters shell out to their
// site CLIs. The first output line must be one of the item states
// (pending, active, done, error); any further key=value lines are kept as
// transfer info.
type ExecEngine struct {
	Argv []string
}

func (e ExecEngine) TaskStatus(ctx context.Context, taskID string) (model.TransferState, map[string]string, error) {
	if len(e.Argv) == 0 {
		return "", nil, fmt.Errorf("no status command configured")
	}

	argv := append(append([]string{}, e.Argv...), taskID)
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
	if err != nil {
		return "", nil, fmt.Errorf("status command: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	state := model.TransferState(strings.TrimSpace(lines[0]))
	switch state {
	case model.TransferStatePending, model.TransferStateActive,
		model.TransferStateDone, model.TransferStateError:
	default:
		return "", nil, fmt.Errorf("unknown transfer state %q", lines[0])
	}

	var info map[string]string
	for _, line := range lines[1:] {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			if info == nil {
				info = map[string]string{}
			}
			info[k] = v
		}
	}
	return state, info, nil
}
