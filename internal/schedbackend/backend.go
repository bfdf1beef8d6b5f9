// Package schedbackend adapts native batch schedulers (LSF, Slurm) to the
// canonical status/backfill/log model. Every operation is split into pure
// argument-vector construction and pure parsing of captured command output,
// so both halves are testable without a real scheduler.
package schedbackend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/me/gohpc/pkg/model"
)

// ErrParse is the distinct error kind for scheduler output that cannot be
// interpreted. A failed poll is skipped by callers, not fatal.
var ErrParse = errors.New("scheduler output parse error")

// ColumnCountError reports a parsed line whose column count does not match
// the expected field set. This is a hard parse failure, never a silent
// misalignment.
type ColumnCountError struct {
	Expected int
	Actual   int
	Line     string
}

func (e *ColumnCountError) Error() string {
	return fmt.Sprintf("line has %d columns, expected %d: %q", e.Actual, e.Expected, e.Line)
}

func (e *ColumnCountError) Unwrap() error { return ErrParse }

// SubmitSpec carries the typed inputs of one scheduler submission.
type SubmitSpec struct {
	Script      string
	Project     string
	Queue       string
	NumNodes    int
	WallTimeMin int
	ExtraParams map[string]string
}

// StatusFilter narrows a status query. Zero value queries everything the
// backend supports.
type StatusFilter struct {
	User    string
	Project string
	Queue   string
}

// Backend is implemented once per native scheduler.
type Backend interface {
	// Submit runs the submission command and returns the scheduler's
	// numeric job id parsed from its stdout.
	Submit(ctx context.Context, spec SubmitSpec) (int64, error)
	// QueryStatuses polls the scheduler and returns canonical statuses
	// keyed by scheduler id. Empty output means no jobs, not an error.
	QueryStatuses(ctx context.Context, filter StatusFilter) (map[int64]model.SchedulerJobStatus, error)
	// Delete requests removal of the given allocation.
	Delete(ctx context.Context, schedulerID int64) error
	// QueryBackfill returns idle windows keyed by queue.
	QueryBackfill(ctx context.Context) (map[string][]model.BackfillWindow, error)
	// QueryLogs recovers best-effort start/stop times for an allocation.
	QueryLogs(ctx context.Context, schedulerID int64) (model.SchedulerJobLog, error)
}

// Runner executes one external command and captures its stdout. Injected
// so backends can be tested against canned output.
type Runner interface {
	Run(ctx context.Context, argv []string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s exited %d: %s", argv[0], exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("run %s: %w", argv[0], err)
	}
	return string(out), nil
}

// New returns the backend registered under name ("lsf" or "slurm").
func New(name string, runner Runner) (Backend, error) {
	switch strings.ToLower(name) {
	case "lsf":
		return NewLSF(runner), nil
	case "slurm":
		return NewSlurm(runner), nil
	}
	return nil, fmt.Errorf("unknown scheduler backend %q", name)
}

// ParseClock converts a colon-separated duration (S, M:S, H:M:S or
// D:H:M:S) to whole minutes, rounding seconds to the nearest minute
// (half up): "01:02:03:30" is 1564.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	vals := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("%w: bad duration %q", ErrParse, s)
		}
		vals[i] = v
	}

	var d, h, m, sec int
	switch len(vals) {
	case 1:
		sec = vals[0]
	case 2:
		m, sec = vals[0], vals[1]
	case 3:
		h, m, sec = vals[0], vals[1], vals[2]
	case 4:
		d, h, m, sec = vals[0], vals[1], vals[2], vals[3]
	default:
		return 0, fmt.Errorf("%w: bad duration %q", ErrParse, s)
	}

	return d*24*60 + h*60 + m + (sec+30)/60, nil
}

// parseSubmitID extracts the numeric scheduler id from submission stdout.
// It looks for the text between prefix and suffix first, then falls back
// to the last whitespace-delimited token.
func parseSubmitID(out, prefix, suffix string) (int64, error) {
	if i := strings.Index(out, prefix); i >= 0 {
		rest := out[i+len(prefix):]
		if j := strings.Index(rest, suffix); j >= 0 || suffix == "" {
			candidate := rest
			if suffix != "" {
				candidate = rest[:j]
			}
			if id, err := strconv.ParseInt(strings.TrimSpace(candidate), 10, 64); err == nil {
				return id, nil
			}
		}
	}

	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: empty submit output", ErrParse)
	}
	id, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: no scheduler id in submit output %q", ErrParse, strings.TrimSpace(out))
	}
	return id, nil
}

// parseBackfillPhrase reduces free-form text of the shape
// "N hours M minutes S seconds" or "M minutes S seconds" to whole minutes.
// Sub-minute remainders are truncated.
func parseBackfillPhrase(fields []string) (int, bool) {
	var hours, minutes int
	matched := false
	for i := 0; i+1 < len(fields); i++ {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[i+1], "s") {
		case "hour":
			hours = n
			matched = true
		case "minute":
			minutes = n
			matched = true
		case "second":
			matched = true
		}
	}
	return hours*60 + minutes, matched
}
