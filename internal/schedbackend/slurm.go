package schedbackend

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/me/gohpc/pkg/model"
)

// Slurm drives a Slurm-family scheduler through sbatch/squeue/scancel/sinfo.
type Slurm struct {
	runner Runner

	Location *time.Location
}

// slurmStates maps native Slurm state codes to canonical states.
var slurmStates = map[string]model.BatchJobState{
	"PD": model.BatchJobStateQueued,
	"CF": model.BatchJobStateQueued,
	"R":  model.BatchJobStateRunning,
	"CG": model.BatchJobStateRunning,
	"CD": model.BatchJobStateFinished,
	"CA": model.BatchJobStateFinished,
	"TO": model.BatchJobStateFinished,
	"F":  model.BatchJobStateSubmitFailed,
	"NF": model.BatchJobStateSubmitFailed,
	"BF": model.BatchJobStateSubmitFailed,
}

// NewSlurm creates a Slurm backend using the given command runner.
func NewSlurm(runner Runner) *Slurm {
	return &Slurm{runner: runner, Location: time.Local}
}

func slurmStateFor(token string) model.BatchJobState {
	if s, ok := slurmStates[token]; ok {
		return s
	}
	return model.BatchJobStateUnknown
}

// Submit implements Backend.
func (s *Slurm) Submit(ctx context.Context, spec SubmitSpec) (int64, error) {
	out, err := s.runner.Run(ctx, s.submitArgs(spec))
	if err != nil {
		return 0, fmt.Errorf("sbatch: %w", err)
	}
	return parseSlurmSubmitOutput(out)
}

func (s *Slurm) submitArgs(spec SubmitSpec) []string {
	base := strings.TrimSuffix(filepath.Base(spec.Script), filepath.Ext(spec.Script))
	args := []string{
		"sbatch",
		"-o", base + ".output",
		"-e", base + ".error",
		"-A", spec.Project,
		"-q", spec.Queue,
		"-N", strconv.Itoa(spec.NumNodes),
		"-t", strconv.Itoa(spec.WallTimeMin),
	}
	for _, k := range sortedParamKeys(spec.ExtraParams) {
		args = append(args, "--"+k+"="+spec.ExtraParams[k])
	}
	return append(args, spec.Script)
}

// parseSlurmSubmitOutput extracts the id from "Submitted batch job 123",
// falling back to the last whitespace-delimited token.
func parseSlurmSubmitOutput(out string) (int64, error) {
	return parseSubmitID(out, "Submitted batch job ", "\n")
}

const slurmStatusFormat = "%i %t %q %A %D %l %S %j"

// Columns emitted by slurmStatusFormat, with the start time kept as a
// single ISO token.
const slurmStatusCols = 8 // JobID State QOS Account Nodes TimeLimit StartTime Name

// QueryStatuses implements Backend.
func (s *Slurm) QueryStatuses(ctx context.Context, filter StatusFilter) (map[int64]model.SchedulerJobStatus, error) {
	out, err := s.runner.Run(ctx, s.statusArgs(filter))
	if err != nil {
		return nil, fmt.Errorf("squeue: %w", err)
	}
	return s.parseStatusOutput(out)
}

func (s *Slurm) statusArgs(filter StatusFilter) []string {
	args := []string{"squeue", "--noheader", "-o", slurmStatusFormat}
	if filter.User != "" {
		args = append(args, "-u", filter.User)
	}
	if filter.Project != "" {
		args = append(args, "-A", filter.Project)
	}
	if filter.Queue != "" {
		args = append(args, "-q", filter.Queue)
	}
	return args
}

func (s *Slurm) parseStatusOutput(out string) (map[int64]model.SchedulerJobStatus, error) {
	statuses := make(map[int64]model.SchedulerJobStatus)

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != slurmStatusCols {
			return nil, &ColumnCountError{Expected: slurmStatusCols, Actual: len(fields), Line: line}
		}

		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad scheduler id %q", ErrParse, fields[0])
		}
		nodes, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("%w: bad node count %q", ErrParse, fields[4])
		}
		wall, err := ParseSlurmDuration(fields[5])
		if err != nil {
			return nil, err
		}

		status := model.SchedulerJobStatus{
			SchedulerID: id,
			State:       slurmStateFor(fields[1]),
			Queue:       fields[2],
			Project:     fields[3],
			NumNodes:    nodes,
			WallTimeMin: wall,
			JobName:     fields[7],
		}
		// "N/A" start time means the scheduler has not planned the job yet.
		if fields[6] != "N/A" {
			t, err := time.ParseInLocation("2006-01-02T15:04:05", fields[6], s.Location)
			if err != nil {
				return nil, fmt.Errorf("%w: bad start time %q", ErrParse, fields[6])
			}
			status.StartTime = &t
		}

		statuses[id] = status
	}

	return statuses, nil
}

// ParseSlurmDuration converts Slurm's "[D-]H:M:S" (or M:S) time strings to
// whole minutes, rounding seconds half up. "UNLIMITED" and "N/A" are zero.
func ParseSlurmDuration(s string) (int, error) {
	if s == "UNLIMITED" || s == "N/A" {
		return 0, nil
	}
	days := 0
	rest := s
	if i := strings.IndexByte(s, '-'); i >= 0 {
		d, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("%w: bad duration %q", ErrParse, s)
		}
		days = d
		rest = s[i+1:]
	}
	minutes, err := ParseClock(rest)
	if err != nil {
		return 0, err
	}
	return days*24*60 + minutes, nil
}

// Delete implements Backend.
func (s *Slurm) Delete(ctx context.Context, schedulerID int64) error {
	if _, err := s.runner.Run(ctx, []string{"scancel", strconv.FormatInt(schedulerID, 10)}); err != nil {
		return fmt.Errorf("scancel %d: %w", schedulerID, err)
	}
	return nil
}

// QueryBackfill implements Backend. Idle capacity per partition is read
// from sinfo; each idle node group becomes one window bounded by the
// partition's time limit.
func (s *Slurm) QueryBackfill(ctx context.Context) (map[string][]model.BackfillWindow, error) {
	out, err := s.runner.Run(ctx, []string{"sinfo", "--noheader", "-o", "%P %A %l"})
	if err != nil {
		return nil, fmt.Errorf("sinfo: %w", err)
	}
	return parseSlurmBackfillOutput(out)
}

// parseSlurmBackfillOutput reads "partition alloc/idle timelimit" lines,
// e.g. "debug 12/52 1-00:00:00".
func parseSlurmBackfillOutput(out string) (map[string][]model.BackfillWindow, error) {
	windows := make(map[string][]model.BackfillWindow)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, &ColumnCountError{Expected: 3, Actual: len(fields), Line: line}
		}

		queue := strings.TrimSuffix(fields[0], "*")
		counts := strings.Split(fields[1], "/")
		if len(counts) != 2 {
			return nil, fmt.Errorf("%w: bad alloc/idle field %q", ErrParse, fields[1])
		}
		idle, err := strconv.Atoi(counts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: bad idle count %q", ErrParse, counts[1])
		}
		limit, err := ParseSlurmDuration(fields[2])
		if err != nil {
			return nil, err
		}

		if idle > 0 {
			windows[queue] = append(windows[queue], model.BackfillWindow{
				NumNodes:    idle,
				WallTimeMin: limit,
			})
		}
	}
	return windows, nil
}

// QueryLogs implements Backend, recovering start/end times from sacct.
func (s *Slurm) QueryLogs(ctx context.Context, schedulerID int64) (model.SchedulerJobLog, error) {
	out, err := s.runner.Run(ctx, []string{
		"sacct", "-j", strconv.FormatInt(schedulerID, 10), "-n", "-X", "-o", "Start,End",
	})
	if err != nil {
		return model.SchedulerJobLog{}, fmt.Errorf("sacct: %w", err)
	}
	return s.parseLogOutput(out), nil
}

// parseLogOutput is best effort: any field that does not parse is left
// unset rather than failing the poll.
func (s *Slurm) parseLogOutput(out string) model.SchedulerJobLog {
	var log model.SchedulerJobLog
	fields := strings.Fields(out)
	if len(fields) >= 1 {
		if t, err := time.ParseInLocation("2006-01-02T15:04:05", fields[0], s.Location); err == nil {
			log.StartTime = &t
		}
	}
	if len(fields) >= 2 {
		if t, err := time.ParseInLocation("2006-01-02T15:04:05", fields[1], s.Location); err == nil {
			log.EndTime = &t
		}
	}
	return log
}
