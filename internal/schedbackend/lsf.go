package schedbackend

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/me/gohpc/pkg/model"
)

// LSF drives an LSF-family scheduler through bsub/jobstat/bkill/bslots.
type LSF struct {
	runner Runner

	// Now supplies the reference clock for year-less scheduler timestamps.
	Now func() time.Time
	// Location interprets scheduler-local timestamps.
	Location *time.Location
}

const lsfQueue = "batch"

// lsfStates maps native LSF state tokens to canonical states.
var lsfStates = map[string]model.BatchJobState{
	"PEND":    model.BatchJobStateQueued,
	"RUN":     model.BatchJobStateRunning,
	"BLOCKED": model.BatchJobStateSubmitFailed,
}

// NewLSF creates an LSF backend using the given command runner.
func NewLSF(runner Runner) *LSF {
	return &LSF{runner: runner, Now: time.Now, Location: time.Local}
}

func lsfStateFor(token string) model.BatchJobState {
	if s, ok := lsfStates[token]; ok {
		return s
	}
	return model.BatchJobStateUnknown
}

// Submit implements Backend.
func (l *LSF) Submit(ctx context.Context, spec SubmitSpec) (int64, error) {
	out, err := l.runner.Run(ctx, l.submitArgs(spec))
	if err != nil {
		return 0, fmt.Errorf("bsub: %w", err)
	}
	return parseLSFSubmitOutput(out)
}

func (l *LSF) submitArgs(spec SubmitSpec) []string {
	base := strings.TrimSuffix(filepath.Base(spec.Script), filepath.Ext(spec.Script))
	args := []string{
		"bsub",
		"-o", base + ".output",
		"-e", base + ".error",
		"-P", spec.Project,
		"-q", spec.Queue,
		"-nnodes", strconv.Itoa(spec.NumNodes),
		"-W", strconv.Itoa(spec.WallTimeMin),
	}
	for _, k := range sortedParamKeys(spec.ExtraParams) {
		args = append(args, "-"+k, spec.ExtraParams[k])
	}
	return append(args, spec.Script)
}

// parseLSFSubmitOutput extracts the id from "Job <123> is submitted ...",
// falling back to the last whitespace-delimited token.
func parseLSFSubmitOutput(out string) (int64, error) {
	return parseSubmitID(out, "Job <", ">")
}

// QueryStatuses implements Backend.
func (l *LSF) QueryStatuses(ctx context.Context, filter StatusFilter) (map[int64]model.SchedulerJobStatus, error) {
	out, err := l.runner.Run(ctx, l.statusArgs(filter))
	if err != nil {
		return nil, fmt.Errorf("jobstat: %w", err)
	}
	return l.parseStatusOutput(out)
}

func (l *LSF) statusArgs(filter StatusFilter) []string {
	args := []string{"jobstat"}
	if filter.User != "" {
		args = append(args, "-u", filter.User)
	}
	// Project and queue filters are not supported by jobstat.
	return args
}

// lsfSection identifies which block of jobstat output is being read.
type lsfSection int

const (
	lsfNone lsfSection = iota
	lsfRunning
	lsfEligible
	lsfBlocked
)

// Column counts after datetime/reason fields are rejoined.
const (
	lsfRunCols   = 8 // JobID User Queue Project Nodes Remain StartTime JobName
	lsfPendCols  = 9 // JobID User Queue Project Nodes Walltime QueueTime Priority JobName
	lsfBlockCols = 7 // JobID User Queue Project Nodes Walltime BlockReason
)

// parseStatusOutput reads jobstat's three-section listing. Running jobs
// carry a remaining-time column, eligible jobs a requested walltime, and
// blocked jobs a block reason; section banners switch the expected layout.
func (l *LSF) parseStatusOutput(out string) (map[int64]model.SchedulerJobStatus, error) {
	statuses := make(map[int64]model.SchedulerJobStatus)
	section := lsfNone

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "----") {
			switch {
			case strings.Contains(line, "Running"):
				section = lsfRunning
			case strings.Contains(line, "Eligible"):
				section = lsfEligible
			case strings.Contains(line, "Blocked"):
				section = lsfBlocked
			default:
				return nil, fmt.Errorf("%w: unrecognized jobstat section banner %q", ErrParse, line)
			}
			continue
		}
		if strings.HasPrefix(line, "JobID") {
			continue
		}

		var (
			status model.SchedulerJobStatus
			err    error
		)
		switch section {
		case lsfRunning:
			status, err = l.parseRunLine(line)
		case lsfEligible:
			status, err = l.parsePendLine(line)
		case lsfBlocked:
			status, err = l.parseBlockLine(line)
		default:
			return nil, fmt.Errorf("%w: job line before any section banner: %q", ErrParse, line)
		}
		if err != nil {
			return nil, err
		}
		statuses[status.SchedulerID] = status
	}

	return statuses, nil
}

func (l *LSF) parseRunLine(line string) (model.SchedulerJobStatus, error) {
	// StartTime is two tokens ("01/27 16:28:13"); rejoin before counting.
	fields := rejoin(strings.Fields(line), 6, 2)
	if len(fields) != lsfRunCols {
		return model.SchedulerJobStatus{}, &ColumnCountError{Expected: lsfRunCols, Actual: len(fields), Line: line}
	}

	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return model.SchedulerJobStatus{}, fmt.Errorf("%w: bad scheduler id %q", ErrParse, fields[0])
	}
	remain, err := ParseClock(fields[5])
	if err != nil {
		return model.SchedulerJobStatus{}, err
	}
	start, err := l.parseTimestamp(fields[6])
	if err != nil {
		return model.SchedulerJobStatus{}, err
	}

	return model.SchedulerJobStatus{
		SchedulerID:      id,
		State:            model.BatchJobStateRunning,
		Queue:            fields[2],
		Project:          fields[3],
		NumNodes:         parseNodeCount(fields[4]),
		TimeRemainingMin: remain,
		StartTime:        &start,
		JobName:          fields[7],
	}, nil
}

func (l *LSF) parsePendLine(line string) (model.SchedulerJobStatus, error) {
	fields := rejoin(strings.Fields(line), 6, 2)
	if len(fields) != lsfPendCols {
		return model.SchedulerJobStatus{}, &ColumnCountError{Expected: lsfPendCols, Actual: len(fields), Line: line}
	}

	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return model.SchedulerJobStatus{}, fmt.Errorf("%w: bad scheduler id %q", ErrParse, fields[0])
	}
	wall, err := ParseClock(fields[5])
	if err != nil {
		return model.SchedulerJobStatus{}, err
	}

	return model.SchedulerJobStatus{
		SchedulerID: id,
		State:       model.BatchJobStateQueued,
		Queue:       fields[2],
		Project:     fields[3],
		NumNodes:    parseNodeCount(fields[4]),
		WallTimeMin: wall,
		JobName:     fields[8],
	}, nil
}

func (l *LSF) parseBlockLine(line string) (model.SchedulerJobStatus, error) {
	fields := strings.Fields(line)
	if len(fields) < lsfBlockCols {
		return model.SchedulerJobStatus{}, &ColumnCountError{Expected: lsfBlockCols, Actual: len(fields), Line: line}
	}
	// The block reason is free text; rejoin everything past the fixed columns.
	fields = rejoin(fields, 6, len(fields)-6)

	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return model.SchedulerJobStatus{}, fmt.Errorf("%w: bad scheduler id %q", ErrParse, fields[0])
	}
	wall, err := ParseClock(fields[5])
	if err != nil {
		return model.SchedulerJobStatus{}, err
	}

	return model.SchedulerJobStatus{
		SchedulerID: id,
		State:       model.BatchJobStateSubmitFailed,
		Queue:       fields[2],
		Project:     fields[3],
		NumNodes:    parseNodeCount(fields[4]),
		WallTimeMin: wall,
	}, nil
}

// parseTimestamp interprets LSF's year-less "01/27 16:28:13" against the
// injected reference clock and location.
func (l *LSF) parseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation("01/02 15:04:05", s, l.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrParse, s)
	}
	return t.AddDate(l.Now().Year(), 0, 0), nil
}

// Delete implements Backend.
func (l *LSF) Delete(ctx context.Context, schedulerID int64) error {
	if _, err := l.runner.Run(ctx, []string{"bkill", strconv.FormatInt(schedulerID, 10)}); err != nil {
		return fmt.Errorf("bkill %d: %w", schedulerID, err)
	}
	return nil
}

// QueryBackfill implements Backend.
func (l *LSF) QueryBackfill(ctx context.Context) (map[string][]model.BackfillWindow, error) {
	out, err := l.runner.Run(ctx, []string{"bslots", `-R"select[CN]"`})
	if err != nil {
		return nil, fmt.Errorf("bslots: %w", err)
	}
	return parseLSFBackfillOutput(out)
}

// parseLSFBackfillOutput reads bslots lines of the form
// "128 6 hours 30 minutes 10 seconds". All windows belong to the single
// LSF batch queue.
func parseLSFBackfillOutput(out string) (map[string][]model.BackfillWindow, error) {
	windows := map[string][]model.BackfillWindow{lsfQueue: {}}
	lines := strings.Split(out, "\n")
	if len(lines) <= 1 {
		return windows, nil
	}
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		nodes, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: bad bslots node count %q", ErrParse, fields[0])
		}
		minutes, ok := parseBackfillPhrase(fields[1:])
		if !ok {
			return nil, fmt.Errorf("%w: bad bslots duration in %q", ErrParse, line)
		}
		windows[lsfQueue] = append(windows[lsfQueue], model.BackfillWindow{
			NumNodes:    nodes,
			WallTimeMin: minutes,
		})
	}
	return windows, nil
}

// QueryLogs implements Backend. LSF exposes no portable accounting query
// for start/stop times, so the log is best-effort empty.
func (l *LSF) QueryLogs(ctx context.Context, schedulerID int64) (model.SchedulerJobLog, error) {
	return model.SchedulerJobLog{}, nil
}

// parseNodeCount treats "-" as zero, matching jobstat's placeholder for
// jobs without an allocation yet.
func parseNodeCount(s string) int {
	if s == "-" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// rejoin glues count tokens starting at index i back into one field.
func rejoin(fields []string, i, count int) []string {
	if i+count > len(fields) || count <= 1 {
		return fields
	}
	joined := strings.Join(fields[i:i+count], " ")
	out := make([]string, 0, len(fields)-count+1)
	out = append(out, fields[:i]...)
	out = append(out, joined)
	out = append(out, fields[i+count:]...)
	return out
}

func sortedParamKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic argument order keeps submit commands reproducible.
	sort.Strings(keys)
	return keys
}
