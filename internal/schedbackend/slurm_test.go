package schedbackend

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/me/gohpc/pkg/model"
)

func testSlurm(out string) (*Slurm, *fakeRunner) {
	runner := &fakeRunner{out: out}
	s := NewSlurm(runner)
	s.Location = time.UTC
	return s, runner
}

const squeueFixture = `1234 R debug proj1 4 1:00:00 2026-08-25T10:00:00 sim_a
1235 PD debug proj1 8 2-00:00:00 N/A sim_b
1236 CD batch proj2 1 30:00 2026-08-24T09:15:00 post
1237 F batch proj2 2 15:00 N/A bad_run
`

func TestSlurmParseStatusOutput(t *testing.T) {
	s, _ := testSlurm(squeueFixture)

	statuses, err := s.parseStatusOutput(squeueFixture)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(statuses) != 4 {
		t.Fatalf("got %d statuses, want 4", len(statuses))
	}

	run := statuses[1234]
	if run.State != model.BatchJobStateRunning {
		t.Errorf("1234 state = %s, want running", run.State)
	}
	if run.WallTimeMin != 60 {
		t.Errorf("1234 walltime = %d, want 60", run.WallTimeMin)
	}
	if run.StartTime == nil || run.StartTime.Hour() != 10 {
		t.Errorf("1234 start time = %v, want 10:00", run.StartTime)
	}

	pend := statuses[1235]
	if pend.State != model.BatchJobStateQueued {
		t.Errorf("1235 state = %s, want queued", pend.State)
	}
	if pend.WallTimeMin != 2880 {
		t.Errorf("1235 walltime = %d, want 2880 for 2-00:00:00", pend.WallTimeMin)
	}
	if pend.StartTime != nil {
		t.Errorf("1235 start time = %v, want nil for N/A", pend.StartTime)
	}

	if got := statuses[1236].State; got != model.BatchJobStateFinished {
		t.Errorf("1236 state = %s, want finished", got)
	}
	if got := statuses[1237].State; got != model.BatchJobStateSubmitFailed {
		t.Errorf("1237 state = %s, want submit_failed", got)
	}
}

func TestSlurmParseStatusOutput_Empty(t *testing.T) {
	s, _ := testSlurm("")
	statuses, err := s.parseStatusOutput("")
	if err != nil {
		t.Fatalf("empty output must mean no jobs, got %v", err)
	}
	if len(statuses) != 0 {
		t.Errorf("got %d statuses, want 0", len(statuses))
	}
}

func TestSlurmParseStatusOutput_ColumnMismatch(t *testing.T) {
	s, _ := testSlurm("")
	_, err := s.parseStatusOutput("1234 R debug proj1 4\n")
	var colErr *ColumnCountError
	if !errors.As(err, &colErr) {
		t.Fatalf("want ColumnCountError, got %v", err)
	}
	if colErr.Expected != slurmStatusCols || colErr.Actual != 5 {
		t.Errorf("counts = %d/%d, want %d/5", colErr.Expected, colErr.Actual, slurmStatusCols)
	}
}

func TestSlurmParseSubmitOutput(t *testing.T) {
	got, err := parseSlurmSubmitOutput("Submitted batch job 8642\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != 8642 {
		t.Errorf("id = %d, want 8642", got)
	}

	// Fallback: take the last token when the banner text differs.
	got, err = parseSlurmSubmitOutput("sbatch: job accepted 999")
	if err != nil {
		t.Fatalf("fallback parse: %v", err)
	}
	if got != 999 {
		t.Errorf("fallback id = %d, want 999", got)
	}
}

func TestSlurmSubmitArgs(t *testing.T) {
	s, runner := testSlurm("Submitted batch job 1\n")

	_, err := s.Submit(context.Background(), SubmitSpec{
		Script:      "/site/run/qlaunch_0007.sh",
		Project:     "proj1",
		Queue:       "debug",
		NumNodes:    4,
		WallTimeMin: 30,
		ExtraParams: map[string]string{"constraint": "gpu"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := strings.Join(runner.argv, " ")
	want := "sbatch -o qlaunch_0007.output -e qlaunch_0007.error -A proj1 -q debug -N 4 -t 30 --constraint=gpu /site/run/qlaunch_0007.sh"
	if got != want {
		t.Errorf("argv = %q, want %q", got, want)
	}
}

func TestSlurmParseBackfillOutput(t *testing.T) {
	out := `debug* 12/52 1:00:00
batch 640/0 1-00:00:00
large 0/16 12:00:00
`
	windows, err := parseSlurmBackfillOutput(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	debug := windows["debug"]
	if len(debug) != 1 {
		t.Fatalf("debug windows = %d, want 1 (asterisk stripped)", len(debug))
	}
	if debug[0].NumNodes != 52 || debug[0].WallTimeMin != 60 {
		t.Errorf("debug window = %+v, want 52 nodes / 60 min", debug[0])
	}
	if _, ok := windows["batch"]; ok {
		t.Error("fully allocated partition should yield no window")
	}
	large := windows["large"]
	if len(large) != 1 || large[0].NumNodes != 16 || large[0].WallTimeMin != 720 {
		t.Errorf("large windows = %+v, want one 16-node 720-min window", large)
	}
}

func TestSlurmDeleteArgs(t *testing.T) {
	s, runner := testSlurm("")
	if err := s.Delete(context.Background(), 1234); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := strings.Join(runner.argv, " "); got != "scancel 1234" {
		t.Errorf("argv = %q", got)
	}
}

func TestSlurmQueryLogs(t *testing.T) {
	s, runner := testSlurm("2026-08-25T10:00:00 2026-08-25T11:30:00\n")

	log, err := s.QueryLogs(context.Background(), 1234)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if got := strings.Join(runner.argv, " "); got != "sacct -j 1234 -n -X -o Start,End" {
		t.Errorf("argv = %q", got)
	}
	if log.StartTime == nil || log.EndTime == nil {
		t.Fatalf("log = %+v, want both times set", log)
	}
	if log.EndTime.Sub(*log.StartTime) != 90*time.Minute {
		t.Errorf("duration = %v, want 90m", log.EndTime.Sub(*log.StartTime))
	}

	// Unparseable accounting output degrades to an empty log.
	empty := s.parseLogOutput("Unknown None\n")
	if empty.StartTime != nil || empty.EndTime != nil {
		t.Errorf("log = %+v, want empty for bad fields", empty)
	}
}

func TestSlurmStateMapping_Unknown(t *testing.T) {
	if got := slurmStateFor("OOM"); got != model.BatchJobStateUnknown {
		t.Errorf("unknown token mapped to %s, want unknown", got)
	}
}
