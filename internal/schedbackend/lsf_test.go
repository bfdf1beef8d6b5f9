package schedbackend

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/me/gohpc/pkg/model"
)

// fakeRunner returns canned output and records the argv it was given.
type fakeRunner struct {
	out  string
	err  error
	argv []string
}

func (f *fakeRunner) Run(_ context.Context, argv []string) (string, error) {
	f.argv = argv
	return f.out, f.err
}

const jobstatFixture = `------------------------------- Running Jobs: 2 (batch: 4619/4625=99.87%) -------------------------------
JobID      User       Queue    Project    Nodes Remain     StartTime       JobName
697013     parton     batch    CSC388     1     19:35      01/27 16:28:13  Not_Specified
697014     parton     batch    CSC388     64    02:30:00   01/27 12:00:00  xpcs_run
-------------------------------------------------------- Eligible Jobs: 1 --------------------------------------------------------
JobID      User       Queue    Project    Nodes Walltime   QueueTime       Priority JobName
696996     parton     batch    CSC388     1     20:00      01/27 16:12:21  504.00   Not_Specified
-------------------------------------------------------- Blocked Jobs: 1 ---------------------------------------------------------
JobID      User       Queue    Project    Nodes Walltime   BlockReason
696891     parton     batch    CSC388     -     30:00      Job dependency condition not satisfied
`

func testLSF(out string) (*LSF, *fakeRunner) {
	runner := &fakeRunner{out: out}
	lsf := NewLSF(runner)
	lsf.Now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	lsf.Location = time.UTC
	return lsf, runner
}

func TestLSFParseStatusOutput(t *testing.T) {
	lsf, _ := testLSF(jobstatFixture)

	statuses, err := lsf.parseStatusOutput(jobstatFixture)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(statuses) != 4 {
		t.Fatalf("got %d statuses, want 4 (2 running + 1 pending + 1 blocked)", len(statuses))
	}

	run := statuses[697013]
	if run.State != model.BatchJobStateRunning {
		t.Errorf("697013 state = %s, want running", run.State)
	}
	if run.TimeRemainingMin != 20 {
		t.Errorf("697013 remain = %d, want 20 (19m35s rounds up)", run.TimeRemainingMin)
	}
	if run.StartTime == nil {
		t.Fatal("697013 start time missing")
	}
	if got := run.StartTime.Year(); got != 2026 {
		t.Errorf("start time year = %d, want reference clock year 2026", got)
	}
	if run.StartTime.Month() != time.January || run.StartTime.Day() != 27 {
		t.Errorf("start time = %v, want Jan 27", run.StartTime)
	}

	pend := statuses[696996]
	if pend.State != model.BatchJobStateQueued {
		t.Errorf("696996 state = %s, want queued", pend.State)
	}
	if pend.WallTimeMin != 20 {
		t.Errorf("696996 walltime = %d, want 20", pend.WallTimeMin)
	}

	block := statuses[696891]
	if block.State != model.BatchJobStateSubmitFailed {
		t.Errorf("696891 state = %s, want submit_failed", block.State)
	}
	if block.NumNodes != 0 {
		t.Errorf("696891 nodes = %d, want 0 for dash placeholder", block.NumNodes)
	}
}

func TestLSFParseStatusOutput_Empty(t *testing.T) {
	lsf, _ := testLSF("")
	statuses, err := lsf.parseStatusOutput("")
	if err != nil {
		t.Fatalf("empty output must mean no jobs, got %v", err)
	}
	if len(statuses) != 0 {
		t.Errorf("got %d statuses, want 0", len(statuses))
	}
}

func TestLSFParseStatusOutput_ColumnMismatch(t *testing.T) {
	bad := `---- Running Jobs: 1 ----
JobID      User       Queue    Project    Nodes Remain     StartTime       JobName
697013     parton     batch    CSC388     1     19:35
`
	lsf, _ := testLSF(bad)
	_, err := lsf.parseStatusOutput(bad)
	var colErr *ColumnCountError
	if !errors.As(err, &colErr) {
		t.Fatalf("want ColumnCountError, got %v", err)
	}
	if !errors.Is(err, ErrParse) {
		t.Error("ColumnCountError must wrap ErrParse")
	}
}

func TestLSFParseSubmitOutput(t *testing.T) {
	cases := []struct {
		out  string
		want int64
	}{
		{"Job <697123> is submitted to queue <batch>.\n", 697123},
		{"submitted with id 42\n", 42}, // fallback: last token
	}
	for _, tc := range cases {
		got, err := parseLSFSubmitOutput(tc.out)
		if err != nil {
			t.Errorf("parse %q: %v", tc.out, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parse %q = %d, want %d", tc.out, got, tc.want)
		}
	}

	if _, err := parseLSFSubmitOutput("request failed\n"); !errors.Is(err, ErrParse) {
		t.Errorf("non-numeric output should be a parse error, got %v", err)
	}
}

func TestLSFSubmitArgs(t *testing.T) {
	lsf, runner := testLSF("Job <1> is submitted to queue <batch>.\n")

	_, err := lsf.Submit(context.Background(), SubmitSpec{
		Script:      "/projects/run/qlaunch_0042.sh",
		Project:     "CSC388",
		Queue:       "batch",
		NumNodes:    128,
		WallTimeMin: 60,
		ExtraParams: map[string]string{"alloc_flags": "smt4"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := strings.Join(runner.argv, " ")
	want := "bsub -o qlaunch_0042.output -e qlaunch_0042.error -P CSC388 -q batch -nnodes 128 -W 60 -alloc_flags smt4 /projects/run/qlaunch_0042.sh"
	if got != want {
		t.Errorf("argv = %q, want %q", got, want)
	}
}

func TestLSFParseBackfillOutput(t *testing.T) {
	out := `SLOTS RUNTIME
128 6 hours 30 minutes 10 seconds
16 45 minutes 59 seconds
`
	windows, err := parseLSFBackfillOutput(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	batch := windows["batch"]
	if len(batch) != 2 {
		t.Fatalf("got %d windows, want 2", len(batch))
	}
	if batch[0].NumNodes != 128 || batch[0].WallTimeMin != 390 {
		t.Errorf("window 0 = %+v, want 128 nodes / 390 min", batch[0])
	}
	if batch[1].NumNodes != 16 || batch[1].WallTimeMin != 45 {
		t.Errorf("window 1 = %+v, want 16 nodes / 45 min (seconds truncated)", batch[1])
	}
}

func TestLSFDeleteArgs(t *testing.T) {
	lsf, runner := testLSF("")
	if err := lsf.Delete(context.Background(), 697013); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := strings.Join(runner.argv, " "); got != "bkill 697013" {
		t.Errorf("argv = %q", got)
	}
}

func TestLSFStateMapping_Unknown(t *testing.T) {
	if got := lsfStateFor("ZOMBI"); got != model.BatchJobStateUnknown {
		t.Errorf("unknown token mapped to %s, want unknown", got)
	}
	if got := lsfStateFor("PEND"); got != model.BatchJobStateQueued {
		t.Errorf("PEND mapped to %s, want queued", got)
	}
}
