package site

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/me/gohpc/internal/app"
	"github.com/me/gohpc/pkg/model"
)

// JobLogName is the per-job log file every handler appends to inside the
// job workdir.
const JobLogName = "gohpc.log"

// Sentinel markers handlers write into the job log to hand back a
// serialized result. The rest of the line after the marker is the payload.
const (
	returnValueSentinel = "GOHPC-RETURN-VALUE"
	exceptionSentinel   = "GOHPC-EXCEPTION"
)

// Source yields leased jobs for processing. *JobSource satisfies this.
type Source interface {
	Get(timeout time.Duration) (*model.Job, bool)
}

// StatusSink accepts job updates from workers. *BulkStatusUpdater
// satisfies this.
type StatusSink interface {
	Put(update model.JobUpdate) error
	Terminate()
}

// ProcessingService runs state transition handlers on leased jobs with a
// fixed worker pool. Each worker pulls from the source, prepares the job
// workdir, dispatches the registered handler and forwards the resulting
// update to the sink.
type ProcessingService struct {
	source     Source
	registry   *app.Registry
	sink       StatusSink
	dataPath   string
	numWorkers int
	logger     *slog.Logger
}

// NewProcessingService creates a service with numWorkers workers. Job
// workdirs are created under dataPath.
func NewProcessingService(source Source, registry *app.Registry, sink StatusSink, dataPath string, numWorkers int, logger *slog.Logger) *ProcessingService {
	return &ProcessingService{
		source:     source,
		registry:   registry,
		sink:       sink,
		dataPath:   dataPath,
		numWorkers: numWorkers,
		logger:     logger.With("component", "processing"),
	}
}

// Run processes jobs until ctx is cancelled. In-flight jobs finish before
// workers exit, and the sink is terminated only after the last worker is
// done so every produced update is flushed.
func (p *ProcessingService) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.numWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	p.sink.Terminate()
	p.logger.Info("processing stopped")
}

func (p *ProcessingService) workerLoop(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok := p.source.Get(time.Second)
		if !ok {
			continue
		}

		update := p.process(job, logger)
		if err := p.sink.Put(update); err != nil {
			logger.Error("update dropped", "job_id", job.ID, "error", err)
		}
	}
}

// process runs one transition. Failures preparing the workdir or a missing
// handler table both resolve to a FAILED update rather than an error; the
// server is the only place a failure is actionable.
func (p *ProcessingService) process(job *model.Job, logger *slog.Logger) model.JobUpdate {
	logger.Info("processing job", "job_id", job.ID, "app_id", job.AppID, "state", job.State)

	workdir := filepath.Join(p.dataPath, job.Workdir)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return failedUpdate(job, fmt.Errorf("prepare workdir: %w", err))
	}

	table, err := p.registry.Lookup(job.AppID)
	if err != nil {
		return failedUpdate(job, err)
	}

	update := app.RunTransition(table, job)

	if update.State.HasResult() {
		ret, exc, err := scanSentinels(filepath.Join(workdir, JobLogName))
		if err != nil {
			logger.Warn("result scan failed", "job_id", job.ID, "error", err)
		}
		// A result the handler set directly wins over anything scanned.
		if update.SerializedReturnValue == "" && update.SerializedException == "" {
			update.SerializedReturnValue = ret
			update.SerializedException = exc
		}
	}

	logger.Info("job processed", "job_id", job.ID, "state", update.State)
	return update
}

func failedUpdate(job *model.Job, err error) model.JobUpdate {
	return model.JobUpdate{
		ID:             job.ID,
		State:          model.JobStateFailed,
		StateTimestamp: time.Now().UTC(),
		StateData: map[string]any{
			"handler": job.State.String(),
			"error":   err.Error(),
		},
	}
}

// scanSentinels pulls the result out of the job log. The first line
// carrying either marker decides the outcome: a return value and an
// exception are mutually exclusive, later markers are ignored. A missing
// log is not an error; a job may legitimately produce no output.
func scanSentinels(logPath string) (returnValue, exception string, err error) {
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("open job log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if payload, ok := sentinelPayload(line, returnValueSentinel); ok {
			return payload, "", nil
		}
		if payload, ok := sentinelPayload(line, exceptionSentinel); ok {
			return "", payload, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("read job log: %w", err)
	}
	return "", "", nil
}

func sentinelPayload(line, marker string) (string, bool) {
	idx := strings.Index(line, marker)
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(line[idx+len(marker):]), true
}
