// Package site is the client side of the system: the API client, the
// prefetching job source, the bulk status updater and the processing worker
// pool that together run one site's share of the workload.
package site

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/me/gohpc/pkg/model"
)

// Client talks to the coordination server. Transient failures (network
// errors, 5xx) are retried with exponential backoff; 4xx responses are
// terminal and returned immediately.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	// MaxElapsed bounds the total retry window per call.
	MaxElapsed time.Duration
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "client"),
		MaxElapsed: 2 * time.Minute,
	}
}

// envelope mirrors the server's response envelope with the data left raw
// for caller-side decoding.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *model.APIError `json:"error"`
}

// do runs one API call with retry. out may be nil when the response data is
// not needed.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	policy := backoff.WithContext(c.backoffPolicy(), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Warn("request failed, retrying", "method", method, "path", path, "error", err)
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 500 {
			c.logger.Warn("server error, retrying", "method", method, "path", path, "status", resp.StatusCode)
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if resp.StatusCode >= 400 {
			if env.Error != nil {
				return backoff.Permanent(env.Error)
			}
			return backoff.Permanent(fmt.Errorf("request failed with %d", resp.StatusCode))
		}

		if out != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode data: %w", err))
			}
		}
		return nil
	}, policy)
}

func (c *Client) backoffPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = c.MaxElapsed
	return policy
}

// CreateSession registers a new leasing session for the site.
func (c *Client) CreateSession(ctx context.Context, siteID, batchJobID string) (*model.Session, error) {
	var sess model.Session
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", map[string]string{
		"site_id":      siteID,
		"batch_job_id": batchJobID,
	}, &sess)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &sess, nil
}

// Tick refreshes the session heartbeat.
func (c *Client) Tick(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodPut, "/api/v1/sessions/"+sessionID, nil, nil); err != nil {
		return fmt.Errorf("tick session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteSession ends the session, releasing its leases server-side.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+sessionID, nil, nil); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// Acquire leases jobs for the session.
func (c *Client) Acquire(ctx context.Context, sessionID string, spec model.AcquireSpec) ([]*model.Job, error) {
	var jobs []*model.Job
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/acquire", spec, &jobs)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	return jobs, nil
}

// BulkUpdate writes a batch of job status updates.
func (c *Client) BulkUpdate(ctx context.Context, updates []model.JobUpdate) error {
	if err := c.do(ctx, http.MethodPatch, "/api/v1/jobs", updates, nil); err != nil {
		return fmt.Errorf("bulk update: %w", err)
	}
	return nil
}

// ListBatchJobs returns the batch jobs known to the server, optionally
// filtered by state.
func (c *Client) ListBatchJobs(ctx context.Context, state string) ([]*model.BatchJob, error) {
	path := "/api/v1/batch-jobs"
	if state != "" {
		path += "?state=" + state
	}
	var batchJobs []*model.BatchJob
	if err := c.do(ctx, http.MethodGet, path, nil, &batchJobs); err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	return batchJobs, nil
}

// UpdateBatchJob reports scheduler-side progress for one batch job.
func (c *Client) UpdateBatchJob(ctx context.Context, id string, patch model.BatchJobPatch) error {
	if err := c.do(ctx, http.MethodPatch, "/api/v1/batch-jobs/"+id, patch, nil); err != nil {
		return fmt.Errorf("update batch job %s: %w", id, err)
	}
	return nil
}

// RunHeartbeat ticks the session on an interval until ctx is cancelled. A
// failed tick is logged; the session survives as long as one tick lands
// within the server's timeout.
func (c *Client) RunHeartbeat(ctx context.Context, sessionID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Tick(ctx, sessionID); err != nil {
				c.logger.Warn("heartbeat failed", "session_id", sessionID, "error", err)
			}
		}
	}
}
