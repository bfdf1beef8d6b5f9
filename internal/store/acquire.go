package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/me/gohpc/pkg/model"
)

// --- Session operations ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	s.logger.Debug("sql", "op", "insert", "table", "sessions", "id", sess.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, site_id, batch_job_id, heartbeat, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.SiteID, sess.BatchJobID,
		sess.Heartbeat.Format(time.RFC3339Nano), sess.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s.logger.Debug("sql", "op", "select", "table", "sessions", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, site_id, batch_job_id, heartbeat, created_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*model.Session, error) {
	s.logger.Debug("sql", "op", "list", "table", "sessions")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, site_id, batch_job_id, heartbeat, created_at FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(row scanner) (*model.Session, error) {
	var sess model.Session
	var heartbeat, createdAt string

	err := row.Scan(&sess.ID, &sess.SiteID, &sess.BatchJobID, &heartbeat, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sess.Heartbeat, _ = time.Parse(time.RFC3339Nano, heartbeat)
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &sess, nil
}

// TickSession refreshes the session heartbeat only; leases are untouched.
func (s *SQLiteStore) TickSession(ctx context.Context, id string, heartbeat time.Time) error {
	s.logger.Debug("sql", "op", "tick", "table", "sessions", "id", id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET heartbeat = ? WHERE id = ?`,
		heartbeat.Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// DeleteSession removes the session and releases its leases. RUNNING jobs
// owned by the session return to RESTART_READY so another session can
// resume them.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "sessions", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := releaseSessionJobs(ctx, tx, id); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s not found", id)
	}

	return tx.Commit()
}

// ReapExpiredSessions deletes every session whose heartbeat is older than
// timeout and releases its leased jobs. Returns the number of sessions
// reaped.
func (s *SQLiteStore) ReapExpiredSessions(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout).Format(time.RFC3339Nano)
	s.logger.Debug("sql", "op", "reap", "table", "sessions", "cutoff", cutoff)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM sessions WHERE heartbeat < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range expired {
		if err := releaseSessionJobs(ctx, tx, id); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return 0, err
		}
		s.logger.Info("session reaped", "session_id", id)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(expired), nil
}

// releaseSessionJobs clears the session binding on all jobs the session
// holds. RUNNING jobs are fenced back to RESTART_READY; every other state
// keeps its state and simply becomes acquirable again.
func releaseSessionJobs(ctx context.Context, tx execer, sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, state_timestamp = ?, session_id = NULL
		 WHERE session_id = ? AND state = ?`,
		string(model.JobStateRestartReady), now, sessionID, string(model.JobStateRunning),
	); err != nil {
		return fmt.Errorf("fence running jobs: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET session_id = NULL WHERE session_id = ?`, sessionID,
	); err != nil {
		return fmt.Errorf("release jobs: %w", err)
	}
	return nil
}

// --- Job acquisition ---

// AcquireJobs atomically leases up to spec.MaxNumJobs jobs for the session.
// Candidates are unleased rows in the requested states whose parents have
// all reached JOB_FINISHED, ordered by creation time. Resource and tag
// filters are applied, then jobs are claimed greedily while the aggregate
// node total stays within budget. The claim guard (session_id IS NULL)
// inside the transaction makes double-leasing impossible across concurrent
// sessions.
func (s *SQLiteStore) AcquireJobs(ctx context.Context, sessionID string, spec model.AcquireSpec) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "acquire", "session_id", sessionID, "max", spec.MaxNumJobs)

	states := spec.States
	if len(states) == 0 {
		states = model.ProcessingStates()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]any, 0, len(states))
	for _, st := range states {
		args = append(args, string(st))
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs j
		 WHERE j.session_id IS NULL
		   AND j.state IN (`+placeholders+`)
		   AND NOT EXISTS (
		       SELECT 1 FROM job_deps d
		       JOIN jobs p ON p.id = d.parent_id
		       WHERE d.child_id = j.id AND p.state != 'JOB_FINISHED')
		 ORDER BY j.created_at, j.id`, args...)
	if err != nil {
		return nil, err
	}
	candidates, err := s.scanJobs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)
	aggregateNodes := 0
	var acquired []*model.Job

	for _, job := range candidates {
		if spec.MaxNumJobs > 0 && len(acquired) >= spec.MaxNumJobs {
			break
		}
		if !matchesSpec(job, spec) {
			continue
		}
		if spec.MaxAggregateNodes > 0 && aggregateNodes+job.Resources.NumNodes > spec.MaxAggregateNodes {
			continue
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE jobs SET session_id = ?, state_timestamp = ?
			 WHERE id = ? AND session_id IS NULL`,
			sessionID, nowStr, job.ID)
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", job.ID, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			continue
		}

		job.SessionID = sessionID
		job.StateTimestamp = now
		aggregateNodes += job.Resources.NumNodes
		acquired = append(acquired, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	for _, job := range acquired {
		if err := s.loadParents(ctx, job); err != nil {
			return nil, err
		}
	}
	return acquired, nil
}

// matchesSpec applies the per-job acquire filters.
func matchesSpec(job *model.Job, spec model.AcquireSpec) bool {
	if spec.MaxWallTimeMin > 0 && job.Resources.WallTimeMin > spec.MaxWallTimeMin {
		return false
	}
	if spec.MaxNodesPerJob > 0 && job.Resources.NumNodes > spec.MaxNodesPerJob {
		return false
	}
	if spec.SerialOnly && !job.Resources.IsSerial() {
		return false
	}
	if !job.HasTags(spec.FilterTags) {
		return false
	}
	if len(spec.AppIDs) > 0 {
		found := false
		for _, id := range spec.AppIDs {
			if id == job.AppID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
