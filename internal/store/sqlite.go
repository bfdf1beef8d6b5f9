package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gohpc/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

const jobColumns = `id, workdir, tags, app_id, state, state_timestamp, state_data,
	 session_id, batch_job_id, num_nodes, ranks_per_node, threads_per_rank,
	 threads_per_core, gpus_per_rank, node_packing_count, wall_time_min,
	 launch_params, return_code, serialized_return_value, serialized_exception, created_at`

// --- Job CRUD ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", job.ID)

	tagsJSON, err := json.Marshal(job.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	stateDataJSON, err := json.Marshal(job.StateData)
	if err != nil {
		return fmt.Errorf("marshal state_data: %w", err)
	}
	launchParamsJSON, err := json.Marshal(job.Resources.LaunchParams)
	if err != nil {
		return fmt.Errorf("marshal launch_params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Workdir, string(tagsJSON), job.AppID,
		string(job.State), job.StateTimestamp.Format(time.RFC3339Nano), string(stateDataJSON),
		nullable(job.SessionID), job.BatchJobID,
		job.Resources.NumNodes, job.Resources.RanksPerNode, job.Resources.ThreadsPerRank,
		job.Resources.ThreadsPerCore, job.Resources.GPUsPerRank, job.Resources.NodePackingCount,
		job.Resources.WallTimeMin, string(launchParamsJSON),
		job.ReturnCode, job.SerializedReturnValue, job.SerializedException,
		job.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}

	for _, parentID := range job.ParentIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_deps (parent_id, child_id) VALUES (?, ?)`,
			parentID, job.ID,
		); err != nil {
			return fmt.Errorf("insert dep %s -> %s: %w", parentID, job.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	job, err := s.scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil || job == nil {
		return job, err
	}
	if err := s.loadParents(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	whereSQL := ""
	var args []any
	if opts.State != "" {
		whereSQL = " WHERE state = ?"
		args = append(args, opts.State)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+whereSQL+` ORDER BY created_at, id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs, err := s.scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	for _, job := range jobs {
		if err := s.loadParents(ctx, job); err != nil {
			return nil, 0, err
		}
	}
	return jobs, total, nil
}

// BulkUpdateJobs applies all updates in one transaction, in slice order, so
// the per-job sequence produced by a worker is preserved.
func (s *SQLiteStore) BulkUpdateJobs(ctx context.Context, updates []model.JobUpdate) error {
	s.logger.Debug("sql", "op", "bulk_update", "table", "jobs", "count", len(updates))
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, u := range updates {
		stateDataJSON, err := json.Marshal(u.StateData)
		if err != nil {
			return fmt.Errorf("marshal state_data for %s: %w", u.ID, err)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state=?, state_timestamp=?, state_data=?,
			 return_code=COALESCE(?, return_code),
			 serialized_return_value=CASE WHEN ?='' THEN serialized_return_value ELSE ? END,
			 serialized_exception=CASE WHEN ?='' THEN serialized_exception ELSE ? END
			 WHERE id=?`,
			string(u.State), u.StateTimestamp.Format(time.RFC3339Nano), string(stateDataJSON),
			u.ReturnCode,
			u.SerializedReturnValue, u.SerializedReturnValue,
			u.SerializedException, u.SerializedException,
			u.ID,
		)
		if err != nil {
			return err
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return fmt.Errorf("job %s not found", u.ID)
		}

		if u.State == model.JobStateFinished {
			if err := promoteChildren(ctx, tx, u.ID, u.StateTimestamp); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// promoteChildren advances AWAITING_PARENTS children of a finished parent
// whose dependencies are now all satisfied. Children with nothing left to
// stage in move straight to STAGED_IN and become acquirable.
func promoteChildren(ctx context.Context, tx execer, parentID string, ts time.Time) error {
	tsStr := ts.Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'READY', state_timestamp = ?
		 WHERE state = 'AWAITING_PARENTS'
		   AND id IN (SELECT child_id FROM job_deps WHERE parent_id = ?)
		   AND NOT EXISTS (
		       SELECT 1 FROM job_deps d
		       JOIN jobs p ON p.id = d.parent_id
		       WHERE d.child_id = jobs.id AND p.state != 'JOB_FINISHED')`,
		tsStr, parentID,
	); err != nil {
		return fmt.Errorf("promote children of %s: %w", parentID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'STAGED_IN', state_timestamp = ?
		 WHERE state = 'READY'
		   AND id IN (SELECT child_id FROM job_deps WHERE parent_id = ?)
		   AND NOT EXISTS (
		       SELECT 1 FROM transfer_items
		       WHERE job_id = jobs.id AND direction = 'stage_in' AND state != 'done')`,
		tsStr, parentID,
	); err != nil {
		return fmt.Errorf("stage children of %s: %w", parentID, err)
	}
	return nil
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanJob(row scanner) (*model.Job, error) {
	var job model.Job
	var tagsJSON, stateDataJSON, launchParamsJSON string
	var state, stateTimestamp, createdAt string
	var sessionID sql.NullString

	err := row.Scan(
		&job.ID, &job.Workdir, &tagsJSON, &job.AppID,
		&state, &stateTimestamp, &stateDataJSON,
		&sessionID, &job.BatchJobID,
		&job.Resources.NumNodes, &job.Resources.RanksPerNode, &job.Resources.ThreadsPerRank,
		&job.Resources.ThreadsPerCore, &job.Resources.GPUsPerRank, &job.Resources.NodePackingCount,
		&job.Resources.WallTimeMin, &launchParamsJSON,
		&job.ReturnCode, &job.SerializedReturnValue, &job.SerializedException,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.State = model.JobState(state)
	job.SessionID = sessionID.String
	json.Unmarshal([]byte(tagsJSON), &job.Tags)
	json.Unmarshal([]byte(stateDataJSON), &job.StateData)
	json.Unmarshal([]byte(launchParamsJSON), &job.Resources.LaunchParams)
	job.StateTimestamp, _ = time.Parse(time.RFC3339Nano, stateTimestamp)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return &job, nil
}

func (s *SQLiteStore) scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) loadParents(ctx context.Context, job *model.Job) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_id FROM job_deps WHERE child_id = ? ORDER BY parent_id`, job.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	job.ParentIDs = nil
	for rows.Next() {
		var parentID string
		if err := rows.Scan(&parentID); err != nil {
			return err
		}
		job.ParentIDs = append(job.ParentIDs, parentID)
	}
	return rows.Err()
}

// nullable maps the empty string to SQL NULL for lease columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
