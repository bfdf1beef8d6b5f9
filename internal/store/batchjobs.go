package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/me/gohpc/pkg/model"
)

const batchJobColumns = `id, site_id, scheduler_id, project, queue, num_nodes,
	 wall_time_min, job_mode, partitions, optional_params, filter_tags, state,
	 status_info, start_time, end_time`

// --- Batch job CRUD ---

func (s *SQLiteStore) CreateBatchJob(ctx context.Context, bj *model.BatchJob) error {
	s.logger.Debug("sql", "op", "insert", "table", "batch_jobs", "id", bj.ID)

	partitionsJSON, err := json.Marshal(bj.Partitions)
	if err != nil {
		return fmt.Errorf("marshal partitions: %w", err)
	}
	optionalJSON, err := json.Marshal(bj.OptionalParams)
	if err != nil {
		return fmt.Errorf("marshal optional_params: %w", err)
	}
	filterTagsJSON, err := json.Marshal(bj.FilterTags)
	if err != nil {
		return fmt.Errorf("marshal filter_tags: %w", err)
	}
	statusInfoJSON, err := json.Marshal(bj.StatusInfo)
	if err != nil {
		return fmt.Errorf("marshal status_info: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batch_jobs (`+batchJobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bj.ID, bj.SiteID, bj.SchedulerID, bj.Project, bj.Queue, bj.NumNodes,
		bj.WallTimeMin, string(bj.JobMode), string(partitionsJSON), string(optionalJSON),
		string(filterTagsJSON), string(bj.State), string(statusInfoJSON),
		formatTimePtr(bj.StartTime), formatTimePtr(bj.EndTime),
	)
	return err
}

func (s *SQLiteStore) GetBatchJob(ctx context.Context, id string) (*model.BatchJob, error) {
	s.logger.Debug("sql", "op", "select", "table", "batch_jobs", "id", id)

	return scanBatchJob(s.db.QueryRowContext(ctx,
		`SELECT `+batchJobColumns+` FROM batch_jobs WHERE id = ?`, id))
}

func (s *SQLiteStore) ListBatchJobs(ctx context.Context, opts model.ListOptions) ([]*model.BatchJob, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "batch_jobs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	whereSQL := ""
	var args []any
	if opts.State != "" {
		whereSQL = " WHERE state = ?"
		args = append(args, opts.State)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_jobs`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchJobColumns+` FROM batch_jobs`+whereSQL+` ORDER BY id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var batchJobs []*model.BatchJob
	for rows.Next() {
		bj, err := scanBatchJob(rows)
		if err != nil {
			return nil, 0, err
		}
		batchJobs = append(batchJobs, bj)
	}
	return batchJobs, total, rows.Err()
}

func (s *SQLiteStore) UpdateBatchJob(ctx context.Context, bj *model.BatchJob) error {
	s.logger.Debug("sql", "op", "update", "table", "batch_jobs", "id", bj.ID)

	statusInfoJSON, err := json.Marshal(bj.StatusInfo)
	if err != nil {
		return fmt.Errorf("marshal status_info: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET scheduler_id=?, state=?, status_info=?, start_time=?, end_time=?
		 WHERE id=?`,
		bj.SchedulerID, string(bj.State), string(statusInfoJSON),
		formatTimePtr(bj.StartTime), formatTimePtr(bj.EndTime), bj.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("batch job %s not found", bj.ID)
	}
	return nil
}

func scanBatchJob(row scanner) (*model.BatchJob, error) {
	var bj model.BatchJob
	var jobMode, state string
	var partitionsJSON, optionalJSON, filterTagsJSON, statusInfoJSON string
	var startTime, endTime *string

	err := row.Scan(
		&bj.ID, &bj.SiteID, &bj.SchedulerID, &bj.Project, &bj.Queue, &bj.NumNodes,
		&bj.WallTimeMin, &jobMode, &partitionsJSON, &optionalJSON,
		&filterTagsJSON, &state, &statusInfoJSON, &startTime, &endTime,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	bj.JobMode = model.JobMode(jobMode)
	bj.State = model.BatchJobState(state)
	json.Unmarshal([]byte(partitionsJSON), &bj.Partitions)
	json.Unmarshal([]byte(optionalJSON), &bj.OptionalParams)
	json.Unmarshal([]byte(filterTagsJSON), &bj.FilterTags)
	json.Unmarshal([]byte(statusInfoJSON), &bj.StatusInfo)
	bj.StartTime = parseTimePtr(startTime)
	bj.EndTime = parseTimePtr(endTime)

	return &bj, nil
}

// --- Transfer item tracking ---

func (s *SQLiteStore) CreateTransferItem(ctx context.Context, item *model.TransferItem) error {
	s.logger.Debug("sql", "op", "insert", "table", "transfer_items", "id", item.ID)

	infoJSON, err := json.Marshal(item.TransferInfo)
	if err != nil {
		return fmt.Errorf("marshal transfer_info: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transfer_items (id, job_id, direction, location_alias, remote_path,
		 local_path, recursive, state, task_id, transfer_info)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.JobID, string(item.Direction), item.LocationAlias, item.RemotePath,
		item.LocalPath, boolToInt(item.Recursive), string(item.State), item.TaskID, string(infoJSON),
	)
	return err
}

func (s *SQLiteStore) ListTransferItemsByJob(ctx context.Context, jobID string) ([]*model.TransferItem, error) {
	s.logger.Debug("sql", "op", "list", "table", "transfer_items", "job_id", jobID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, direction, location_alias, remote_path, local_path,
		 recursive, state, task_id, transfer_info
		 FROM transfer_items WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*model.TransferItem
	for rows.Next() {
		var item model.TransferItem
		var direction, state, infoJSON string
		var recursive int

		if err := rows.Scan(&item.ID, &item.JobID, &direction, &item.LocationAlias,
			&item.RemotePath, &item.LocalPath, &recursive, &state, &item.TaskID, &infoJSON); err != nil {
			return nil, err
		}

		item.Direction = model.TransferDirection(direction)
		item.State = model.TransferState(state)
		item.Recursive = recursive != 0
		json.Unmarshal([]byte(infoJSON), &item.TransferInfo)

		items = append(items, &item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) UpdateTransferItem(ctx context.Context, item *model.TransferItem) error {
	s.logger.Debug("sql", "op", "update", "table", "transfer_items", "id", item.ID)

	infoJSON, err := json.Marshal(item.TransferInfo)
	if err != nil {
		return fmt.Errorf("marshal transfer_info: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE transfer_items SET state=?, task_id=?, transfer_info=? WHERE id=?`,
		string(item.State), item.TaskID, string(infoJSON), item.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("transfer item %s not found", item.ID)
	}
	return nil
}

// --- column helpers ---

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
