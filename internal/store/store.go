package store

import (
	"context"
	"time"

	"github.com/me/gohpc/pkg/model"
)

// Store defines the persistence layer for jobs, sessions, batch jobs and
// transfer items.
type Store interface {
	// Job CRUD
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error)
	BulkUpdateJobs(ctx context.Context, updates []model.JobUpdate) error

	// Session lifecycle and leasing
	CreateSession(ctx context.Context, sess *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context) ([]*model.Session, error)
	TickSession(ctx context.Context, id string, heartbeat time.Time) error
	DeleteSession(ctx context.Context, id string) error
	AcquireJobs(ctx context.Context, sessionID string, spec model.AcquireSpec) ([]*model.Job, error)
	ReapExpiredSessions(ctx context.Context, timeout time.Duration) (int, error)

	// Batch job CRUD
	CreateBatchJob(ctx context.Context, bj *model.BatchJob) error
	GetBatchJob(ctx context.Context, id string) (*model.BatchJob, error)
	ListBatchJobs(ctx context.Context, opts model.ListOptions) ([]*model.BatchJob, int, error)
	UpdateBatchJob(ctx context.Context, bj *model.BatchJob) error

	// Transfer item tracking
	CreateTransferItem(ctx context.Context, item *model.TransferItem) error
	ListTransferItemsByJob(ctx context.Context, jobID string) ([]*model.TransferItem, error)
	UpdateTransferItem(ctx context.Context, item *model.TransferItem) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
