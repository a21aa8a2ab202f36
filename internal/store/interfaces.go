package store

import (
	"context"
	"time"

	"github.com/jyotsnaravikumar/fhir-server/internal/model"
)

// DataStore is the backend contract for resource rows and their search-index
// rows. Implementations must never leak backend-specific error codes; every
// error crossing this interface is an *fhirerrors.OperationError.
//
// Conditional operations rely on the backend's own conditional-write
// primitive. Callers never serialize writes with application-level locks.
type DataStore interface {
	// GetCurrent returns the current version, deleted or not.
	// KindNotFound when no current row exists.
	GetCurrent(ctx context.Context, resourceType, logicalID string) (*model.Record, error)

	// GetVersion returns exactly the addressed history or current row.
	// KindNotFound when that version does not exist, even if another does.
	GetVersion(ctx context.Context, resourceType, logicalID string, version int64) (*model.Record, error)

	// InsertNew inserts rec as the first current version. KindConflict when a
	// current row already exists.
	InsertNew(ctx context.Context, rec *model.Record) error

	// ReplaceCurrent installs rec as the new current version, conditional on
	// the current row still being priorVersion. The prior row becomes history
	// when keepHistory, and is removed along with its index rows otherwise.
	// KindConflict when the condition no longer holds; KindNotFound when no
	// current row exists.
	ReplaceCurrent(ctx context.Context, rec *model.Record, priorVersion int64, keepHistory bool) error

	// HardDelete removes the current row, all history and all index rows.
	// Idempotent: deleting a never-existed key succeeds.
	HardDelete(ctx context.Context, resourceType, logicalID string) error

	// UpdateIndex atomically replaces the current row's index rows and
	// search-parameter hash without touching version, last-modified or raw
	// bytes. KindPreconditionFailed when rec.Version is not the current
	// version; KindNotFound when no current row exists.
	UpdateIndex(ctx context.Context, rec *model.Record) error

	// UpdateIndexBatch applies UpdateIndex to every record in one
	// transactional batch. Any precondition or not-found failure aborts the
	// whole batch.
	UpdateIndexBatch(ctx context.Context, recs []*model.Record) error

	// ListCurrent pages through current non-deleted records of a type in
	// logical-id order. An empty cursor starts from the beginning; the
	// returned cursor is empty when the type is exhausted.
	ListCurrent(ctx context.Context, resourceType, cursor string, limit int) ([]*model.Record, string, error)

	// CountCurrent counts current non-deleted records of a type.
	CountCurrent(ctx context.Context, resourceType string) (int64, error)

	// ResourceTypes lists the types with at least one current record.
	ResourceTypes(ctx context.Context) ([]string, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	Close()
}

// LeasedJob pairs a job with the etag guarding its next conditional update.
type LeasedJob struct {
	Job  *model.ReindexJob
	ETag string
}

// JobStore is the backend contract for reindex job persistence and lease
// acquisition. AcquireJobs is the trust anchor for single-ownership: it must
// be a server-side atomic (stored statement or script), never a client-side
// read-then-write.
type JobStore interface {
	// CreateJob persists a new job. KindConflict when any non-terminal job
	// already exists.
	CreateJob(ctx context.Context, job *model.ReindexJob) (*LeasedJob, error)

	// GetJob returns the job and its current etag. KindNotFound when absent.
	GetJob(ctx context.Context, id string) (*LeasedJob, error)

	// UpdateJob conditionally replaces the job. KindPreconditionFailed on
	// etag mismatch; KindNotFound when the job is gone.
	UpdateJob(ctx context.Context, job *model.ReindexJob, etag string) (*LeasedJob, error)

	// AcquireJobs atomically claims up to max Queued or Running jobs whose
	// heartbeat is older than threshold (a new job carries a zero heartbeat
	// and is claimable exactly once). Every returned job has HeartbeatAt
	// stamped and its etag advanced before the call returns, so two
	// concurrent callers can never claim the same job.
	AcquireJobs(ctx context.Context, max int, threshold time.Duration) ([]*LeasedJob, error)

	// CheckActive reports whether a non-terminal job exists, and its id.
	CheckActive(ctx context.Context) (bool, string, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	Close()
}
