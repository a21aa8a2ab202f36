package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"go.uber.org/zap"
)

// PostgresJobStore implements JobStore on PostgreSQL. The job document is
// stored as jsonb alongside the columns the lease queries need; acquisition
// is a single UPDATE with SKIP LOCKED, so two workers can never claim the
// same job.
type PostgresJobStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresJobStore creates a new PostgreSQL job store sharing the data
// store's pool.
func NewPostgresJobStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresJobStore {
	return &PostgresJobStore{pool: pool, logger: logger}
}

func marshalJob(job *model.ReindexJob) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fhirerrors.Internal("failed to marshal job", err)
	}
	return data, nil
}

func unmarshalJob(data []byte) (*model.ReindexJob, error) {
	var job model.ReindexJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fhirerrors.Internal("failed to unmarshal job", err)
	}
	return &job, nil
}

// CreateJob persists a new job, enforcing the single-active-job rule. The
// partial unique index on non-terminal statuses makes the check atomic.
func (s *PostgresJobStore) CreateJob(ctx context.Context, job *model.ReindexJob) (*LeasedJob, error) {
	payload, err := marshalJob(job)
	if err != nil {
		return nil, err
	}
	etag := uuid.NewString()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO reindex_jobs (id, etag, status, heartbeat_at, created_at, last_modified, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, etag, string(job.Status), job.HeartbeatAt, job.CreatedAt, job.LastModified, payload)
	if err != nil {
		if fhirerrors.IsKind(translatePgError("create job", err), fhirerrors.KindConflict) {
			return nil, fhirerrors.Conflict("a reindex job is already active")
		}
		return nil, translatePgError("create job", err)
	}
	return &LeasedJob{Job: job.Clone(), ETag: etag}, nil
}

// GetJob returns a job and its etag.
func (s *PostgresJobStore) GetJob(ctx context.Context, id string) (*LeasedJob, error) {
	var payload []byte
	var etag string
	err := s.pool.QueryRow(ctx, `
		SELECT payload, etag FROM reindex_jobs WHERE id = $1
	`, id).Scan(&payload, &etag)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fhirerrors.JobNotFound(id)
	}
	if err != nil {
		return nil, translatePgError("get job", err)
	}
	job, err := unmarshalJob(payload)
	if err != nil {
		return nil, err
	}
	return &LeasedJob{Job: job, ETag: etag}, nil
}

// UpdateJob conditionally replaces a job.
func (s *PostgresJobStore) UpdateJob(ctx context.Context, job *model.ReindexJob, etag string) (*LeasedJob, error) {
	cp := job.Clone()
	cp.LastModified = time.Now().UTC()
	payload, err := marshalJob(cp)
	if err != nil {
		return nil, err
	}
	newETag := uuid.NewString()
	// Terminal jobs are immutable: the status filter makes the etag guard
	// also reject writes to finished jobs.
	tag, err := s.pool.Exec(ctx, `
		UPDATE reindex_jobs
		SET etag = $3, status = $4, heartbeat_at = $5, last_modified = $6, payload = $7
		WHERE id = $1 AND etag = $2
		  AND status NOT IN ('Completed', 'Canceled', 'Failed')
	`, cp.ID, etag, newETag, string(cp.Status), cp.HeartbeatAt, cp.LastModified, payload)
	if err != nil {
		return nil, translatePgError("update job", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM reindex_jobs WHERE id = $1)
		`, cp.ID).Scan(&exists); err != nil {
			return nil, translatePgError("update job", err)
		}
		if !exists {
			return nil, fhirerrors.JobNotFound(cp.ID)
		}
		return nil, fhirerrors.PreconditionFailed("job etag mismatch")
	}
	return &LeasedJob{Job: cp, ETag: newETag}, nil
}

// AcquireJobs claims leasable jobs in one server-side statement.
func (s *PostgresJobStore) AcquireJobs(ctx context.Context, max int, threshold time.Duration) ([]*LeasedJob, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE reindex_jobs
		SET etag = gen_random_uuid()::text,
		    heartbeat_at = NOW(),
		    last_modified = NOW()
		WHERE id IN (
			SELECT id FROM reindex_jobs
			WHERE status IN ('Queued', 'Running')
			  AND heartbeat_at < NOW() - $2::interval
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING payload, etag, heartbeat_at
	`, max, fmt.Sprintf("%f seconds", threshold.Seconds()))
	if err != nil {
		return nil, translatePgError("acquire jobs", err)
	}
	defer rows.Close()

	var claimed []*LeasedJob
	for rows.Next() {
		var payload []byte
		var etag string
		var heartbeat time.Time
		if err := rows.Scan(&payload, &etag, &heartbeat); err != nil {
			return nil, translatePgError("acquire jobs", err)
		}
		job, err := unmarshalJob(payload)
		if err != nil {
			return nil, err
		}
		job.HeartbeatAt = heartbeat
		claimed = append(claimed, &LeasedJob{Job: job, ETag: etag})
	}
	return claimed, translatePgError("acquire jobs", rows.Err())
}

// CheckActive reports whether a non-terminal job exists.
func (s *PostgresJobStore) CheckActive(ctx context.Context) (bool, string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM reindex_jobs
		WHERE status NOT IN ('Completed', 'Canceled', 'Failed')
		LIMIT 1
	`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", translatePgError("check active", err)
	}
	return true, id, nil
}

// Ping checks database connectivity.
func (s *PostgresJobStore) Ping(ctx context.Context) error {
	return translatePgError("ping", s.pool.Ping(ctx))
}

// Close is a no-op; the pool is owned by the data store.
func (s *PostgresJobStore) Close() {}
