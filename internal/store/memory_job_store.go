package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"go.uber.org/zap"
)

// MemoryJobStore implements JobStore in process memory.
type MemoryJobStore struct {
	mu     sync.Mutex
	jobs   map[string]*jobRow
	logger *zap.Logger
	// clock is replaceable in tests.
	clock func() time.Time
}

type jobRow struct {
	job  *model.ReindexJob
	etag string
}

// NewMemoryJobStore creates a new in-memory job store.
func NewMemoryJobStore(logger *zap.Logger) *MemoryJobStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryJobStore{
		jobs:   make(map[string]*jobRow),
		logger: logger,
		clock:  time.Now,
	}
}

// SetClock overrides the store's clock. Tests only.
func (s *MemoryJobStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func newETag() string {
	return uuid.NewString()
}

// CreateJob persists a new job, enforcing the single-active-job rule.
func (s *MemoryJobStore) CreateJob(ctx context.Context, job *model.ReindexJob) (*LeasedJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, fhirerrors.Canceled(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.jobs {
		if !row.job.Status.Terminal() {
			return nil, fhirerrors.Conflict("a reindex job is already active").
				WithDetail("job_id", row.job.ID)
		}
	}
	row := &jobRow{job: job.Clone(), etag: newETag()}
	s.jobs[job.ID] = row
	return &LeasedJob{Job: row.job.Clone(), ETag: row.etag}, nil
}

// GetJob returns a job and its etag.
func (s *MemoryJobStore) GetJob(ctx context.Context, id string) (*LeasedJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, fhirerrors.Canceled(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[id]
	if !ok {
		return nil, fhirerrors.JobNotFound(id)
	}
	return &LeasedJob{Job: row.job.Clone(), ETag: row.etag}, nil
}

// UpdateJob conditionally replaces a job.
func (s *MemoryJobStore) UpdateJob(ctx context.Context, job *model.ReindexJob, etag string) (*LeasedJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, fhirerrors.Canceled(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[job.ID]
	if !ok {
		return nil, fhirerrors.JobNotFound(job.ID)
	}
	if row.etag != etag {
		return nil, fhirerrors.PreconditionFailed("job etag mismatch")
	}
	// Terminal jobs are immutable.
	if row.job.Status.Terminal() {
		return nil, fhirerrors.PreconditionFailed("job is in a terminal state")
	}
	cp := job.Clone()
	cp.LastModified = s.clock().UTC()
	row.job = cp
	row.etag = newETag()
	return &LeasedJob{Job: row.job.Clone(), ETag: row.etag}, nil
}

// AcquireJobs claims up to max leasable jobs, stamping heartbeats atomically.
func (s *MemoryJobStore) AcquireJobs(ctx context.Context, max int, threshold time.Duration) ([]*LeasedJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, fhirerrors.Canceled(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.jobs[ids[i]].job.CreatedAt.Before(s.jobs[ids[j]].job.CreatedAt)
	})

	var claimed []*LeasedJob
	for _, id := range ids {
		if len(claimed) >= max {
			break
		}
		row := s.jobs[id]
		j := row.job
		// The heartbeat is the claim: a freshly-created job carries a zero
		// heartbeat and is leasable exactly once until its lease expires.
		leasable := (j.Status == model.JobQueued || j.Status == model.JobRunning) &&
			now.Sub(j.HeartbeatAt) > threshold
		if !leasable {
			continue
		}
		j.HeartbeatAt = now
		j.LastModified = now
		row.etag = newETag()
		claimed = append(claimed, &LeasedJob{Job: j.Clone(), ETag: row.etag})
	}
	return claimed, nil
}

// CheckActive reports whether a non-terminal job exists.
func (s *MemoryJobStore) CheckActive(ctx context.Context) (bool, string, error) {
	if err := ctx.Err(); err != nil {
		return false, "", fhirerrors.Canceled(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, row := range s.jobs {
		if !row.job.Status.Terminal() {
			return true, id, nil
		}
	}
	return false, "", nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryJobStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close releases nothing for the in-memory store.
func (s *MemoryJobStore) Close() {}
