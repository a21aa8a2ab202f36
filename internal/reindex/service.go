package reindex

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"github.com/jyotsnaravikumar/fhir-server/internal/search"
	"github.com/jyotsnaravikumar/fhir-server/internal/store"
	"go.uber.org/zap"
)

// cancelRetries bounds the conditional-update retries of CancelReindex.
const cancelRetries = 5

// localCanceller lets the command surface signal a task running in this
// process. Cancellation across workers is best-effort through the persisted
// status.
type localCanceller interface {
	CancelLocal(jobID string)
}

// Service is the reindex command surface: create, inspect and cancel jobs.
type Service struct {
	jobs     store.JobStore
	registry *search.Registry
	local    localCanceller
	logger   *zap.Logger
	clock    func() time.Time
}

// NewService creates a new reindex command service.
func NewService(jobs store.JobStore, registry *search.Registry, logger *zap.Logger) *Service {
	return &Service{
		jobs:     jobs,
		registry: registry,
		logger:   logger,
		clock:    time.Now,
	}
}

// SetLocalCanceller registers the in-process worker for cancel signals.
func (s *Service) SetLocalCanceller(c localCanceller) {
	s.local = c
}

// CreateReindex creates a new reindex job targeting scope, or every
// supported-but-not-searchable parameter when scope is empty. Conflict when a
// job is already active.
func (s *Service) CreateReindex(ctx context.Context, scope []string) (*model.ReindexJob, error) {
	found, activeID, err := s.jobs.CheckActive(ctx)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, fhirerrors.Conflict("a reindex job is already active").
			WithDetail("job_id", activeID)
	}

	pending := s.registry.PendingParameters()
	if len(pending) == 0 {
		return nil, fhirerrors.RequestNotValid("no search parameters await reindexing")
	}
	targets := make([]string, 0, len(pending))
	if len(scope) == 0 {
		for _, p := range pending {
			targets = append(targets, p.URL)
		}
	} else {
		byURL := make(map[string]struct{}, len(pending))
		for _, p := range pending {
			byURL[p.URL] = struct{}{}
		}
		for _, url := range scope {
			if _, ok := byURL[url]; !ok {
				return nil, fhirerrors.RequestNotValid("search parameter is not reindexable: " + url)
			}
			targets = append(targets, url)
		}
	}

	now := s.clock().UTC()
	// HeartbeatAt stays zero: an unclaimed job is immediately leasable and
	// the first acquire stamps it.
	job := &model.ReindexJob{
		ID:             uuid.NewString(),
		Status:         model.JobQueued,
		TargetParams:   targets,
		ExpectedHashes: make(map[string]string),
		Counts:         make(map[string]*model.ResourceCount),
		CreatedAt:      now,
		LastModified:   now,
	}
	leased, err := s.jobs.CreateJob(ctx, job)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Reindex job created",
		zap.String("job_id", job.ID),
		zap.Strings("target_params", targets))
	return leased.Job, nil
}

// GetReindex returns the job descriptor.
func (s *Service) GetReindex(ctx context.Context, id string) (*model.ReindexJob, error) {
	leased, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return leased.Job, nil
}

// CancelReindex marks a job Canceled. RequestNotValid when the job is already
// terminal. The update is retried on etag races; a locally-running task is
// signalled afterwards.
func (s *Service) CancelReindex(ctx context.Context, id string) (*model.ReindexJob, error) {
	var updated *model.ReindexJob

	op := func() error {
		leased, err := s.jobs.GetJob(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if leased.Job.Status.Terminal() {
			return backoff.Permanent(fhirerrors.RequestNotValid("reindex job is already in a terminal state").
				WithDetail("job_id", id).
				WithDetail("status", string(leased.Job.Status)))
		}
		job := leased.Job.Clone()
		now := s.clock().UTC()
		job.Status = model.JobCanceled
		job.CanceledAt = &now
		result, err := s.jobs.UpdateJob(ctx, job, leased.ETag)
		if err != nil {
			switch fhirerrors.KindOf(err) {
			case fhirerrors.KindPreconditionFailed, fhirerrors.KindConflict:
				// Another writer advanced the etag; re-read and retry.
				return err
			}
			return backoff.Permanent(err)
		}
		updated = result.Job
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cancelRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	if s.local != nil {
		s.local.CancelLocal(id)
	}
	s.logger.Info("Reindex job canceled", zap.String("job_id", id))
	return updated, nil
}
