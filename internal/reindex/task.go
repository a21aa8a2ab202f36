package reindex

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/metrics"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"github.com/jyotsnaravikumar/fhir-server/internal/search"
	"github.com/jyotsnaravikumar/fhir-server/internal/service"
	"github.com/jyotsnaravikumar/fhir-server/internal/store"
	"go.uber.org/zap"
)

// checkpointRetries bounds transient retries of the job-update checkpoint.
// Beyond the bound the job fails.
const checkpointRetries = 5

// errLeaseLost marks a checkpoint rejection caused by another writer owning
// the job: the task abandons without persisting anything further.
var errLeaseLost = errors.New("reindex lease lost")

// Task drives one leased reindex job: it determines the target parameter set,
// pages through resources, extracts index rows, writes them through the
// IndexWriter, and checkpoints progress. Every checkpoint renews the lease;
// there is no separate heartbeat path.
type Task struct {
	job  *model.ReindexJob
	etag string

	dataStore store.DataStore
	jobs      store.JobStore
	writer    *service.IndexWriter
	resolver  search.SupportResolver
	extractor *search.Extractor
	throttle  *Throttle
	metrics   *metrics.Metrics
	logger    *zap.Logger
	clock     func() time.Time
}

func newTask(
	leased *store.LeasedJob,
	dataStore store.DataStore,
	jobs store.JobStore,
	writer *service.IndexWriter,
	resolver search.SupportResolver,
	extractor *search.Extractor,
	throttle *Throttle,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Task {
	return &Task{
		job:       leased.Job.Clone(),
		etag:      leased.ETag,
		dataStore: dataStore,
		jobs:      jobs,
		writer:    writer,
		resolver:  resolver,
		extractor: extractor,
		throttle:  throttle,
		metrics:   m,
		logger:    logger.With(zap.String("job_id", leased.Job.ID)),
		clock:     time.Now,
	}
}

// Run executes the job state machine until a terminal state, a lost lease,
// or cancellation.
func (t *Task) Run(ctx context.Context) {
	if t.job.Status.Terminal() {
		return
	}

	if t.job.Status == model.JobQueued {
		if err := t.initialize(ctx); err != nil {
			t.finish(ctx, err)
			return
		}
	}

	for len(t.job.RemainingTypes) > 0 {
		if err := ctx.Err(); err != nil {
			t.finish(ctx, fhirerrors.Canceled(err))
			return
		}
		if err := t.runBatch(ctx); err != nil {
			t.finish(ctx, err)
			return
		}
	}

	t.complete(ctx)
}

// initialize performs the Queued -> Running transition: it fixes the target
// set, the per-type expected hashes and the total counters.
func (t *Task) initialize(ctx context.Context) error {
	types, err := t.dataStore.ResourceTypes(ctx)
	if err != nil {
		return err
	}

	targets := make(map[string]struct{}, len(t.job.TargetParams))
	for _, url := range t.job.TargetParams {
		targets[url] = struct{}{}
	}

	for _, resourceType := range types {
		applies := false
		for _, p := range t.resolver.SupportedButNotSearchable(resourceType) {
			if _, ok := targets[p.URL]; ok {
				applies = true
				break
			}
		}
		if !applies {
			continue
		}
		total, err := t.dataStore.CountCurrent(ctx, resourceType)
		if err != nil {
			return err
		}
		t.job.ExpectedHashes[resourceType] = t.resolver.Hash(resourceType)
		t.job.Counts[resourceType] = &model.ResourceCount{Total: total}
		t.job.RemainingTypes = append(t.job.RemainingTypes, resourceType)
	}

	t.job.Status = model.JobRunning
	t.job.Continuation = ""
	t.logger.Info("Reindex job starting",
		zap.Strings("resource_types", t.job.RemainingTypes),
		zap.Int64("total", t.job.TotalCounts().Total))
	return t.checkpoint(ctx)
}

// runBatch processes one page of the current resource type and checkpoints.
func (t *Task) runBatch(ctx context.Context) error {
	batchSize, delay := t.throttle.Next()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return fhirerrors.Canceled(ctx.Err())
		case <-time.After(delay):
		}
	}

	resourceType := t.job.RemainingTypes[0]
	recs, next, err := t.dataStore.ListCurrent(ctx, resourceType, t.job.Continuation, batchSize)
	if err != nil {
		if fhirerrors.IsKind(err, fhirerrors.KindRateLimited) {
			t.throttle.ObserveRateLimited()
			return t.checkpoint(ctx)
		}
		return err
	}

	processed, failed, err := t.reindexPage(ctx, resourceType, recs)
	if err != nil {
		if fhirerrors.IsKind(err, fhirerrors.KindRateLimited) {
			// Feed the oracle and leave the continuation in place so the
			// page is retried.
			t.throttle.ObserveRateLimited()
			return t.checkpoint(ctx)
		}
		return err
	}
	t.throttle.ObserveSuccess()
	t.metrics.ReindexBatchesTotal.Inc()
	t.metrics.ReindexResourcesProcessed.Add(float64(processed))
	t.metrics.ReindexResourcesFailed.Add(float64(failed))

	counts := t.job.Counts[resourceType]
	counts.Processed += processed
	counts.Failed += failed

	if next == "" {
		t.job.RemainingTypes = t.job.RemainingTypes[1:]
		t.job.Continuation = ""
		t.logger.Info("Resource type reindexed",
			zap.String("resource_type", resourceType),
			zap.Int64("processed", counts.Processed),
			zap.Int64("failed", counts.Failed))
	} else {
		t.job.Continuation = next
	}
	return t.checkpoint(ctx)
}

// reindexPage extracts and rewrites the index rows of one page.
func (t *Task) reindexPage(ctx context.Context, resourceType string, recs []*model.Record) (int64, int64, error) {
	if len(recs) == 0 {
		return 0, 0, nil
	}
	expected := t.job.ExpectedHashes[resourceType]
	params := t.resolver.MaterializableParameters(resourceType)

	var processed, failed int64
	updates := make([]*model.Record, 0, len(recs))
	for _, rec := range recs {
		rows, err := t.extractor.Extract(rec, params)
		if err != nil {
			failed++
			t.logger.Warn("Extraction failed during reindex",
				zap.String("resource_type", rec.Type),
				zap.String("logical_id", rec.LogicalID),
				zap.Error(err))
			continue
		}
		rec.IndexRows = rows
		rec.SearchParamHash = expected
		updates = append(updates, rec)
	}

	err := t.writer.UpdateIndexBatch(ctx, updates)
	if err == nil {
		return processed + int64(len(updates)), failed, nil
	}
	switch fhirerrors.KindOf(err) {
	case fhirerrors.KindPreconditionFailed, fhirerrors.KindNotFound:
		// A concurrent upsert moved at least one record; the batch is
		// atomic, so fall back to per-record writes.
		p, f := t.reindexIndividually(ctx, expected, updates)
		return processed + p, failed + f, nil
	}
	return 0, 0, err
}

// reindexIndividually retries a failed batch record by record. A record that
// was re-upserted concurrently already carries indices extracted under the
// current rule set and counts as processed.
func (t *Task) reindexIndividually(ctx context.Context, expected string, recs []*model.Record) (int64, int64) {
	var processed, failed int64
	for _, rec := range recs {
		err := t.writer.UpdateIndex(ctx, rec)
		if err == nil {
			processed++
			continue
		}
		switch fhirerrors.KindOf(err) {
		case fhirerrors.KindPreconditionFailed:
			current, gerr := t.dataStore.GetCurrent(ctx, rec.Type, rec.LogicalID)
			if gerr == nil && (current.IsDeleted || current.SearchParamHash == expected) {
				processed++
			} else {
				failed++
			}
		case fhirerrors.KindNotFound:
			// Hard-deleted mid-job; nothing left to index.
			processed++
		default:
			failed++
			t.logger.Warn("Index rewrite failed",
				zap.String("resource_type", rec.Type),
				zap.String("logical_id", rec.LogicalID),
				zap.Error(err))
		}
	}
	return processed, failed
}

// checkpoint persists the job, renewing the lease. A rejected etag means the
// job was canceled or re-leased elsewhere.
func (t *Task) checkpoint(ctx context.Context) error {
	t.job.HeartbeatAt = t.clock().UTC()

	op := func() error {
		leased, err := t.jobs.UpdateJob(ctx, t.job, t.etag)
		if err == nil {
			t.etag = leased.ETag
			return nil
		}
		switch fhirerrors.KindOf(err) {
		case fhirerrors.KindPreconditionFailed:
			return backoff.Permanent(t.resolveCheckpointRace(ctx))
		case fhirerrors.KindConflict, fhirerrors.KindRateLimited, fhirerrors.KindUnavailable:
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), checkpointRetries), ctx)
	return backoff.Retry(op, bo)
}

// resolveCheckpointRace inspects the persisted job after an etag rejection.
func (t *Task) resolveCheckpointRace(ctx context.Context) error {
	leased, err := t.jobs.GetJob(ctx, t.job.ID)
	if err != nil {
		return err
	}
	if leased.Job.Status == model.JobCanceled {
		return fhirerrors.Canceled(errJobCanceled)
	}
	// Another worker claimed the lease after it expired.
	return errLeaseLost
}

// finish routes a run-loop error to the correct terminal behavior.
func (t *Task) finish(ctx context.Context, err error) {
	if errors.Is(err, errLeaseLost) {
		t.logger.Info("Reindex lease lost, abandoning task")
		return
	}
	if errors.Is(err, errJobCanceled) {
		// Canceled was already persisted by the cancel command.
		t.logger.Info("Reindex task stopped by cancel command")
		return
	}
	if fhirerrors.IsKind(err, fhirerrors.KindCanceled) || errors.Is(err, context.Canceled) {
		t.handleCancel(ctx)
		return
	}
	t.fail(ctx, err)
}

// handleCancel routes a context cancellation. Cancellation reaches the task
// only two ways: the cancel command (which persisted Canceled before
// signalling) or worker shutdown (which must not write a terminal status).
func (t *Task) handleCancel(ctx context.Context) {
	if errors.Is(context.Cause(ctx), errJobCanceled) {
		t.logger.Info("Reindex task stopped by cancel command")
		return
	}
	// Worker shutdown: leave the job leased; another worker resumes it from
	// the persisted continuation after the heartbeat expires.
	t.logger.Info("Reindex task interrupted by shutdown")
}

// fail persists Failed with the structured reason.
func (t *Task) fail(ctx context.Context, cause error) {
	t.logger.Error("Reindex job failed", zap.Error(cause))
	t.job.Status = model.JobFailed
	t.job.FailureReason = cause.Error()
	if err := t.checkpoint(ctx); err != nil {
		t.logger.Warn("Failed to persist failed status", zap.Error(err))
	}
}

// complete promotes the target parameters and persists Completed.
func (t *Task) complete(ctx context.Context) {
	if err := t.resolver.Promote(ctx, t.job.TargetParams); err != nil {
		t.fail(ctx, err)
		return
	}
	t.job.Status = model.JobCompleted
	if err := t.checkpoint(ctx); err != nil {
		t.logger.Warn("Failed to persist completed status", zap.Error(err))
		return
	}
	total := t.job.TotalCounts()
	t.logger.Info("Reindex job completed",
		zap.Int64("processed", total.Processed),
		zap.Int64("failed", total.Failed),
		zap.Strings("promoted", t.job.TargetParams))
}
