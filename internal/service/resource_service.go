package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/metrics"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"github.com/jyotsnaravikumar/fhir-server/internal/search"
	"github.com/jyotsnaravikumar/fhir-server/internal/store"
	"github.com/jyotsnaravikumar/fhir-server/internal/validation"
	"go.uber.org/zap"
)

// transientRetries bounds the backoff applied to RateLimited and Unavailable
// backend responses before they surface to the caller.
const transientRetries = 4

// UpsertOptions control a single upsert.
type UpsertOptions struct {
	// IfMatch is the caller's version expectation; nil means unconditional.
	IfMatch     *int64
	AllowCreate bool
	KeepHistory bool
	// Method is the HTTP verb recorded on the new version.
	Method string
}

// ResourceService implements the versioned-store operation surface on top of
// a DataStore. All read-check-write sequences go through the backend's
// conditional-write primitive; there is no application-level locking.
type ResourceService struct {
	store     store.DataStore
	registry  *search.Registry
	extractor *search.Extractor
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	clock     func() time.Time
}

// NewResourceService creates a new resource service.
func NewResourceService(
	dataStore store.DataStore,
	registry *search.Registry,
	extractor *search.Extractor,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ResourceService {
	return &ResourceService{
		store:     dataStore,
		registry:  registry,
		extractor: extractor,
		validator: validation.NewValidator(),
		metrics:   m,
		logger:    logger,
		clock:     time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *ResourceService) SetClock(clock func() time.Time) {
	s.clock = clock
}

// retryTransient retries fn with exponential backoff while it fails with
// RateLimited or Unavailable. Every other error kind surfaces immediately.
func retryTransient(ctx context.Context, fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		switch fhirerrors.KindOf(err) {
		case fhirerrors.KindRateLimited, fhirerrors.KindUnavailable:
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), transientRetries), ctx)
	return backoff.Retry(op, bo)
}

// Upsert creates or updates a resource per the optimistic-concurrency
// contract.
func (s *ResourceService) Upsert(ctx context.Context, resourceType, logicalID string, raw []byte, opts UpsertOptions) (*model.UpsertResult, error) {
	start := s.clock()
	if err := s.validator.ValidateKey(resourceType, logicalID); err != nil {
		return nil, err
	}
	if err := s.validator.ValidatePayload(raw); err != nil {
		return nil, err
	}
	res, err := s.write(ctx, resourceType, logicalID, raw, opts, false)
	s.observe("upsert", start, err)
	if err == nil {
		s.metrics.UpsertsTotal.WithLabelValues(res.Outcome.String()).Inc()
	}
	return res, err
}

// write is the shared upsert/soft-delete machinery. markDeleted writes a
// tombstone version instead of content.
func (s *ResourceService) write(ctx context.Context, resourceType, logicalID string, raw []byte, opts UpsertOptions, markDeleted bool) (*model.UpsertResult, error) {
	// Fast path: blind insert when the caller holds no expectation. A
	// uniqueness collision falls through to the conditional loop.
	if opts.IfMatch == nil && opts.AllowCreate && !markDeleted {
		rec := s.buildRecord(resourceType, logicalID, model.InitialVersion, raw, opts.Method, false)
		err := retryTransient(ctx, func() error { return s.store.InsertNew(ctx, rec) })
		if err == nil {
			v := rec.Version
			return &model.UpsertResult{Outcome: model.OutcomeCreated, Version: &v, LastModified: rec.LastModified}, nil
		}
		if !fhirerrors.IsKind(err, fhirerrors.KindConflict) {
			return nil, err
		}
	}

	// Conditional loop: read, verify, replace keyed on the current version.
	// Retries are unbounded by design; the caller's context is the bound.
	for {
		if err := ctx.Err(); err != nil {
			return nil, fhirerrors.Canceled(err)
		}

		current, err := s.getCurrentRetry(ctx, resourceType, logicalID)
		if err != nil && !fhirerrors.IsKind(err, fhirerrors.KindNotFound) {
			return nil, err
		}

		if current == nil {
			if opts.IfMatch != nil {
				// The caller expects a version that no longer (or never) existed.
				return nil, fhirerrors.NotFound(resourceType, logicalID)
			}
			if markDeleted {
				return &model.UpsertResult{Outcome: model.OutcomeNoop}, nil
			}
			if !opts.AllowCreate {
				return nil, fhirerrors.MethodNotAllowed("create is not allowed for " + resourceType)
			}
			rec := s.buildRecord(resourceType, logicalID, model.InitialVersion, raw, opts.Method, false)
			err := retryTransient(ctx, func() error { return s.store.InsertNew(ctx, rec) })
			if fhirerrors.IsKind(err, fhirerrors.KindConflict) {
				s.metrics.UpsertRetriesTotal.Inc()
				continue
			}
			if err != nil {
				return nil, err
			}
			v := rec.Version
			return &model.UpsertResult{Outcome: model.OutcomeCreated, Version: &v, LastModified: rec.LastModified}, nil
		}

		if opts.IfMatch != nil && *opts.IfMatch != current.Version {
			return nil, fhirerrors.PreconditionFailed("version mismatch").
				WithDetail("expected", *opts.IfMatch).
				WithDetail("current", current.Version)
		}
		if markDeleted && current.IsDeleted {
			return &model.UpsertResult{Outcome: model.OutcomeNoop}, nil
		}

		rec := s.buildRecord(resourceType, logicalID, current.Version+1, raw, opts.Method, markDeleted)
		err = retryTransient(ctx, func() error {
			return s.store.ReplaceCurrent(ctx, rec, current.Version, opts.KeepHistory)
		})
		if fhirerrors.IsKind(err, fhirerrors.KindConflict) || fhirerrors.IsKind(err, fhirerrors.KindNotFound) {
			// Another writer moved the current row; re-read and retry.
			s.metrics.UpsertRetriesTotal.Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		v := rec.Version
		return &model.UpsertResult{Outcome: model.OutcomeUpdated, Version: &v, LastModified: rec.LastModified}, nil
	}
}

func (s *ResourceService) getCurrentRetry(ctx context.Context, resourceType, logicalID string) (*model.Record, error) {
	var current *model.Record
	err := retryTransient(ctx, func() error {
		rec, err := s.store.GetCurrent(ctx, resourceType, logicalID)
		current = rec
		return err
	})
	return current, err
}

// buildRecord assembles the envelope for a new version, patching meta into
// JSON payloads and extracting index rows under the current rule set.
func (s *ResourceService) buildRecord(resourceType, logicalID string, version int64, raw []byte, method string, markDeleted bool) *model.Record {
	now := s.clock().UTC()
	rec := &model.Record{
		Type:          resourceType,
		LogicalID:     logicalID,
		Version:       version,
		IsDeleted:     markDeleted,
		LastModified:  now,
		RequestMethod: method,
	}
	if markDeleted {
		rec.SearchParamHash = s.registry.Hash(resourceType)
		return rec
	}
	rec.RawBytes, rec.MetaEmbedded = patchMeta(raw, version, now)
	rec.SearchParamHash = s.registry.Hash(resourceType)

	rows, err := s.extractor.Extract(rec, s.registry.MaterializableParameters(resourceType))
	if err != nil {
		// Extraction failures never block the write; the record stays
		// reindex eligible under an empty hash.
		s.logger.Warn("Index extraction failed",
			zap.String("resource_type", resourceType),
			zap.String("logical_id", logicalID),
			zap.Error(err))
		rec.SearchParamHash = ""
		return rec
	}
	rec.IndexRows = rows
	return rec
}

// Get reads a resource by key. Unversioned reads of a soft-deleted current
// row return Gone; versioned reads address exactly one row.
func (s *ResourceService) Get(ctx context.Context, key model.ResourceKey) (*model.Record, error) {
	start := s.clock()
	rec, err := s.get(ctx, key)
	s.observe("read", start, err)
	if err == nil {
		s.metrics.ReadsTotal.Inc()
	}
	return rec, err
}

func (s *ResourceService) get(ctx context.Context, key model.ResourceKey) (*model.Record, error) {
	if err := s.validator.ValidateKey(key.Type, key.LogicalID); err != nil {
		return nil, err
	}

	var rec *model.Record
	var err error
	if key.Versioned() {
		err = retryTransient(ctx, func() error {
			r, e := s.store.GetVersion(ctx, key.Type, key.LogicalID, key.Version)
			rec = r
			return e
		})
	} else {
		err = retryTransient(ctx, func() error {
			r, e := s.store.GetCurrent(ctx, key.Type, key.LogicalID)
			rec = r
			return e
		})
	}
	if err != nil {
		return nil, err
	}

	if !key.Versioned() && rec.IsDeleted {
		return nil, fhirerrors.Gone(key.Type, key.LogicalID, rec.Version)
	}

	if !rec.MetaEmbedded && len(rec.RawBytes) > 0 {
		if patched, ok := patchMeta(rec.RawBytes, rec.Version, rec.LastModified); ok {
			rec.RawBytes = patched
			rec.MetaEmbedded = true
		}
	}
	return rec, nil
}

// Delete removes a resource. Soft deletes append a tombstone version; hard
// deletes erase the resource, its history and its index rows. Versioned
// deletes are rejected.
func (s *ResourceService) Delete(ctx context.Context, key model.ResourceKey, hard bool, keepHistory bool) (*model.DeleteResult, error) {
	start := s.clock()
	res, err := s.deleteResource(ctx, key, hard, keepHistory)
	s.observe("delete", start, err)
	if err == nil {
		mode := "soft"
		if hard {
			mode = "hard"
		}
		s.metrics.DeletesTotal.WithLabelValues(mode).Inc()
	}
	return res, err
}

func (s *ResourceService) deleteResource(ctx context.Context, key model.ResourceKey, hard bool, keepHistory bool) (*model.DeleteResult, error) {
	if key.Versioned() {
		return nil, fhirerrors.MethodNotAllowed("cannot delete a specific resource version")
	}
	if err := s.validator.ValidateKey(key.Type, key.LogicalID); err != nil {
		return nil, err
	}

	if hard {
		err := retryTransient(ctx, func() error {
			return s.store.HardDelete(ctx, key.Type, key.LogicalID)
		})
		if err != nil {
			return nil, err
		}
		return &model.DeleteResult{}, nil
	}

	res, err := s.write(ctx, key.Type, key.LogicalID, nil, UpsertOptions{
		AllowCreate: false,
		KeepHistory: keepHistory,
		Method:      "DELETE",
	}, true)
	if err != nil {
		return nil, err
	}
	return &model.DeleteResult{Version: res.Version}, nil
}

func (s *ResourceService) observe(operation string, start time.Time, err error) {
	s.metrics.OperationDuration.WithLabelValues(operation).Observe(s.clock().Sub(start).Seconds())
	if err != nil {
		kind := fhirerrors.KindOf(err)
		s.metrics.OperationErrors.WithLabelValues(operation, kindLabel(kind)).Inc()
	}
}

func kindLabel(kind fhirerrors.Kind) string {
	switch kind {
	case fhirerrors.KindNotFound:
		return "not_found"
	case fhirerrors.KindGone:
		return "gone"
	case fhirerrors.KindPreconditionFailed:
		return "precondition_failed"
	case fhirerrors.KindMethodNotAllowed:
		return "method_not_allowed"
	case fhirerrors.KindRequestNotValid:
		return "request_not_valid"
	case fhirerrors.KindUnauthorized:
		return "unauthorized"
	case fhirerrors.KindConflict:
		return "conflict"
	case fhirerrors.KindRateLimited:
		return "rate_limited"
	case fhirerrors.KindUnavailable:
		return "unavailable"
	case fhirerrors.KindCanceled:
		return "canceled"
	default:
		return "internal"
	}
}
