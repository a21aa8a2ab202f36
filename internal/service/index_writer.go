package service

import (
	"context"
	"time"

	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/metrics"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"github.com/jyotsnaravikumar/fhir-server/internal/store"
	"go.uber.org/zap"
)

// IndexWriter rewrites the search-index rows of existing current records
// without creating a new version, bumping last-modified, or touching the raw
// payload. Reindex writes go exclusively through this path; the standard
// upsert is never used for them.
type IndexWriter struct {
	store   store.DataStore
	metrics *metrics.Metrics
	logger  *zap.Logger
	clock   func() time.Time
}

// NewIndexWriter creates a new index writer.
func NewIndexWriter(dataStore store.DataStore, m *metrics.Metrics, logger *zap.Logger) *IndexWriter {
	return &IndexWriter{
		store:   dataStore,
		metrics: m,
		logger:  logger,
		clock:   time.Now,
	}
}

// UpdateIndex replaces the index rows and search-parameter hash of the
// current version identified by rec. PreconditionFailed when rec.Version is
// no longer current; NotFound when the record is missing.
func (w *IndexWriter) UpdateIndex(ctx context.Context, rec *model.Record) error {
	start := w.clock()
	err := retryTransient(ctx, func() error {
		return w.store.UpdateIndex(ctx, rec)
	})
	w.metrics.OperationDuration.WithLabelValues("update_index").Observe(w.clock().Sub(start).Seconds())
	if err != nil {
		w.metrics.OperationErrors.WithLabelValues("update_index", kindLabel(fhirerrors.KindOf(err))).Inc()
	}
	return err
}

// UpdateIndexBatch applies UpdateIndex to every record in one transactional
// batch. Any precondition or not-found failure aborts the whole batch.
func (w *IndexWriter) UpdateIndexBatch(ctx context.Context, recs []*model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	start := w.clock()
	err := retryTransient(ctx, func() error {
		return w.store.UpdateIndexBatch(ctx, recs)
	})
	w.metrics.OperationDuration.WithLabelValues("update_index_batch").Observe(w.clock().Sub(start).Seconds())
	if err != nil {
		w.metrics.OperationErrors.WithLabelValues("update_index_batch", kindLabel(fhirerrors.KindOf(err))).Inc()
	}
	return err
}
