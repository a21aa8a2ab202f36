package reindex

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jyotsnaravikumar/fhir-server/internal/metrics"
	"github.com/jyotsnaravikumar/fhir-server/internal/search"
	"github.com/jyotsnaravikumar/fhir-server/internal/service"
	"github.com/jyotsnaravikumar/fhir-server/internal/store"
	"go.uber.org/zap"
)

// errJobCanceled is the cancellation cause used when a CancelReindex command
// stops a locally-running task. The command has already persisted Canceled,
// so the task exits without another status write.
var errJobCanceled = errors.New("reindex job canceled")

// WorkerConfig holds the worker loop settings.
type WorkerConfig struct {
	MaxConcurrent      int
	PollInterval       time.Duration
	HeartbeatThreshold time.Duration
	DefaultBatchSize   int
}

// Worker is the per-process reindex loop: it leases jobs from the JobStore
// and drives one task per lease. Lease ownership is renewed exclusively by
// the task's own progress checkpoints.
type Worker struct {
	cfg       WorkerConfig
	dataStore store.DataStore
	jobs      store.JobStore
	writer    *service.IndexWriter
	resolver  search.SupportResolver
	extractor *search.Extractor
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]*runningTask
	wg      sync.WaitGroup
}

type runningTask struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// NewWorker creates a new reindex worker.
func NewWorker(
	cfg WorkerConfig,
	dataStore store.DataStore,
	jobs store.JobStore,
	writer *service.IndexWriter,
	resolver search.SupportResolver,
	extractor *search.Extractor,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Worker {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatThreshold <= 0 {
		cfg.HeartbeatThreshold = time.Minute
	}
	return &Worker{
		cfg:       cfg,
		dataStore: dataStore,
		jobs:      jobs,
		writer:    writer,
		resolver:  resolver,
		extractor: extractor,
		metrics:   m,
		logger:    logger,
		running:   make(map[string]*runningTask),
	}
}

// Run executes the worker loop until ctx is canceled, then drains in-flight
// tasks before returning.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Reindex worker started",
		zap.Int("max_concurrent", w.cfg.MaxConcurrent),
		zap.Duration("poll_interval", w.cfg.PollInterval))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			w.logger.Info("Reindex worker stopped")
			return
		case <-ticker.C:
			w.iterate(ctx)
		}
	}
}

// iterate reaps finished tasks and leases up to the free capacity.
func (w *Worker) iterate(ctx context.Context) {
	w.reap()

	w.mu.Lock()
	free := w.cfg.MaxConcurrent - len(w.running)
	w.mu.Unlock()
	if free <= 0 {
		return
	}

	leased, err := w.jobs.AcquireJobs(ctx, free, w.cfg.HeartbeatThreshold)
	if err != nil {
		w.logger.Warn("Failed to acquire reindex jobs", zap.Error(err))
		return
	}
	for _, l := range leased {
		w.spawn(ctx, l)
	}
}

func (w *Worker) reap() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, rt := range w.running {
		select {
		case <-rt.done:
			delete(w.running, id)
		default:
		}
	}
}

func (w *Worker) spawn(ctx context.Context, leased *store.LeasedJob) {
	taskCtx, cancel := context.WithCancelCause(ctx)
	rt := &runningTask{cancel: cancel, done: make(chan struct{})}

	w.mu.Lock()
	if _, exists := w.running[leased.Job.ID]; exists {
		w.mu.Unlock()
		cancel(nil)
		return
	}
	w.running[leased.Job.ID] = rt
	w.mu.Unlock()

	w.metrics.ReindexJobsAcquiredTotal.Inc()
	w.metrics.ReindexJobsActive.Inc()
	w.logger.Info("Reindex job leased", zap.String("job_id", leased.Job.ID))

	task := newTask(leased, w.dataStore, w.jobs, w.writer, w.resolver, w.extractor,
		NewThrottle(w.cfg.DefaultBatchSize, w.metrics), w.metrics, w.logger)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(rt.done)
		defer w.metrics.ReindexJobsActive.Dec()
		task.Run(taskCtx)
		cancel(nil)
	}()
}

// CancelLocal signals the cancel handle of a locally-running task.
func (w *Worker) CancelLocal(jobID string) {
	w.mu.Lock()
	rt, ok := w.running[jobID]
	w.mu.Unlock()
	if ok {
		rt.cancel(errJobCanceled)
	}
}

// drain stops accepting new leases, signals every cancel handle and waits
// for tasks to yield.
func (w *Worker) drain() {
	w.mu.Lock()
	for _, rt := range w.running {
		rt.cancel(context.Canceled)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
