package reindex

import (
	"context"
	"testing"
	"time"

	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"github.com/jyotsnaravikumar/fhir-server/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_DrivesJobToCompletion(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.createObservations(t, 15)
	e.registerSubjectParam()
	hashB := e.registry.Hash("Observation")

	worker := NewWorker(
		WorkerConfig{
			MaxConcurrent:      1,
			PollInterval:       10 * time.Millisecond,
			HeartbeatThreshold: time.Minute,
			DefaultBatchSize:   10,
		},
		e.data, e.jobs, e.writer, e.registry, e.extractor, e.metrics, e.logger,
	)
	e.commands.SetLocalCanceller(worker)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	job, err := e.commands.CreateReindex(ctx, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := e.commands.GetReindex(ctx, job.ID)
		return err == nil && j.Status == model.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := e.data.GetCurrent(ctx, "Observation", "obs-000")
	require.NoError(t, err)
	assert.Equal(t, hashB, rec.SearchParamHash)

	// Shutdown drains cleanly.
	cancel()
	select {
	case <-workerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain on shutdown")
	}
}

func TestWorker_CancelLocalStopsRunningTask(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.createObservations(t, 60)
	e.registerSubjectParam()

	slow := &slowStore{DataStore: e.data, delay: 50 * time.Millisecond}
	slowWriter := service.NewIndexWriter(slow, e.metrics, e.logger)
	worker := NewWorker(
		WorkerConfig{
			MaxConcurrent:      1,
			PollInterval:       10 * time.Millisecond,
			HeartbeatThreshold: time.Minute,
			DefaultBatchSize:   10,
		},
		slow, e.jobs, slowWriter, e.registry, e.extractor, e.metrics, e.logger,
	)
	e.commands.SetLocalCanceller(worker)

	go worker.Run(ctx)

	job, err := e.commands.CreateReindex(ctx, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := e.commands.GetReindex(ctx, job.ID)
		if err != nil {
			return false
		}
		c := j.Counts["Observation"]
		return c != nil && c.Processed > 0
	}, 5*time.Second, 5*time.Millisecond)

	_, err = e.commands.CancelReindex(ctx, job.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := e.commands.GetReindex(ctx, job.ID)
		return err == nil && j.Status == model.JobCanceled
	}, 5*time.Second, 10*time.Millisecond)

	// The canceled status sticks; the worker never resurrects the job.
	time.Sleep(50 * time.Millisecond)
	j, err := e.commands.GetReindex(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceled, j.Status)
}
