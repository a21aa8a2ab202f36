package reindex

import (
	"context"
	"testing"
	"time"

	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_CreateReindex(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Nothing supported yet: every registered parameter is Searchable.
	_, err := e.commands.CreateReindex(ctx, nil)
	require.Error(t, err)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindRequestNotValid))

	e.registerSubjectParam()

	job, err := e.commands.CreateReindex(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, job.Status)
	assert.Equal(t, []string{paramSubjectURL}, job.TargetParams)

	// Only one job may be active.
	_, err = e.commands.CreateReindex(ctx, nil)
	require.Error(t, err)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindConflict))
}

func TestService_CreateReindexScoped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.registerSubjectParam()

	_, err := e.commands.CreateReindex(ctx, []string{"http://example.org/SearchParameter/nope"})
	require.Error(t, err)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindRequestNotValid))

	job, err := e.commands.CreateReindex(ctx, []string{paramSubjectURL})
	require.NoError(t, err)
	assert.Equal(t, []string{paramSubjectURL}, job.TargetParams)
}

func TestService_GetReindexNotFound(t *testing.T) {
	e := newEnv(t)

	_, err := e.commands.GetReindex(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindNotFound))
}

func TestService_CancelReindex(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.registerSubjectParam()

	job, err := e.commands.CreateReindex(ctx, nil)
	require.NoError(t, err)

	canceled, err := e.commands.CancelReindex(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceled, canceled.Status)
	require.NotNil(t, canceled.CanceledAt)
	assert.WithinDuration(t, time.Now(), *canceled.CanceledAt, 5*time.Second)

	// Terminal jobs cannot be canceled again.
	_, err = e.commands.CancelReindex(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindRequestNotValid))

	// And a terminal job frees the single-active slot.
	_, err = e.commands.CreateReindex(ctx, nil)
	require.NoError(t, err)
}
