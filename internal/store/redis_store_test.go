package store_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"github.com/jyotsnaravikumar/fhir-server/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedisStore(t *testing.T) *store.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	s, err := store.NewRedisStore(mr.Host(), port, "", 0, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestRedisStore_ReplaceCurrentConditional(t *testing.T) {
	s := setupRedisStore(t)
	ctx := context.Background()

	first := newRecord("Patient", "p1", 1)
	require.NoError(t, s.InsertNew(ctx, first))

	// Wrong prior version is a conflict.
	err := s.ReplaceCurrent(ctx, newRecord("Patient", "p1", 3), 2, true)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindConflict))

	// Missing resource is NotFound.
	err = s.ReplaceCurrent(ctx, newRecord("Patient", "ghost", 2), 1, true)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindNotFound))

	require.NoError(t, s.ReplaceCurrent(ctx, newRecord("Patient", "p1", 2), 1, true))

	got, err := s.GetCurrent(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.NotEmpty(t, got.IndexRows)

	// History row survives but carries no index rows.
	hist, err := s.GetVersion(ctx, "Patient", "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hist.Version)
	assert.Equal(t, first.RawBytes, hist.RawBytes)
	assert.Empty(t, hist.IndexRows)
}

func TestRedisStore_HistoryStaysStrippedAfterIndexRewrite(t *testing.T) {
	s := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertNew(ctx, newRecord("Patient", "p1", 1)))
	require.NoError(t, s.ReplaceCurrent(ctx, newRecord("Patient", "p1", 2), 1, true))

	update := newRecord("Patient", "p1", 2)
	update.SearchParamHash = "h2"
	update.IndexRows = []model.IndexRow{{ParamID: "p2", Family: model.FamilyString, Value: "x"}}
	require.NoError(t, s.UpdateIndex(ctx, update))

	cur, err := s.GetCurrent(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "h2", cur.SearchParamHash)

	hist, err := s.GetVersion(ctx, "Patient", "p1", 1)
	require.NoError(t, err)
	assert.Empty(t, hist.IndexRows)

	// A third version archives the rewritten current, again without rows.
	require.NoError(t, s.ReplaceCurrent(ctx, newRecord("Patient", "p1", 3), 2, true))
	hist2, err := s.GetVersion(ctx, "Patient", "p1", 2)
	require.NoError(t, err)
	assert.Empty(t, hist2.IndexRows)
}

func TestRedisStore_ReplaceWithoutHistory(t *testing.T) {
	s := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertNew(ctx, newRecord("Patient", "p1", 1)))
	require.NoError(t, s.ReplaceCurrent(ctx, newRecord("Patient", "p1", 2), 1, false))

	_, err := s.GetVersion(ctx, "Patient", "p1", 1)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindNotFound))
}
