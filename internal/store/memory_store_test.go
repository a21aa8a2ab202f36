package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"github.com/jyotsnaravikumar/fhir-server/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRecord(resourceType, id string, version int64) *model.Record {
	return &model.Record{
		Type:            resourceType,
		LogicalID:       id,
		Version:         version,
		LastModified:    time.Now().UTC(),
		RequestMethod:   "PUT",
		RawBytes:        []byte(`{"resourceType":"` + resourceType + `"}`),
		SearchParamHash: "h1",
		IndexRows: []model.IndexRow{
			{ParamID: "p1", Family: model.FamilyToken, Code: "c1"},
		},
	}
}

func TestMemoryStore_InsertAndGet(t *testing.T) {
	s := store.NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	rec := newRecord("Patient", "p1", 1)
	require.NoError(t, s.InsertNew(ctx, rec))

	got, err := s.GetCurrent(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, rec.RawBytes, got.RawBytes)

	// Duplicate insert collides.
	err = s.InsertNew(ctx, newRecord("Patient", "p1", 1))
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindConflict))
}

func TestMemoryStore_ReplaceCurrentConditional(t *testing.T) {
	s := store.NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.InsertNew(ctx, newRecord("Patient", "p1", 1)))

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

	// History row survives but carries no index rows.
	hist, err := s.GetVersion(ctx, "Patient", "p1", 1)
	require.NoError(t, err)
	assert.Empty(t, hist.IndexRows)
}

func TestMemoryStore_ReplaceWithoutHistory(t *testing.T) {
	s := store.NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.InsertNew(ctx, newRecord("Patient", "p1", 1)))
	require.NoError(t, s.ReplaceCurrent(ctx, newRecord("Patient", "p1", 2), 1, false))

	_, err := s.GetVersion(ctx, "Patient", "p1", 1)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindNotFound))
}

func TestMemoryStore_UpdateIndex(t *testing.T) {
	s := store.NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	rec := newRecord("Patient", "p1", 1)
	require.NoError(t, s.InsertNew(ctx, rec))
	before, err := s.GetCurrent(ctx, "Patient", "p1")
	require.NoError(t, err)

	update := rec.Clone()
	update.SearchParamHash = "h2"
	update.IndexRows = []model.IndexRow{{ParamID: "p2", Family: model.FamilyString, Value: "x"}}
	require.NoError(t, s.UpdateIndex(ctx, update))

	after, err := s.GetCurrent(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "h2", after.SearchParamHash)
	assert.Equal(t, update.IndexRows, after.IndexRows)
	// Version, payload and timestamp are untouched.
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.RawBytes, after.RawBytes)
	assert.Equal(t, before.LastModified, after.LastModified)

	// Stale version fails the precondition.
	stale := rec.Clone()
	stale.Version = 99
	err = s.UpdateIndex(ctx, stale)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindPreconditionFailed))

	err = s.UpdateIndex(ctx, newRecord("Patient", "ghost", 1))
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindNotFound))
}

func TestMemoryStore_UpdateIndexBatchAtomic(t *testing.T) {
	s := store.NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	a := newRecord("Patient", "a", 1)
	b := newRecord("Patient", "b", 1)
	require.NoError(t, s.InsertNew(ctx, a))
	require.NoError(t, s.InsertNew(ctx, b))

	goodA := a.Clone()
	goodA.SearchParamHash = "h2"
	staleB := b.Clone()
	staleB.Version = 7
	staleB.SearchParamHash = "h2"

	err := s.UpdateIndexBatch(ctx, []*model.Record{goodA, staleB})
	require.Error(t, err)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindPreconditionFailed))

	// Nothing was applied.
	got, err := s.GetCurrent(ctx, "Patient", "a")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.SearchParamHash)
}

func TestMemoryStore_HardDelete(t *testing.T) {
	s := store.NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.InsertNew(ctx, newRecord("Patient", "p1", 1)))
	require.NoError(t, s.ReplaceCurrent(ctx, newRecord("Patient", "p1", 2), 1, true))

	require.NoError(t, s.HardDelete(ctx, "Patient", "p1"))
	_, err := s.GetCurrent(ctx, "Patient", "p1")
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindNotFound))
	_, err = s.GetVersion(ctx, "Patient", "p1", 1)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindNotFound))

	// Idempotent on a never-existed key.
	require.NoError(t, s.HardDelete(ctx, "Patient", "ghost"))
}

func TestMemoryStore_ListCurrentPaging(t *testing.T) {
	s := store.NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, s.InsertNew(ctx, newRecord("Patient", fmt.Sprintf("p-%03d", i), 1)))
	}
	// A deleted current row is not listed.
	tomb := newRecord("Patient", "p-000", 2)
	tomb.IsDeleted = true
	tomb.RawBytes = nil
	tomb.IndexRows = nil
	require.NoError(t, s.ReplaceCurrent(ctx, tomb, 1, true))

	var seen []string
	cursor := ""
	for {
		page, next, err := s.ListCurrent(ctx, "Patient", cursor, 10)
		require.NoError(t, err)
		for _, rec := range page {
			seen = append(seen, rec.LogicalID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Len(t, seen, 24)
	assert.NotContains(t, seen, "p-000")

	n, err := s.CountCurrent(ctx, "Patient")
	require.NoError(t, err)
	assert.Equal(t, int64(24), n)

	types, err := s.ResourceTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Patient"}, types)
}
