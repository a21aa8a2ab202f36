package service_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/metrics"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"github.com/jyotsnaravikumar/fhir-server/internal/search"
	"github.com/jyotsnaravikumar/fhir-server/internal/service"
	"github.com/jyotsnaravikumar/fhir-server/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupService(t *testing.T) (*service.ResourceService, *store.MemoryStore, *search.Registry) {
	t.Helper()
	logger := zap.NewNop()
	memStore := store.NewMemoryStore(logger)
	registry := search.NewRegistry(logger)
	registry.Register(search.ParamInfo{
		URL:        "http://example.org/SearchParameter/Observation-code",
		Code:       "code",
		Family:     model.FamilyToken,
		Expression: "code",
		Base:       []string{"Observation"},
		Status:     search.StatusSearchable,
	})
	svc := service.NewResourceService(
		memStore,
		registry,
		search.NewExtractor(logger),
		metrics.NewMetrics(prometheus.NewRegistry()),
		logger,
	)
	return svc, memStore, registry
}

func observationPayload(value string) []byte {
	return []byte(fmt.Sprintf(`{"resourceType":"Observation","code":{"coding":[{"system":"http://loinc.org","code":"%s"}]}}`, value))
}

func unconditional() service.UpsertOptions {
	return service.UpsertOptions{AllowCreate: true, KeepHistory: true, Method: "PUT"}
}

func withIfMatch(v int64) service.UpsertOptions {
	opts := unconditional()
	opts.IfMatch = &v
	return opts
}

func TestUpsert_CreateThenUpdate(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	res, err := svc.Upsert(ctx, "Observation", "obs-1", observationPayload("8480-6"), unconditional())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCreated, res.Outcome)
	require.NotNil(t, res.Version)
	assert.Equal(t, int64(1), *res.Version)
	assert.False(t, res.LastModified.IsZero())

	res, err = svc.Upsert(ctx, "Observation", "obs-1", observationPayload("8462-4"), unconditional())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeUpdated, res.Outcome)
	assert.Equal(t, int64(2), *res.Version)
}

func TestUpsert_IfMatch(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, "Observation", "obs-1", observationPayload("a"), unconditional())
	require.NoError(t, err)

	res, err := svc.Upsert(ctx, "Observation", "obs-1", observationPayload("b"), withIfMatch(1))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeUpdated, res.Outcome)
	assert.Equal(t, int64(2), *res.Version)

	_, err = svc.Upsert(ctx, "Observation", "obs-1", observationPayload("c"), withIfMatch(1))
	require.Error(t, err)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindPreconditionFailed))
}

func TestUpsert_IfMatchOnMissingResource(t *testing.T) {
	svc, _, _ := setupService(t)

	_, err := svc.Upsert(context.Background(), "Observation", "missing", observationPayload("a"), withIfMatch(1))
	require.Error(t, err)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindNotFound))
}

func TestUpsert_CreateNotAllowed(t *testing.T) {
	svc, _, _ := setupService(t)

	opts := service.UpsertOptions{AllowCreate: false, KeepHistory: true, Method: "PUT"}
	_, err := svc.Upsert(context.Background(), "Observation", "obs-1", observationPayload("a"), opts)
	require.Error(t, err)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindMethodNotAllowed))
}

func TestUpsert_SameIDAcrossTypes(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, "Observation", "X", observationPayload("a"), unconditional())
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, "Patient", "X", []byte(`{"resourceType":"Patient","name":[{"family":"Chalmers"}]}`), unconditional())
	require.NoError(t, err)

	obs, err := svc.Get(ctx, model.ResourceKey{Type: "Observation", LogicalID: "X"})
	require.NoError(t, err)
	assert.Contains(t, string(obs.RawBytes), "Observation")

	pat, err := svc.Get(ctx, model.ResourceKey{Type: "Patient", LogicalID: "X"})
	require.NoError(t, err)
	assert.Contains(t, string(pat.RawBytes), "Patient")
}

func TestSoftDeleteThenRevive(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, "Observation", "obs-1", observationPayload("a"), unconditional())
	require.NoError(t, err)

	del, err := svc.Delete(ctx, model.ResourceKey{Type: "Observation", LogicalID: "obs-1"}, false, true)
	require.NoError(t, err)
	require.NotNil(t, del.Version)
	assert.Equal(t, int64(2), *del.Version)

	_, err = svc.Get(ctx, model.ResourceKey{Type: "Observation", LogicalID: "obs-1"})
	require.Error(t, err)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindGone))

	// The tombstone's version token revives the resource.
	res, err := svc.Upsert(ctx, "Observation", "obs-1", observationPayload("b"), withIfMatch(2))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeUpdated, res.Outcome)
	assert.Equal(t, int64(3), *res.Version)

	rec, err := svc.Get(ctx, model.ResourceKey{Type: "Observation", LogicalID: "obs-1"})
	require.NoError(t, err)
	assert.Contains(t, string(rec.RawBytes), `"code":"b"`)
}

func TestSoftDelete_Idempotent(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	key := model.ResourceKey{Type: "Observation", LogicalID: "obs-1"}

	// Never-existed key
	del, err := svc.Delete(ctx, key, false, true)
	require.NoError(t, err)
	assert.Nil(t, del.Version)

	_, err = svc.Upsert(ctx, "Observation", "obs-1", observationPayload("a"), unconditional())
	require.NoError(t, err)

	del, err = svc.Delete(ctx, key, false, true)
	require.NoError(t, err)
	require.NotNil(t, del.Version)

	// Already-deleted current row
	del, err = svc.Delete(ctx, key, false, true)
	require.NoError(t, err)
	assert.Nil(t, del.Version)
}

func TestHardDelete_ErasesAllVersions(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()
	key := model.ResourceKey{Type: "Observation", LogicalID: "obs-1"}

	_, err := svc.Upsert(ctx, "Observation", "obs-1", observationPayload("a"), unconditional())
	require.NoError(t, err)
	_, err = svc.Delete(ctx, key, false, true)
	require.NoError(t, err)

	del, err := svc.Delete(ctx, key, true, true)
	require.NoError(t, err)
	assert.Nil(t, del.Version)

	_, err = svc.Get(ctx, key)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindNotFound))
	for v := int64(1); v <= 2; v++ {
		_, err = svc.Get(ctx, model.ResourceKey{Type: "Observation", LogicalID: "obs-1", Version: v})
		assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindNotFound))
	}

	// Hard delete of a never-existed key succeeds.
	del, err = svc.Delete(ctx, key, true, true)
	require.NoError(t, err)
	assert.Nil(t, del.Version)
}

func TestVersionedDelete_Rejected(t *testing.T) {
	svc, _, _ := setupService(t)

	_, err := svc.Delete(context.Background(),
		model.ResourceKey{Type: "Observation", LogicalID: "obs-1", Version: 1}, false, true)
	require.Error(t, err)
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindMethodNotAllowed))
}

func TestVersionedRead(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, "Observation", "obs-1", observationPayload("a"), unconditional())
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, "Observation", "obs-1", observationPayload("b"), unconditional())
	require.NoError(t, err)

	rec, err := svc.Get(ctx, model.ResourceKey{Type: "Observation", LogicalID: "obs-1", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Contains(t, string(rec.RawBytes), `"code":"a"`)

	// A version that matches no row is NotFound even though the current
	// row exists at a different version.
	_, err = svc.Get(ctx, model.ResourceKey{Type: "Observation", LogicalID: "obs-1", Version: 9})
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindNotFound))
}

func TestKeepHistoryFalse_DropsPriorVersion(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, "Observation", "obs-1", observationPayload("a"), unconditional())
	require.NoError(t, err)

	opts := unconditional()
	opts.KeepHistory = false
	res, err := svc.Upsert(ctx, "Observation", "obs-1", observationPayload("b"), opts)
	require.NoError(t, err)
	assert.Equal(t, int64(2), *res.Version)

	_, err = svc.Get(ctx, model.ResourceKey{Type: "Observation", LogicalID: "obs-1", Version: 1})
	assert.True(t, fhirerrors.IsKind(err, fhirerrors.KindNotFound))
}

func TestMetaPatching(t *testing.T) {
	svc, memStore, _ := setupService(t)
	ctx := context.Background()

	res, err := svc.Upsert(ctx, "Observation", "obs-1", observationPayload("a"), unconditional())
	require.NoError(t, err)

	rec, err := svc.Get(ctx, model.ResourceKey{Type: "Observation", LogicalID: "obs-1"})
	require.NoError(t, err)

	var root map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.RawBytes, &root))
	meta, ok := root["meta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1", meta["versionId"])

	parsed, err := time.Parse(time.RFC3339Nano, meta["lastUpdated"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, res.LastModified, parsed, time.Millisecond)

	stored, err := memStore.GetCurrent(ctx, "Observation", "obs-1")
	require.NoError(t, err)
	assert.True(t, stored.MetaEmbedded)
}

func TestNonJSONPayload_ReturnedVerbatim(t *testing.T) {
	svc, memStore, _ := setupService(t)
	ctx := context.Background()

	raw := []byte("<Observation><code value=\"x\"/></Observation>")
	_, err := svc.Upsert(ctx, "Observation", "obs-1", raw, unconditional())
	require.NoError(t, err)

	stored, err := memStore.GetCurrent(ctx, "Observation", "obs-1")
	require.NoError(t, err)
	assert.False(t, stored.MetaEmbedded)

	rec, err := svc.Get(ctx, model.ResourceKey{Type: "Observation", LogicalID: "obs-1"})
	require.NoError(t, err)
	assert.Equal(t, raw, rec.RawBytes)
}

func TestConcurrentUpserts(t *testing.T) {
	svc, memStore, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, "Observation", "obs-1", observationPayload("seed"), unconditional())
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	results := make([]*model.UpsertResult, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Upsert(ctx, "Observation", "obs-1",
				observationPayload(fmt.Sprintf("w-%d", i)), unconditional())
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, model.OutcomeUpdated, results[i].Outcome)
	}

	current, err := memStore.GetCurrent(ctx, "Observation", "obs-1")
	require.NoError(t, err)
	assert.Equal(t, int64(writers+1), current.Version)

	// Every version 1..N exists with no gaps, and every writer's payload is
	// reachable in history.
	payloads := make(map[string]bool)
	for v := int64(1); v <= current.Version; v++ {
		rec, err := svc.Get(ctx, model.ResourceKey{Type: "Observation", LogicalID: "obs-1", Version: v})
		require.NoError(t, err, "version %d must exist", v)
		payloads[string(rec.RawBytes)] = true
	}
	for i := 0; i < writers; i++ {
		found := false
		needle := fmt.Sprintf("w-%d", i)
		for p := range payloads {
			if strings.Contains(p, needle) {
				found = true
				break
			}
		}
		assert.True(t, found, "payload of writer %d must be reachable", i)
	}
}
