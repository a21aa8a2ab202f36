package store

import (
	"context"
	"sort"
	"sync"

	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"go.uber.org/zap"
)

// MemoryStore implements DataStore in process memory. It backs unit tests and
// single-node development deployments. The internal mutex is the backend's
// conditional-write primitive; callers still go through the same conditional
// operations as the durable backends.
type MemoryStore struct {
	mu     sync.RWMutex
	types  map[string]map[string]*memoryEntry // type -> logical id -> versions
	logger *zap.Logger
}

type memoryEntry struct {
	current *model.Record
	history map[int64]*model.Record
}

// NewMemoryStore creates a new in-memory data store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		types:  make(map[string]map[string]*memoryEntry),
		logger: logger,
	}
}

func (s *MemoryStore) entry(resourceType, logicalID string) *memoryEntry {
	ids, ok := s.types[resourceType]
	if !ok {
		return nil
	}
	return ids[logicalID]
}

// GetCurrent returns the current version of a resource.
func (s *MemoryStore) GetCurrent(ctx context.Context, resourceType, logicalID string) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fhirerrors.Canceled(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.entry(resourceType, logicalID)
	if e == nil || e.current == nil {
		return nil, fhirerrors.NotFound(resourceType, logicalID)
	}
	return e.current.Clone(), nil
}

// GetVersion returns exactly the addressed version.
func (s *MemoryStore) GetVersion(ctx context.Context, resourceType, logicalID string, version int64) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fhirerrors.Canceled(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.entry(resourceType, logicalID)
	if e == nil {
		return nil, fhirerrors.VersionNotFound(resourceType, logicalID, version)
	}
	if e.current != nil && e.current.Version == version {
		return e.current.Clone(), nil
	}
	if rec, ok := e.history[version]; ok {
		return rec.Clone(), nil
	}
	return nil, fhirerrors.VersionNotFound(resourceType, logicalID, version)
}

// InsertNew inserts the first current version of a resource.
func (s *MemoryStore) InsertNew(ctx context.Context, rec *model.Record) error {
	if err := ctx.Err(); err != nil {
		return fhirerrors.Canceled(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.types[rec.Type]
	if !ok {
		ids = make(map[string]*memoryEntry)
		s.types[rec.Type] = ids
	}
	e, ok := ids[rec.LogicalID]
	if !ok {
		e = &memoryEntry{history: make(map[int64]*model.Record)}
		ids[rec.LogicalID] = e
	}
	if e.current != nil {
		return fhirerrors.Conflict("current version already exists")
	}
	e.current = rec.Clone()
	return nil
}

// ReplaceCurrent installs a new current version, conditional on priorVersion.
func (s *MemoryStore) ReplaceCurrent(ctx context.Context, rec *model.Record, priorVersion int64, keepHistory bool) error {
	if err := ctx.Err(); err != nil {
		return fhirerrors.Canceled(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(rec.Type, rec.LogicalID)
	if e == nil || e.current == nil {
		return fhirerrors.NotFound(rec.Type, rec.LogicalID)
	}
	if e.current.Version != priorVersion {
		return fhirerrors.Conflict("current version changed")
	}
	if keepHistory {
		prior := e.current
		// Index rows belong only to the current version.
		prior.IndexRows = nil
		e.history[prior.Version] = prior
	}
	e.current = rec.Clone()
	return nil
}

// HardDelete removes the resource and all its history and index rows.
func (s *MemoryStore) HardDelete(ctx context.Context, resourceType, logicalID string) error {
	if err := ctx.Err(); err != nil {
		return fhirerrors.Canceled(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.types[resourceType]
	if !ok {
		return nil
	}
	delete(ids, logicalID)
	if len(ids) == 0 {
		delete(s.types, resourceType)
	}
	return nil
}

// UpdateIndex replaces index rows and the search-parameter hash in place.
func (s *MemoryStore) UpdateIndex(ctx context.Context, rec *model.Record) error {
	if err := ctx.Err(); err != nil {
		return fhirerrors.Canceled(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateIndexLocked(rec)
}

func (s *MemoryStore) updateIndexLocked(rec *model.Record) error {
	e := s.entry(rec.Type, rec.LogicalID)
	if e == nil || e.current == nil {
		return fhirerrors.NotFound(rec.Type, rec.LogicalID)
	}
	if e.current.Version != rec.Version {
		return fhirerrors.PreconditionFailed("index update expects the current version")
	}
	e.current.IndexRows = append([]model.IndexRow(nil), rec.IndexRows...)
	e.current.SearchParamHash = rec.SearchParamHash
	return nil
}

// UpdateIndexBatch applies UpdateIndex to every record atomically.
func (s *MemoryStore) UpdateIndexBatch(ctx context.Context, recs []*model.Record) error {
	if err := ctx.Err(); err != nil {
		return fhirerrors.Canceled(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Verify every precondition before mutating anything.
	for _, rec := range recs {
		e := s.entry(rec.Type, rec.LogicalID)
		if e == nil || e.current == nil {
			return fhirerrors.NotFound(rec.Type, rec.LogicalID)
		}
		if e.current.Version != rec.Version {
			return fhirerrors.PreconditionFailed("index update expects the current version")
		}
	}
	for _, rec := range recs {
		if err := s.updateIndexLocked(rec); err != nil {
			return err
		}
	}
	return nil
}

// ListCurrent pages current non-deleted records in logical-id order.
func (s *MemoryStore) ListCurrent(ctx context.Context, resourceType, cursor string, limit int) ([]*model.Record, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fhirerrors.Canceled(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.types[resourceType]
	keys := make([]string, 0, len(ids))
	for id, e := range ids {
		if e.current == nil || e.current.IsDeleted {
			continue
		}
		if cursor != "" && id <= cursor {
			continue
		}
		keys = append(keys, id)
	}
	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]*model.Record, 0, len(keys))
	for _, id := range keys {
		out = append(out, ids[id].current.Clone())
	}
	next := ""
	if limit > 0 && len(keys) == limit {
		next = keys[len(keys)-1]
	}
	return out, next, nil
}

// CountCurrent counts current non-deleted records of a type.
func (s *MemoryStore) CountCurrent(ctx context.Context, resourceType string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fhirerrors.Canceled(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.types[resourceType] {
		if e.current != nil && !e.current.IsDeleted {
			n++
		}
	}
	return n, nil
}

// ResourceTypes lists the types with at least one current record.
func (s *MemoryStore) ResourceTypes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fhirerrors.Canceled(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.types))
	for t, ids := range s.types {
		for _, e := range ids {
			if e.current != nil {
				out = append(out, t)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close releases nothing for the in-memory store.
func (s *MemoryStore) Close() {}
