package model

import (
	"fmt"
	"time"
)

// InitialVersion is the version assigned to the first write of a resource.
const InitialVersion int64 = 1

// ResourceKey identifies a resource, optionally at a specific version.
// Version == 0 addresses the current version.
type ResourceKey struct {
	Type      string
	LogicalID string
	Version   int64
}

// String returns the key in REST path form.
func (k ResourceKey) String() string {
	if k.Versioned() {
		return fmt.Sprintf("%s/%s/_history/%d", k.Type, k.LogicalID, k.Version)
	}
	return fmt.Sprintf("%s/%s", k.Type, k.LogicalID)
}

// Versioned reports whether the key addresses a specific version.
func (k ResourceKey) Versioned() bool {
	return k.Version > 0
}

// Record is the immutable resource envelope persisted by the store. RawBytes
// is the serialized clinical resource; the store never interprets it beyond
// meta patching.
type Record struct {
	Type          string
	LogicalID     string
	Version       int64
	IsDeleted     bool
	LastModified  time.Time
	RequestMethod string
	RawBytes      []byte

	// MetaEmbedded is true iff RawBytes is known to carry
	// meta.versionId == Version and meta.lastUpdated == LastModified.
	// When false the read path patches meta into the returned bytes.
	MetaEmbedded bool

	// SearchParamHash identifies the extraction-rule set in effect when
	// IndexRows were produced. Empty means written by an older schema and
	// therefore reindex eligible.
	SearchParamHash string

	IndexRows []IndexRow
}

// Key returns the versioned key of this record.
func (r *Record) Key() ResourceKey {
	return ResourceKey{Type: r.Type, LogicalID: r.LogicalID, Version: r.Version}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	cp.RawBytes = append([]byte(nil), r.RawBytes...)
	cp.IndexRows = append([]IndexRow(nil), r.IndexRows...)
	return &cp
}

// UpsertOutcome describes the effect of an upsert.
type UpsertOutcome int

const (
	OutcomeCreated UpsertOutcome = iota
	OutcomeUpdated
	// OutcomeNoop is returned when a soft delete lands on an already-deleted
	// current version or on a resource that does not exist; no new version
	// is written.
	OutcomeNoop
)

// String returns the outcome name.
func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeCreated:
		return "Created"
	case OutcomeUpdated:
		return "Updated"
	default:
		return "Noop"
	}
}

// UpsertResult is the response of a successful upsert. Version is nil for
// OutcomeNoop.
type UpsertResult struct {
	Outcome      UpsertOutcome
	Version      *int64
	LastModified time.Time
}

// DeleteResult is the response of a delete. Version is nil when nothing was
// written (idempotent delete of a missing or already-deleted resource, and
// every hard delete).
type DeleteResult struct {
	Version *int64
}
