package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"go.uber.org/zap"
)

// PostgresStore implements DataStore on PostgreSQL. Resources and their
// history live in one table keyed by (resource_type, logical_id); index rows
// live in a side table and exist only for the current non-deleted version.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL data store.
func NewPostgresStore(ctx context.Context, connString string, logger *zap.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Pool exposes the connection pool so the job store can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

// translatePgError wraps backend failures so no Postgres code leaks past the
// store contract.
func translatePgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fhirerrors.Canceled(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fhirerrors.Conflict("duplicate key")
		case "53300", "53400", "57014":
			return fhirerrors.RateLimited(op+" throttled", err)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fhirerrors.New(fhirerrors.KindNotFound, op+" found no rows", err)
	}
	return fhirerrors.Unavailable(op+" failed", err)
}

const recordColumns = `resource_type, logical_id, version, is_deleted, last_modified,
		request_method, raw_bytes, meta_embedded, search_param_hash`

func scanRecord(row pgx.Row) (*model.Record, error) {
	var rec model.Record
	var hash *string
	err := row.Scan(
		&rec.Type,
		&rec.LogicalID,
		&rec.Version,
		&rec.IsDeleted,
		&rec.LastModified,
		&rec.RequestMethod,
		&rec.RawBytes,
		&rec.MetaEmbedded,
		&hash,
	)
	if err != nil {
		return nil, err
	}
	// Rows written by older schemas carry no hash; empty means stale.
	if hash != nil {
		rec.SearchParamHash = *hash
	}
	return &rec, nil
}

// GetCurrent returns the current version of a resource.
func (s *PostgresStore) GetCurrent(ctx context.Context, resourceType, logicalID string) (*model.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM resources
		WHERE resource_type = $1 AND logical_id = $2 AND is_current
	`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, resourceType, logicalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fhirerrors.NotFound(resourceType, logicalID)
	}
	if err != nil {
		return nil, translatePgError("get current", err)
	}
	rec.IndexRows, err = s.loadIndexRows(ctx, resourceType, logicalID, rec.Version)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetVersion returns exactly the addressed version.
func (s *PostgresStore) GetVersion(ctx context.Context, resourceType, logicalID string, version int64) (*model.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM resources
		WHERE resource_type = $1 AND logical_id = $2 AND version = $3
	`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, resourceType, logicalID, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fhirerrors.VersionNotFound(resourceType, logicalID, version)
	}
	if err != nil {
		return nil, translatePgError("get version", err)
	}
	return rec, nil
}

func (s *PostgresStore) loadIndexRows(ctx context.Context, resourceType, logicalID string, version int64) ([]model.IndexRow, error) {
	query := `
		SELECT param_id, family, system, code, value_str, value_num, start_ts, end_ts
		FROM resource_index_rows
		WHERE resource_type = $1 AND logical_id = $2 AND version = $3 AND composite_of IS NULL
	`
	rows, err := s.pool.Query(ctx, query, resourceType, logicalID, version)
	if err != nil {
		return nil, translatePgError("load index rows", err)
	}
	defer rows.Close()

	out := make([]model.IndexRow, 0)
	for rows.Next() {
		var r model.IndexRow
		var start, end *time.Time
		if err := rows.Scan(&r.ParamID, &r.Family, &r.System, &r.Code, &r.Value, &r.Number, &start, &end); err != nil {
			return nil, translatePgError("scan index row", err)
		}
		if start != nil {
			r.Start = *start
		}
		if end != nil {
			r.End = *end
		}
		out = append(out, r)
	}
	return out, translatePgError("load index rows", rows.Err())
}

// InsertNew inserts the first current version of a resource.
func (s *PostgresStore) InsertNew(ctx context.Context, rec *model.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translatePgError("insert new", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO resources (resource_type, logical_id, version, is_current, is_deleted,
			last_modified, request_method, raw_bytes, meta_embedded, search_param_hash)
		VALUES ($1, $2, $3, TRUE, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.Exec(ctx, query,
		rec.Type, rec.LogicalID, rec.Version, rec.IsDeleted,
		rec.LastModified, rec.RequestMethod, rec.RawBytes, rec.MetaEmbedded, rec.SearchParamHash,
	)
	if err != nil {
		return translatePgError("insert new", err)
	}
	if err := s.insertIndexRows(ctx, tx, rec); err != nil {
		return err
	}
	return translatePgError("insert new", tx.Commit(ctx))
}

// ReplaceCurrent installs a new current version, conditional on priorVersion.
func (s *PostgresStore) ReplaceCurrent(ctx context.Context, rec *model.Record, priorVersion int64, keepHistory bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translatePgError("replace current", err)
	}
	defer tx.Rollback(ctx)

	var tag pgconn.CommandTag
	if keepHistory {
		tag, err = tx.Exec(ctx, `
			UPDATE resources SET is_current = FALSE
			WHERE resource_type = $1 AND logical_id = $2 AND version = $3 AND is_current
		`, rec.Type, rec.LogicalID, priorVersion)
	} else {
		tag, err = tx.Exec(ctx, `
			DELETE FROM resources
			WHERE resource_type = $1 AND logical_id = $2 AND version = $3 AND is_current
		`, rec.Type, rec.LogicalID, priorVersion)
	}
	if err != nil {
		return translatePgError("replace current", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a vanished row from a version race.
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM resources WHERE resource_type = $1 AND logical_id = $2 AND is_current)
		`, rec.Type, rec.LogicalID).Scan(&exists); err != nil {
			return translatePgError("replace current", err)
		}
		if !exists {
			return fhirerrors.NotFound(rec.Type, rec.LogicalID)
		}
		return fhirerrors.Conflict("current version changed")
	}

	// Index rows of the prior version never survive a replace.
	_, err = tx.Exec(ctx, `
		DELETE FROM resource_index_rows
		WHERE resource_type = $1 AND logical_id = $2 AND version = $3
	`, rec.Type, rec.LogicalID, priorVersion)
	if err != nil {
		return translatePgError("replace current", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO resources (resource_type, logical_id, version, is_current, is_deleted,
			last_modified, request_method, raw_bytes, meta_embedded, search_param_hash)
		VALUES ($1, $2, $3, TRUE, $4, $5, $6, $7, $8, $9)
	`,
		rec.Type, rec.LogicalID, rec.Version, rec.IsDeleted,
		rec.LastModified, rec.RequestMethod, rec.RawBytes, rec.MetaEmbedded, rec.SearchParamHash,
	)
	if err != nil {
		return translatePgError("replace current", err)
	}
	if err := s.insertIndexRows(ctx, tx, rec); err != nil {
		return err
	}
	return translatePgError("replace current", tx.Commit(ctx))
}

func (s *PostgresStore) insertIndexRows(ctx context.Context, tx pgx.Tx, rec *model.Record) error {
	if rec.IsDeleted || len(rec.IndexRows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `
		INSERT INTO resource_index_rows (resource_type, logical_id, version, param_id, family,
			system, code, value_str, value_num, start_ts, end_ts, composite_of)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING
	`
	queue := func(r model.IndexRow, compositeOf *string) {
		var start, end *time.Time
		if !r.Start.IsZero() {
			start = &r.Start
		}
		if !r.End.IsZero() {
			end = &r.End
		}
		batch.Queue(query,
			rec.Type, rec.LogicalID, rec.Version, r.ParamID, string(r.Family),
			r.System, r.Code, r.Value, r.Number, start, end, compositeOf,
		)
	}
	for _, r := range model.DedupeIndexRows(rec.IndexRows) {
		queue(r, nil)
		for _, c := range r.Components {
			parent := r.ParamID
			queue(c, &parent)
		}
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return translatePgError("insert index rows", err)
		}
	}
	return nil
}

// HardDelete removes a resource with all history and index rows.
func (s *PostgresStore) HardDelete(ctx context.Context, resourceType, logicalID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translatePgError("hard delete", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM resource_index_rows WHERE resource_type = $1 AND logical_id = $2
	`, resourceType, logicalID); err != nil {
		return translatePgError("hard delete", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM resources WHERE resource_type = $1 AND logical_id = $2
	`, resourceType, logicalID); err != nil {
		return translatePgError("hard delete", err)
	}
	return translatePgError("hard delete", tx.Commit(ctx))
}

// UpdateIndex replaces index rows and hash in place for the current version.
func (s *PostgresStore) UpdateIndex(ctx context.Context, rec *model.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translatePgError("update index", err)
	}
	defer tx.Rollback(ctx)

	if err := s.updateIndexInTx(ctx, tx, rec); err != nil {
		return err
	}
	return translatePgError("update index", tx.Commit(ctx))
}

func (s *PostgresStore) updateIndexInTx(ctx context.Context, tx pgx.Tx, rec *model.Record) error {
	// The hash update doubles as the precondition check; version,
	// last_modified and raw_bytes stay untouched.
	tag, err := tx.Exec(ctx, `
		UPDATE resources SET search_param_hash = $4
		WHERE resource_type = $1 AND logical_id = $2 AND version = $3 AND is_current
	`, rec.Type, rec.LogicalID, rec.Version, rec.SearchParamHash)
	if err != nil {
		return translatePgError("update index", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM resources WHERE resource_type = $1 AND logical_id = $2 AND is_current)
		`, rec.Type, rec.LogicalID).Scan(&exists); err != nil {
			return translatePgError("update index", err)
		}
		if !exists {
			return fhirerrors.NotFound(rec.Type, rec.LogicalID)
		}
		return fhirerrors.PreconditionFailed("index update expects the current version")
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM resource_index_rows
		WHERE resource_type = $1 AND logical_id = $2 AND version = $3
	`, rec.Type, rec.LogicalID, rec.Version); err != nil {
		return translatePgError("update index", err)
	}
	return s.insertIndexRows(ctx, tx, rec)
}

// UpdateIndexBatch applies UpdateIndex to every record in one transaction.
func (s *PostgresStore) UpdateIndexBatch(ctx context.Context, recs []*model.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translatePgError("update index batch", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range recs {
		if err := s.updateIndexInTx(ctx, tx, rec); err != nil {
			return err
		}
	}
	return translatePgError("update index batch", tx.Commit(ctx))
}

// ListCurrent pages current non-deleted records in logical-id order.
func (s *PostgresStore) ListCurrent(ctx context.Context, resourceType, cursor string, limit int) ([]*model.Record, string, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM resources
		WHERE resource_type = $1 AND is_current AND NOT is_deleted AND logical_id > $2
		ORDER BY logical_id
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, resourceType, cursor, limit)
	if err != nil {
		return nil, "", translatePgError("list current", err)
	}
	defer rows.Close()

	out := make([]*model.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, "", translatePgError("list current", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", translatePgError("list current", err)
	}
	next := ""
	if len(out) == limit && limit > 0 {
		next = out[len(out)-1].LogicalID
	}
	return out, next, nil
}

// CountCurrent counts current non-deleted records of a type.
func (s *PostgresStore) CountCurrent(ctx context.Context, resourceType string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM resources
		WHERE resource_type = $1 AND is_current AND NOT is_deleted
	`, resourceType).Scan(&n)
	if err != nil {
		return 0, translatePgError("count current", err)
	}
	return n, nil
}

// ResourceTypes lists the types with at least one current record.
func (s *PostgresStore) ResourceTypes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT resource_type FROM resources WHERE is_current ORDER BY resource_type
	`)
	if err != nil {
		return nil, translatePgError("resource types", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, translatePgError("resource types", err)
		}
		out = append(out, t)
	}
	return out, translatePgError("resource types", rows.Err())
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return translatePgError("ping", s.pool.Ping(ctx))
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
