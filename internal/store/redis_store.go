package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements DataStore on Redis as a document backend. The current
// version of a resource lives in a hash carrying the version and deleted flag
// next to the serialized document, so conditional writes run as server-side
// Lua scripts against those fields without ever parsing the document.
//
// Key layout:
//
//	fhir:res:{type}:{id}:cur   hash: version, deleted, doc
//	fhir:res:{type}:{id}:v{n}  string: history document, index rows stripped
//	fhir:res:{type}:{id}:vers  set: retained history versions
//	fhir:ids:{type}            zset: current non-deleted logical ids
//	fhir:types                 set: resource types with a current version
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger

	insertScript  *redis.Script
	replaceScript *redis.Script
	indexScript   *redis.Script
	deleteScript  *redis.Script
}

// recordDoc is the serialized form of a record in Redis.
type recordDoc struct {
	Type            string           `json:"type"`
	LogicalID       string           `json:"logical_id"`
	Version         int64            `json:"version"`
	IsDeleted       bool             `json:"is_deleted"`
	LastModified    time.Time        `json:"last_modified"`
	RequestMethod   string           `json:"request_method"`
	RawBytes        []byte           `json:"raw_bytes"`
	MetaEmbedded    bool             `json:"meta_embedded"`
	SearchParamHash string           `json:"search_param_hash"`
	IndexRows       []model.IndexRow `json:"index_rows,omitempty"`
}

func toDoc(rec *model.Record) *recordDoc {
	return &recordDoc{
		Type:            rec.Type,
		LogicalID:       rec.LogicalID,
		Version:         rec.Version,
		IsDeleted:       rec.IsDeleted,
		LastModified:    rec.LastModified,
		RequestMethod:   rec.RequestMethod,
		RawBytes:        rec.RawBytes,
		MetaEmbedded:    rec.MetaEmbedded,
		SearchParamHash: rec.SearchParamHash,
		IndexRows:       model.DedupeIndexRows(rec.IndexRows),
	}
}

func (d *recordDoc) toRecord() *model.Record {
	return &model.Record{
		Type:            d.Type,
		LogicalID:       d.LogicalID,
		Version:         d.Version,
		IsDeleted:       d.IsDeleted,
		LastModified:    d.LastModified,
		RequestMethod:   d.RequestMethod,
		RawBytes:        d.RawBytes,
		MetaEmbedded:    d.MetaEmbedded,
		SearchParamHash: d.SearchParamHash,
		IndexRows:       d.IndexRows,
	}
}

// insertScript inserts the first current version.
// KEYS: cur, ids, types  ARGV: doc, version, deleted, logical id, type
const insertLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.error_reply('CONFLICT')
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'deleted', ARGV[3], 'doc', ARGV[1])
if ARGV[3] == '0' then
	redis.call('ZADD', KEYS[2], 0, ARGV[4])
end
redis.call('SADD', KEYS[3], ARGV[5])
return 'OK'
`

// replaceScript installs a new current version conditional on the prior one.
// The archived copy drops its index rows: they belong only to the current
// version.
// KEYS: cur, history, vers, ids  ARGV: doc, prior version, new version,
// deleted, keep history, logical id
const replaceLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOTFOUND')
end
if redis.call('HGET', KEYS[1], 'version') ~= ARGV[2] then
	return redis.error_reply('CONFLICT')
end
if ARGV[5] == '1' then
	local prior = cjson.decode(redis.call('HGET', KEYS[1], 'doc'))
	prior['index_rows'] = nil
	redis.call('SET', KEYS[2], cjson.encode(prior))
	redis.call('SADD', KEYS[3], ARGV[2])
end
redis.call('HSET', KEYS[1], 'version', ARGV[3], 'deleted', ARGV[4], 'doc', ARGV[1])
if ARGV[4] == '0' then
	redis.call('ZADD', KEYS[4], 0, ARGV[6])
else
	redis.call('ZREM', KEYS[4], ARGV[6])
end
return 'OK'
`

// indexScript rewrites one or more documents conditional on their versions.
// KEYS: cur keys  ARGV: version/doc pairs in key order
const indexLua = `
for i, key in ipairs(KEYS) do
	if redis.call('EXISTS', key) == 0 then
		return redis.error_reply('NOTFOUND')
	end
	if redis.call('HGET', key, 'version') ~= ARGV[2*i-1] then
		return redis.error_reply('PRECONDITION')
	end
end
for i, key in ipairs(KEYS) do
	redis.call('HSET', key, 'doc', ARGV[2*i])
end
return 'OK'
`

// deleteScript removes a resource and its history.
// KEYS: cur, vers, ids, types  ARGV: key prefix, logical id, type
const deleteLua = `
local vers = redis.call('SMEMBERS', KEYS[2])
for _, v in ipairs(vers) do
	redis.call('DEL', ARGV[1] .. ':v' .. v)
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('ZREM', KEYS[3], ARGV[2])
return 'OK'
`

// NewRedisStore creates a new Redis data store.
func NewRedisStore(host string, port int, password string, db int, logger *zap.Logger) (*RedisStore, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client:        client,
		logger:        logger,
		insertScript:  redis.NewScript(insertLua),
		replaceScript: redis.NewScript(replaceLua),
		indexScript:   redis.NewScript(indexLua),
		deleteScript:  redis.NewScript(deleteLua),
	}, nil
}

func resourcePrefix(resourceType, logicalID string) string {
	return "fhir:res:" + resourceType + ":" + logicalID
}

func idsKey(resourceType string) string {
	return "fhir:ids:" + resourceType
}

const typesKey = "fhir:types"

// translateRedisError maps script replies and transport failures onto the
// error taxonomy.
func translateRedisError(op string, err error, resourceType, logicalID string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fhirerrors.Canceled(err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "CONFLICT"):
		return fhirerrors.Conflict("current version changed")
	case strings.Contains(msg, "PRECONDITION"):
		return fhirerrors.PreconditionFailed("index update expects the current version")
	case strings.Contains(msg, "NOTFOUND"):
		return fhirerrors.NotFound(resourceType, logicalID)
	case strings.Contains(msg, "LOADING"), strings.Contains(msg, "BUSY"):
		return fhirerrors.RateLimited(op+" throttled", err)
	}
	return fhirerrors.Unavailable(op+" failed", err)
}

func (s *RedisStore) readDoc(ctx context.Context, key string) (*recordDoc, error) {
	raw, err := s.client.HGet(ctx, key, "doc").Result()
	if err != nil {
		return nil, err
	}
	var doc recordDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fhirerrors.Internal("corrupt resource document", err)
	}
	return &doc, nil
}

// GetCurrent returns the current version of a resource.
func (s *RedisStore) GetCurrent(ctx context.Context, resourceType, logicalID string) (*model.Record, error) {
	doc, err := s.readDoc(ctx, resourcePrefix(resourceType, logicalID)+":cur")
	if errors.Is(err, redis.Nil) {
		return nil, fhirerrors.NotFound(resourceType, logicalID)
	}
	if err != nil {
		return nil, translateRedisError("get current", err, resourceType, logicalID)
	}
	return doc.toRecord(), nil
}

// GetVersion returns exactly the addressed version.
func (s *RedisStore) GetVersion(ctx context.Context, resourceType, logicalID string, version int64) (*model.Record, error) {
	prefix := resourcePrefix(resourceType, logicalID)
	doc, err := s.readDoc(ctx, prefix+":cur")
	if err == nil && doc.Version == version {
		return doc.toRecord(), nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, translateRedisError("get version", err, resourceType, logicalID)
	}

	raw, err := s.client.Get(ctx, fmt.Sprintf("%s:v%d", prefix, version)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fhirerrors.VersionNotFound(resourceType, logicalID, version)
	}
	if err != nil {
		return nil, translateRedisError("get version", err, resourceType, logicalID)
	}
	var hist recordDoc
	if err := json.Unmarshal([]byte(raw), &hist); err != nil {
		return nil, fhirerrors.Internal("corrupt resource document", err)
	}
	return hist.toRecord(), nil
}

// InsertNew inserts the first current version of a resource.
func (s *RedisStore) InsertNew(ctx context.Context, rec *model.Record) error {
	doc, err := json.Marshal(toDoc(rec))
	if err != nil {
		return fhirerrors.Internal("failed to marshal resource document", err)
	}
	deleted := "0"
	if rec.IsDeleted {
		deleted = "1"
	}
	keys := []string{resourcePrefix(rec.Type, rec.LogicalID) + ":cur", idsKey(rec.Type), typesKey}
	err = s.insertScript.Run(ctx, s.client, keys,
		string(doc), strconv.FormatInt(rec.Version, 10), deleted, rec.LogicalID, rec.Type,
	).Err()
	return translateRedisError("insert new", err, rec.Type, rec.LogicalID)
}

// ReplaceCurrent installs a new current version, conditional on priorVersion.
func (s *RedisStore) ReplaceCurrent(ctx context.Context, rec *model.Record, priorVersion int64, keepHistory bool) error {
	doc, err := json.Marshal(toDoc(rec))
	if err != nil {
		return fhirerrors.Internal("failed to marshal resource document", err)
	}
	prefix := resourcePrefix(rec.Type, rec.LogicalID)
	deleted := "0"
	if rec.IsDeleted {
		deleted = "1"
	}
	keep := "0"
	if keepHistory {
		keep = "1"
	}
	keys := []string{
		prefix + ":cur",
		fmt.Sprintf("%s:v%d", prefix, priorVersion),
		prefix + ":vers",
		idsKey(rec.Type),
	}
	err = s.replaceScript.Run(ctx, s.client, keys,
		string(doc),
		strconv.FormatInt(priorVersion, 10),
		strconv.FormatInt(rec.Version, 10),
		deleted, keep, rec.LogicalID,
	).Err()
	return translateRedisError("replace current", err, rec.Type, rec.LogicalID)
}

// HardDelete removes a resource with all history and index entries.
func (s *RedisStore) HardDelete(ctx context.Context, resourceType, logicalID string) error {
	prefix := resourcePrefix(resourceType, logicalID)
	keys := []string{prefix + ":cur", prefix + ":vers", idsKey(resourceType), typesKey}
	err := s.deleteScript.Run(ctx, s.client, keys, prefix, logicalID, resourceType).Err()
	return translateRedisError("hard delete", err, resourceType, logicalID)
}

// UpdateIndex replaces index rows and hash in place for the current version.
func (s *RedisStore) UpdateIndex(ctx context.Context, rec *model.Record) error {
	return s.UpdateIndexBatch(ctx, []*model.Record{rec})
}

// UpdateIndexBatch applies the index rewrite to every record in one script
// invocation; Redis scripts execute atomically.
func (s *RedisStore) UpdateIndexBatch(ctx context.Context, recs []*model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(recs))
	argv := make([]interface{}, 0, 2*len(recs))
	for _, rec := range recs {
		doc, err := json.Marshal(toDoc(rec))
		if err != nil {
			return fhirerrors.Internal("failed to marshal resource document", err)
		}
		keys = append(keys, resourcePrefix(rec.Type, rec.LogicalID)+":cur")
		argv = append(argv, strconv.FormatInt(rec.Version, 10), string(doc))
	}
	err := s.indexScript.Run(ctx, s.client, keys, argv...).Err()
	return translateRedisError("update index batch", err, recs[0].Type, recs[0].LogicalID)
}

// ListCurrent pages current non-deleted records in logical-id order.
func (s *RedisStore) ListCurrent(ctx context.Context, resourceType, cursor string, limit int) ([]*model.Record, string, error) {
	min := "-"
	if cursor != "" {
		min = "(" + cursor
	}
	ids, err := s.client.ZRangeByLex(ctx, idsKey(resourceType), &redis.ZRangeBy{
		Min: min, Max: "+", Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, "", translateRedisError("list current", err, resourceType, "")
	}

	out := make([]*model.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetCurrent(ctx, resourceType, id)
		if fhirerrors.IsKind(err, fhirerrors.KindNotFound) {
			// Removed between the range read and the fetch.
			continue
		}
		if err != nil {
			return nil, "", err
		}
		if rec.IsDeleted {
			continue
		}
		out = append(out, rec)
	}
	next := ""
	if limit > 0 && len(ids) == limit {
		next = ids[len(ids)-1]
	}
	return out, next, nil
}

// CountCurrent counts current non-deleted records of a type.
func (s *RedisStore) CountCurrent(ctx context.Context, resourceType string) (int64, error) {
	n, err := s.client.ZCard(ctx, idsKey(resourceType)).Result()
	if err != nil {
		return 0, translateRedisError("count current", err, resourceType, "")
	}
	return n, nil
}

// ResourceTypes lists the types with at least one current record.
func (s *RedisStore) ResourceTypes(ctx context.Context) ([]string, error) {
	types, err := s.client.SMembers(ctx, typesKey).Result()
	if err != nil {
		return nil, translateRedisError("resource types", err, "", "")
	}
	return types, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return translateRedisError("ping", s.client.Ping(ctx).Err(), "", "")
}

// Close closes the Redis client.
func (s *RedisStore) Close() {
	if err := s.client.Close(); err != nil {
		s.logger.Warn("Failed to close redis client", zap.Error(err))
	}
}

// Client exposes the Redis client so the job store can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
