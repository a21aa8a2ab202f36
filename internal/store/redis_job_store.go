package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jyotsnaravikumar/fhir-server/internal/fhirerrors"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisJobStore implements JobStore on Redis. Each job lives in a hash whose
// etag, status and heartbeat fields are manipulated only by server-side Lua
// scripts, which gives the stamped-claim semantic AcquireJobs requires.
//
// Key layout:
//
//	fhir:job:{id}    hash: etag, status, heartbeat, payload
//	fhir:jobs        zset: job ids scored by creation time
//	fhir:job:active  string: id of the single non-terminal job
type RedisJobStore struct {
	client *redis.Client
	logger *zap.Logger

	createScript  *redis.Script
	updateScript  *redis.Script
	acquireScript *redis.Script
}

// createJobLua enforces the single-active-job rule atomically.
// KEYS: job, jobs, active  ARGV: id, etag, status, heartbeat ms, created ms, payload
const createJobLua = `
if redis.call('EXISTS', KEYS[3]) == 1 then
	return redis.error_reply('CONFLICT')
end
redis.call('HSET', KEYS[1], 'etag', ARGV[2], 'status', ARGV[3], 'heartbeat', ARGV[4], 'payload', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
redis.call('SET', KEYS[3], ARGV[1])
return 'OK'
`

// updateJobLua replaces a job conditional on its etag, releasing the
// active marker when the job reaches a terminal status.
// KEYS: job, active  ARGV: id, expected etag, new etag, status, heartbeat ms,
// payload, terminal
const updateJobLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOTFOUND')
end
if redis.call('HGET', KEYS[1], 'etag') ~= ARGV[2] then
	return redis.error_reply('PRECONDITION')
end
local prev = redis.call('HGET', KEYS[1], 'status')
if prev == 'Completed' or prev == 'Canceled' or prev == 'Failed' then
	return redis.error_reply('PRECONDITION')
end
redis.call('HSET', KEYS[1], 'etag', ARGV[3], 'status', ARGV[4], 'heartbeat', ARGV[5], 'payload', ARGV[6])
if ARGV[7] == '1' and redis.call('GET', KEYS[2]) == ARGV[1] then
	redis.call('DEL', KEYS[2])
end
return 'OK'
`

// acquireJobsLua stamps heartbeats and etags on leasable jobs in one
// atomic pass, so concurrent callers can never claim the same job.
// KEYS: jobs  ARGV: max, now ms, threshold ms, etag seed
const acquireJobsLua = `
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local max = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local out = {}
for i, id in ipairs(ids) do
	if #out >= max * 3 then break end
	local key = 'fhir:job:' .. id
	local status = redis.call('HGET', key, 'status')
	local hb = tonumber(redis.call('HGET', key, 'heartbeat') or '0')
	local leasable = (status == 'Queued' or status == 'Running') and (now - hb) > threshold
	if leasable then
		local etag = ARGV[4] .. '-' .. i
		redis.call('HSET', key, 'etag', etag, 'heartbeat', ARGV[2])
		table.insert(out, redis.call('HGET', key, 'payload'))
		table.insert(out, etag)
		table.insert(out, ARGV[2])
	end
end
return out
`

// NewRedisJobStore creates a new Redis job store sharing the data store's
// client.
func NewRedisJobStore(client *redis.Client, logger *zap.Logger) *RedisJobStore {
	return &RedisJobStore{
		client:        client,
		logger:        logger,
		createScript:  redis.NewScript(createJobLua),
		updateScript:  redis.NewScript(updateJobLua),
		acquireScript: redis.NewScript(acquireJobsLua),
	}
}

func jobKey(id string) string {
	return "fhir:job:" + id
}

const (
	jobsKey      = "fhir:jobs"
	activeJobKey = "fhir:job:active"
)

func translateJobError(op string, err error, jobID string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fhirerrors.Canceled(err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "CONFLICT"):
		return fhirerrors.Conflict("a reindex job is already active")
	case strings.Contains(msg, "PRECONDITION"):
		return fhirerrors.PreconditionFailed("job etag mismatch")
	case strings.Contains(msg, "NOTFOUND"):
		return fhirerrors.JobNotFound(jobID)
	case strings.Contains(msg, "LOADING"), strings.Contains(msg, "BUSY"):
		return fhirerrors.RateLimited(op+" throttled", err)
	}
	return fhirerrors.Unavailable(op+" failed", err)
}

// CreateJob persists a new job, enforcing the single-active-job rule.
func (s *RedisJobStore) CreateJob(ctx context.Context, job *model.ReindexJob) (*LeasedJob, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fhirerrors.Internal("failed to marshal job", err)
	}
	etag := uuid.NewString()
	keys := []string{jobKey(job.ID), jobsKey, activeJobKey}
	err = s.createScript.Run(ctx, s.client, keys,
		job.ID, etag, string(job.Status),
		strconv.FormatInt(job.HeartbeatAt.UnixMilli(), 10),
		strconv.FormatInt(job.CreatedAt.UnixMilli(), 10),
		string(payload),
	).Err()
	if err != nil {
		return nil, translateJobError("create job", err, job.ID)
	}
	return &LeasedJob{Job: job.Clone(), ETag: etag}, nil
}

// GetJob returns a job and its etag.
func (s *RedisJobStore) GetJob(ctx context.Context, id string) (*LeasedJob, error) {
	vals, err := s.client.HMGet(ctx, jobKey(id), "payload", "etag", "heartbeat").Result()
	if err != nil {
		return nil, translateJobError("get job", err, id)
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, fhirerrors.JobNotFound(id)
	}
	var job model.ReindexJob
	if err := json.Unmarshal([]byte(vals[0].(string)), &job); err != nil {
		return nil, fhirerrors.Internal("corrupt job document", err)
	}
	if hb, ok := vals[2].(string); ok {
		if ms, err := strconv.ParseInt(hb, 10, 64); err == nil {
			job.HeartbeatAt = time.UnixMilli(ms).UTC()
		}
	}
	return &LeasedJob{Job: &job, ETag: vals[1].(string)}, nil
}

// UpdateJob conditionally replaces a job.
func (s *RedisJobStore) UpdateJob(ctx context.Context, job *model.ReindexJob, etag string) (*LeasedJob, error) {
	cp := job.Clone()
	cp.LastModified = time.Now().UTC()
	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, fhirerrors.Internal("failed to marshal job", err)
	}
	newETag := uuid.NewString()
	terminal := "0"
	if cp.Status.Terminal() {
		terminal = "1"
	}
	keys := []string{jobKey(cp.ID), activeJobKey}
	err = s.updateScript.Run(ctx, s.client, keys,
		cp.ID, etag, newETag, string(cp.Status),
		strconv.FormatInt(cp.HeartbeatAt.UnixMilli(), 10),
		string(payload), terminal,
	).Err()
	if err != nil {
		return nil, translateJobError("update job", err, cp.ID)
	}
	return &LeasedJob{Job: cp, ETag: newETag}, nil
}

// AcquireJobs claims leasable jobs via a single server-side script.
func (s *RedisJobStore) AcquireJobs(ctx context.Context, max int, threshold time.Duration) ([]*LeasedJob, error) {
	now := time.Now().UTC()
	res, err := s.acquireScript.Run(ctx, s.client, []string{jobsKey},
		max, strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(threshold.Milliseconds(), 10),
		uuid.NewString(),
	).Slice()
	if err != nil {
		return nil, translateJobError("acquire jobs", err, "")
	}

	claimed := make([]*LeasedJob, 0, len(res)/3)
	for i := 0; i+2 < len(res); i += 3 {
		if len(claimed) >= max {
			break
		}
		var job model.ReindexJob
		if err := json.Unmarshal([]byte(res[i].(string)), &job); err != nil {
			return nil, fhirerrors.Internal("corrupt job document", err)
		}
		ms, err := strconv.ParseInt(res[i+2].(string), 10, 64)
		if err != nil {
			return nil, fhirerrors.Internal("corrupt heartbeat stamp", err)
		}
		job.HeartbeatAt = time.UnixMilli(ms).UTC()
		claimed = append(claimed, &LeasedJob{Job: &job, ETag: res[i+1].(string)})
	}
	return claimed, nil
}

// CheckActive reports whether a non-terminal job exists.
func (s *RedisJobStore) CheckActive(ctx context.Context) (bool, string, error) {
	id, err := s.client.Get(ctx, activeJobKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", translateJobError("check active", err, "")
	}
	return true, id, nil
}

// Ping checks the Redis connection.
func (s *RedisJobStore) Ping(ctx context.Context) error {
	return translateJobError("ping", s.client.Ping(ctx).Err(), "")
}

// Close is a no-op; the client is owned by the data store.
func (s *RedisJobStore) Close() {}
