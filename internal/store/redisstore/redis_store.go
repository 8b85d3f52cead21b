// Package redisstore implements store.Store on Redis.
//
// Layout under the key prefix (default "timer:"):
//
//	<prefix>job:<id>   hash  one field per Job attribute
//	<prefix>queue      zset  pending jobs, score = scheduled_at (ms)
//	<prefix>leases     zset  in_progress jobs, score = lease_until (ms)
//
// Every state transition runs as a Lua script so that several worker
// processes sharing one Redis never observe a half-applied change or claim
// the same job twice. Terminal job hashes get a PEXPIRE of the result TTL.
//
// The claim script derives job keys from the prefix at run time, so all keys
// must live on one node: Redis Cluster is not supported and the store takes a
// single-node *redis.Client.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/beaver-timer/internal/clock"
	"github.com/ChuLiYu/beaver-timer/internal/store"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "timer:"

// Options configures a Store.
type Options struct {
	Prefix    string
	ResultTTL time.Duration
	Clock     clock.Clock
}

// Store is a Redis-backed job store.
type Store struct {
	rdb       *redis.Client
	prefix    string
	resultTTL time.Duration
	clock     clock.Clock
	ownClient bool
}

var _ store.Store = (*Store)(nil)

// New wraps an existing client. The caller keeps ownership of rdb.
func New(rdb *redis.Client, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = store.DefaultResultTTL
	}
	return &Store{
		rdb:       rdb,
		prefix:    opts.Prefix,
		resultTTL: opts.ResultTTL,
		clock:     clock.OrReal(opts.Clock),
	}
}

// Open connects with redisOpts, verifies connectivity and returns a Store
// that closes the client on Close.
func Open(ctx context.Context, redisOpts *redis.Options, opts Options) (*Store, error) {
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, store.Unavailable("connect "+redisOpts.Addr, err)
	}
	s := New(rdb, opts)
	s.ownClient = true
	return s, nil
}

func (s *Store) jobKey(id types.JobID) string { return s.prefix + "job:" + string(id) }
func (s *Store) queueKey() string             { return s.prefix + "queue" }
func (s *Store) leasesKey() string            { return s.prefix + "leases" }

// ============================================================================
// Scripts
// ============================================================================

// KEYS[1]=job key KEYS[2]=queue; ARGV[1]=id ARGV[2]=scheduled_at ARGV[3..]=field/value pairs
var putScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS[1]=queue KEYS[2]=leases; ARGV[1]=now ARGV[2]=limit ARGV[3]=lease_until
// ARGV[4]=worker id ARGV[5]=job key prefix
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local claimed = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[5] .. id
  if redis.call('HGET', key, 'status') == 'pending' then
    redis.call('HSET', key, 'status', 'in_progress', 'started_at', ARGV[1],
      'lease_until', ARGV[3], 'worker_id', ARGV[4])
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('ZADD', KEYS[2], ARGV[3], id)
    table.insert(claimed, id)
  end
end
return claimed
`)

// KEYS[1]=job key KEYS[2]=leases; ARGV[1]=id ARGV[2]=status ARGV[3]=result field
// ARGV[4]=value ARGV[5]=finished_at ARGV[6]=ttl ms ARGV[7]=worker id ARGV[8]=attempt
var finishScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then
  return -1
end
if st ~= 'in_progress' then
  return 0
end
local holder = redis.call('HMGET', KEYS[1], 'worker_id', 'attempts')
if (holder[1] or '') ~= ARGV[7] or (holder[2] or '') ~= ARGV[8] then
  return -2
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], ARGV[3], ARGV[4], 'finished_at', ARGV[5])
redis.call('HDEL', KEYS[1], 'lease_until')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// KEYS[1]=job key KEYS[2]=leases KEYS[3]=queue; ARGV[1]=id ARGV[2]=worker id
// ARGV[3]=attempt
var requeueScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then
  return -1
end
if st ~= 'in_progress' then
  return 0
end
local holder = redis.call('HMGET', KEYS[1], 'worker_id', 'attempts')
if (holder[1] or '') ~= ARGV[2] or (holder[2] or '') ~= ARGV[3] then
  return -2
end
redis.call('HSET', KEYS[1], 'status', 'pending')
redis.call('HDEL', KEYS[1], 'lease_until', 'worker_id')
redis.call('ZREM', KEYS[2], ARGV[1])
local at = tonumber(redis.call('HGET', KEYS[1], 'scheduled_at')) or 0
redis.call('ZADD', KEYS[3], at, ARGV[1])
return 1
`)

// ============================================================================
// store.Store
// ============================================================================

// Put writes a new pending job.
func (s *Store) Put(ctx context.Context, job *types.Job) error {
	j := job.Clone()
	j.Status = types.StatusPending

	args := []any{string(j.ID), j.ScheduledAt}
	args = append(args, encode(j)...)

	n, err := putScript.Run(ctx, s.rdb, []string{s.jobKey(j.ID), s.queueKey()}, args...).Int()
	if err != nil {
		return store.Unavailable("put", err)
	}
	if n == 0 {
		return store.ErrDuplicateJob
	}
	return nil
}

// Get reads a job hash.
func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	fields, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, store.Unavailable("get", err)
	}
	if len(fields) == 0 {
		return nil, store.ErrJobNotFound
	}
	return decode(id, fields)
}

// ClaimDue claims up to limit due jobs.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration, workerID string) ([]*types.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	nowMs := now.UnixMilli()
	ids, err := claimScript.Run(ctx, s.rdb,
		[]string{s.queueKey(), s.leasesKey()},
		nowMs, limit, now.Add(lease).UnixMilli(), workerID, s.prefix+"job:",
	).StringSlice()
	if err != nil {
		return nil, store.Unavailable("claim", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(types.JobID(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, store.Unavailable("claim read", err)
	}

	jobs := make([]*types.Job, 0, len(ids))
	for i, id := range ids {
		job, err := decode(types.JobID(id), cmds[i].Val())
		if err != nil && !errors.Is(err, store.ErrCorruptJob) {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpdateStatus finishes an in_progress job held under claim and starts its
// retention window.
func (s *Store) UpdateStatus(ctx context.Context, id types.JobID, claim store.Claim, status types.JobStatus, result string) error {
	if err := store.CheckTerminal(status); err != nil {
		return err
	}
	field := "error"
	if status == types.StatusSucceeded {
		field = "result"
	}
	n, err := finishScript.Run(ctx, s.rdb,
		[]string{s.jobKey(id), s.leasesKey()},
		string(id), string(status), field, result, s.clock.Now().UnixMilli(), s.resultTTL.Milliseconds(),
		claim.WorkerID, strconv.Itoa(claim.Attempt),
	).Int()
	if err != nil {
		return store.Unavailable("update status", err)
	}
	return scriptOutcome(n)
}

// Requeue returns an in_progress job held under claim to the queue at its
// original time.
func (s *Store) Requeue(ctx context.Context, id types.JobID, claim store.Claim) error {
	n, err := requeueScript.Run(ctx, s.rdb,
		[]string{s.jobKey(id), s.leasesKey(), s.queueKey()},
		string(id), claim.WorkerID, strconv.Itoa(claim.Attempt),
	).Int()
	if err != nil {
		return store.Unavailable("requeue", err)
	}
	return scriptOutcome(n)
}

// ExpiredLeases lists jobs whose lease ended strictly before now.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]types.JobID, error) {
	rng := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	members, err := s.rdb.ZRangeByScore(ctx, s.leasesKey(), rng).Result()
	if err != nil {
		return nil, store.Unavailable("expired leases", err)
	}
	ids := make([]types.JobID, len(members))
	for i, m := range members {
		ids[i] = types.JobID(m)
	}
	return ids, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable("ping", s.rdb.Ping(ctx).Err())
}

// Close closes the client if the store opened it.
func (s *Store) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.rdb.Close()
}

func scriptOutcome(n int) error {
	switch n {
	case 1:
		return nil
	case -1:
		return store.ErrJobNotFound
	case -2:
		return store.ErrClaimLost
	default:
		return store.ErrInvalidTransition
	}
}

// ============================================================================
// Hash encoding
// ============================================================================

func encode(j *types.Job) []any {
	fields := []any{
		"id", string(j.ID),
		"url", j.URL,
		"status", string(j.Status),
		"attempts", j.Attempts,
		"scheduled_at", j.ScheduledAt,
		"enqueued_at", j.EnqueuedAt,
	}
	if j.Result != "" {
		fields = append(fields, "result", j.Result)
	}
	if j.Error != "" {
		fields = append(fields, "error", j.Error)
	}
	if j.WorkerID != "" {
		fields = append(fields, "worker_id", j.WorkerID)
	}
	for name, v := range map[string]*int64{
		"started_at":  j.StartedAt,
		"finished_at": j.FinishedAt,
		"lease_until": j.LeaseUntil,
	} {
		if v != nil {
			fields = append(fields, name, *v)
		}
	}
	return fields
}

// decode builds a Job from a hash. A missing or unparsable scheduled_at
// yields the partial job together with store.ErrCorruptJob.
func decode(id types.JobID, h map[string]string) (*types.Job, error) {
	j := &types.Job{
		ID:       id,
		URL:      h["url"],
		Status:   types.JobStatus(h["status"]),
		Result:   h["result"],
		Error:    h["error"],
		WorkerID: h["worker_id"],
	}
	j.Attempts, _ = strconv.Atoi(h["attempts"])
	j.EnqueuedAt, _ = strconv.ParseInt(h["enqueued_at"], 10, 64)
	j.StartedAt = optInt(h, "started_at")
	j.FinishedAt = optInt(h, "finished_at")
	j.LeaseUntil = optInt(h, "lease_until")

	at, err := strconv.ParseInt(h["scheduled_at"], 10, 64)
	if err != nil || at <= 0 {
		return j, fmt.Errorf("%w: scheduled_at %q", store.ErrCorruptJob, h["scheduled_at"])
	}
	j.ScheduledAt = at
	return j, nil
}

func optInt(h map[string]string, name string) *int64 {
	raw, ok := h[name]
	if !ok {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
