package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/task"
)

// createTaskScript inserts a new unclaimed task and indexes it in the
// unclaimed Sorted Set scored by creation time. Returns false when the ID
// already exists.
var createTaskScript = goredis.NewScript(nowLua + `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return false
end
redis.call('HSET', KEYS[1],
	'id', ARGV[1],
	'kind', ARGV[2],
	'payload', ARGV[3],
	'state', 'unclaimed',
	'owner_id', '',
	'fence', 0,
	'claim_expires_at', 0,
	'attempt_count', 0,
	'last_error', '',
	'version', 1,
	'created_at', now,
	'updated_at', now,
	'completed_at', 0)
redis.call('ZADD', KEYS[2], now, ARGV[1])
return now
`)

// claimTaskScript transitions a task to claimed via CAS on version,
// re-checking claimability against the server clock. Returns 'NOT_FOUND'
// or 'CONFLICT' status strings when the CAS declines.
var claimTaskScript = goredis.NewScript(nowLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'NOT_FOUND'
end

local version = redis.call('HGET', KEYS[1], 'version')
local state = redis.call('HGET', KEYS[1], 'state')
local expires = tonumber(redis.call('HGET', KEYS[1], 'claim_expires_at'))
local claimable = state == 'unclaimed' or (state == 'claimed' and expires < now)
if version ~= ARGV[2] or not claimable then
	return 'CONFLICT'
end

local ttl = tonumber(ARGV[4])
redis.call('HSET', KEYS[1],
	'state', 'claimed',
	'owner_id', ARGV[3],
	'claim_expires_at', now + ttl,
	'updated_at', now)
redis.call('HINCRBY', KEYS[1], 'fence', 1)
redis.call('HINCRBY', KEYS[1], 'attempt_count', 1)
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], now + ttl, ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// heldTaskLua guards scripts that only apply to a task still claimed by
// (owner, version). Leaves the caller's body to run on success.
const heldTaskLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'NOT_FOUND'
end
if redis.call('HGET', KEYS[1], 'state') ~= 'claimed'
	or redis.call('HGET', KEYS[1], 'version') ~= ARGV[2]
	or redis.call('HGET', KEYS[1], 'owner_id') ~= ARGV[3] then
	return 'LOST'
end
`

// extendClaimScript pushes the claim deadline to now plus ttl via CAS.
var extendClaimScript = goredis.NewScript(nowLua + heldTaskLua + `
local ttl = tonumber(ARGV[4])
redis.call('HSET', KEYS[1], 'claim_expires_at', now + ttl, 'updated_at', now)
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('ZADD', KEYS[2], now + ttl, ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// completeTaskScript transitions claimed to completed via CAS.
var completeTaskScript = goredis.NewScript(nowLua + heldTaskLua + `
redis.call('HSET', KEYS[1],
	'state', 'completed',
	'claim_expires_at', 0,
	'completed_at', now,
	'updated_at', now)
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('ZREM', KEYS[2], ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// failTaskScript finishes an attempt via CAS: terminal moves the task to
// failed, otherwise back to unclaimed scored by creation time.
var failTaskScript = goredis.NewScript(nowLua + heldTaskLua + `
redis.call('HSET', KEYS[1], 'last_error', ARGV[5], 'updated_at', now)
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[4] == '1' then
	redis.call('HSET', KEYS[1], 'state', 'failed', 'claim_expires_at', 0, 'completed_at', now)
else
	redis.call('HSET', KEYS[1], 'state', 'unclaimed', 'owner_id', '', 'claim_expires_at', 0)
	redis.call('ZADD', KEYS[3], tonumber(redis.call('HGET', KEYS[1], 'created_at')), ARGV[1])
end
return redis.call('HGETALL', KEYS[1])
`)

// CreateTask persists a new task in unclaimed state.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	tID := t.ID.String()
	res, err := createTaskScript.Run(ctx, s.client,
		[]string{taskKey(tID), unclaimedKey},
		tID, t.Kind, string(t.Payload),
	).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return paralyze.ErrTaskAlreadyExists
		}
		return wrapErr("create task", err)
	}

	now, ok := res.(int64)
	if !ok {
		return wrapErr("create task", errUnexpectedReply)
	}
	t.State = task.StateUnclaimed
	t.Version = 1
	t.CreatedAt = time.UnixMilli(now).UTC()
	t.UpdatedAt = t.CreatedAt
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	vals, err := s.client.HGetAll(ctx, taskKey(taskID.String())).Result()
	if err != nil {
		return nil, wrapErr("get task", err)
	}
	if len(vals) == 0 {
		return nil, paralyze.ErrTaskNotFound
	}
	return mapToTask(vals)
}

// ClaimCandidates returns up to limit claimable tasks: expired claims
// first (oldest expiry first), then unclaimed tasks oldest-created first.
// The expiry comparison runs against the Redis server's TIME.
func (s *Store) ClaimCandidates(ctx context.Context, limit int) ([]*task.Task, error) {
	srvTime, err := s.client.Time(ctx).Result()
	if err != nil {
		return nil, wrapErr("server time", err)
	}
	nowMillis := srvTime.UnixMilli()

	expired, err := s.client.ZRangeByScore(ctx, claimedKey, &goredis.ZRangeBy{
		Min: "-inf", Max: formatInt(nowMillis),
		Offset: 0, Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, wrapErr("expired candidates", err)
	}

	ids := expired
	if len(ids) < limit {
		unclaimed, zErr := s.client.ZRangeByScore(ctx, unclaimedKey, &goredis.ZRangeBy{
			Min: "-inf", Max: "+inf",
			Offset: 0, Count: int64(limit - len(ids)),
		}).Result()
		if zErr != nil {
			return nil, wrapErr("unclaimed candidates", zErr)
		}
		ids = append(ids, unclaimed...)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, tID := range ids {
		vals, getErr := s.client.HGetAll(ctx, taskKey(tID)).Result()
		if getErr != nil || len(vals) == 0 {
			// Index entry raced a deletion; skip it.
			continue
		}
		t, convErr := mapToTask(vals)
		if convErr != nil {
			return nil, wrapErr("decode candidate", convErr)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ClaimTask transitions the task to claimed via CAS on (id, version).
func (s *Store) ClaimTask(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID, ttl time.Duration) (*task.Task, error) {
	tID := taskID.String()
	res, err := claimTaskScript.Run(ctx, s.client,
		[]string{taskKey(tID), unclaimedKey, claimedKey},
		tID, version, owner.String(), ttl.Milliseconds(),
	).Result()
	if err != nil {
		return nil, wrapErr("claim task", err)
	}
	return taskFromReply(res)
}

// ExtendClaim pushes the claim deadline to now plus ttl via CAS.
func (s *Store) ExtendClaim(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID, ttl time.Duration) (*task.Task, error) {
	tID := taskID.String()
	res, err := extendClaimScript.Run(ctx, s.client,
		[]string{taskKey(tID), claimedKey},
		tID, version, owner.String(), ttl.Milliseconds(),
	).Result()
	if err != nil {
		return nil, wrapErr("extend claim", err)
	}
	return taskFromReply(res)
}

// CompleteTask transitions claimed to completed via CAS.
func (s *Store) CompleteTask(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID) (*task.Task, error) {
	tID := taskID.String()
	res, err := completeTaskScript.Run(ctx, s.client,
		[]string{taskKey(tID), claimedKey},
		tID, version, owner.String(),
	).Result()
	if err != nil {
		return nil, wrapErr("complete task", err)
	}
	return taskFromReply(res)
}

// FailTask finishes an attempt via CAS: terminal moves the task to failed,
// otherwise back to unclaimed for another worker to retry.
func (s *Store) FailTask(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID, terminal bool, lastErr string) (*task.Task, error) {
	tID := taskID.String()
	terminalArg := "0"
	if terminal {
		terminalArg = "1"
	}
	res, err := failTaskScript.Run(ctx, s.client,
		[]string{taskKey(tID), claimedKey, unclaimedKey},
		tID, version, owner.String(), terminalArg, lastErr,
	).Result()
	if err != nil {
		return nil, wrapErr("fail task", err)
	}
	return taskFromReply(res)
}

// taskFromReply converts a script reply into a Task, mapping status
// strings to the corresponding sentinel errors.
func taskFromReply(res any) (*task.Task, error) {
	switch v := res.(type) {
	case string:
		switch v {
		case "NOT_FOUND":
			return nil, paralyze.ErrTaskNotFound
		case "CONFLICT":
			return nil, paralyze.ErrVersionConflict
		case "LOST":
			return nil, paralyze.ErrClaimLost
		}
		return nil, wrapErr("decode task reply", errUnexpectedReply)
	default:
		vals, err := replyToMap(res)
		if err != nil {
			return nil, wrapErr("decode task reply", err)
		}
		return mapToTask(vals)
	}
}

// mapToTask converts a Redis hash into a Task. Zero timestamps mean unset.
func mapToTask(vals map[string]string) (*task.Task, error) {
	taskID, err := id.ParseTaskID(vals["id"])
	if err != nil {
		return nil, err
	}

	t := &task.Task{
		ID:           taskID,
		Kind:         vals["kind"],
		Payload:      []byte(vals["payload"]),
		State:        task.State(vals["state"]),
		Fence:        paralyze.FenceToken(parseInt(vals["fence"])),
		AttemptCount: int(parseInt(vals["attempt_count"])),
		LastError:    vals["last_error"],
		Version:      parseInt(vals["version"]),
		CreatedAt:    parseMillis(vals["created_at"]),
		UpdatedAt:    parseMillis(vals["updated_at"]),
	}

	if vals["owner_id"] != "" {
		owner, parseErr := id.ParseOwnerID(vals["owner_id"])
		if parseErr != nil {
			return nil, parseErr
		}
		t.OwnerID = owner
	}
	if ms := parseInt(vals["claim_expires_at"]); ms > 0 {
		e := time.UnixMilli(ms).UTC()
		t.ClaimExpiresAt = &e
	}
	if ms := parseInt(vals["completed_at"]); ms > 0 {
		c := time.UnixMilli(ms).UTC()
		t.CompletedAt = &c
	}

	return t, nil
}
