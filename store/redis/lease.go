package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/lease"
)

// nowLua computes the Redis server's clock in milliseconds. Every expiry
// comparison in the scripts uses this, never the caller's clock.
const nowLua = `
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
`

// acquireScript creates or takes over a lease. The matched branch only
// fires when the row is released, expired by the server clock, or already
// held by the same owner. Takeover bumps the fence; a same-owner renew
// keeps it. Returns false when a live lease is held elsewhere.
var acquireScript = goredis.NewScript(nowLua + `
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])

if redis.call('EXISTS', KEYS[1]) == 1 then
	local released = redis.call('HGET', KEYS[1], 'released')
	local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
	local live = released == '0' and expires > now
	if live and redis.call('HGET', KEYS[1], 'owner_id') ~= owner then
		return false
	end
	if not live then
		redis.call('HINCRBY', KEYS[1], 'fence', 1)
	end
	redis.call('HSET', KEYS[1],
		'owner_id', owner,
		'expires_at', now + ttl,
		'released', '0',
		'updated_at', now)
	redis.call('HINCRBY', KEYS[1], 'version', 1)
else
	redis.call('HSET', KEYS[1],
		'owner_id', owner,
		'fence', 1,
		'expires_at', now + ttl,
		'released', '0',
		'version', 1,
		'created_at', now,
		'updated_at', now)
end
return redis.call('HGETALL', KEYS[1])
`)

// renewScript extends the lease via CAS on (owner, version). Returns false
// when the CAS declines.
var renewScript = goredis.NewScript(nowLua + `
local owner = ARGV[1]
local version = ARGV[2]
local ttl = tonumber(ARGV[3])

if redis.call('EXISTS', KEYS[1]) == 0
	or redis.call('HGET', KEYS[1], 'released') ~= '0'
	or redis.call('HGET', KEYS[1], 'owner_id') ~= owner
	or redis.call('HGET', KEYS[1], 'version') ~= version then
	return false
end

redis.call('HSET', KEYS[1], 'expires_at', now + ttl, 'updated_at', now)
redis.call('HINCRBY', KEYS[1], 'version', 1)
return redis.call('HGETALL', KEYS[1])
`)

// releaseScript marks the lease released via CAS, keeping the row as a
// tombstone so the fence counter survives. Returns 1 when released or
// already gone (idempotent), 0 when a live row moved under the caller.
var releaseScript = goredis.NewScript(nowLua + `
local owner = ARGV[1]
local version = ARGV[2]

if redis.call('EXISTS', KEYS[1]) == 0
	or redis.call('HGET', KEYS[1], 'released') ~= '0' then
	return 1
end

if redis.call('HGET', KEYS[1], 'owner_id') == owner
	and redis.call('HGET', KEYS[1], 'version') == version then
	redis.call('HSET', KEYS[1], 'released', '1', 'updated_at', now)
	redis.call('HINCRBY', KEYS[1], 'version', 1)
	return 1
end

if tonumber(redis.call('HGET', KEYS[1], 'expires_at')) <= now then
	return 1
end
return 0
`)

// AcquireLease atomically creates or takes over the lease for key.
func (s *Store) AcquireLease(ctx context.Context, key string, owner id.OwnerID, ttl time.Duration) (*lease.Lease, error) {
	res, err := acquireScript.Run(ctx, s.client,
		[]string{leaseKey(key)},
		owner.String(), ttl.Milliseconds(),
	).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, paralyze.ErrAlreadyHeld
		}
		return nil, wrapErr("acquire lease", err)
	}
	return leaseFromReply(key, res)
}

// RenewLease extends the lease by ttl via CAS on (key, version).
func (s *Store) RenewLease(ctx context.Context, key string, owner id.OwnerID, version int64, ttl time.Duration) (*lease.Lease, error) {
	res, err := renewScript.Run(ctx, s.client,
		[]string{leaseKey(key)},
		owner.String(), version, ttl.Milliseconds(),
	).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, paralyze.ErrLeaseLost
		}
		return nil, wrapErr("renew lease", err)
	}
	return leaseFromReply(key, res)
}

// ReleaseLease marks the lease released via CAS on (key, version).
func (s *Store) ReleaseLease(ctx context.Context, key string, owner id.OwnerID, version int64) error {
	ok, err := releaseScript.Run(ctx, s.client,
		[]string{leaseKey(key)},
		owner.String(), version,
	).Int()
	if err != nil {
		return wrapErr("release lease", err)
	}
	if ok == 0 {
		return paralyze.ErrLeaseLost
	}
	return nil
}

// GetLease returns the current row for key, tombstones included.
func (s *Store) GetLease(ctx context.Context, key string) (*lease.Lease, error) {
	vals, err := s.client.HGetAll(ctx, leaseKey(key)).Result()
	if err != nil {
		return nil, wrapErr("get lease", err)
	}
	if len(vals) == 0 {
		return nil, paralyze.ErrLeaseNotFound
	}
	return mapToLease(key, vals)
}

// leaseFromReply converts a script's HGETALL reply into a Lease.
func leaseFromReply(key string, res any) (*lease.Lease, error) {
	vals, err := replyToMap(res)
	if err != nil {
		return nil, wrapErr("decode lease reply", err)
	}
	return mapToLease(key, vals)
}

// mapToLease converts a Redis hash into a Lease.
func mapToLease(key string, vals map[string]string) (*lease.Lease, error) {
	owner, err := id.ParseOwnerID(vals["owner_id"])
	if err != nil {
		return nil, err
	}

	l := &lease.Lease{
		Key:       key,
		OwnerID:   owner,
		Fence:     paralyze.FenceToken(parseInt(vals["fence"])),
		ExpiresAt: parseMillis(vals["expires_at"]),
		Released:  vals["released"] == "1",
		Version:   parseInt(vals["version"]),
		CreatedAt: parseMillis(vals["created_at"]),
		UpdatedAt: parseMillis(vals["updated_at"]),
	}
	return l, nil
}
