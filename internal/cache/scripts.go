package cache

import "github.com/go-redis/redis/v8"

// addMessageScript inserts or replaces one message and trims the room to
// its capacity in the same atomic step, so concurrent writers can never
// leave the set above MaxMessages.
//
// KEYS: messages zset, data hash
// ARGV: id, score, json, max, ttl ms
var addMessageScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
local max = tonumber(ARGV[4])
local size = redis.call('ZCARD', KEYS[1])
local evicted = 0
if size > max then
	local stale = redis.call('ZRANGE', KEYS[1], 0, size - max - 1)
	redis.call('ZREMRANGEBYRANK', KEYS[1], 0, size - max - 1)
	redis.call('HDEL', KEYS[2], unpack(stale))
	evicted = #stale
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('PEXPIRE', KEYS[2], ARGV[5])
return evicted
`)

// replaceMessageScript overwrites the payload of a message that is already
// cached and does nothing otherwise. Returns 1 when replaced.
//
// KEYS: messages zset, data hash
// ARGV: id, json
var replaceMessageScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// rangeMessagesScript returns payloads newest first for ids scored at or
// below ARGV[1] ("+inf" or an exclusive "(score").
//
// KEYS: messages zset, data hash
// ARGV: max score, limit
var rangeMessagesScript = redis.NewScript(`
local ids = redis.call('ZREVRANGEBYSCORE', KEYS[1], ARGV[1], '-inf', 'LIMIT', 0, ARGV[2])
if #ids == 0 then
	return {}
end
return redis.call('HMGET', KEYS[2], unpack(ids))
`)

// addPinnedScript upserts a pin. The keys live as long as the longest pin.
//
// KEYS: pinned zset, data hash
// ARGV: id, expiry score, json, ttl ms
var addPinnedScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
local ttl = tonumber(ARGV[4])
if redis.call('PTTL', KEYS[1]) < ttl then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	redis.call('PEXPIRE', KEYS[2], ARGV[4])
end
return 1
`)

// sweepPinnedScript drops pins expiring at or before ARGV[1] and returns
// {swept count, {payloads soonest-to-expire first}}.
//
// KEYS: pinned zset, data hash
// ARGV: now score
var sweepPinnedScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #expired > 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	redis.call('HDEL', KEYS[2], unpack(expired))
end
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
if #ids == 0 then
	return {#expired, {}}
end
return {#expired, redis.call('HMGET', KEYS[2], unpack(ids))}
`)
