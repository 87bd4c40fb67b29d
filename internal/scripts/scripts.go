// Package scripts holds the Lua sources that make the queue's
// multi-key mutations atomic: remove, lock release, pause/resume, the
// delay-timer poll, and retry. Each is loaded once via redis.NewScript
// and referenced by SHA thereafter; go-redis handles the EVALSHA/EVAL
// fallback transparently. These scripts are part of the wire contract
// shared with other bull-protocol implementations and must not be
// altered without a compatibility note.
package scripts

import "github.com/redis/go-redis/v9"

// Remove evicts a job id from wait/paused/active/delayed unless it has
// already reached a terminal container, then unconditionally evicts it
// from completed/failed and deletes its hash.
// KEYS: 1=wait 2=paused 3=active 4=delayed 5=completed 6=failed 7=jobHash
// ARGV: 1=jobID
var Remove = redis.NewScript(`
local inCompleted = redis.call('SISMEMBER', KEYS[5], ARGV[1])
local inFailed = redis.call('SISMEMBER', KEYS[6], ARGV[1])
if inCompleted == 0 and inFailed == 0 then
	redis.call('LREM', KEYS[1], 0, ARGV[1])
	redis.call('LREM', KEYS[2], 0, ARGV[1])
	redis.call('LREM', KEYS[3], 0, ARGV[1])
	redis.call('ZREM', KEYS[4], ARGV[1])
end
redis.call('SREM', KEYS[5], ARGV[1])
redis.call('SREM', KEYS[6], ARGV[1])
redis.call('DEL', KEYS[7])
return 1
`)

// ReleaseLock deletes a lock key iff its value still equals the
// caller's token, returning 1 if deleted, 0 if the lock was foreign or
// already gone.
// KEYS: 1=lockKey
// ARGV: 1=token
var ReleaseLock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// PauseResume atomically renames the source list to the destination
// (if the source exists), sets or deletes meta-paused, and publishes
// both the mode word and the last-seen job id so any worker blocked on
// the jobs channel wakes and re-checks.
// KEYS: 1=source 2=dest 3=metaPaused 4=pausedChannel 5=jobsChannel
// ARGV: 1=mode ("paused"|"resumed") 2=pausing ("1"|"0") 3=lastJobID
var PauseResume = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('RENAME', KEYS[1], KEYS[2])
end
if ARGV[2] == '1' then
	redis.call('SET', KEYS[3], '1')
else
	redis.call('DEL', KEYS[3])
end
redis.call('PUBLISH', KEYS[4], ARGV[1])
redis.call('PUBLISH', KEYS[5], ARGV[3])
return 1
`)

// DelayPoll inspects the minimum-score entry of delayed; if due, moves
// it to wait (clearing any stale active copy and the job's delay
// field) and publishes a jobs-channel wakeup. Returns a two-element
// reply: the promoted job id (empty string if none was promoted) and
// the next remaining minimum score (-1 if delayed is now empty).
// KEYS: 1=delayed 2=active 3=wait 4=jobsChannel
// ARGV: 1=nowMs 2=jobHashPrefix (queue's "bull:<name>:" prefix)
var DelayPoll = redis.NewScript(`
local items = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #items == 0 then
	return {'', -1}
end
local jobID = items[1]
local score = tonumber(items[2])
if score > tonumber(ARGV[1]) then
	return {'', score}
end
redis.call('ZREM', KEYS[1], jobID)
redis.call('LREM', KEYS[2], 0, jobID)
redis.call('RPUSH', KEYS[3], jobID)
redis.call('HSET', ARGV[2] .. jobID, 'delay', '0')
redis.call('PUBLISH', KEYS[4], jobID)
local rest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #rest == 0 then
	return {jobID, -1}
end
return {jobID, tonumber(rest[2])}
`)

// Retry evicts a job from failed and re-enqueues it on wait, honoring
// lifo, then publishes a jobs-channel wakeup.
// KEYS: 1=failed 2=wait 3=jobsChannel
// ARGV: 1=jobID 2=lifo ("1" to right-push, else left-push)
var Retry = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if ARGV[2] == '1' then
	redis.call('RPUSH', KEYS[2], ARGV[1])
else
	redis.call('LPUSH', KEYS[2], ARGV[1])
end
redis.call('PUBLISH', KEYS[3], ARGV[1])
return 1
`)
