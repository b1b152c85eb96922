package scheduler

import "github.com/go-redis/redis/v8"

// KEYS[1] queue zset, KEYS[2] task hash
// ARGV[1] key, ARGV[2] fire-at ms, ARGV[3] task json
// Returns 1 when added, 0 when a task with the same key is already known.
var scheduleScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[3]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS[1] queue zset, KEYS[2] processing zset, KEYS[3] task hash
// ARGV[1] now ms, ARGV[2] batch size, ARGV[3] visibility deadline ms
// Moves due keys into processing and returns their task bodies.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, key in ipairs(due) do
  redis.call('ZREM', KEYS[1], key)
  local body = redis.call('HGET', KEYS[3], key)
  if body then
    redis.call('ZADD', KEYS[2], ARGV[3], key)
    table.insert(out, body)
  end
end
return out
`)

// KEYS[1] processing zset, KEYS[2] queue zset, KEYS[3] task hash, KEYS[4] dead hash
// ARGV[1] now ms, ARGV[2] last error
// Tasks whose visibility deadline passed count as a failed attempt: they go
// back on the queue, or to the dead set once attempts reach maxAttempts.
// Returns {requeued, dead}.
var reapScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued, dead = 0, 0
for _, key in ipairs(stale) do
  redis.call('ZREM', KEYS[1], key)
  local body = redis.call('HGET', KEYS[3], key)
  if body then
    local task = cjson.decode(body)
    task.attempts = (tonumber(task.attempts) or 0) + 1
    task.lastError = ARGV[2]
    local encoded = cjson.encode(task)
    if task.attempts >= (tonumber(task.maxAttempts) or 1) then
      redis.call('HDEL', KEYS[3], key)
      redis.call('HSET', KEYS[4], key, encoded)
      dead = dead + 1
    else
      redis.call('HSET', KEYS[3], key, encoded)
      redis.call('ZADD', KEYS[2], ARGV[1], key)
      requeued = requeued + 1
    end
  end
end
return {requeued, dead}
`)
