package redis

import "github.com/redis/go-redis/v9"

// hsetifget merges ARGV value pairs into the hash at KEYS[1] when the guard
// holds and returns nil; otherwise it returns the current hash untouched.
//
// ARGV: ncond, nvalue, expiresAtMillis, cond pairs..., value pairs...
var hsetifgetScript = redis.NewScript(`
local key = KEYS[1]
local ncond = tonumber(ARGV[1])
local nvalue = tonumber(ARGV[2])
local expires = tonumber(ARGV[3])
if ncond > 0 and redis.call('EXISTS', key) == 1 then
  for i = 0, ncond - 1 do
    local field = ARGV[4 + i * 2]
    local want = ARGV[5 + i * 2]
    if redis.call('HGET', key, field) ~= want then
      return redis.call('HGETALL', key)
    end
  end
end
local off = 4 + ncond * 2
for i = 0, nvalue - 1 do
  redis.call('HSET', key, ARGV[off + i * 2], ARGV[off + i * 2 + 1])
end
if expires > 0 then
  redis.call('PEXPIREAT', key, expires)
end
return nil
`)

var getkeysetScript = redis.NewScript(`
return redis.call('HGETALL', KEYS[1])
`)

var setkeysetScript = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return redis.status_reply('OK')
`)

// delkeyset deletes one field per HDEL so the field count is not bounded by
// the Lua stack.
var delkeysetScript = redis.NewScript(`
local n = 0
for i = 1, #ARGV do
  n = n + redis.call('HDEL', KEYS[1], ARGV[i])
end
return n
`)

var defaultScripts = []*redis.Script{
	hsetifgetScript,
	getkeysetScript,
	setkeysetScript,
	delkeysetScript,
}
