package redisstore

import "github.com/redis/go-redis/v9"

// Binding metadata is stored as "sessionId|deviceType|loginMs|activeMs" in
// the meta hash, keyed by device id, next to the device -> node hash.

// registerScript applies the login policy to the user's record and writes the
// new binding in one step.
//
// KEYS: nodes hash, meta hash, online-users counter, sessions counter
// ARGV: deviceId, nodeId, sessionId, deviceType, nowMs, strategy, maxDevices,
// eviction, collision
// Returns a flat list of evicted (deviceId, nodeId, rawMeta) triples, or the
// integer -1 when collision is reject_new and another device would be evicted.
var registerScript = redis.NewScript(`
local nodes, meta = KEYS[1], KEYS[2]
local dev, strategy, order = ARGV[1], ARGV[6], ARGV[8]
local maxDevices = tonumber(ARGV[7])

local function parse(raw)
  if not raw then return '', '', 0, 0 end
  local sid, dtype, login, active = string.match(raw, '^(.-)|(.-)|(%-?%d+)|(%-?%d+)$')
  if not sid then return '', '', 0, 0 end
  return sid, dtype, tonumber(login), tonumber(active)
end

local current = redis.call('HGETALL', nodes)
local wasEmpty = #current == 0
local evicted, others = {}, {}

for i = 1, #current, 2 do
  local raw = redis.call('HGET', meta, current[i])
  local sid, dtype, login, active = parse(raw)
  local e = {current[i], current[i + 1], raw or '', dtype, login, active}
  if e[1] == dev then
    table.insert(evicted, e)
  else
    table.insert(others, e)
  end
end

if strategy == 'single' then
  for _, e in ipairs(others) do table.insert(evicted, e) end
elseif strategy == 'device_type' then
  for _, e in ipairs(others) do
    if e[4] == ARGV[4] then table.insert(evicted, e) end
  end
elseif strategy == 'bounded' then
  local function key(e)
    if order == 'least_active' and e[6] > 0 then return e[6] end
    return e[5]
  end
  table.sort(others, function(a, b)
    local ka, kb = key(a), key(b)
    if ka ~= kb then return ka < kb end
    return a[1] < b[1]
  end)
  for i = 1, #others - maxDevices + 1 do table.insert(evicted, others[i]) end
end

if ARGV[9] == 'reject_new' then
  for _, e in ipairs(evicted) do
    if e[1] ~= dev then return -1 end
  end
end

local out = {}
for _, e in ipairs(evicted) do
  redis.call('HDEL', nodes, e[1])
  redis.call('HDEL', meta, e[1])
  table.insert(out, e[1])
  table.insert(out, e[2])
  table.insert(out, e[3])
end

redis.call('HSET', nodes, dev, ARGV[2])
redis.call('HSET', meta, dev, ARGV[3] .. '|' .. ARGV[4] .. '|' .. ARGV[5] .. '|' .. ARGV[5])
if wasEmpty then redis.call('INCR', KEYS[3]) end
redis.call('INCRBY', KEYS[4], 1 - #evicted)
return out
`)

// unregisterScript removes one binding, optionally only while it belongs to
// the given session.
//
// KEYS: nodes hash, meta hash, online-users counter, sessions counter
// ARGV: deviceId, sessionId ('' removes unconditionally)
// Returns 1 if a binding was removed, 0 otherwise.
var unregisterScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then return 0 end
if ARGV[2] ~= '' then
  local raw = redis.call('HGET', KEYS[2], ARGV[1])
  if not raw then return 0 end
  if string.match(raw, '^(.-)|') ~= ARGV[2] then return 0 end
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('DECR', KEYS[4])
if redis.call('HLEN', KEYS[1]) == 0 then redis.call('DECR', KEYS[3]) end
return 1
`)

// unregisterAllScript drops a user's whole record.
//
// KEYS: nodes hash, meta hash, online-users counter, sessions counter
// Returns a flat list of removed (deviceId, nodeId, rawMeta) triples.
var unregisterAllScript = redis.NewScript(`
local current = redis.call('HGETALL', KEYS[1])
if #current == 0 then return {} end
local out = {}
for i = 1, #current, 2 do
  table.insert(out, current[i])
  table.insert(out, current[i + 1])
  table.insert(out, redis.call('HGET', KEYS[2], current[i]) or '')
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('DECRBY', KEYS[4], #current / 2)
redis.call('DECR', KEYS[3])
return out
`)

// touchScript rewrites the last-active field of an existing binding.
//
// KEYS: meta hash
// ARGV: deviceId, nowMs
var touchScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return 0 end
local sid, dtype, login = string.match(raw, '^(.-)|(.-)|(%-?%d+)|')
if not sid then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], sid .. '|' .. dtype .. '|' .. login .. '|' .. ARGV[2])
return 1
`)

