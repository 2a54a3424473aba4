package valkey

import (
	valkeygo "github.com/valkey-io/valkey-go"
)

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These scripts provide the compare-and-swap steps of the grant flows. A
// script runs atomically in Valkey, so exactly one of several concurrent
// callers can observe an unused code, a live refresh token or an authorized
// device code.
//
// Records are hashes: a "data" field with the immutable JSON and plain fields
// for the mutable state, so the scripts never decode JSON.

// consumeCodeScript marks an authorization code used and records the access
// token minted for it.
//
// KEYS[1] = code key
// ARGV[1] = now, Unix milliseconds
// ARGV[2] = access token jti
// ARGV[3] = access token expiry, Unix milliseconds
//
// Returns {status, data, at_jti, at_exp_ms} where status is OK, NOT_FOUND,
// EXPIRED or USED. USED is checked before EXPIRED so that a late replay is
// still reported, and carries the token recorded by the winning exchange.
var consumeCodeScript = valkeygo.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {'NOT_FOUND'}
end
local data = redis.call('HGET', KEYS[1], 'data')
if redis.call('HGET', KEYS[1], 'used') == '1' then
    local jti = redis.call('HGET', KEYS[1], 'at_jti') or ''
    local exp = redis.call('HGET', KEYS[1], 'at_exp_ms') or ''
    return {'USED', data, jti, exp}
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_ms'))
if expires and tonumber(ARGV[1]) > expires then
    return {'EXPIRED'}
end
redis.call('HSET', KEYS[1], 'used', '1', 'at_jti', ARGV[2], 'at_exp_ms', ARGV[3])
return {'OK', data, ARGV[2], ARGV[3]}
`)

// rotateRefreshScript revokes a live refresh token and stores its replacement.
//
// KEYS[1] = old token key
// KEYS[2] = new token key
// KEYS[3] = (user, client) lineage set
// ARGV[1] = now, Unix seconds
// ARGV[2] = new token JSON
// ARGV[3] = new token expiry, Unix seconds (0 = never)
// ARGV[4] = new token value
// ARGV[5] = new token TTL in milliseconds (0 = no TTL)
//
// Returns OK, NOT_FOUND, REVOKED or EXPIRED. Nothing is written unless OK.
var rotateRefreshScript = valkeygo.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'NOT_FOUND'
end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then
    return 'REVOKED'
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if expires and expires > 0 and tonumber(ARGV[1]) > expires then
    return 'EXPIRED'
end
redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[1], 'replaced_by', ARGV[4])
redis.call('HSET', KEYS[2], 'data', ARGV[2], 'revoked', '0', 'expires_at', ARGV[3])
if tonumber(ARGV[5]) > 0 then
    redis.call('PEXPIRE', KEYS[2], ARGV[5])
end
redis.call('SADD', KEYS[3], ARGV[4])
return 'OK'
`)

// revokeRefreshScript revokes one refresh token; revoking twice is a no-op.
//
// KEYS[1] = token key
// ARGV[1] = now, Unix seconds
var revokeRefreshScript = valkeygo.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'NOT_FOUND'
end
if redis.call('HGET', KEYS[1], 'revoked') ~= '1' then
    redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[1])
end
return 'OK'
`)

// revokeLineageScript revokes every live refresh token of a (user, client)
// pair and prunes members whose record has expired. Token keys are derived
// from the set members, so all keys must live on the same node.
//
// KEYS[1] = lineage set
// ARGV[1] = now, Unix seconds
// ARGV[2] = refresh token key prefix
//
// Returns the JSON of every token it revoked.
var revokeLineageScript = valkeygo.NewLuaScript(`
local revoked = {}
for _, tok in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local key = ARGV[2] .. tok
    if redis.call('EXISTS', key) == 0 then
        redis.call('SREM', KEYS[1], tok)
    elseif redis.call('HGET', key, 'revoked') ~= '1' then
        redis.call('HSET', key, 'revoked', '1', 'revoked_at', ARGV[1])
        table.insert(revoked, redis.call('HGET', key, 'data'))
    end
end
return revoked
`)

// blacklistScript records a jti, keeping the later of the existing and new expiry.
//
// KEYS[1] = blacklist key
// ARGV[1] = TTL in milliseconds
var blacklistScript = valkeygo.NewLuaScript(`
local current = redis.call('PTTL', KEYS[1])
if current < tonumber(ARGV[1]) then
    redis.call('SET', KEYS[1], '1', 'PX', ARGV[1])
end
return 'OK'
`)

// saveDeviceCodeScript stores a device authorization, reserving its user code.
//
// KEYS[1] = device code key
// KEYS[2] = user code key
// ARGV[1] = device code
// ARGV[2] = TTL in milliseconds
// ARGV[3] = JSON data
// ARGV[4] = interval in milliseconds
// ARGV[5] = client ID
// ARGV[6] = user code
// ARGV[7] = expiry, Unix milliseconds
//
// Returns OK or EXISTS when a live entry already holds the user code.
var saveDeviceCodeScript = valkeygo.NewLuaScript(`
if not redis.call('SET', KEYS[2], ARGV[1], 'NX', 'PX', ARGV[2]) then
    return 'EXISTS'
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
    'data', ARGV[3],
    'interval_ms', ARGV[4],
    'client_id', ARGV[5],
    'user_code', ARGV[6],
    'expires_ms', ARGV[7],
    'last_polled_ms', '0',
    'status', 'pending',
    'user_id', '',
    'auth_time', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 'OK'
`)

// decideDeviceCodeScript records the user's decision once.
//
// KEYS[1] = user code key
// ARGV[1] = device code key prefix
// ARGV[2] = decision time, Unix milliseconds
// ARGV[3] = new status (authorized or denied)
// ARGV[4] = user ID
//
// Returns OK, NOT_FOUND, EXPIRED or DECIDED.
var decideDeviceCodeScript = valkeygo.NewLuaScript(`
local deviceCode = redis.call('GET', KEYS[1])
if not deviceCode then
    return 'NOT_FOUND'
end
local key = ARGV[1] .. deviceCode
if redis.call('EXISTS', key) == 0 then
    return 'NOT_FOUND'
end
if tonumber(ARGV[2]) > tonumber(redis.call('HGET', key, 'expires_ms')) then
    return 'EXPIRED'
end
if redis.call('HGET', key, 'status') ~= 'pending' then
    return 'DECIDED'
end
redis.call('HSET', key, 'status', ARGV[3], 'user_id', ARGV[4], 'auth_time', ARGV[2])
return 'OK'
`)

// pollDeviceCodeScript applies one token endpoint poll. The first poll is never
// slow_down; every early poll adds ARGV[3] to the interval. Denied and
// authorized entries are deleted together with their user code.
//
// KEYS[1] = device code key
// ARGV[1] = now, Unix milliseconds
// ARGV[2] = polling client ID
// ARGV[3] = slow down increment in milliseconds
// ARGV[4] = user code key prefix
//
// Returns {status, field, value, ...} where status is pending, slow_down,
// denied, authorized, NOT_FOUND, EXPIRED or CLIENT_MISMATCH and the remaining
// elements are the hash fields after the poll.
var pollDeviceCodeScript = valkeygo.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {'NOT_FOUND'}
end
local now = tonumber(ARGV[1])
if now > tonumber(redis.call('HGET', KEYS[1], 'expires_ms')) then
    return {'EXPIRED'}
end
if redis.call('HGET', KEYS[1], 'client_id') ~= ARGV[2] then
    return {'CLIENT_MISMATCH'}
end

local last = tonumber(redis.call('HGET', KEYS[1], 'last_polled_ms'))
local interval = tonumber(redis.call('HGET', KEYS[1], 'interval_ms'))
redis.call('HSET', KEYS[1], 'last_polled_ms', ARGV[1])

local status
if last > 0 and now - last < interval then
    interval = interval + tonumber(ARGV[3])
    redis.call('HSET', KEYS[1], 'interval_ms', interval)
    status = 'slow_down'
else
    status = redis.call('HGET', KEYS[1], 'status')
end

local result = {status}
for _, v in ipairs(redis.call('HGETALL', KEYS[1])) do
    table.insert(result, v)
end

if status == 'denied' or status == 'authorized' then
    redis.call('DEL', ARGV[4] .. redis.call('HGET', KEYS[1], 'user_code'))
    redis.call('DEL', KEYS[1])
end
return result
`)
