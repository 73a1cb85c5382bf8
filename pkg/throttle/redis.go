package throttle

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
)

// tokenBucketScript runs the refill-and-consume step atomically in Redis so
// multiple daemon instances share one bucket per party.
// KEYS[1] = bucket key ("throttle:<party>")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local refill = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "refilled_at")
local tokens = tonumber(state[1])
local refilled_at = tonumber(state[2])

if not tokens or not refilled_at then
    tokens = capacity
    refilled_at = now
end

local elapsed = now - refilled_at
if elapsed > 0 then
    tokens = tokens + elapsed * refill
    if tokens > capacity then
        tokens = capacity
    end
    refilled_at = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

-- Expire in 60s so idle buckets self-clean
redis.call("HMSET", key, "tokens", tokens, "refilled_at", refilled_at)
redis.call("EXPIRE", key, 60)

return allowed
`)

// Redis throttles across daemon instances sharing a Redis.
type Redis struct {
	client *redis.Client
	policy Policy
}

// NewRedis builds a shared throttle against the given Redis.
func NewRedis(addr, password string, db int, policy Policy) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{client: rdb, policy: policy}
}

func (r *Redis) Allow(ctx context.Context, party string) error {
	perSec := r.policy.PerSecond
	if perSec <= 0 {
		perSec = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, r.client,
		[]string{"throttle:" + party}, perSec, r.policy.Burst, 1, now).Int64()
	if err != nil {
		return fault.Wrap(fault.Transient, "throttle.Allow", err)
	}
	if res != 1 {
		return fault.Coded(fault.CodeRateLimited, "throttle.Allow",
			"submission rate exceeded for "+party)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
