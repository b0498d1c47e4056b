package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Refill uses the Redis server clock so kiosks behind different API
// replicas share one bucket. Tokens are returned as a string because Redis
// truncates Lua numbers to integers.
const kioskBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now
if now > ts then
  tokens = math.min(burst, tokens + (now - ts) / 1000 * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens)}
`

// Decision is the outcome of one kiosk access-check admission.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// redisBucket is a token bucket stored in a Redis hash per kiosk.
type redisBucket struct {
	client *redis.Client
	script *redis.Script
}

func newRedisBucket(client *redis.Client) *redisBucket {
	if client == nil {
		return nil
	}
	return &redisBucket{client: client, script: redis.NewScript(kioskBucketScript)}
}

func (b *redisBucket) take(ctx context.Context, key string, perSecond float64, burst int) (Decision, error) {
	ttl := bucketTTL(perSecond, burst)
	res, err := b.script.Run(ctx, b.client, []string{key}, perSecond, burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 2 {
		return Decision{}, errors.New("unexpected kiosk bucket reply")
	}
	allowed, ok := res[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected kiosk bucket flag %T", res[0])
	}
	tokens, err := strconv.ParseFloat(fmt.Sprint(res[1]), 64)
	if err != nil {
		return Decision{}, fmt.Errorf("parse kiosk bucket tokens: %w", err)
	}
	return decide(allowed == 1, tokens, perSecond), nil
}

func decide(allowed bool, tokens, perSecond float64) Decision {
	d := Decision{Allowed: allowed, Remaining: int(tokens)}
	if !allowed && perSecond > 0 {
		d.RetryAfter = time.Duration((1 - tokens) / perSecond * float64(time.Second))
	}
	return d
}

// bucketTTL keeps an idle bucket around for twice its full refill time.
func bucketTTL(perSecond float64, burst int) time.Duration {
	if perSecond <= 0 || burst <= 0 {
		return time.Second
	}
	return time.Duration(math.Max(1, math.Ceil(2*float64(burst)/perSecond))) * time.Second
}
