package bucket

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifyhub/send-throttle/internal/clock"
)

// consumeScript refills at the stored rate, resizes and conditionally decrements every bucket
// in KEYS in one server-side step. Redis runs scripts atomically, which is
// what makes the decision safe across processes.
//
//	ARGV[1] tokens to take, ARGV[2] now (unix ms), ARGV[3] idle ttl (ms),
//	then per key i: ARGV[2+2i] capacity, ARGV[3+2i] refill per second.
//
// Returns {allowed, limiting index (1-based, 0 if none), wait ms,
// tokens_1, ts_1, tokens_2, ts_2, ...}. Token counts are returned as
// strings because integer replies would truncate them.
var consumeScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local tokens, stamps, maxes, rates = {}, {}, {}, {}
local allowed, limiting, wait = 1, 0, 0

for i = 1, #KEYS do
  local max = tonumber(ARGV[2 + 2 * i])
  local rate = tonumber(ARGV[3 + 2 * i])
  local state = redis.call('HMGET', KEYS[i], 'tokens', 'ts', 'max', 'rate')
  local t = tonumber(state[1])
  local ts = tonumber(state[2])
  local oldmax = tonumber(state[3]) or max
  local oldrate = tonumber(state[4]) or rate
  if t == nil or ts == nil then
    t = max
    ts = now
    oldmax, oldrate = max, rate
  end
  if now > ts then
    t = t + (now - ts) / 1000 * oldrate
    ts = now
  end
  if t > oldmax then t = oldmax end
  if t > max then t = max end
  if t < 0 then t = 0 end
  tokens[i], stamps[i], maxes[i], rates[i] = t, ts, max, rate

  if t < n then
    allowed = 0
    local w = math.ceil((n - t) / rate * 1000)
    if limiting == 0 or w > wait then
      limiting, wait = i, w
    end
  end
end

if allowed == 1 then
  for i = 1, #KEYS do
    tokens[i] = tokens[i] - n
    if tokens[i] < 0 then tokens[i] = 0 end
  end
end

local out = {allowed, limiting, wait}
for i = 1, #KEYS do
  redis.call('HSET', KEYS[i], 'tokens', tostring(tokens[i]), 'ts', stamps[i],
    'max', tostring(maxes[i]), 'rate', tostring(rates[i]), 'access', now)
  redis.call('PEXPIRE', KEYS[i], ttl)
  out[#out + 1] = tostring(tokens[i])
  out[#out + 1] = stamps[i]
end
return out
`)

// RedisStore keeps buckets in Redis hashes and consumes through a Lua
// script. Keys share one hash tag so a multi-bucket script is valid on
// Redis Cluster. Idle buckets expire on their own after idleTTL.
type RedisStore struct {
	rdb     redis.UniversalClient
	prefix  string
	idleTTL time.Duration
	clock   clock.Clock
}

type RedisOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func WithRedisIdleTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.idleTTL = d }
}

func NewRedisStore(rdb redis.UniversalClient, c clock.Clock, opts ...RedisOption) *RedisStore {
	if c == nil {
		c = clock.System{}
	}
	s := &RedisStore{
		rdb:     rdb,
		prefix:  "throttle:{bucket}:",
		idleTTL: 24 * time.Hour,
		clock:   c,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(key string) string { return s.prefix + key }

func (s *RedisStore) FindOrCreate(ctx context.Context, spec Spec) (Bucket, error) {
	res, err := s.ConsumeAll(ctx, []Spec{spec}, 0)
	if err != nil {
		return Bucket{}, err
	}
	return res.Buckets[0], nil
}

func (s *RedisStore) Consume(ctx context.Context, spec Spec, n float64) (Result, error) {
	return s.ConsumeAll(ctx, []Spec{spec}, n)
}

func (s *RedisStore) ConsumeAll(ctx context.Context, specs []Spec, n float64) (Result, error) {
	specs, err := normalize(specs)
	if err != nil {
		return Result{}, err
	}

	now := s.clock.Now()
	keys := make([]string, len(specs))
	args := make([]any, 0, 3+2*len(specs))
	args = append(args, n, now.UnixMilli(), s.idleTTL.Milliseconds())
	for i, spec := range specs {
		keys[i] = s.redisKey(spec.Key)
		args = append(args, spec.MaxTokens, spec.RefillRate)
	}

	raw, err := consumeScript.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("run consume script: %w", err)
	}
	if len(raw) != 3+2*len(specs) {
		return Result{}, fmt.Errorf("consume script: unexpected reply length %d", len(raw))
	}

	res := Result{Allowed: toInt64(raw[0]) == 1}
	if idx := toInt64(raw[1]); idx > 0 && !res.Allowed {
		res.LimitingKey = specs[idx-1].Key
		res.Wait = time.Duration(toInt64(raw[2])) * time.Millisecond
		if res.Wait > maxWait {
			res.Wait = maxWait
		}
	}

	res.Buckets = make([]Bucket, len(specs))
	for i, spec := range specs {
		tokens, err := strconv.ParseFloat(fmt.Sprint(raw[3+2*i]), 64)
		if err != nil {
			return Result{}, fmt.Errorf("parse tokens for %s: %w", spec.Key, err)
		}
		res.Buckets[i] = Bucket{
			Key:        spec.Key,
			MaxTokens:  spec.MaxTokens,
			Tokens:     tokens,
			RefillRate: spec.RefillRate,
			LastRefill: time.UnixMilli(toInt64(raw[4+2*i])).UTC(),
			LastAccess: now,
		}
	}
	return res, nil
}

func (s *RedisStore) Peek(ctx context.Context, keys []string) ([]Bucket, error) {
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, s.redisKey(k), "tokens", "ts", "max", "rate", "access")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("peek buckets: %w", err)
	}

	now := s.clock.Now()
	out := make([]Bucket, 0, len(keys))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 5 || vals[0] == nil {
			continue
		}
		b := Bucket{
			Key:        keys[i],
			Tokens:     parseFloat(vals[0]),
			LastRefill: time.UnixMilli(int64(parseFloat(vals[1]))).UTC(),
			MaxTokens:  parseFloat(vals[2]),
			RefillRate: parseFloat(vals[3]),
			LastAccess: time.UnixMilli(int64(parseFloat(vals[4]))).UTC(),
		}
		out = append(out, b.Refilled(now))
	}
	return out, nil
}

// Prune is a no-op: Redis expires idle buckets through PEXPIRE.
func (s *RedisStore) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	}
	return 0
}

func parseFloat(v any) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

var _ Store = (*RedisStore)(nil)
