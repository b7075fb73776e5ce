package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lumenpay:"

// Fixed window counter: the first hit in a window sets its expiry.
var allowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

// SET NX and, on a lost race, return what the winner bound.
var claimScript = redis.NewScript(`
if redis.call('SET', KEYS[1], '', 'NX', 'PX', ARGV[1]) then
  return {1, ''}
end
return {0, redis.call('GET', KEYS[1]) or ''}
`)

// RedisLimiter shares one budget per key across every instance.
type RedisLimiter struct {
	client redis.Scripter
	rule   Rule
}

func NewRedisLimiter(client redis.Scripter, rule Rule) *RedisLimiter {
	return &RedisLimiter{client: client, rule: rule.normalized()}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := allowScript.Run(ctx, l.client,
		[]string{keyPrefix + "rl:" + key},
		l.rule.Limit, l.rule.Window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return n == 1, nil
}

type nonceClient interface {
	redis.Scripter
	SetXX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisNonceStore keeps idempotency keys in Redis.
type RedisNonceStore struct {
	client nonceClient
}

func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

func nonceKey(key string) string {
	return keyPrefix + "nonce:" + key
}

func (s *RedisNonceStore) Claim(ctx context.Context, key string, ttl time.Duration) (Claim, error) {
	res, err := claimScript.Run(ctx, s.client, []string{nonceKey(key)}, ttl.Milliseconds()).Slice()
	if err != nil {
		return Claim{}, fmt.Errorf("claim nonce: %w", err)
	}
	if len(res) != 2 {
		return Claim{}, fmt.Errorf("claim nonce: unexpected reply %v", res)
	}
	fresh, _ := res[0].(int64)
	value, _ := res[1].(string)
	return Claim{Fresh: fresh == 1, Value: value}, nil
}

func (s *RedisNonceStore) Bind(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.SetXX(ctx, nonceKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("bind nonce: %w", err)
	}
	return nil
}

func (s *RedisNonceStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, nonceKey(key)).Err(); err != nil {
		return fmt.Errorf("release nonce: %w", err)
	}
	return nil
}
