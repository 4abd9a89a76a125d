// Package redis implements repository.LeaseStore on Redis. Each lock is two hashes: the holders
// (token to heldUntil in unix milliseconds) and a meta hash with the limit and a version counter.
// Every mutation runs as one Lua script, so it is atomic per lock.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

var acquireScript = redis.NewScript(`
local held = redis.call('HEXISTS', KEYS[1], ARGV[1])
if held == 1 or redis.call('HLEN', KEYS[1]) < tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
  redis.call('HSET', KEYS[2], 'limit', ARGV[2])
  redis.call('HINCRBY', KEYS[2], 'version', 1)
  return 1
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  redis.call('HINCRBY', KEYS[2], 'version', 1)
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 1 then
  redis.call('HINCRBY', KEYS[2], 'version', 1)
end
return 0
`)

var reapScript = redis.NewScript(`
local holders = redis.call('HGETALL', KEYS[1])
local reaped = {}
for i = 1, #holders, 2 do
  if tonumber(holders[i + 1]) < tonumber(ARGV[1]) then
    table.insert(reaped, holders[i])
  end
end
if #reaped > 0 then
  redis.call('HDEL', KEYS[1], unpack(reaped))
  redis.call('HINCRBY', KEYS[2], 'version', 1)
end
return reaped
`)

// LeaseStore is a Redis-backed repository.LeaseStore.
type LeaseStore struct {
	client redis.UniversalClient
	prefix string
}

var _ repository.LeaseStore = (*LeaseStore)(nil)

// NewLeaseStore creates a LeaseStore using client. Keys are namespaced by prefix ("onboarding:" when empty).
func NewLeaseStore(client redis.UniversalClient, prefix string) *LeaseStore {
	if prefix == "" {
		prefix = "onboarding:"
	}
	return &LeaseStore{client: client, prefix: prefix}
}

// NewClient creates a client from the redis section of the configuration.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func (s *LeaseStore) keys(lockName string) []string {
	base := s.prefix + "semaphore:" + lockName
	return []string{base + ":holders", base + ":meta"}
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func (s *LeaseStore) TryAcquire(ctx context.Context, lockName, token string, limit int, heldUntil time.Time) (bool, error) {
	n, err := acquireScript.Run(ctx, s.client, s.keys(lockName), token, limit, millis(heldUntil)).Int()
	if err != nil {
		return false, exception.NewRetryableError("RedisLeaseStore.TryAcquire", fmt.Sprintf("failed to acquire '%s'", lockName), err)
	}
	return n == 1, nil
}

func (s *LeaseStore) Renew(ctx context.Context, lockName, token string, heldUntil time.Time) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, s.keys(lockName), token, millis(heldUntil)).Int()
	if err != nil {
		return false, exception.NewRetryableError("RedisLeaseStore.Renew", fmt.Sprintf("failed to renew '%s'", lockName), err)
	}
	return n == 1, nil
}

func (s *LeaseStore) Release(ctx context.Context, lockName, token string) error {
	if err := releaseScript.Run(ctx, s.client, s.keys(lockName), token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return exception.NewRetryableError("RedisLeaseStore.Release", fmt.Sprintf("failed to release '%s'", lockName), err)
	}
	return nil
}

func (s *LeaseStore) Get(ctx context.Context, lockName string) (*model.SemaphoreLease, error) {
	keys := s.keys(lockName)
	var holdersCmd, metaCmd *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		holdersCmd = p.HGetAll(ctx, keys[0])
		metaCmd = p.HGetAll(ctx, keys[1])
		return nil
	})
	if err != nil {
		return nil, exception.NewRetryableError("RedisLeaseStore.Get", fmt.Sprintf("failed to load '%s'", lockName), err)
	}
	meta := metaCmd.Val()
	limit, _ := strconv.Atoi(meta["limit"])
	lease := model.NewSemaphoreLease(lockName, limit)
	lease.Version, _ = strconv.Atoi(meta["version"])
	for token, raw := range holdersCmd.Val() {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		lease.Holders[token] = time.UnixMilli(ms).UTC()
	}
	return lease, nil
}

func (s *LeaseStore) ReapExpired(ctx context.Context, lockName string, cutoff time.Time) ([]string, error) {
	reaped, err := reapScript.Run(ctx, s.client, s.keys(lockName), millis(cutoff)).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, exception.NewRetryableError("RedisLeaseStore.ReapExpired", fmt.Sprintf("failed to reap '%s'", lockName), err)
	}
	sort.Strings(reaped)
	return reaped, nil
}
