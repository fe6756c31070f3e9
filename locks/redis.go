package locks

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/teranos/stagee/errors"
)

// DefaultRedisPrefix namespaces lock keys.
const DefaultRedisPrefix = "stagee:lock:"

// Lock hashes hold owner and token; expiry is the key TTL.
var (
	acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner and owner ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'token', ARGV[2], 'expires_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] and redis.call('HGET', KEYS[1], 'token') == ARGV[2] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisBackend keeps locks in Redis with compare-and-set scripts.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a Redis lock backend.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client, prefix: DefaultRedisPrefix}
}

func (b *RedisBackend) redisKey(lockKey string) string {
	return b.prefix + lockKey
}

// Acquire sets the lock unless a different owner holds it.
func (b *RedisBackend) Acquire(ctx context.Context, key Key, owner string, ttl time.Duration) (Handle, error) {
	h := Handle{
		Key:       key,
		LockKey:   key.String(),
		Owner:     owner,
		Token:     uuid.NewString(),
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}
	ok, err := acquireScript.Run(ctx, b.client, []string{b.redisKey(h.LockKey)},
		owner, h.Token, ttl.Milliseconds(), strconv.FormatInt(h.ExpiresAt.UnixMilli(), 10),
	).Int()
	if err != nil {
		return Handle{}, errors.Wrapf(err, "failed to acquire lock %s", h.LockKey)
	}
	if ok == 0 {
		holder := "unknown"
		if cur, found, err := b.Holder(ctx, h.LockKey); err == nil && found {
			holder = cur.Owner
		}
		return Handle{}, errors.NewResourceBusyError(h.LockKey, holder)
	}
	return h, nil
}

// Release deletes the lock only when owner and token still match.
func (b *RedisBackend) Release(ctx context.Context, h Handle) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{b.redisKey(h.LockKey)}, h.Owner, h.Token).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Holder returns the current holder of lockKey.
func (b *RedisBackend) Holder(ctx context.Context, lockKey string) (Handle, bool, error) {
	fields, err := b.client.HGetAll(ctx, b.redisKey(lockKey)).Result()
	if err != nil {
		return Handle{}, false, errors.Wrapf(err, "failed to read lock %s", lockKey)
	}
	if len(fields) == 0 {
		return Handle{}, false, nil
	}
	h := Handle{LockKey: lockKey, Owner: fields["owner"], Token: fields["token"]}
	if ms, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil {
		h.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	return h, true, nil
}

// ReapExpired is a no-op: Redis expires lock keys itself.
func (b *RedisBackend) ReapExpired(context.Context, time.Time) ([]Reclaimed, error) {
	return nil, nil
}
