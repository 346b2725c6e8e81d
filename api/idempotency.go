package api

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// MutationKey identifies one client-chosen Idempotency-Key. Keys are
// private to a user and a phase board.
type MutationKey struct {
	UserID  string
	PhaseID string
	Key     string
}

// RedisDeduper remembers claimed mutation keys in Redis so that every
// instance rejects a replay of the same board mutation until the TTL ends.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl, now: time.Now}
}

// redisKey builds pov:idem:<phase>:<user>:<key>. The phase leads so the
// keys of one board can be scanned together.
func (r *RedisDeduper) redisKey(k MutationKey) string {
	return strings.Join([]string{"pov:idem", k.PhaseID, k.UserID, k.Key}, ":")
}

// Claim reports whether k was unclaimed. The stored value is the claim time
// in unix milliseconds.
func (r *RedisDeduper) Claim(ctx context.Context, k MutationKey) (bool, error) {
	stamp := strconv.FormatInt(r.now().UnixMilli(), 10)
	return r.client.SetNX(ctx, r.redisKey(k), stamp, r.ttl).Result()
}

// Release forgets k after the mutation failed, so a retry is applied.
func (r *RedisDeduper) Release(ctx context.Context, k MutationKey) error {
	return r.client.Del(ctx, r.redisKey(k)).Err()
}
