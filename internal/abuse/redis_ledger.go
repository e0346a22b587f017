package abuse

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces ledger keys.
const DefaultRedisPrefix = "consignguard:attempts:"

// RedisLedger shares attempts between instances. Each bucket is a sorted set
// scored by attempt time in microseconds; members are attempt IDs. Buckets
// carry a TTL refreshed on every append, so idle keys expire on their own.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLedger creates a ledger on client. ttl must cover the longest
// policy window.
func NewRedisLedger(client redis.UniversalClient, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLedger{client: client, prefix: DefaultRedisPrefix, ttl: ttl}
}

func (l *RedisLedger) key(k string) string {
	return l.prefix + k
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func (l *RedisLedger) Append(ctx context.Context, key string, a Attempt) error {
	k := l.key(key)
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(a.At.UnixMicro()), Member: a.ID})
	pipe.PExpire(ctx, k, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis ledger append: %w", err)
	}
	return nil
}

func (l *RedisLedger) Prune(ctx context.Context, key string, windowStart time.Time) error {
	// "(" makes the bound exclusive: drop strictly older than windowStart.
	err := l.client.ZRemRangeByScore(ctx, l.key(key), "-inf", "("+score(windowStart)).Err()
	if err != nil {
		return fmt.Errorf("redis ledger prune: %w", err)
	}
	return nil
}

func (l *RedisLedger) Count(ctx context.Context, key string, windowStart time.Time) (int, error) {
	n, err := l.client.ZCount(ctx, l.key(key), score(windowStart), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis ledger count: %w", err)
	}
	return int(n), nil
}

func (l *RedisLedger) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("redis ledger reset: %w", err)
	}
	return nil
}

// Sweep is a no-op: Redis expires idle buckets itself.
func (l *RedisLedger) Sweep(ctx context.Context, idleSince time.Time) (int, error) {
	return 0, nil
}

// Ping checks connectivity for readiness checks.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ Ledger = (*RedisLedger)(nil)
