package tasks

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	defaultLockTTL   = 10 * time.Second
	lockRetryDelay   = 25 * time.Millisecond
	lockAcquireLimit = 5 * time.Second
)

// RedisPartitionLock serializes reposition transactions per
// (projectID, status) partition across every process in the fleet, using
// SET NX with a TTL. Two concurrent moves into the same partition would
// otherwise compute their shifts from the same pre-move snapshot and corrupt
// the dense rank invariant.
type RedisPartitionLock struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisPartitionLock creates a partition lock using the provided Redis
// client. A non-positive TTL falls back to the default.
func NewRedisPartitionLock(client *redis.Client, ttl time.Duration, logger *log.Logger) *RedisPartitionLock {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisPartitionLock{client: client, ttl: ttl, logger: logger}
}

// LockPartitions acquires the locks for the given partition keys in sorted
// order, so two movers touching the same pair of columns cannot deadlock.
// When Redis is unreachable the mutation proceeds unlocked: losing the
// serialization mitigation degrades consistency, it must not refuse writes.
func (l *RedisPartitionLock) LockPartitions(ctx context.Context, keys ...string) (func(), error) {
	for i, k := range keys {
		keys[i] = "poslock:" + k
	}
	keys = dedupeSorted(keys)
	token := uuid.NewString()

	acquired := make([]string, 0, len(keys))
	release := func() {
		for _, key := range acquired {
			// Only drop the lock if it is still ours; a slow holder whose
			// TTL lapsed must not release a successor's lock.
			val, err := l.client.Get(context.Background(), key).Result()
			if err != nil || val != token {
				continue
			}
			_ = l.client.Del(context.Background(), key).Err()
		}
	}

	deadline := time.Now().Add(lockAcquireLimit)
	for _, key := range keys {
		for {
			ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
			if err != nil {
				l.logger.WithError(err).WithField("key", key).Warn("partition lock unavailable, proceeding unlocked")
				release()
				return func() {}, nil
			}
			if ok {
				acquired = append(acquired, key)
				break
			}
			if time.Now().After(deadline) {
				// The holder's TTL bounds how long this can last; take over
				// rather than stalling the mutation forever.
				l.logger.WithField("key", key).Warn("partition lock acquire timed out")
				acquired = append(acquired, key)
				break
			}
			select {
			case <-ctx.Done():
				release()
				return nil, ctx.Err()
			case <-time.After(lockRetryDelay):
			}
		}
	}
	return release, nil
}

func dedupeSorted(keys []string) []string {
	sort.Strings(keys)
	out := keys[:0]
	var prev string
	for i, k := range keys {
		if i > 0 && k == prev {
			continue
		}
		out = append(out, k)
		prev = k
	}
	return out
}

// LocalLock is the degraded, process-local fallback used when no Redis
// client is configured. It still serializes movers within one process.
type LocalLock struct {
	sem chan struct{}
}

// NewLocalLock creates a process-local partition lock.
func NewLocalLock() *LocalLock {
	return &LocalLock{sem: make(chan struct{}, 1)}
}

// LockPartitions serializes all repositions in this process. Coarser than a
// per-partition lock, but correct, and only used in degraded mode.
func (l *LocalLock) LockPartitions(ctx context.Context, keys ...string) (func(), error) {
	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
