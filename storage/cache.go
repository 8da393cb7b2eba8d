package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"taskboard-api/domain"
)

// DefaultTaskTTL bounds how stale a cached task snapshot may get if an
// invalidation is ever missed.
const DefaultTaskTTL = 5 * time.Minute

type taskBackend interface {
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
}

// TaskCache is a cache-aside read path over the task store, keyed per task
// id. It is never authoritative: writers must call Invalidate after every
// mutation, and reads fall back to the backing store on any Redis or decode
// failure.
type TaskCache struct {
	base  taskBackend
	redis *redis.Client
	ttl   time.Duration
}

// NewTaskCache creates a caching read path using the provided Redis client
// and TTL. A nil client or zero TTL disables caching without disabling reads.
func NewTaskCache(base taskBackend, client *redis.Client, ttl time.Duration) *TaskCache {
	if base == nil {
		panic("storage.NewTaskCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &TaskCache{base: base, redis: client, ttl: ttl}
}

// GetTask returns the cached snapshot on a hit; on a miss it reads through
// to the backing store and populates the cache.
func (c *TaskCache) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	if task, ok := c.loadFromCache(ctx, taskID); ok {
		return task, nil
	}

	task, err := c.base.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task != nil {
		c.store(ctx, *task)
	}
	return task, nil
}

// Invalidate drops the cached snapshot for taskID. Deleting a key that was
// never populated is a no-op.
func (c *TaskCache) Invalidate(ctx context.Context, taskID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, taskCacheKey(taskID)).Err()
}

func (c *TaskCache) loadFromCache(ctx context.Context, taskID string) (*domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, taskCacheKey(taskID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, taskCacheKey(taskID)).Err()
		}
		return nil, false
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		_ = c.redis.Del(ctx, taskCacheKey(taskID)).Err()
		return nil, false
	}
	return &task, true
}

func (c *TaskCache) store(ctx context.Context, task domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, taskCacheKey(task.ID), data, c.ttl).Err()
}

func taskCacheKey(taskID string) string {
	return "task:" + taskID
}
