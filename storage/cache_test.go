package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskboard-api/domain"
)

type stubTaskBackend struct {
	getTaskFn func(ctx context.Context, taskID string) (*domain.Task, error)
}

func (s *stubTaskBackend) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	if s.getTaskFn == nil {
		return nil, errors.New("unexpected GetTask call")
	}
	return s.getTaskFn(ctx, taskID)
}

func newCacheRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTaskCacheMissThenHit(t *testing.T) {
	mr, client := newCacheRedis(t)

	ctx := context.Background()
	expected := &domain.Task{ID: "t1", ProjectID: "p1", Title: "Write code", Status: domain.StatusTodo, Position: 0, Version: 1}

	var calls int
	cache := NewTaskCache(&stubTaskBackend{
		getTaskFn: func(ctx context.Context, taskID string) (*domain.Task, error) {
			calls++
			if taskID != "t1" {
				t.Fatalf("unexpected task id: %s", taskID)
			}
			cp := *expected
			return &cp, nil
		},
	}, client, time.Minute)

	task, err := cache.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !reflect.DeepEqual(task, expected) {
		t.Fatalf("unexpected task: %#v", task)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call to backend, got %d", calls)
	}
	if ttl := mr.TTL(taskCacheKey("t1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, err := cache.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get cached task: %v", err)
	}
	if !reflect.DeepEqual(cached, expected) {
		t.Fatalf("unexpected cached task: %#v", cached)
	}
	if calls != 1 {
		t.Fatalf("expected cached read to avoid backend, calls=%d", calls)
	}
}

func TestTaskCacheRoundTripMatchesStore(t *testing.T) {
	_, client := newCacheRedis(t)

	ctx := context.Background()
	stored := &domain.Task{
		ID:        "t2",
		ProjectID: "p1",
		Title:     "Review PR",
		Status:    domain.StatusInReview,
		Position:  3,
		Version:   7,
		Assignees: []string{"u1", "u2"},
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC),
	}
	cache := NewTaskCache(&stubTaskBackend{
		getTaskFn: func(ctx context.Context, taskID string) (*domain.Task, error) {
			cp := *stored
			return &cp, nil
		},
	}, client, time.Minute)

	if _, err := cache.GetTask(ctx, "t2"); err != nil {
		t.Fatalf("populate: %v", err)
	}
	got, err := cache.GetTask(ctx, "t2")
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if !reflect.DeepEqual(got, stored) {
		t.Fatalf("cached snapshot diverged from store value:\n got %#v\nwant %#v", got, stored)
	}
}

func TestTaskCacheInvalidateMissingKeyIsNoop(t *testing.T) {
	_, client := newCacheRedis(t)

	cache := NewTaskCache(&stubTaskBackend{}, client, time.Minute)
	// Must not panic or error even though nothing was ever cached.
	cache.Invalidate(context.Background(), "never-seen")
}

func TestTaskCacheInvalidateDropsEntry(t *testing.T) {
	mr, client := newCacheRedis(t)

	ctx := context.Background()
	var calls int
	cache := NewTaskCache(&stubTaskBackend{
		getTaskFn: func(ctx context.Context, taskID string) (*domain.Task, error) {
			calls++
			return &domain.Task{ID: taskID, Version: int64(calls)}, nil
		},
	}, client, time.Minute)

	if _, err := cache.GetTask(ctx, "t3"); err != nil {
		t.Fatalf("populate: %v", err)
	}
	cache.Invalidate(ctx, "t3")
	if mr.Exists(taskCacheKey("t3")) {
		t.Fatal("expected cache key to be deleted")
	}
	task, err := cache.GetTask(ctx, "t3")
	if err != nil {
		t.Fatalf("read after invalidate: %v", err)
	}
	if task.Version != 2 || calls != 2 {
		t.Fatalf("expected fresh backend read after invalidate, version=%d calls=%d", task.Version, calls)
	}
}

func TestTaskCacheMissingTaskNotCached(t *testing.T) {
	mr, client := newCacheRedis(t)

	ctx := context.Background()
	cache := NewTaskCache(&stubTaskBackend{
		getTaskFn: func(ctx context.Context, taskID string) (*domain.Task, error) {
			return nil, nil
		},
	}, client, time.Minute)

	task, err := cache.GetTask(ctx, "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil task, got %#v", task)
	}
	if mr.Exists(taskCacheKey("absent")) {
		t.Fatal("absent tasks must not be cached")
	}
}

func TestTaskCacheFallsBackWhenRedisDown(t *testing.T) {
	mr, client := newCacheRedis(t)
	mr.Close()

	expected := &domain.Task{ID: "t4", Title: "Survive outage"}
	cache := NewTaskCache(&stubTaskBackend{
		getTaskFn: func(ctx context.Context, taskID string) (*domain.Task, error) {
			cp := *expected
			return &cp, nil
		},
	}, client, time.Minute)

	task, err := cache.GetTask(context.Background(), "t4")
	if err != nil {
		t.Fatalf("expected transparent fallback, got %v", err)
	}
	if !reflect.DeepEqual(task, expected) {
		t.Fatalf("unexpected task: %#v", task)
	}
}

func TestTaskCacheCorruptEntryEvictedAndRefetched(t *testing.T) {
	mr, client := newCacheRedis(t)

	ctx := context.Background()
	if err := mr.Set(taskCacheKey("t5"), "{not json"); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}
	cache := NewTaskCache(&stubTaskBackend{
		getTaskFn: func(ctx context.Context, taskID string) (*domain.Task, error) {
			return &domain.Task{ID: taskID, Title: "fresh"}, nil
		},
	}, client, time.Minute)

	task, err := cache.GetTask(ctx, "t5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Title != "fresh" {
		t.Fatalf("expected backend value, got %#v", task)
	}
}
