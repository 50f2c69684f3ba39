package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
)

func testRedisStore(t *testing.T) *RedisStore {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR 未设置，跳过 Redis 存储测试")
	}
	store, err := NewRedisStore(RedisStoreConfig{Address: addr})
	if err != nil {
		t.Fatalf("连接 Redis 失败: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func redisTestID(t *testing.T, store *RedisStore, id string) string {
	full := "test-" + t.Name() + "-" + id
	store.client.Del(context.Background(), redisKey(full))
	t.Cleanup(func() { store.client.Del(context.Background(), redisKey(full)) })
	return full
}

func TestRedisStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := testRedisStore(t)
	id := redisTestID(t, store, "wf-1")

	rec := NewRecord(id, "client-1", "goal", "demo", map[string]any{"k": "v"})
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	if err := store.Create(ctx, rec); !errors.Is(err, ErrWorkflowExists) {
		t.Fatalf("重复创建应当冲突, got %v", err)
	}

	loaded, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if loaded.WorkflowID != id || loaded.Status != StatusPending || loaded.Version != 1 {
		t.Fatalf("记录字段不一致: %+v", loaded)
	}

	if _, err := store.Get(ctx, "missing-"+id); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestRedisStoreRejectsIDMismatch(t *testing.T) {
	ctx := context.Background()
	store := testRedisStore(t)
	id := redisTestID(t, store, "wf-mismatch")

	if err := store.Create(ctx, NewRecord(id, "client-1", "goal", "demo", nil)); err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	_, err := store.Update(ctx, id, func(r *Record) error {
		r.WorkflowID = "wf-other"
		return nil
	})
	if !errors.Is(err, ErrIDMismatch) {
		t.Fatalf("expected ErrIDMismatch, got %v", err)
	}
	cur, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if cur.WorkflowID != id || cur.Version != 1 {
		t.Fatalf("被拒绝的更新不应写回: %+v", cur)
	}
}

func TestRedisStoreConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	store := testRedisStore(t)
	id := redisTestID(t, store, "wf-race")

	rec := NewRecord(id, "client-1", "goal", "demo", nil)
	rec.Plan = &Plan{Goal: "goal"}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			stepID := fmt.Sprintf("step-%d", n)
			if _, err := store.Update(ctx, id, func(r *Record) error {
				r.RecordStepResult(stepID, map[string]any{"n": n})
				return nil
			}); err != nil {
				t.Errorf("并发更新失败: %v", err)
			}
		}(i)
	}
	wg.Wait()

	final, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if len(final.StepResults) != writers {
		t.Fatalf("并发更新丢失结果: got %d, want %d", len(final.StepResults), writers)
	}
	if final.WorkflowID != id {
		t.Fatalf("记录 ID 与存储键不一致: %s", final.WorkflowID)
	}
}
