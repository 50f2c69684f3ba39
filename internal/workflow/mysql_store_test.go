package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
)

func testMySQLStore(t *testing.T) *MySQLStore {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN 未设置，跳过 MySQL 存储测试")
	}
	store, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("连接 MySQL 失败: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mysqlTestID(t *testing.T, store *MySQLStore, id string) string {
	full := "test-" + t.Name() + "-" + id
	cleanup := func() {
		_, _ = store.db.Exec(`DELETE FROM workflow_records WHERE workflow_id = ?`, full)
	}
	cleanup()
	t.Cleanup(cleanup)
	return full
}

func TestMySQLStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := testMySQLStore(t)
	id := mysqlTestID(t, store, "wf-1")

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

func TestMySQLStoreRejectsIDMismatch(t *testing.T) {
	ctx := context.Background()
	store := testMySQLStore(t)
	id := mysqlTestID(t, store, "wf-mismatch")

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

func TestMySQLStoreConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	store := testMySQLStore(t)
	id := mysqlTestID(t, store, "wf-race")

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
	if final.Version != writers+1 {
		t.Fatalf("版本号应当逐次递增: got %d, want %d", final.Version, writers+1)
	}
}
