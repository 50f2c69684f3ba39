package workflow

import (
	"context"
	"sync"

	xerrors "CrownSafe-ControlPlane/internal/errors"
)

// MemoryStore 以内存方式保存工作流记录，主要用于测试与单机部署。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow record 不能为空")
	}
	if rec.WorkflowID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.WorkflowID]; ok {
		return ErrWorkflowExists
	}
	clone := rec.Clone()
	clone.Version = 1
	m.records[rec.WorkflowID] = clone
	rec.Version = clone.Version
	return nil
}

// Get 返回记录的拷贝。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return rec.Clone(), nil
}

// Update 在写锁保护下执行读-改-写，天然无并发冲突。
func (m *MemoryStore) Update(_ context.Context, id string, mutate func(*Record) error) (*Record, error) {
	if mutate == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mutate 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	working := rec.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	if working.WorkflowID != id {
		return nil, ErrIDMismatch
	}
	working.Version = rec.Version + 1
	m.records[id] = working
	return working.Clone(), nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	return nil
}
