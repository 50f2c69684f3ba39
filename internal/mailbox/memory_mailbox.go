package mailbox

import (
	"context"
	"sync"
	"time"

	xerrors "CrownSafe-ControlPlane/internal/errors"
	"CrownSafe-ControlPlane/internal/protocol"
)

// MemoryMailbox 以内存链表实现收件箱，主要用于测试与单机部署。
type MemoryMailbox struct {
	mu      sync.Mutex
	queues  map[string][]*protocol.Envelope
	signals map[string]chan struct{}
	closed  bool
}

// NewMemoryMailbox 创建 MemoryMailbox。
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{
		queues:  make(map[string][]*protocol.Envelope),
		signals: make(map[string]chan struct{}),
	}
}

func (m *MemoryMailbox) signal(agentID string) chan struct{} {
	ch, ok := m.signals[agentID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.signals[agentID] = ch
	}
	return ch
}

// Push 实现 Mailbox 接口。
func (m *MemoryMailbox) Push(_ context.Context, agentID string, env *protocol.Envelope) error {
	if agentID == "" || env == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "收件箱目标或信封不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return xerrors.New(xerrors.CodeMailboxFailure, "收件箱已关闭")
	}
	m.queues[agentID] = append(m.queues[agentID], env)
	select {
	case m.signal(agentID) <- struct{}{}:
	default:
	}
	return nil
}

// Pop 实现 Mailbox 接口。
func (m *MemoryMailbox) Pop(ctx context.Context, agentID string, wait time.Duration) (*protocol.Envelope, error) {
	deadline := time.Now().Add(wait)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, xerrors.New(xerrors.CodeMailboxFailure, "收件箱已关闭")
		}
		queue := m.queues[agentID]
		if len(queue) > 0 {
			env := queue[0]
			m.queues[agentID] = queue[1:]
			m.mu.Unlock()
			return env, nil
		}
		sig := m.signal(agentID)
		m.mu.Unlock()

		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, ErrEmpty
		}
		timer := time.NewTimer(remain)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrEmpty
		case <-sig:
			timer.Stop()
		}
	}
}

// Close 实现 Mailbox 接口。
func (m *MemoryMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
