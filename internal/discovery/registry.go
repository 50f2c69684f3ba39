// Package discovery 维护工作智能体的能力注册表。工作智能体周期性
// 广播自身能力，注册表据此把能力映射到具体的智能体 ID，并淘汰
// 超过保活窗口未再广播的条目。
package discovery

import (
	"sync"
	"time"

	xerrors "CrownSafe-ControlPlane/internal/errors"
)

// ErrCapabilityUnknown 表示没有任何在线智能体声明该能力。
var ErrCapabilityUnknown = xerrors.New(CodeCapabilityUnknown, "no agent advertises this capability")

const CodeCapabilityUnknown xerrors.Code = "CAPABILITY_UNKNOWN"

func init() {
	xerrors.Register(CodeCapabilityUnknown, xerrors.Attributes{
		Message:   "no agent advertises this capability",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Resolver 把能力名解析为一个智能体 ID，路由智能体通过它选择派发目标。
type Resolver interface {
	Resolve(capability string) (string, error)
}

type entry struct {
	agentID      string
	registeredAt time.Time
	lastSeen     time.Time
}

// Registry 是能力注册表。同一能力存在多个提供者时，解析返回最早
// 注册且仍在保活窗口内的那个，保证解析结果稳定可预期。
type Registry struct {
	ttl time.Duration

	mu      sync.RWMutex
	byCap   map[string][]*entry
	byAgent map[string]*entry
}

// NewRegistry 创建注册表。ttl 是条目的保活窗口。
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Registry{
		ttl:     ttl,
		byCap:   make(map[string][]*entry),
		byAgent: make(map[string]*entry),
	}
}

// Advertise 登记或续约一个智能体的能力集合。重复广播只刷新保活时间，
// 不改变注册顺序；能力集合发生变化时以新集合为准。
func (r *Registry) Advertise(agentID string, capabilities []string) error {
	if agentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, known := r.byAgent[agentID]
	if known {
		e.lastSeen = now
		r.removeFromCapsLocked(agentID)
	} else {
		e = &entry{agentID: agentID, registeredAt: now, lastSeen: now}
		r.byAgent[agentID] = e
	}
	for _, cap := range capabilities {
		if cap == "" {
			continue
		}
		r.byCap[cap] = append(r.byCap[cap], e)
	}
	return nil
}

func (r *Registry) removeFromCapsLocked(agentID string) {
	for cap, entries := range r.byCap {
		kept := entries[:0]
		for _, e := range entries {
			if e.agentID != agentID {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.byCap, cap)
		} else {
			r.byCap[cap] = kept
		}
	}
}

// Resolve 实现 Resolver：返回声明该能力、仍在保活窗口内、注册最早的
// 智能体 ID。
func (r *Registry) Resolve(capability string) (string, error) {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	for _, e := range r.byCap[capability] {
		if e.lastSeen.Before(cutoff) {
			continue
		}
		if best == nil || e.registeredAt.Before(best.registeredAt) {
			best = e
		}
	}
	if best == nil {
		return "", ErrCapabilityUnknown
	}
	return best.agentID, nil
}

// Remove 立即摘除一个智能体的全部登记。
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byAgent[agentID]; !ok {
		return
	}
	delete(r.byAgent, agentID)
	r.removeFromCapsLocked(agentID)
}

// ExpireBefore 清理保活时间早于 cutoff 的条目，返回被清理的智能体 ID。
func (r *Registry) ExpireBefore(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, e := range r.byAgent {
		if e.lastSeen.Before(cutoff) {
			expired = append(expired, id)
			delete(r.byAgent, id)
			r.removeFromCapsLocked(id)
		}
	}
	return expired
}

// Snapshot 返回能力到智能体的当前映射，供诊断使用。
func (r *Registry) Snapshot() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.byCap))
	for cap, entries := range r.byCap {
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.agentID)
		}
		out[cap] = ids
	}
	return out
}
