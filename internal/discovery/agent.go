package discovery

import (
	"context"
	"log/slog"
	"time"

	"CrownSafe-ControlPlane/internal/protocol"
	"CrownSafe-ControlPlane/pkg/logger"
)

// DefaultAgentID 是发现智能体的默认标识，工作智能体把能力广播发往它。
const DefaultAgentID = "discovery-agent"

// Agent 消费 AGENT_ADVERTISE 并维护注册表，同时周期清理过期条目。
type Agent struct {
	id       string
	registry *Registry
}

// NewAgent 创建发现智能体。
func NewAgent(id string, registry *Registry) *Agent {
	if id == "" {
		id = DefaultAgentID
	}
	return &Agent{id: id, registry: registry}
}

// AgentID 实现运行时契约。
func (a *Agent) AgentID() string { return a.id }

// Registry 返回底层注册表。
func (a *Agent) Registry() *Registry { return a.registry }

// Handle 处理能力广播。其余消息类型不属于本智能体的职责，记录后忽略。
func (a *Agent) Handle(_ context.Context, env *protocol.Envelope) ([]*protocol.Envelope, error) {
	if env.Type != protocol.TypeAgentAdvertise {
		logger.L().Warn("发现智能体收到无关消息",
			slog.String("message_type", string(env.Type)),
			slog.String("sender_id", env.SenderID))
		return nil, nil
	}
	payload, err := env.DecodePayload()
	if err != nil {
		return nil, err
	}
	adv := payload.(*protocol.AdvertisePayload)
	agentID := adv.AgentID
	if agentID == "" {
		agentID = env.SenderID
	}
	if err := a.registry.Advertise(agentID, adv.Capabilities); err != nil {
		return nil, err
	}
	logger.L().Debug("能力广播已登记",
		slog.String("agent_id", agentID),
		slog.Any("capabilities", adv.Capabilities))
	return nil, nil
}

// RunSweeper 周期性清理超过保活窗口的注册条目，直到上下文取消。
func (a *Agent) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := a.registry.ExpireBefore(time.Now().Add(-a.registry.ttl))
			for _, id := range expired {
				logger.L().Info("注册条目过期摘除", slog.String("agent_id", id))
			}
		}
	}
}
