// Package hub 实现连接中枢：维护智能体的活跃连接、在活跃连接与持久
// 收件箱之间选择投递路径，并通过心跳摘除失联连接。
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "CrownSafe-ControlPlane/internal/errors"
	"CrownSafe-ControlPlane/internal/mailbox"
	"CrownSafe-ControlPlane/internal/observability/metrics"
	"CrownSafe-ControlPlane/internal/protocol"
	"CrownSafe-ControlPlane/pkg/logger"
)

// Channel 是一条到智能体的活跃连接。Send 失败即认为连接不可用。
type Channel interface {
	Send(env *protocol.Envelope) error
	Close() error
}

type session struct {
	channel  Channel
	lastSeen time.Time
}

// Hub 是连接中枢。同一智能体重复注册时后注册者生效，旧连接被关闭。
type Hub struct {
	hubID    string
	box      mailbox.Mailbox
	interval time.Duration
	timeout  time.Duration

	mu       sync.RWMutex
	sessions map[string]*session

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option 配置 Hub。
type Option func(*Hub)

// WithHubID 设置中枢自身的发送方标识。
func WithHubID(id string) Option {
	return func(h *Hub) {
		if id != "" {
			h.hubID = id
		}
	}
}

// WithHeartbeat 设置心跳间隔与失联判定窗口。
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(h *Hub) {
		if interval > 0 {
			h.interval = interval
		}
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// New 创建 Hub。box 是离线投递使用的持久收件箱，不能为空。
func New(box mailbox.Mailbox, opts ...Option) (*Hub, error) {
	if box == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mailbox 不能为空")
	}
	h := &Hub{
		hubID:    "control-plane",
		box:      box,
		interval: 15 * time.Second,
		timeout:  45 * time.Second,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.heartbeatLoop()
	return h, nil
}

// Register 注册一条活跃连接。若该智能体已有连接，旧连接被关闭并替换。
func (h *Hub) Register(agentID string, ch Channel) error {
	if agentID == "" || ch == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 与连接不能为空")
	}
	h.mu.Lock()
	prev := h.sessions[agentID]
	h.sessions[agentID] = &session{channel: ch, lastSeen: time.Now()}
	count := len(h.sessions)
	h.mu.Unlock()

	if prev != nil {
		_ = prev.channel.Close()
		logger.L().Info("替换智能体的既有连接", slog.String("agent_id", agentID))
	} else {
		logger.L().Info("智能体已连接", slog.String("agent_id", agentID))
	}
	metrics.ConnectedAgents.Set(float64(count))
	return nil
}

// Unregister 摘除连接。仅当 ch 仍是该智能体的当前连接时生效，
// 避免被替换下线的旧连接误摘新连接。
func (h *Hub) Unregister(agentID string, ch Channel) {
	h.mu.Lock()
	cur, ok := h.sessions[agentID]
	if ok && cur.channel == ch {
		delete(h.sessions, agentID)
	} else {
		ok = false
	}
	count := len(h.sessions)
	h.mu.Unlock()

	if ok {
		logger.L().Info("智能体已断开", slog.String("agent_id", agentID))
		metrics.ConnectedAgents.Set(float64(count))
	}
}

// Touch 刷新智能体的活跃时间，收到其任何入站帧时调用。
func (h *Hub) Touch(agentID string) {
	h.mu.Lock()
	if s, ok := h.sessions[agentID]; ok {
		s.lastSeen = time.Now()
	}
	h.mu.Unlock()
}

// Connected 返回该智能体当前是否保持活跃连接。
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[agentID]
	return ok
}

// Route 投递一个信封：目标在线则写入活跃连接，写入失败或目标离线
// 则落入持久收件箱。调用方永不阻塞等待目标上线。
func (h *Hub) Route(ctx context.Context, env *protocol.Envelope) error {
	if env == nil {
		return protocol.ErrEnvelopeInvalid
	}
	if err := env.Validate(); err != nil {
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		return err
	}

	h.mu.RLock()
	s, live := h.sessions[env.TargetID]
	h.mu.RUnlock()

	if live {
		if err := s.channel.Send(env); err == nil {
			metrics.EnvelopesRouted.WithLabelValues("live").Inc()
			return nil
		}
		// 写入失败说明连接已坏，摘除后走离线路径。
		h.Unregister(env.TargetID, s.channel)
		_ = s.channel.Close()
	}

	if err := h.box.Push(ctx, env.TargetID, env); err != nil {
		metrics.EnvelopesDropped.WithLabelValues("push_failed").Inc()
		return xerrors.Wrap(xerrors.CodeMailboxFailure, err, "离线投递失败")
	}
	metrics.EnvelopesRouted.WithLabelValues("queued").Inc()
	return nil
}

func (h *Hub) heartbeatLoop() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep 向所有活跃连接发送 PING，并摘除超过失联窗口未响应的连接。
func (h *Hub) sweep() {
	now := time.Now()

	h.mu.Lock()
	stale := make(map[string]Channel)
	active := make(map[string]Channel, len(h.sessions))
	for id, s := range h.sessions {
		if now.Sub(s.lastSeen) > h.timeout {
			stale[id] = s.channel
			delete(h.sessions, id)
			continue
		}
		active[id] = s.channel
	}
	count := len(h.sessions)
	h.mu.Unlock()

	for id, ch := range stale {
		_ = ch.Close()
		metrics.HeartbeatEvictions.Inc()
		logger.L().Warn("心跳超时，摘除连接", slog.String("agent_id", id))
	}
	if len(stale) > 0 {
		metrics.ConnectedAgents.Set(float64(count))
	}

	for id, ch := range active {
		if err := ch.Send(protocol.NewPing(h.hubID, id)); err != nil {
			logger.L().Warn("心跳发送失败", slog.String("agent_id", id), slog.Any("error", err))
		}
	}
}

// Close 停止心跳并关闭全部活跃连接。持久收件箱由调用方负责关闭。
func (h *Hub) Close() error {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	<-h.done

	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, s := range sessions {
		_ = s.channel.Close()
	}
	metrics.ConnectedAgents.Set(0)
	return nil
}
