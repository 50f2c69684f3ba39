// Package runtime 提供核心智能体的通用运行循环：优先消费活跃连接上的
// 消息，空闲时短阻塞地从持久收件箱补位。
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	xerrors "CrownSafe-ControlPlane/internal/errors"
	"CrownSafe-ControlPlane/internal/hub"
	"CrownSafe-ControlPlane/internal/mailbox"
	"CrownSafe-ControlPlane/internal/observability/metrics"
	"CrownSafe-ControlPlane/internal/protocol"
	"CrownSafe-ControlPlane/pkg/logger"
)

// Handler 是智能体的业务逻辑：处理一个入站信封并返回待发出的信封。
type Handler interface {
	AgentID() string
	Handle(ctx context.Context, env *protocol.Envelope) ([]*protocol.Envelope, error)
}

// chanChannel 把进程内 channel 适配为中枢的活跃连接。缓冲写满时
// Send 返回错误，中枢随即回落到持久收件箱，不会阻塞。
type chanChannel struct {
	mu     sync.Mutex
	ch     chan *protocol.Envelope
	closed bool
}

func newChanChannel(size int) *chanChannel {
	return &chanChannel{ch: make(chan *protocol.Envelope, size)}
}

func (c *chanChannel) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return xerrors.New(xerrors.CodeTransportFailure, "进程内连接已关闭")
	}
	select {
	case c.ch <- env:
		return nil
	default:
		return xerrors.New(xerrors.CodeTransportFailure, "进程内连接缓冲已满")
	}
}

func (c *chanChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Agent 驱动一个核心智能体：向中枢注册进程内连接并持续消费消息。
type Agent struct {
	handler Handler
	hub     *hub.Hub
	box     mailbox.Mailbox
	live    *chanChannel
	popWait time.Duration
}

// Option 配置 Agent。
type Option func(*Agent)

// WithPopWait 设置持久收件箱的阻塞等待窗口。
func WithPopWait(wait time.Duration) Option {
	return func(a *Agent) {
		if wait > 0 {
			a.popWait = wait
		}
	}
}

// NewAgent 创建智能体运行时。
func NewAgent(handler Handler, h *hub.Hub, box mailbox.Mailbox, opts ...Option) (*Agent, error) {
	if handler == nil || h == nil || box == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "handler、hub 与 mailbox 均不能为空")
	}
	a := &Agent{
		handler: handler,
		hub:     h,
		box:     box,
		live:    newChanChannel(256),
		popWait: time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Run 注册连接并进入消费循环，直到上下文取消。
func (a *Agent) Run(ctx context.Context) error {
	id := a.handler.AgentID()
	if err := a.hub.Register(id, a.live); err != nil {
		return err
	}
	defer a.hub.Unregister(id, a.live)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// 先清空活跃连接上的消息。
		select {
		case env := <-a.live.ch:
			a.dispatch(ctx, env)
			continue
		default:
		}

		env, err := a.box.Pop(ctx, id, a.popWait)
		if err != nil {
			if errors.Is(err, mailbox.ErrEmpty) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			logger.L().Error("持久收件箱读取失败",
				slog.String("agent_id", id), slog.Any("error", err))
			time.Sleep(a.popWait)
			continue
		}
		a.dispatch(ctx, env)
	}
}

// dispatch 校验信封并交给业务处理。无法解析或词汇表外的消息记录后
// 丢弃，业务错误不会中断循环。
func (a *Agent) dispatch(ctx context.Context, env *protocol.Envelope) {
	id := a.handler.AgentID()
	if env == nil {
		return
	}
	if err := env.Validate(); err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnsupportedType) {
			reason = "unsupported"
		}
		metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
		logger.L().Warn("丢弃非法信封",
			slog.String("agent_id", id),
			slog.String("message_type", string(env.Type)),
			slog.Any("error", err))
		return
	}
	switch env.Type {
	case protocol.TypePing:
		// 进程内智能体直接刷新活跃时间即可。
		a.hub.Touch(id)
		return
	case protocol.TypePong:
		return
	}

	out, err := a.handler.Handle(ctx, env)
	if err != nil {
		logger.L().Error("消息处理失败",
			slog.String("agent_id", id),
			slog.String("message_type", string(env.Type)),
			slog.String("correlation_id", env.CorrelationID),
			slog.Any("error", err))
	}
	for _, next := range out {
		if next == nil {
			continue
		}
		if err := a.hub.Route(ctx, next); err != nil {
			logger.L().Error("出站信封路由失败",
				slog.String("agent_id", id),
				slog.String("target_id", next.TargetID),
				slog.String("message_type", string(next.Type)),
				slog.Any("error", err))
		}
	}
}
