package mailbox

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "CrownSafe-ControlPlane/internal/errors"
	"CrownSafe-ControlPlane/internal/protocol"
)

// RabbitMQMailboxConfig 描述 RabbitMQ 收件箱的连接参数。
type RabbitMQMailboxConfig struct {
	URL     string
	Durable bool
}

// RabbitMQMailbox 为每个智能体声明一个独立队列，自动确认模式消费，
// 保持与其他实现一致的至多一次语义。
type RabbitMQMailbox struct {
	conn    *amqp.Connection
	durable bool

	mu        sync.Mutex
	pushCh    *amqp.Channel
	consumers map[string]*rabbitConsumer
}

type rabbitConsumer struct {
	ch   *amqp.Channel
	msgs <-chan amqp.Delivery
}

// NewRabbitMQMailbox 创建 RabbitMQMailbox。
func NewRabbitMQMailbox(cfg RabbitMQMailboxConfig) (*RabbitMQMailbox, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 RabbitMQ channel 失败")
	}
	return &RabbitMQMailbox{
		conn:      conn,
		durable:   cfg.Durable,
		pushCh:    ch,
		consumers: make(map[string]*rabbitConsumer),
	}, nil
}

func (m *RabbitMQMailbox) declare(ch *amqp.Channel, agentID string) error {
	_, err := ch.QueueDeclare(Key(agentID), m.durable, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeMailboxFailure, err, "声明 RabbitMQ 队列失败")
	}
	return nil
}

// Push 实现 Mailbox 接口。
func (m *RabbitMQMailbox) Push(ctx context.Context, agentID string, env *protocol.Envelope) error {
	if agentID == "" || env == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "收件箱目标或信封不能为空")
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.declare(m.pushCh, agentID); err != nil {
		return err
	}
	err = m.pushCh.PublishWithContext(ctx, "", Key(agentID), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeMailboxFailure, err, "RabbitMQ 入队失败")
	}
	return nil
}

func (m *RabbitMQMailbox) consumer(agentID string) (*rabbitConsumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.consumers[agentID]; ok {
		return c, nil
	}
	ch, err := m.conn.Channel()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMailboxFailure, err, "创建 RabbitMQ channel 失败")
	}
	if err := m.declare(ch, agentID); err != nil {
		ch.Close()
		return nil, err
	}
	msgs, err := ch.Consume(Key(agentID), "", true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, xerrors.Wrap(xerrors.CodeMailboxFailure, err, "订阅 RabbitMQ 队列失败")
	}
	c := &rabbitConsumer{ch: ch, msgs: msgs}
	m.consumers[agentID] = c
	return c, nil
}

// Pop 实现 Mailbox 接口。
func (m *RabbitMQMailbox) Pop(ctx context.Context, agentID string, wait time.Duration) (*protocol.Envelope, error) {
	c, err := m.consumer(agentID)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrEmpty
	case msg, ok := <-c.msgs:
		if !ok {
			return nil, xerrors.New(xerrors.CodeMailboxFailure, "RabbitMQ 消费通道已关闭")
		}
		return protocol.Decode(msg.Body)
	}
}

// Close 实现 Mailbox 接口。
func (m *RabbitMQMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consumers {
		_ = c.ch.Close()
	}
	_ = m.pushCh.Close()
	return m.conn.Close()
}
