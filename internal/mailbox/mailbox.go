// Package mailbox 提供按智能体维度隔离的持久化收件箱。
//
// 每个智能体拥有一个独立收件箱，键格式为 queue:{agent_id}。Push 追加到
// 队尾，Pop 从队头取出，保证先进先出。Pop 一旦取出即视为消费完成，
// 不提供确认与重投递，交付语义为至多一次：处理途中崩溃的消息会丢失。
package mailbox

import (
	"context"
	"time"

	xerrors "CrownSafe-ControlPlane/internal/errors"
	"CrownSafe-ControlPlane/internal/protocol"
)

// ErrEmpty 表示收件箱在等待窗口内没有消息可取。
var ErrEmpty = xerrors.New(xerrors.CodeNotFound, "mailbox empty", xerrors.WithSeverity(xerrors.SeverityInfo))

// Mailbox 是持久化收件箱的统一契约，内存、Redis、RabbitMQ 实现语义等价。
type Mailbox interface {
	// Push 将信封追加到 agentID 收件箱的队尾。
	Push(ctx context.Context, agentID string, env *protocol.Envelope) error
	// Pop 从 agentID 收件箱的队头取出一个信封，最多阻塞 wait。
	// 窗口内无消息返回 ErrEmpty。
	Pop(ctx context.Context, agentID string, wait time.Duration) (*protocol.Envelope, error)
	Close() error
}

// Key 返回智能体收件箱的存储键。
func Key(agentID string) string {
	return "queue:" + agentID
}
