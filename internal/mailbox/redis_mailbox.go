package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "CrownSafe-ControlPlane/internal/errors"
	"CrownSafe-ControlPlane/internal/protocol"
)

// RedisMailboxConfig 描述 Redis 收件箱的连接参数。
type RedisMailboxConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisMailbox 使用 Redis list 实现收件箱：LPUSH 入队、BRPOP 出队，
// 队尾在 list 左端。
type RedisMailbox struct {
	client *redis.Client
}

// NewRedisMailbox 创建 RedisMailbox。
func NewRedisMailbox(cfg RedisMailboxConfig) (*RedisMailbox, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return &RedisMailbox{client: client}, nil
}

// Push 实现 Mailbox 接口。
func (m *RedisMailbox) Push(ctx context.Context, agentID string, env *protocol.Envelope) error {
	if agentID == "" || env == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "收件箱目标或信封不能为空")
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := m.client.LPush(ctx, Key(agentID), data).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeMailboxFailure, err, "Redis 入队失败")
	}
	return nil
}

// Pop 实现 Mailbox 接口。
func (m *RedisMailbox) Pop(ctx context.Context, agentID string, wait time.Duration) (*protocol.Envelope, error) {
	if wait <= 0 {
		wait = time.Second
	}
	values, err := m.client.BRPop(ctx, wait, Key(agentID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeMailboxFailure, err, "Redis 出队失败")
	}
	if len(values) != 2 {
		return nil, xerrors.New(xerrors.CodeMailboxFailure, "Redis BRPOP 返回格式异常")
	}
	return protocol.Decode([]byte(values[1]))
}

// Close 实现 Mailbox 接口。
func (m *RedisMailbox) Close() error {
	return m.client.Close()
}
