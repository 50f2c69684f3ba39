package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "CrownSafe-ControlPlane/internal/errors"
)

const redisKeyPrefix = "workflow:"

// RedisStoreConfig 描述 Redis 工作流存储的连接参数。
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisStore 将工作流记录以 JSON 形式保存在 Redis 中，键格式为
// workflow:{workflow_id}。并发更新通过 WATCH/MULTI 乐观事务保证原子性。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建 RedisStore。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
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
	return &RedisStore{client: client}, nil
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

// Create 实现 Store 接口，通过 SETNX 保证 ID 唯一。
func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	if rec == nil || rec.WorkflowID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流记录或 ID 不能为空")
	}
	rec.Version = 1
	data, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化工作流记录失败")
	}
	ok, err := s.client.SetNX(ctx, redisKey(rec.WorkflowID), data, 0).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 失败")
	}
	if !ok {
		return ErrWorkflowExists
	}
	return nil
}

// Get 实现 Store 接口。
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrWorkflowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 失败")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化工作流记录失败")
	}
	return &rec, nil
}

// Update 通过 WATCH/MULTI 事务执行读-改-写，冲突时自动重试。
func (s *RedisStore) Update(ctx context.Context, id string, mutate func(*Record) error) (*Record, error) {
	if mutate == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mutate 不能为空")
	}
	key := redisKey(id)
	const maxRetries = 16
	var updated *Record
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrWorkflowNotFound
				}
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 失败")
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化工作流记录失败")
			}
			if err := mutate(&rec); err != nil {
				return err
			}
			if rec.WorkflowID != id {
				return ErrIDMismatch
			}
			rec.Version++
			next, err := json.Marshal(&rec)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化工作流记录失败")
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				return nil
			})
			if err != nil {
				return err
			}
			updated = &rec
			return nil
		}, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			time.Sleep(time.Duration(attempt+1) * time.Millisecond)
			continue
		}
		return nil, err
	}
	return nil, xerrors.New(xerrors.CodeVersionConflict,
		fmt.Sprintf("工作流 %s 更新重试 %d 次仍冲突", id, maxRetries))
}

// Close 实现 Store 接口。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
