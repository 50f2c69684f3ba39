package workflow

import (
	"context"

	xerrors "CrownSafe-ControlPlane/internal/errors"
)

// ErrWorkflowNotFound 表示指定 ID 的工作流不存在。
var ErrWorkflowNotFound = xerrors.New(xerrors.CodeNotFound, "workflow not found")

// ErrWorkflowExists 表示工作流 ID 已被占用。
var ErrWorkflowExists = xerrors.New(xerrors.CodeConflict, "workflow already exists")

// ErrIDMismatch 表示 mutate 试图修改记录的 WorkflowID，使其与存储键
// 不一致。记录内的 WorkflowID 必须始终等于存储键，写入方拒绝任何偏离。
var ErrIDMismatch = xerrors.New(xerrors.CodeConflict, "workflow id does not match storage key")

// Store 是工作流记录的持久化契约。所有实现以 WorkflowID 作为唯一主键，
// 不同实现（内存、Redis、MySQL）之间语义等价。
//
// Update 以原子读-改-写的方式修改记录：实现加载当前记录、调用 mutate、
// 在无并发冲突时写回。mutate 返回错误则放弃写回并原样返回该错误。
// 并发修改冲突时实现自动重试，因此 mutate 必须是纯函数式的修改，
// 不得产生外部副作用。
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, id string, mutate func(*Record) error) (*Record, error)
	Close() error
}
