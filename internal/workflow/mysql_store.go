package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "CrownSafe-ControlPlane/internal/errors"
)

// MySQLStore 使用 MySQL 持久化工作流记录，记录正文以 JSON 列保存，
// version 列用于乐观并发控制。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS workflow_records (
        workflow_id VARCHAR(64) PRIMARY KEY,
        status VARCHAR(32) NOT NULL,
        record JSON NOT NULL,
        version BIGINT NOT NULL DEFAULT 1,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_workflow_status (status),
        INDEX idx_workflow_updated (updated_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 workflow_records 表失败")
	}
	return nil
}

// Create 插入新的工作流记录。
func (s *MySQLStore) Create(ctx context.Context, rec *Record) error {
	if rec == nil || rec.WorkflowID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流记录或 ID 不能为空")
	}
	rec.Version = 1
	data, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化工作流记录失败")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_records (workflow_id, status, record, version, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		rec.WorkflowID, string(rec.Status), data, rec.Version,
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix())
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrWorkflowExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入工作流记录失败")
	}
	return nil
}

// Get 返回工作流记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record FROM workflow_records WHERE workflow_id = ?`, id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流记录失败")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化工作流记录失败")
	}
	return &rec, nil
}

// Update 以 version 列做乐观锁执行读-改-写，冲突时自动重试。
func (s *MySQLStore) Update(ctx context.Context, id string, mutate func(*Record) error) (*Record, error) {
	if mutate == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mutate 不能为空")
	}
	const maxRetries = 16
	for attempt := 0; attempt < maxRetries; attempt++ {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		current := rec.Version
		if err := mutate(rec); err != nil {
			return nil, err
		}
		if rec.WorkflowID != id {
			return nil, ErrIDMismatch
		}
		rec.Version = current + 1
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化工作流记录失败")
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE workflow_records SET status = ?, record = ?, version = ?, updated_at = ?
             WHERE workflow_id = ? AND version = ?`,
			string(rec.Status), data, rec.Version, rec.UpdatedAt.Unix(), id, current)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工作流记录失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
		}
		if affected == 1 {
			return rec, nil
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	return nil, xerrors.New(xerrors.CodeVersionConflict,
		fmt.Sprintf("工作流 %s 更新重试 %d 次仍冲突", id, maxRetries))
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
