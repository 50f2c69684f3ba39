package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述控制平面在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Mailbox   MailboxConfig   `json:"mailbox"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Discovery DiscoveryConfig `json:"discovery"`
	Planner   PlannerConfig   `json:"planner"`
	Alerting  AlertingConfig  `json:"alerting"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig 控制智能体接入服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述工作流记录的持久化后端。
type StorageConfig struct {
	Driver string      `json:"driver"` // memory | redis | mysql
	DSN    string      `json:"dsn"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接参数，存储与收件箱共用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// MailboxConfig 描述持久收件箱后端。
type MailboxConfig struct {
	Driver  string       `json:"driver"` // memory | redis | rabbitmq
	Redis   RedisConfig  `json:"redis"`
	Rabbit  RabbitConfig `json:"rabbitmq"`
	PopWait Duration     `json:"pop_wait"`
}

// RabbitConfig 描述 RabbitMQ 连接参数。
type RabbitConfig struct {
	URL     string `json:"url"`
	Durable bool   `json:"durable"`
}

// HeartbeatConfig 控制心跳间隔与失联判定窗口。
type HeartbeatConfig struct {
	Interval Duration `json:"interval"`
	Timeout  Duration `json:"timeout"`
}

// DiscoveryConfig 控制能力注册表的保活与清理参数。
type DiscoveryConfig struct {
	TTL           Duration `json:"ttl"`
	SweepInterval Duration `json:"sweep_interval"`
}

// PlannerConfig 指定 playbook 配置文件路径。
type PlannerConfig struct {
	PlaybookPath string `json:"playbook_path"`
}

// AlertingConfig 控制告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// LoggingConfig 控制日志输出与审计日志。
type LoggingConfig struct {
	Level     string `json:"level"`
	Format    string `json:"format"`
	AuditPath string `json:"audit_path"`
}

// Duration 让 JSON 配置可以用 "30s" 这样的字符串表达时长。
type Duration time.Duration

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("解析时长 %q 失败: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("时长字段类型不支持: %T", raw)
	}
}

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Mailbox.Driver == "" {
		c.Mailbox.Driver = "memory"
	}
	if c.Mailbox.PopWait <= 0 {
		c.Mailbox.PopWait = Duration(time.Second)
	}

	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = Duration(15 * time.Second)
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = Duration(45 * time.Second)
	}

	if c.Discovery.TTL <= 0 {
		c.Discovery.TTL = Duration(time.Minute)
	}
	if c.Discovery.SweepInterval <= 0 {
		c.Discovery.SweepInterval = Duration(30 * time.Second)
	}

	if c.Planner.PlaybookPath == "" {
		c.Planner.PlaybookPath = filepath.Join(baseDir, "playbooks.yaml")
	} else if !filepath.IsAbs(c.Planner.PlaybookPath) {
		c.Planner.PlaybookPath = filepath.Join(baseDir, c.Planner.PlaybookPath)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
