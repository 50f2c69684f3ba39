package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"CrownSafe-ControlPlane/internal/agents/commander"
	"CrownSafe-ControlPlane/internal/agents/planner"
	"CrownSafe-ControlPlane/internal/agents/router"
	"CrownSafe-ControlPlane/internal/config"
	"CrownSafe-ControlPlane/internal/discovery"
	"CrownSafe-ControlPlane/internal/hub"
	"CrownSafe-ControlPlane/internal/mailbox"
	"CrownSafe-ControlPlane/internal/observability/alerting"
	"CrownSafe-ControlPlane/internal/runtime"
	"CrownSafe-ControlPlane/internal/workflow"
	"CrownSafe-ControlPlane/pkg/logger"
)

// main 是控制平面守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("controlplaned 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CONTROLPLANE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "controlplane.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	box, err := buildMailbox(cfg)
	if err != nil {
		return err
	}
	defer box.Close()

	h, err := hub.New(box,
		hub.WithHeartbeat(cfg.Heartbeat.Interval.Std(), cfg.Heartbeat.Timeout.Std()))
	if err != nil {
		return err
	}
	defer h.Close()

	registry := discovery.NewRegistry(cfg.Discovery.TTL.Std())
	discoveryAgent := discovery.NewAgent(discovery.DefaultAgentID, registry)

	books, err := planner.LoadPlaybooks(cfg.Planner.PlaybookPath)
	if err != nil {
		return err
	}
	plannerAgent, err := planner.New(planner.DefaultAgentID, router.DefaultAgentID, books)
	if err != nil {
		return err
	}
	commanderAgent, err := commander.New(commander.DefaultAgentID, planner.DefaultAgentID, store)
	if err != nil {
		return err
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	routerAgent, err := router.New(router.DefaultAgentID, store, registry,
		router.WithAlerts(alerting.NewFanout(notifiers...)))
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, handler := range []runtime.Handler{commanderAgent, plannerAgent, routerAgent, discoveryAgent} {
		agent, err := runtime.NewAgent(handler, h, box,
			runtime.WithPopWait(cfg.Mailbox.PopWait.Std()))
		if err != nil {
			return err
		}
		group.Go(func() error { return agent.Run(ctx) })
	}
	group.Go(func() error {
		discoveryAgent.RunSweeper(ctx, cfg.Discovery.SweepInterval.Std())
		return ctx.Err()
	})
	group.Go(func() error {
		return hub.NewServer(cfg.Server.Address, h).Start(ctx)
	})

	logger.L().Info("控制平面已启动")
	return group.Wait()
}

func buildStore(cfg *config.Config) (workflow.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return workflow.NewMemoryStore(), nil
	case "redis":
		return workflow.NewRedisStore(workflow.RedisStoreConfig{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
	case "mysql":
		return workflow.NewMySQLStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("不支持的存储驱动 %q", cfg.Storage.Driver)
	}
}

func buildMailbox(cfg *config.Config) (mailbox.Mailbox, error) {
	switch cfg.Mailbox.Driver {
	case "", "memory":
		return mailbox.NewMemoryMailbox(), nil
	case "redis":
		return mailbox.NewRedisMailbox(mailbox.RedisMailboxConfig{
			Address:  cfg.Mailbox.Redis.Address,
			Password: cfg.Mailbox.Redis.Password,
			DB:       cfg.Mailbox.Redis.DB,
		})
	case "rabbitmq":
		return mailbox.NewRabbitMQMailbox(mailbox.RabbitMQMailboxConfig{
			URL:     cfg.Mailbox.Rabbit.URL,
			Durable: cfg.Mailbox.Rabbit.Durable,
		})
	default:
		return nil, fmt.Errorf("不支持的收件箱驱动 %q", cfg.Mailbox.Driver)
	}
}
