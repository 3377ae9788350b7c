package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"BehaviorMesh/internal/agent"
	"BehaviorMesh/internal/api"
	"BehaviorMesh/internal/behavior"
	"BehaviorMesh/internal/config"
	"BehaviorMesh/internal/observability/alerting"
	"BehaviorMesh/internal/run"
	"BehaviorMesh/pkg/logger"
)

// main 是 BehaviorMesh 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := start(ctx); err != nil {
		log.Fatalf("behaviord 运行失败: %v", err)
	}
}

func start(ctx context.Context) error {
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = filepath.Join("configs", "behaviormesh.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	var store run.Store
	switch cfg.Storage.RunStore.Driver {
	case "", "memory":
		store = run.NewMemoryStore()
	case "mysql":
		mysqlStore, err := run.NewMySQLStore(cfg.Storage.RunStore.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.RunStore.Driver)
	}

	var queue run.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = run.NewMemoryQueue(1024)
	case "redis":
		redisQueue, err := run.NewRedisQueue(run.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := run.NewRabbitMQQueue(run.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Error("关闭运行队列失败", slog.Any("error", err))
		}
	}()

	registry := behavior.NewRegistry()
	if err := registerBuiltinBehaviors(registry); err != nil {
		return err
	}

	driver := agent.New(
		agent.WithTickInterval(time.Duration(cfg.Agent.TickIntervalMS)*time.Millisecond),
		agent.WithTickBudget(cfg.Agent.TickBudget),
	)

	service := run.NewService(store, queue, registry, cfg.Agent.MaxRetries)
	defer func() {
		_ = service.Close()
	}()

	alerter := alerting.NewFanout(&alerting.LogNotifier{})
	processor := run.NewProcessor(driver, registry, store, queue, queue,
		run.WithWorkerCount(cfg.Queue.Workers),
		run.WithProcessorLogger(logger.Named("processor")),
		run.WithAlertDispatcher(alerter),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("运行处理器异常退出", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, service)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// registerBuiltinBehaviors 注册开箱即用的行为模板，便于冒烟验证与演示。
func registerBuiltinBehaviors(registry *behavior.Registry) error {
	countdown, err := behavior.NewTemplate("countdown", &behavior.TemplateNode{
		Kind: behavior.NodeRoot,
		Children: []*behavior.TemplateNode{
			{
				ID:      "countdown.leaf",
				Kind:    behavior.NodeLeaf,
				NewTask: behavior.CountdownFactory(3),
			},
		},
	})
	if err != nil {
		return err
	}

	// patrol: 依次完成三段倒计时，任一段失败则整体失败。
	patrol, err := behavior.NewTemplate("patrol", &behavior.TemplateNode{
		Kind: behavior.NodeRoot,
		Children: []*behavior.TemplateNode{
			{
				ID:        "patrol.route",
				Kind:      behavior.NodeComposite,
				Composite: behavior.CompositeSequence,
				Children: []*behavior.TemplateNode{
					{
						ID:      "patrol.leg1",
						Kind:    behavior.NodeLeaf,
						SortKey: 1,
						NewTask: behavior.CountdownFactory(2),
					},
					{
						ID:      "patrol.leg2",
						Kind:    behavior.NodeLeaf,
						SortKey: 2,
						NewTask: behavior.CountdownFactory(2),
					},
					{
						ID:      "patrol.leg3",
						Kind:    behavior.NodeLeaf,
						SortKey: 3,
						NewTask: behavior.CountdownFactory(2),
					},
				},
			},
		},
	})
	if err != nil {
		return err
	}

	// failover: 主路径失败后回退到备用路径，任一成功即成功。
	failover, err := behavior.NewTemplate("failover", &behavior.TemplateNode{
		Kind: behavior.NodeRoot,
		Children: []*behavior.TemplateNode{
			{
				ID:        "failover.choice",
				Kind:      behavior.NodeComposite,
				Composite: behavior.CompositeSelector,
				Children: []*behavior.TemplateNode{
					{
						ID:        "failover.primary",
						Kind:      behavior.NodeDecorator,
						Decorator: behavior.DecoratorInvert,
						SortKey:   1,
						Children: []*behavior.TemplateNode{
							{
								ID:      "failover.primary.probe",
								Kind:    behavior.NodeLeaf,
								NewTask: behavior.CountdownFactory(1),
							},
						},
					},
					{
						ID:      "failover.fallback",
						Kind:    behavior.NodeLeaf,
						SortKey: 2,
						NewTask: behavior.CountdownFactory(2),
					},
				},
			},
		},
	})
	if err != nil {
		return err
	}

	for _, template := range []*behavior.Template{countdown, patrol, failover} {
		if err := registry.Register(template); err != nil {
			return err
		}
	}
	return nil
}
