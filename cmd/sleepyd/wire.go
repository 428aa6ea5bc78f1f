package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"SleepyTesting/internal/config"
	"SleepyTesting/internal/controller"
	"SleepyTesting/internal/decomposer"
	"SleepyTesting/internal/driver"
	"SleepyTesting/internal/driver/web"
	"SleepyTesting/internal/eventbus"
	"SleepyTesting/internal/evidence"
	"SleepyTesting/internal/hub"
	"SleepyTesting/internal/knowledge"
	"SleepyTesting/internal/llm"
	"SleepyTesting/internal/llm/openai"
	"SleepyTesting/internal/llm/pythonbridge"
	"SleepyTesting/internal/memory"
	"SleepyTesting/internal/observability/alerting"
	"SleepyTesting/internal/observability/metrics"
	"SleepyTesting/internal/pool"
	"SleepyTesting/internal/presentation"
	"SleepyTesting/internal/session"
	"SleepyTesting/internal/step"
	mysqlstore "SleepyTesting/internal/storage/mysql"
	redisstore "SleepyTesting/internal/storage/redis"
	sqlitestore "SleepyTesting/internal/storage/sqlite"
	"SleepyTesting/internal/supervisor"
	"SleepyTesting/internal/task"
	"SleepyTesting/internal/tool"
	"SleepyTesting/pkg/logger"
)

// app 汇总进程内的全部组件，由 buildApp 按配置组装。
type app struct {
	cfg      *config.Config
	bus      *eventbus.Bus
	hub      *hub.Hub
	pool     *pool.Pool
	sessions *session.Manager
	alerts   alerting.Dispatcher
	logger   *slog.Logger
	closers  []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close 按注册顺序的逆序释放资源。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stdErrors.Join(errs...)
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Service:     "sleepyd",
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	})
}

// buildApp 创建事件总线、驱动池、工具、模式库与 Hub，并启动四个内置代理。
func buildApp(ctx context.Context, cfg *config.Config, presenter presentation.Presenter) (*app, error) {
	a := &app{
		cfg:      cfg,
		bus:      eventbus.New(),
		sessions: session.NewManager(),
		logger:   logger.Named("sleepyd"),
	}
	if err := a.assemble(ctx, presenter); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) assemble(ctx context.Context, presenter presentation.Presenter) error {
	cfg := a.cfg

	a.alerts = buildAlerts(cfg)

	drivers, err := buildDriverRegistry(cfg)
	if err != nil {
		return err
	}
	poolOpts := []pool.Option{pool.WithLogger(logger.Named("pool"))}
	for platform, ids := range cfg.Drivers.AllowedDevices {
		poolOpts = append(poolOpts, pool.WithAllowedDevices(step.Platform(platform), ids...))
	}
	a.pool = pool.New(drivers, poolOpts...)
	a.onClose(a.pool.Close)

	tools, err := buildTools(cfg)
	if err != nil {
		return err
	}

	capturer, err := evidence.NewPathCapturer(cfg.Evidence.Dir)
	if err != nil {
		return err
	}

	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Path != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		knowledgeProvider = provider
	}

	persister, err := buildPersister(ctx, cfg, a)
	if err != nil {
		return err
	}

	client, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	h, err := hub.New(a.bus, hub.Config{
		ErrorThreshold:    cfg.Hub.ErrorThreshold,
		MaxRetries:        cfg.Hub.MaxRetries,
		HeartbeatInterval: time.Duration(cfg.Hub.HeartbeatIntervalSeconds) * time.Second,
	},
		hub.WithPresenter(presenter),
		hub.WithAlerts(a.alerts),
		hub.WithMetrics(metrics.Default),
		hub.WithSessions(a.sessions),
	)
	if err != nil {
		return err
	}
	a.hub = h
	a.onClose(func() error {
		a.hub.Close()
		return nil
	})

	decomposerCfg := decomposer.Config{
		MaxConcurrentRequests: cfg.LLM.MaxConcurrentRequests,
		MaxAttempts:           cfg.LLM.Retry.MaxAttempts,
		MinWait:               time.Duration(cfg.LLM.Retry.MinWaitMillis) * time.Millisecond,
		MaxWait:               time.Duration(cfg.LLM.Retry.MaxWaitMillis) * time.Millisecond,
		CallTimeout:           time.Duration(cfg.LLM.CallTimeoutSeconds) * time.Second,
		AuthRequiredActions:   cfg.Decomposer.AuthRequiredActions,
		DefaultPlatform:       step.Platform(cfg.Decomposer.DefaultPlatform),
	}

	memoryOpts := []memory.Option{memory.WithPublisher(a.bus)}
	if persister != nil {
		memoryOpts = append(memoryOpts, memory.WithPersister(persister))
	}

	factories := map[string]hub.Factory{
		hub.AgentDecomposer: newDecomposerFactory(client, decomposerCfg,
			decomposer.WithKnowledge(knowledgeProvider),
			decomposer.WithTools(tools.Names),
			decomposer.WithMetrics(metrics.Default),
		),
		hub.AgentController: func(context.Context) (hub.Agent, error) {
			return controller.New(a.pool,
				controller.WithTools(tools),
				controller.WithCapturer(capturer),
				controller.WithPublisher(a.bus),
				controller.WithMetrics(metrics.Default),
			), nil
		},
		hub.AgentMemory:     newMemoryFactory(memory.NewStore(memoryOpts...)),
		hub.AgentSupervisor: func(context.Context) (hub.Agent, error) {
			return supervisor.New(), nil
		},
	}
	for _, kind := range []string{hub.AgentDecomposer, hub.AgentController, hub.AgentMemory, hub.AgentSupervisor} {
		if err := a.hub.RegisterFactory(kind, factories[kind]); err != nil {
			return err
		}
		if err := a.hub.Spawn(ctx, kind, kind); err != nil {
			return err
		}
	}
	a.logger.Info("运行时已就绪",
		slog.Any("drivers", drivers.Entries()),
		slog.Any("tools", tools.Names()),
		slog.String("memory_driver", cfg.Memory.Driver),
	)
	return nil
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if strings.TrimSpace(cfg.Alerting.Webhook.URL) != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.Alerting.Webhook.URL,
			Headers: cfg.Alerting.Webhook.Headers,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func buildDriverRegistry(cfg *config.Config) (*driver.Registry, error) {
	registry := driver.NewRegistry(step.Platform(cfg.Drivers.DefaultPlatform))
	webCfg := web.Config{
		Headless:       cfg.Drivers.Web.Headless,
		BrowserBin:     cfg.Drivers.Web.BrowserBin,
		UserDataDir:    cfg.Drivers.Web.UserDataDir,
		StartURL:       cfg.Drivers.Web.StartURL,
		ViewportWidth:  cfg.Drivers.Web.ViewportWidth,
		ViewportHeight: cfg.Drivers.Web.ViewportHeight,
		ActionTimeout:  time.Duration(cfg.Drivers.Web.ActionTimeoutSeconds) * time.Second,
	}
	if err := registry.Register(step.PlatformWeb, web.Framework, web.Constructor(webCfg)); err != nil {
		return nil, err
	}
	for platform, framework := range cfg.Drivers.Frameworks {
		if err := registry.UseFramework(step.Platform(platform), framework); err != nil {
			return nil, fmt.Errorf("drivers.frameworks.%s: %w", platform, err)
		}
	}
	return registry, nil
}

func buildTools(cfg *config.Config) (*tool.Registry, error) {
	registry := tool.NewRegistry()
	if cfg.Tools.Weather.APIKey == "" {
		return registry, nil
	}
	weather, err := tool.NewWeather(tool.WeatherConfig{
		APIKey:   cfg.Tools.Weather.APIKey,
		Endpoint: cfg.Tools.Weather.Endpoint,
		Timeout:  time.Duration(cfg.Tools.Weather.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if err := registry.Register(tool.WeatherToolName, weather); err != nil {
		return nil, err
	}
	return registry, nil
}

// newDecomposerFactory 返回拆分代理的构造函数，所有重建出的 Generator 共享同一个准入信号量。
func newDecomposerFactory(client llm.Client, cfg decomposer.Config, opts ...decomposer.Option) hub.Factory {
	admission := decomposer.NewSemaphore(cfg.MaxConcurrentRequests)
	opts = append([]decomposer.Option{decomposer.WithSemaphore(admission)}, opts...)
	return func(context.Context) (hub.Agent, error) {
		return decomposer.New(client, cfg, opts...)
	}
}

// newMemoryFactory 重启时复用同一个模式库，只从持久化后端重新加载。
func newMemoryFactory(store *memory.Store) hub.Factory {
	return func(ctx context.Context) (hub.Agent, error) {
		if err := store.Load(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
}

// buildPersister 按 memory.driver 选择模式库的持久化后端，memory 表示不持久化。
func buildPersister(ctx context.Context, cfg *config.Config, a *app) (memory.Persister, error) {
	switch cfg.Memory.Driver {
	case "memory":
		return nil, nil
	case "file":
		return memory.NewFilePersister(cfg.Memory.Path)
	case "sqlite":
		repo, err := sqlitestore.NewPatternRepository(cfg.Memory.Path)
		if err != nil {
			return nil, err
		}
		a.onClose(repo.Close)
		return repo, nil
	case "redis":
		repo, err := redisstore.NewPatternRepository(ctx, redisstore.Config{
			Address:  cfg.Memory.Redis.Address,
			Password: cfg.Memory.Redis.Password,
			DB:       cfg.Memory.Redis.DB,
			Key:      cfg.Memory.Redis.Key,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(repo.Close)
		return repo, nil
	case "mysql":
		repo, err := mysqlstore.NewPatternRepository(ctx, mysqlstore.Config{DSN: cfg.Memory.DSN})
		if err != nil {
			return nil, err
		}
		a.onClose(repo.Close)
		return repo, nil
	default:
		return nil, fmt.Errorf("未知的 memory driver: %s", cfg.Memory.Driver)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "", "openai":
		return openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.OpenAI.APIKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Timeout:     time.Duration(cfg.LLM.CallTimeoutSeconds) * time.Second,
			Temperature: cfg.LLM.OpenAI.Temperature,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// buildTaskBackend 按配置创建任务存储与队列。
func buildTaskBackend(ctx context.Context, cfg *config.Config) (task.Store, task.Queue, error) {
	var store task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "mysql":
		s, err := task.NewMySQLStore(ctx, cfg.Storage.TaskStore.DSN)
		if err != nil {
			return nil, nil, err
		}
		store = s
	default:
		store = task.NewMemoryStore()
	}

	var queue task.Queue
	switch cfg.TaskQueue.Driver {
	case "redis":
		q, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		queue = q
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.TaskQueue.RabbitMQ.URL,
			Queue:    cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch: cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:  cfg.TaskQueue.RabbitMQ.Durable,
		})
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		queue = q
	default:
		queue = task.NewMemoryQueue(cfg.TaskQueue.BufferSize)
	}
	return store, queue, nil
}

var (
	_ hub.Pinger = (*decomposer.Generator)(nil)
	_ hub.Pinger = (*controller.Pipeline)(nil)
	_ hub.Pinger = (*memory.Store)(nil)
	_ hub.Pinger = (*supervisor.Supervisor)(nil)
)
