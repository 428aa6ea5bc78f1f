package main

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"SleepyTesting/internal/api"
	"SleepyTesting/internal/config"
	"SleepyTesting/internal/eventbus"
	"SleepyTesting/internal/hub"
	"SleepyTesting/internal/observability/metrics"
	"SleepyTesting/internal/presentation"
	"SleepyTesting/internal/task"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 REST API、任务处理器与周期健康检查",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			defer syncLogger()
			return serve(cmd.Context(), cfg, presentation.NewLog())
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, presenter presentation.Presenter) error {
	a, err := buildApp(ctx, cfg, presenter)
	if err != nil {
		return err
	}
	defer a.Close()

	store, queue, err := buildTaskBackend(ctx, cfg)
	if err != nil {
		return err
	}
	service := task.NewService(store, queue, cfg.TaskQueue.MaxRetries)
	defer service.Close()

	processor := task.NewProcessor(a.hub, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithProcessorLogger(a.logger.With(slog.String("component", "processor"))),
		task.WithAlertDispatcher(a.alerts),
		task.WithTaskMetrics(metrics.Default),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !stdErrors.Is(err, context.Canceled) {
			a.logger.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	go runHealthTicker(processorCtx, a, time.Duration(cfg.Hub.HealthCheckIntervalSeconds)*time.Second)
	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(processorCtx, cfg.Server.MetricsAddress); err != nil && !stdErrors.Is(err, context.Canceled) {
				a.logger.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, service, a.hub, api.WithMetrics(metrics.Default))
	a.logger.Info("服务启动", slog.String("address", cfg.Server.Address),
		slog.String("queue", cfg.TaskQueue.Driver), slog.String("store", cfg.Storage.TaskStore.Driver))
	if err := server.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runHealthTicker 周期性探测全部代理并广播 HEALTH_CHECK。
func runHealthTicker(ctx context.Context, a *app, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.hub.ProbeAll(ctx)
			a.bus.Publish(ctx, eventbus.HealthCheck, map[string]any{"source": "ticker"})
		}
	}
}

var _ task.Executor = (*hub.Hub)(nil)
