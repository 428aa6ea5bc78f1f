package decomposer

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/knowledge"
	"SleepyTesting/internal/llm"
	"SleepyTesting/internal/step"
	"SleepyTesting/pkg/logger"
)

const (
	defaultMaxConcurrent = 5
	defaultMaxAttempts   = 5
	defaultMinWait       = time.Second
	defaultMaxWait       = 10 * time.Second
	defaultCallTimeout   = 60 * time.Second
)

// Config 控制远程调用的并发、重试与校验规则。
type Config struct {
	MaxConcurrentRequests int64
	MaxAttempts           int
	MinWait               time.Duration
	MaxWait               time.Duration
	CallTimeout           time.Duration
	AuthRequiredActions   []string
	DefaultPlatform       step.Platform
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = defaultMaxConcurrent
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.MinWait <= 0 {
		c.MinWait = defaultMinWait
	}
	if c.MaxWait < c.MinWait {
		c.MaxWait = defaultMaxWait
		if c.MaxWait < c.MinWait {
			c.MaxWait = c.MinWait
		}
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.AuthRequiredActions == nil {
		c.AuthRequiredActions = DefaultAuthRequiredActions
	}
	if c.DefaultPlatform == "" {
		c.DefaultPlatform = step.PlatformWeb
	}
	return c
}

// RetryEvent 描述一次即将发生的退避重试。
type RetryEvent struct {
	Attempt int
	Wait    time.Duration
	Err     error
}

// Metrics 接收远程调用的统计数据。
type Metrics interface {
	ObserveRemoteCall(outcome string, duration time.Duration)
	IncRemoteRetry(code string)
}

// Generator 是远程步骤生成器。
type Generator struct {
	client    llm.Client
	cfg       Config
	sem       *semaphore.Weighted
	knowledge knowledge.Provider
	tools     func() []string
	observer  func(RetryEvent)
	metrics   Metrics
	logger    *slog.Logger
}

// Option 定义 Generator 的可选配置。
type Option func(*Generator)

// WithKnowledge 为请求附加知识库检索结果。
func WithKnowledge(p knowledge.Provider) Option {
	return func(g *Generator) {
		g.knowledge = p
	}
}

// WithTools 告知模型当前可用的工具名称。
func WithTools(names func() []string) Option {
	return func(g *Generator) {
		g.tools = names
	}
}

// WithRetryObserver 注册在每次退避等待前调用的回调。
func WithRetryObserver(fn func(RetryEvent)) Option {
	return func(g *Generator) {
		g.observer = fn
	}
}

// WithMetrics 注入指标采集器。
func WithMetrics(m Metrics) Option {
	return func(g *Generator) {
		g.metrics = m
	}
}

// WithSemaphore 与其他组件共享同一个准入信号量。
func WithSemaphore(sem *semaphore.Weighted) Option {
	return func(g *Generator) {
		if sem != nil {
			g.sem = sem
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewSemaphore 按配置创建进程级准入信号量，供多次重建的 Generator 共享。
func NewSemaphore(maxConcurrent int64) *semaphore.Weighted {
	return semaphore.NewWeighted(Config{MaxConcurrentRequests: maxConcurrent}.withDefaults().MaxConcurrentRequests)
}

// New 创建步骤生成器。
func New(client llm.Client, cfg Config, opts ...Option) (*Generator, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "大模型客户端不能为空")
	}
	cfg = cfg.withDefaults()
	g := &Generator{
		client: client,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrentRequests),
		logger: logger.Named("decomposer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Ping 在客户端支持时探测其可用性，不发起模型调用。
func (g *Generator) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pinger, ok := g.client.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Decompose 将任务拆分为经过校验的步骤计划。
func (g *Generator) Decompose(ctx context.Context, task string) (*step.Plan, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务描述不能为空")
	}

	detection := DetectDevices(task, g.cfg.DefaultPlatform)
	req := llm.Request{Task: task, Devices: detection.List()}
	if g.knowledge != nil {
		for _, snippet := range g.knowledge.Query(task, detection.Platforms) {
			req.Knowledge = append(req.Knowledge, llm.KnowledgeCard{Title: snippet.Title, Content: snippet.Content})
		}
	}
	if g.tools != nil {
		req.Tools = g.tools()
	}

	resp, err := g.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	steps, err := ParseSteps(resp.Content)
	if err != nil {
		g.logger.Warn("模型输出解析失败", slog.String("error", err.Error()))
		return nil, err
	}
	if err := newValidator(detection, g.cfg.AuthRequiredActions).validate(steps); err != nil {
		g.logger.Warn("步骤校验失败", slog.String("error", err.Error()))
		return nil, err
	}

	g.logger.Info("任务拆分完成",
		slog.Int("steps", len(steps)),
		slog.Int("devices", len(req.Devices)),
		slog.String("model", resp.Model))
	return &step.Plan{Steps: steps, Devices: req.Devices, OriginalTask: task}, nil
}

// generate 在信号量保护下调用模型，仅对瞬时错误做指数退避重试。
func (g *Generator) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.cfg.MinWait
	policy.MaxInterval = g.cfg.MaxWait
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(g.cfg.MaxAttempts-1)), ctx)

	var (
		resp    *llm.Response
		lastErr error
		attempt int
	)
	operation := func() error {
		attempt++
		r, err := g.callOnce(ctx, req)
		if err == nil {
			resp = r
			return nil
		}
		lastErr = err
		if !xerrors.IsTransient(xerrors.CodeOf(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		g.logger.Warn("远程调用失败，准备重试",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", g.cfg.MaxAttempts),
			slog.Duration("wait", wait),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.String("error", err.Error()))
		if g.metrics != nil {
			g.metrics.IncRemoteRetry(string(xerrors.CodeOf(err)))
		}
		if g.observer != nil {
			g.observer(RetryEvent{Attempt: attempt, Wait: wait, Err: err})
		}
	}

	if err := backoff.RetryNotify(operation, retry, notify); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		if xerrors.CodeOf(lastErr) == xerrors.CodeFatalRemote {
			return nil, lastErr
		}
		if xerrors.IsTransient(xerrors.CodeOf(lastErr)) {
			return nil, xerrors.Wrap(xerrors.CodeFatalRemote, lastErr,
				fmt.Sprintf("远程调用在 %d 次尝试后仍失败", attempt))
		}
		return nil, xerrors.Wrap(xerrors.CodeFatalRemote, lastErr, "远程调用失败")
	}
	return resp, nil
}

// callOnce 执行单次调用，信号量只在调用期间持有，退避等待时已释放。
func (g *Generator) callOnce(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalRemote, err, "等待远程调用配额时被取消")
	}
	defer g.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	started := time.Now()
	resp, err := g.client.GenerateSteps(callCtx, req)
	if err != nil && stdErrors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = xerrors.Wrap(xerrors.CodeTimeout, err, "远程调用超时")
	}
	if err == nil && resp == nil {
		err = xerrors.New(xerrors.CodeFatalRemote, "模型未返回内容")
	}
	if g.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = strings.ToLower(string(xerrors.CodeOf(err)))
		}
		g.metrics.ObserveRemoteCall(outcome, time.Since(started))
	}
	return resp, err
}
