// Package hub 管理代理的生命周期：注册、忙闲切换、错误计数、自动重启与健康检查，
// 并负责把一次任务串联为拆分、优化、执行三个阶段。
package hub

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"SleepyTesting/internal/eventbus"
	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/observability/alerting"
	"SleepyTesting/internal/presentation"
	"SleepyTesting/internal/session"
	"SleepyTesting/pkg/logger"
)

// State 表示代理的生命周期状态。
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateBusy         State = "BUSY"
	StateError        State = "ERROR"
	StateShutdown     State = "SHUTDOWN"
)

const (
	defaultErrorThreshold    = 3
	defaultMaxRetries        = 3
	defaultHeartbeatInterval = 30 * time.Second
)

// Agent 是受托管的代理实例，具体能力由使用方做类型断言。
type Agent any

// Factory 按种类构造代理，首次启动和每次重启都使用同一个工厂。
type Factory func(ctx context.Context) (Agent, error)

// Pinger 是可选的健康探测能力。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config 控制错误阈值、重启上限与心跳超时。
type Config struct {
	ErrorThreshold    int
	MaxRetries        int
	HeartbeatInterval time.Duration
}

// Metrics 接收代理状态迁移。
type Metrics interface {
	ObserveAgentTransition(kind, state string)
}

type agentEntry struct {
	record     AgentRecord
	agent      Agent
	inFlight   int
	restarting bool
}

type subscription struct {
	eventType eventbus.EventType
	id        eventbus.HandlerID
}

// Hub 是代理生命周期管理器。
type Hub struct {
	mu        sync.Mutex
	cfg       Config
	agents    map[string]*agentEntry
	order     []string
	factories map[string]Factory

	bus       *eventbus.Bus
	presenter presentation.Presenter
	alerts    alerting.Dispatcher
	metrics   Metrics
	sessions  *session.Manager
	logger    *slog.Logger
	now       func() time.Time
	subs      []subscription
}

// Option 定义 Hub 的可选配置。
type Option func(*Hub)

// WithPresenter 配置状态展示器。
func WithPresenter(p presentation.Presenter) Option {
	return func(h *Hub) {
		if p != nil {
			h.presenter = p
		}
	}
}

// WithAlerts 配置永久失败时的告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(h *Hub) { h.alerts = d }
}

// WithMetrics 配置指标采集器。
func WithMetrics(m Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithSessions 配置会话管理器，任务结果会写入对应会话。
func WithSessions(m *session.Manager) Option {
	return func(h *Hub) { h.sessions = m }
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// New 创建 Hub 并订阅 AGENT_ERROR、HEALTH_CHECK 与任务相关事件。
func New(bus *eventbus.Bus, cfg Config, opts ...Option) (*Hub, error) {
	if bus == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "事件总线不能为空")
	}
	if cfg.ErrorThreshold == 0 {
		cfg.ErrorThreshold = defaultErrorThreshold
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ErrorThreshold < 1 || cfg.MaxRetries < 1 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "error_threshold 与 max_retries 必须大于等于 1")
	}

	h := &Hub{
		cfg:       cfg,
		agents:    make(map[string]*agentEntry),
		factories: make(map[string]Factory),
		bus:       bus,
		presenter: presentation.NewLog(),
		logger:    logger.Named("hub"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.subscribe()
	return h, nil
}

// Close 取消 Hub 在总线上的全部订阅。
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	for _, sub := range subs {
		_ = h.bus.Unsubscribe(sub.eventType, sub.id)
	}
}

// RegisterFactory 登记某种代理的构造函数。
func (h *Hub) RegisterFactory(kind string, factory Factory) error {
	if kind == "" || factory == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理种类与工厂不能为空")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.factories[kind]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("代理种类 %s 的工厂已注册", kind))
	}
	h.factories[kind] = factory
	return nil
}

// Register 托管一个已构造的代理，记录依次经过 INITIALIZING 与 READY。
func (h *Hub) Register(ctx context.Context, id, kind string, agent Agent) error {
	if id == "" || agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 与实例不能为空")
	}
	h.mu.Lock()
	if _, ok := h.agents[id]; ok {
		h.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("代理 %s 已注册", id))
	}
	entry := &agentEntry{
		record: AgentRecord{ID: id, Kind: kind, State: StateInitializing, LastHeartbeat: h.now()},
		agent:  agent,
	}
	h.agents[id] = entry
	h.order = append(h.order, id)
	fx := h.transitionLocked(entry, StateReady, "")
	h.mu.Unlock()

	fx.run()
	h.logger.Info("代理已注册", slog.String("agent_id", id), slog.String("kind", kind))
	return nil
}

// Spawn 通过已登记的工厂构造并托管代理。
func (h *Hub) Spawn(ctx context.Context, id, kind string) error {
	h.mu.Lock()
	factory := h.factories[kind]
	h.mu.Unlock()
	if factory == nil {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("代理种类 %s 没有工厂", kind))
	}
	agent, err := factory(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("构造代理 %s 失败", id))
	}
	return h.Register(ctx, id, kind, agent)
}

// ReportError 向代理发送一次错误信号。错误计数达到阈值时在当前调用中同步重启；
// 重启失败且重启次数已达上限时代理进入 SHUTDOWN 并返回 AGENT_FAILURE。
func (h *Hub) ReportError(ctx context.Context, id string, cause error) error {
	h.mu.Lock()
	entry, ok := h.agents[id]
	if !ok {
		h.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("代理 %s 未注册", id))
	}
	if entry.record.State == StateShutdown {
		h.mu.Unlock()
		return nil
	}

	entry.record.ErrorCount++
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	fx := h.transitionLocked(entry, StateError, reason)

	restart := entry.record.ErrorCount >= h.cfg.ErrorThreshold && !entry.restarting
	var factory Factory
	if restart {
		if entry.record.RetryCount < h.cfg.MaxRetries {
			entry.record.RetryCount++
		}
		entry.restarting = true
		factory = h.factories[entry.record.Kind]
	}
	errorCount, retryCount := entry.record.ErrorCount, entry.record.RetryCount
	h.mu.Unlock()

	fx.run()
	h.logger.Warn("代理报告错误",
		slog.String("agent_id", id),
		slog.Int("error_count", errorCount),
		slog.Int("retry_count", retryCount),
		slog.String("error", reason))
	if !restart {
		return nil
	}
	return h.restart(ctx, id, factory)
}

func (h *Hub) restart(ctx context.Context, id string, factory Factory) error {
	var (
		agent Agent
		err   error
	)
	if factory == nil {
		err = xerrors.New(xerrors.CodeNotFound, "代理种类没有工厂")
	} else {
		agent, err = factory(ctx)
		if err == nil && agent == nil {
			err = stdErrors.New("工厂返回了空代理")
		}
	}

	h.mu.Lock()
	entry := h.agents[id]
	entry.restarting = false
	if err == nil {
		entry.agent = agent
		entry.record.ErrorCount = 0
		fx := h.transitionLocked(entry, StateReady, "")
		record := entry.record
		h.mu.Unlock()

		fx.run()
		h.logger.Info("代理重启成功", slog.String("agent_id", id), slog.Int("retry_count", record.RetryCount))
		h.bus.Publish(ctx, eventbus.AgentRecovered, map[string]any{
			"agent_id":    id,
			"kind":        record.Kind,
			"retry_count": record.RetryCount,
		})
		return nil
	}

	if entry.record.RetryCount < h.cfg.MaxRetries {
		record := entry.record
		h.mu.Unlock()
		h.logger.Warn("代理重启失败",
			slog.String("agent_id", id),
			slog.Int("retry_count", record.RetryCount),
			slog.Int("max_retries", h.cfg.MaxRetries),
			slog.String("error", err.Error()))
		return nil
	}

	fx := h.transitionLocked(entry, StateShutdown, err.Error())
	record := entry.record
	h.mu.Unlock()

	fx.run()
	failure := xerrors.Wrap(xerrors.CodeAgentFailure, err,
		fmt.Sprintf("代理 %s 在 %d 次重启后仍失败", id, record.RetryCount),
		xerrors.WithMetadata("agent_id", id))
	logger.Audit().Error("代理已关闭",
		slog.String("agent_id", id),
		slog.String("kind", record.Kind),
		slog.Int("retry_count", record.RetryCount),
		slog.String("error", err.Error()))
	h.bus.Publish(ctx, eventbus.AgentShutdown, map[string]any{
		"agent_id":    id,
		"kind":        record.Kind,
		"retry_count": record.RetryCount,
		"message":     err.Error(),
	})
	h.emitAlert(ctx, record, failure)
	return failure
}

func (h *Hub) emitAlert(ctx context.Context, record AgentRecord, failure *xerrors.Error) {
	if h.alerts == nil {
		return
	}
	event := alerting.Event{
		Code:       failure.Code(),
		Message:    failure.Error(),
		Severity:   failure.Severity(),
		AgentID:    record.ID,
		Attempts:   record.RetryCount,
		MaxRetries: h.cfg.MaxRetries,
		Metadata:   map[string]string{"kind": record.Kind},
		OccurredAt: h.now().UTC(),
	}
	if err := h.alerts.Notify(ctx, event); err != nil {
		h.logger.Error("告警发送失败", slog.String("agent_id", record.ID), slog.String("error", err.Error()))
	}
}

// Heartbeat 刷新代理的心跳时间。
func (h *Hub) Heartbeat(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.agents[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("代理 %s 未注册", id))
	}
	if entry.record.State != StateShutdown {
		entry.record.LastHeartbeat = h.now()
	}
	return nil
}

// HealthCheck 对心跳超时的非 SHUTDOWN 代理发送错误信号，BUSY 代理同样适用。
func (h *Hub) HealthCheck(ctx context.Context) error {
	now := h.now()
	h.mu.Lock()
	var stale []string
	for _, id := range h.order {
		entry := h.agents[id]
		if entry.record.State == StateShutdown {
			continue
		}
		if now.Sub(entry.record.LastHeartbeat) > h.cfg.HeartbeatInterval {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	var errs []error
	for _, id := range stale {
		cause := fmt.Errorf("心跳超时 (超过 %s)", h.cfg.HeartbeatInterval)
		if err := h.ReportError(ctx, id, cause); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

// ProbeAll 探测实现了 Pinger 的空闲代理，探测成功才刷新心跳。
// BUSY 代理不参与探测，其心跳只在 Release 时刷新，长时间占用会被 HealthCheck 判定超时。
func (h *Hub) ProbeAll(ctx context.Context) {
	h.mu.Lock()
	type target struct {
		id     string
		pinger Pinger
	}
	targets := make([]target, 0, len(h.order))
	for _, id := range h.order {
		entry := h.agents[id]
		if entry.record.State == StateShutdown || entry.record.State == StateBusy {
			continue
		}
		if pinger, ok := entry.agent.(Pinger); ok {
			targets = append(targets, target{id: id, pinger: pinger})
		}
	}
	h.mu.Unlock()

	for _, t := range targets {
		if err := t.pinger.Ping(ctx); err != nil {
			h.logger.Warn("代理探测失败", slog.String("agent_id", t.id), slog.String("error", err.Error()))
			continue
		}
		h.refreshIdle(t.id)
	}
}

// refreshIdle 仅在代理仍处于非 BUSY 的存活状态时刷新心跳。
func (h *Hub) refreshIdle(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.agents[id]
	if !ok || entry.record.State == StateShutdown || entry.record.State == StateBusy {
		return
	}
	entry.record.LastHeartbeat = h.now()
}

// Acquire 取出代理实例：READY 进入 BUSY，BUSY 与 ERROR 仅增加占用计数，SHUTDOWN 拒绝。
func (h *Hub) Acquire(id string) (Agent, error) {
	h.mu.Lock()
	entry, ok := h.agents[id]
	if !ok {
		h.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("代理 %s 未注册", id))
	}
	var fx effects
	switch entry.record.State {
	case StateShutdown, StateInitializing:
		state := entry.record.State
		h.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeAgentFailure, fmt.Sprintf("代理 %s 当前状态为 %s", id, state))
	case StateReady:
		fx = h.transitionLocked(entry, StateBusy, "")
	}
	entry.inFlight++
	agent := entry.agent
	h.mu.Unlock()

	fx.run()
	return agent, nil
}

// Release 归还代理，最后一个占用者归还时 BUSY 回到 READY。
func (h *Hub) Release(id string) {
	h.mu.Lock()
	entry, ok := h.agents[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	if entry.inFlight > 0 {
		entry.inFlight--
	}
	var fx effects
	if entry.record.State == StateBusy && entry.inFlight == 0 {
		fx = h.transitionLocked(entry, StateReady, "")
	} else if entry.record.State != StateShutdown {
		entry.record.LastHeartbeat = h.now()
	}
	h.mu.Unlock()
	fx.run()
}
