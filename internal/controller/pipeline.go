// Package controller 顺序执行步骤：截取证据、分发动作或工具调用、校验并记录成功模式。
package controller

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"SleepyTesting/internal/driver"
	"SleepyTesting/internal/eventbus"
	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/evidence"
	"SleepyTesting/internal/step"
	"SleepyTesting/pkg/logger"
)

// 出错来源，写入错误元数据与 ERROR_OCCURRED 事件。
const (
	SourceTool       = "tool"
	SourceDriver     = "driver"
	SourcePool       = "pool"
	SourceSupervisor = "supervisor"
	SourceController = "controller"
)

// ToolResultPlaceholder 会在后续步骤的文本中被替换为最近一次工具结果。
const ToolResultPlaceholder = "{{tool_result}}"

// Verifier 对执行后的步骤给出判定。
type Verifier interface {
	VerifyStep(ctx context.Context, st step.UIStep, before, after string) (step.Verdict, error)
}

// Recorder 记录通过的步骤。
type Recorder interface {
	Record(ctx context.Context, st step.UIStep, passed bool) error
}

// HandleSource 提供按 (platform, device) 复用的驱动句柄。
type HandleSource interface {
	GetOrCreate(ctx context.Context, platform step.Platform, deviceID string) (driver.Driver, error)
}

// ToolCaller 按名称校验并执行工具。
type ToolCaller interface {
	Call(ctx context.Context, name string, params map[string]any) (any, error)
}

// Metrics 接收步骤执行统计。
type Metrics interface {
	ObserveStep(kind string, passed bool, duration time.Duration)
}

// Outcome 是单个步骤的执行结果，Abort 非空时任务立即终止。
type Outcome struct {
	Result step.ExecutionResult
	Abort  error
}

// Run 描述一次任务执行。Verifier、Recorder 为空时使用 Pipeline 的默认值。
type Run struct {
	TaskID   string
	Steps    []step.UIStep
	Verifier Verifier
	Recorder Recorder
}

// Pipeline 是顺序执行管线。
type Pipeline struct {
	handles   HandleSource
	tools     ToolCaller
	capturer  evidence.Capturer
	verifier  Verifier
	recorder  Recorder
	publisher eventbus.Publisher
	metrics   Metrics
	logger    *slog.Logger
}

// Option 定义 Pipeline 的可选配置。
type Option func(*Pipeline)

// WithTools 配置工具注册表。
func WithTools(t ToolCaller) Option {
	return func(p *Pipeline) { p.tools = t }
}

// WithCapturer 配置证据捕获器。
func WithCapturer(c evidence.Capturer) Option {
	return func(p *Pipeline) { p.capturer = c }
}

// WithVerifier 配置默认校验者。
func WithVerifier(v Verifier) Option {
	return func(p *Pipeline) { p.verifier = v }
}

// WithRecorder 配置默认的模式记录者。
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithPublisher 配置事件发布者。
func WithPublisher(pub eventbus.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithMetrics 配置指标采集器。
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New 创建执行管线。
func New(handles HandleSource, opts ...Option) *Pipeline {
	p := &Pipeline{
		handles: handles,
		logger:  logger.Named("controller"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Ping 依次探测句柄来源与工具注册表，两者不支持探测时视为可用。
func (p *Pipeline) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.handles == nil {
		return xerrors.New(xerrors.CodeDriverFailure, "执行管线未配置句柄来源")
	}
	for _, dep := range []any{p.handles, p.tools} {
		if pinger, ok := dep.(interface{ Ping(context.Context) error }); ok {
			if err := pinger.Ping(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Execute 顺序执行步骤，遇到第一个中止错误即停止并返回已完成的结果。
func (p *Pipeline) Execute(ctx context.Context, run Run) ([]step.ExecutionResult, error) {
	verifier := run.Verifier
	if verifier == nil {
		verifier = p.verifier
	}
	recorder := run.Recorder
	if recorder == nil {
		recorder = p.recorder
	}

	state := &runState{}
	results := make([]step.ExecutionResult, 0, len(run.Steps))
	for idx, st := range run.Steps {
		outcome := p.executeStep(ctx, run.TaskID, idx, st.Clone(), verifier, recorder, state)
		if outcome.Abort != nil {
			abort := outcome.Abort
			var stepErr *StepError
			if stdErrors.As(abort, &stepErr) {
				stepErr.Index = idx
			} else {
				abort = &StepError{Index: idx, Source: SourceController, Err: abort}
			}
			source := SourceOf(abort)
			p.logger.Error("步骤执行失败，任务中止",
				slog.String("task_id", run.TaskID),
				slog.Int("step_index", idx),
				slog.String("source", source),
				slog.String("error", abort.Error()))
			p.publish(ctx, eventbus.ErrorOccurred, map[string]any{
				"task_id":    run.TaskID,
				"source":     source,
				"message":    abort.Error(),
				"step_index": idx,
			})
			return results, abort
		}
		results = append(results, outcome.Result)
	}

	success := true
	for _, result := range results {
		success = success && result.Passed
	}
	p.publish(ctx, eventbus.TaskCompleted, map[string]any{
		"task_id": run.TaskID,
		"success": success,
		"results": results,
	})
	return results, nil
}

type runState struct {
	lastToolResult any
	hasToolResult  bool
}

func (p *Pipeline) executeStep(ctx context.Context, taskID string, idx int, st step.UIStep, verifier Verifier, recorder Recorder, state *runState) Outcome {
	started := time.Now()
	kind := "ui"
	if st.IsToolCall() {
		kind = "tool"
	}

	before := p.capture(ctx, fmt.Sprintf("%s_step%d_before", taskID, idx))

	actionPassed := true
	message := ""
	if st.IsToolCall() {
		result, err := p.callTool(ctx, st)
		if err != nil {
			return Outcome{Abort: err}
		}
		if st.Parameters == nil {
			st.Parameters = make(map[string]any)
		}
		st.Parameters[step.ToolResultKey] = result
		state.lastToolResult, state.hasToolResult = result, true
	} else {
		if state.hasToolResult {
			substitute(&st, state.lastToolResult)
		}
		passed, msg, err := p.dispatch(ctx, st)
		if err != nil {
			return Outcome{Abort: err}
		}
		actionPassed, message = passed, msg
	}

	after := p.capture(ctx, fmt.Sprintf("%s_step%d_after", taskID, idx))
	p.publish(ctx, eventbus.StepExecuted, map[string]any{
		"task_id":    taskID,
		"step_index": idx,
		"step":       st,
		"before":     before,
		"after":      after,
	})

	verdict := step.Verdict{Passed: true, EvidenceRef: after}
	if verifier != nil {
		v, err := verifier.VerifyStep(ctx, st, before, after)
		if err != nil {
			return Outcome{Abort: withSource(xerrors.Wrap(xerrors.CodeUnknown, err, "步骤校验失败"), SourceSupervisor)}
		}
		verdict = v
	}
	passed := actionPassed && verdict.Passed
	if message == "" {
		message = verdict.Message
	}
	if verdict.EvidenceRef == "" {
		verdict.EvidenceRef = after
	}

	if passed && recorder != nil {
		if err := recorder.Record(ctx, st, true); err != nil {
			p.logger.Error("记录成功模式失败", slog.String("task_id", taskID), slog.Int("step_index", idx), slog.String("error", err.Error()))
		}
	}
	if p.metrics != nil {
		p.metrics.ObserveStep(kind, passed, time.Since(started))
	}
	return Outcome{Result: step.ExecutionResult{
		Step:        st,
		Passed:      passed,
		Message:     message,
		EvidenceRef: verdict.EvidenceRef,
	}}
}

func (p *Pipeline) callTool(ctx context.Context, st step.UIStep) (any, error) {
	if p.tools == nil {
		return nil, withSource(xerrors.New(xerrors.CodeToolNotFound, fmt.Sprintf("工具 %s 未注册", st.ToolName)), SourceTool)
	}
	result, err := p.tools.Call(ctx, st.ToolName, st.ToolParams)
	if err != nil {
		return nil, withSource(err, SourceTool)
	}
	return result, nil
}

// dispatch 执行界面动作。断言类动作返回判定结果而不是错误。
func (p *Pipeline) dispatch(ctx context.Context, st step.UIStep) (bool, string, error) {
	if p.handles == nil {
		return false, "", withSource(xerrors.New(xerrors.CodeDriverFailure, "未配置驱动资源池"), SourcePool)
	}
	handle, err := p.handles.GetOrCreate(ctx, st.Platform, st.DeviceID)
	if err != nil {
		return false, "", withSource(err, SourcePool)
	}

	switch strings.ToLower(strings.TrimSpace(st.Action)) {
	case "type", "input":
		if err := handle.TypeText(ctx, textOf(st), st.Target); err != nil {
			return false, "", driverFailure(err, st)
		}
	case "assert_present", "wait_for":
		present, err := handle.IsElementPresent(ctx, st.Target)
		if err != nil {
			return false, "", driverFailure(err, st)
		}
		if !present {
			return false, fmt.Sprintf("元素 %s 不存在", st.Target), nil
		}
	default:
		if err := handle.Click(ctx, driver.Target{ElementRef: st.Target, Coordinates: st.Coordinates}); err != nil {
			return false, "", driverFailure(err, st)
		}
	}
	return true, "", nil
}

func (p *Pipeline) capture(ctx context.Context, label string) string {
	if p.capturer == nil {
		return ""
	}
	ref, err := p.capturer.Capture(ctx, label)
	if err != nil {
		p.logger.Warn("证据捕获失败", slog.String("label", label), slog.String("error", err.Error()))
		return ""
	}
	return ref
}

func (p *Pipeline) publish(ctx context.Context, eventType eventbus.EventType, payload map[string]any) {
	if p.publisher != nil {
		p.publisher.Publish(ctx, eventType, payload)
	}
}

func textOf(st step.UIStep) string {
	for _, key := range []string{"text", "value"} {
		if v, ok := st.Parameters[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// substitute 把占位符替换为最近一次工具结果。
func substitute(st *step.UIStep, result any) {
	replacement := fmt.Sprint(result)
	st.Target = strings.ReplaceAll(st.Target, ToolResultPlaceholder, replacement)
	for key, value := range st.Parameters {
		if s, ok := value.(string); ok && strings.Contains(s, ToolResultPlaceholder) {
			st.Parameters[key] = strings.ReplaceAll(s, ToolResultPlaceholder, replacement)
		}
	}
}

func driverFailure(err error, st step.UIStep) error {
	if _, ok := xerrors.From(err); ok {
		return withSource(err, SourceDriver)
	}
	return withSource(xerrors.Wrap(xerrors.CodeDriverFailure, err, fmt.Sprintf("执行动作 %s 失败", st)), SourceDriver)
}

// StepError 标记中止任务的步骤及出错来源，错误码沿错误链保留。
type StepError struct {
	Index  int
	Source string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("步骤 %d (%s): %v", e.Index, e.Source, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func withSource(err error, source string) error {
	return &StepError{Index: -1, Source: source, Err: err}
}

// SourceOf 返回管线错误的来源，未知时为 controller。
func SourceOf(err error) string {
	var stepErr *StepError
	if stdErrors.As(err, &stepErr) && stepErr.Source != "" {
		return stepErr.Source
	}
	return SourceController
}
