package hub

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"SleepyTesting/internal/controller"
	"SleepyTesting/internal/eventbus"
	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/step"
)

// 内置代理的 ID，同时作为种类名称。
const (
	AgentDecomposer = "decomposer"
	AgentController = "controller"
	AgentMemory     = "memory"
	AgentSupervisor = "supervisor"
)

// Decomposer 是拆分代理需要具备的能力。
type Decomposer interface {
	Decompose(ctx context.Context, task string) (*step.Plan, error)
}

// Executor 是执行代理需要具备的能力。
type Executor interface {
	Execute(ctx context.Context, run controller.Run) ([]step.ExecutionResult, error)
}

// Memory 是模式库代理需要具备的能力。
type Memory interface {
	controller.Recorder
	Optimize(ctx context.Context, steps []step.UIStep) []step.UIStep
}

// TaskRequest 描述一次任务执行请求。
type TaskRequest struct {
	TaskID      string
	Description string
	SessionID   string
}

// TaskReport 是任务执行的结果。
type TaskReport struct {
	TaskID    string                 `json:"task_id"`
	SessionID string                 `json:"session_id,omitempty"`
	Plan      *step.Plan             `json:"plan,omitempty"`
	Results   []step.ExecutionResult `json:"results"`
}

// ExecuteTask 依次完成拆分、模式优化与执行，并把结果写入会话。
func (h *Hub) ExecuteTask(ctx context.Context, req TaskRequest) (*TaskReport, error) {
	if req.Description == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务描述不能为空")
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	if h.sessions != nil {
		sid, err := h.sessions.Ensure(req.SessionID)
		if err != nil {
			return nil, err
		}
		req.SessionID = sid
		_ = h.sessions.Use(sid)
	}
	report := &TaskReport{TaskID: req.TaskID, SessionID: req.SessionID}

	h.bus.Publish(ctx, eventbus.TaskStarted, map[string]any{
		"task_id":          req.TaskID,
		"session_id":       req.SessionID,
		"task_description": req.Description,
	})

	plan, err := h.decompose(ctx, req)
	if err != nil {
		return report, err
	}
	report.Plan = plan

	steps := plan.Steps
	var recorder controller.Recorder
	if agent, ok, err := h.acquireOptional(AgentMemory); err == nil && ok {
		mem, isMemory := agent.(Memory)
		if isMemory {
			steps = mem.Optimize(ctx, steps)
			recorder = mem
		}
		defer h.Release(AgentMemory)
	}
	var verifier controller.Verifier
	if agent, ok, err := h.acquireOptional(AgentSupervisor); err == nil && ok {
		if v, isVerifier := agent.(controller.Verifier); isVerifier {
			verifier = v
		}
		defer h.Release(AgentSupervisor)
	}

	results, err := h.execute(ctx, controller.Run{
		TaskID:   req.TaskID,
		Steps:    steps,
		Verifier: verifier,
		Recorder: recorder,
	})
	report.Results = results
	if h.sessions != nil {
		_ = h.sessions.Set(req.SessionID, "last_task", req.TaskID)
		_ = h.sessions.Set(req.SessionID, "last_results", results)
	}
	if err != nil {
		return report, err
	}
	h.logger.Info("任务执行完成", slog.String("task_id", req.TaskID), slog.Int("steps", len(results)))
	return report, nil
}

func (h *Hub) decompose(ctx context.Context, req TaskRequest) (*step.Plan, error) {
	agent, err := h.Acquire(AgentDecomposer)
	if err != nil {
		h.publishError(ctx, req.TaskID, AgentDecomposer, err)
		return nil, err
	}
	decomposer, ok := agent.(Decomposer)
	if !ok {
		h.Release(AgentDecomposer)
		err := xerrors.New(xerrors.CodeAgentFailure, fmt.Sprintf("代理 %s 不具备拆分能力", AgentDecomposer))
		h.publishError(ctx, req.TaskID, AgentDecomposer, err)
		return nil, err
	}
	plan, err := decomposer.Decompose(ctx, req.Description)
	h.Release(AgentDecomposer)
	if err != nil {
		h.publishError(ctx, req.TaskID, AgentDecomposer, err)
		h.reportFault(ctx, AgentDecomposer, err)
		return nil, err
	}
	return plan, nil
}

func (h *Hub) execute(ctx context.Context, run controller.Run) ([]step.ExecutionResult, error) {
	agent, err := h.Acquire(AgentController)
	if err != nil {
		h.publishError(ctx, run.TaskID, AgentController, err)
		return nil, err
	}
	defer h.Release(AgentController)
	executor, ok := agent.(Executor)
	if !ok {
		err := xerrors.New(xerrors.CodeAgentFailure, fmt.Sprintf("代理 %s 不具备执行能力", AgentController))
		h.publishError(ctx, run.TaskID, AgentController, err)
		return nil, err
	}

	results, err := executor.Execute(ctx, run)
	if err != nil {
		agentID := AgentController
		if controller.SourceOf(err) == controller.SourceSupervisor {
			agentID = AgentSupervisor
		}
		h.reportFault(ctx, agentID, err)
	}
	return results, err
}

func (h *Hub) acquireOptional(id string) (Agent, bool, error) {
	h.mu.Lock()
	_, registered := h.agents[id]
	h.mu.Unlock()
	if !registered {
		return nil, false, nil
	}
	agent, err := h.Acquire(id)
	if err != nil {
		h.logger.Warn("代理不可用，跳过", slog.String("agent_id", id), slog.String("error", err.Error()))
		return nil, false, err
	}
	return agent, true, nil
}

func (h *Hub) publishError(ctx context.Context, taskID, source string, err error) {
	h.bus.Publish(ctx, eventbus.ErrorOccurred, map[string]any{
		"task_id": taskID,
		"source":  source,
		"message": err.Error(),
	})
}

// reportFault 只把代理自身的故障计入错误信号，输入校验与工具错误不算。
func (h *Hub) reportFault(ctx context.Context, id string, err error) {
	if !IsAgentFault(err) {
		return
	}
	if reportErr := h.ReportError(ctx, id, err); reportErr != nil && xerrors.CodeOf(reportErr) != xerrors.CodeNotFound {
		h.logger.Error("代理故障处理失败", slog.String("agent_id", id), slog.String("error", reportErr.Error()))
	}
}

// IsAgentFault 判断错误是否应计入代理的错误计数。
func IsAgentFault(err error) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, context.Canceled) {
		return false
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidationFailed, xerrors.CodeInvalidArgument,
		xerrors.CodeToolNotFound, xerrors.CodeToolExecution:
		return false
	default:
		return true
	}
}
