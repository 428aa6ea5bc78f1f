package hub

import (
	"context"
	stdErrors "errors"
	"fmt"

	"SleepyTesting/internal/eventbus"
)

func (h *Hub) subscribe() {
	handlers := map[eventbus.EventType]eventbus.Handler{
		eventbus.AgentError:    h.onAgentError,
		eventbus.HealthCheck:   h.onHealthCheck,
		eventbus.TaskStarted:   h.onTaskStarted,
		eventbus.TaskCompleted: h.onTaskCompleted,
		eventbus.StepExecuted:  h.onStepExecuted,
		eventbus.ErrorOccurred: h.onErrorOccurred,
		eventbus.MemoryUpdated: h.onMemoryUpdated,
	}
	order := []eventbus.EventType{
		eventbus.AgentError, eventbus.HealthCheck,
		eventbus.TaskStarted, eventbus.TaskCompleted, eventbus.StepExecuted,
		eventbus.ErrorOccurred, eventbus.MemoryUpdated,
	}
	for _, eventType := range order {
		id := h.bus.Subscribe(eventType, handlers[eventType])
		h.subs = append(h.subs, subscription{eventType: eventType, id: id})
	}
}

func (h *Hub) onAgentError(ctx context.Context, event eventbus.Event) error {
	id, _ := event.Payload["agent_id"].(string)
	if id == "" {
		return fmt.Errorf("AGENT_ERROR 缺少 agent_id")
	}
	message, _ := event.Payload["message"].(string)
	if message == "" {
		message = "agent reported an error"
	}
	return h.ReportError(ctx, id, stdErrors.New(message))
}

func (h *Hub) onHealthCheck(ctx context.Context, _ eventbus.Event) error {
	return h.HealthCheck(ctx)
}

func (h *Hub) onTaskStarted(_ context.Context, event eventbus.Event) error {
	h.presenter.Inform(fmt.Sprintf("开始任务 %v (会话 %v): %v",
		event.Payload["task_id"], event.Payload["session_id"], event.Payload["task_description"]))
	return nil
}

func (h *Hub) onTaskCompleted(_ context.Context, event eventbus.Event) error {
	if success, _ := event.Payload["success"].(bool); success {
		h.presenter.Inform(fmt.Sprintf("任务 %v 执行成功", event.Payload["task_id"]))
		return nil
	}
	h.presenter.Warn(fmt.Sprintf("任务 %v 执行完成但存在未通过的步骤", event.Payload["task_id"]))
	return nil
}

func (h *Hub) onStepExecuted(_ context.Context, event eventbus.Event) error {
	h.presenter.Inform(fmt.Sprintf("任务 %v 第 %v 步已执行: %v",
		event.Payload["task_id"], event.Payload["step_index"], event.Payload["step"]))
	return nil
}

func (h *Hub) onErrorOccurred(_ context.Context, event eventbus.Event) error {
	source, _ := event.Payload["source"].(string)
	if source == "" {
		source = "unknown"
	}
	message, _ := event.Payload["message"].(string)
	if message == "" {
		message = "Unknown error occurred"
	}
	h.presenter.Error(fmt.Sprintf("%s 出错: %s", source, message))
	return nil
}

func (h *Hub) onMemoryUpdated(_ context.Context, event eventbus.Event) error {
	h.presenter.Inform(fmt.Sprintf("模式库已更新: %v", event.Payload["memory_id"]))
	return nil
}
