package hub

import (
	"fmt"
	"time"
)

// AgentRecord 是代理的生命周期记录。
type AgentRecord struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	State         State     `json:"state"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ErrorCount    int       `json:"error_count"`
	RetryCount    int       `json:"retry_count"`
}

// Record 返回单个代理的记录副本。
func (h *Hub) Record(id string) (AgentRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.agents[id]
	if !ok {
		return AgentRecord{}, false
	}
	return entry.record, true
}

// Snapshot 按注册顺序返回全部代理记录。
func (h *Hub) Snapshot() []AgentRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]AgentRecord, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.agents[id].record)
	}
	return out
}

// effects 收集在锁内决定、在锁外执行的副作用。
type effects []func()

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// transitionLocked 更新状态与心跳并生成展示副作用，调用方必须持有锁。
func (h *Hub) transitionLocked(entry *agentEntry, to State, reason string) effects {
	from := entry.record.State
	entry.record.State = to
	entry.record.LastHeartbeat = h.now()
	if from == to && to != StateError {
		return nil
	}

	record := entry.record
	presenter, metrics := h.presenter, h.metrics
	return effects{func() {
		if metrics != nil {
			metrics.ObserveAgentTransition(record.Kind, string(to))
		}
		msg := fmt.Sprintf("代理 %s: %s -> %s", record.ID, from, to)
		if reason != "" {
			msg += " (" + reason + ")"
		}
		switch to {
		case StateShutdown:
			presenter.Error(msg)
		case StateError:
			presenter.Warn(fmt.Sprintf("%s [errors=%d retries=%d]", msg, record.ErrorCount, record.RetryCount))
		default:
			presenter.Inform(msg)
		}
	}}
}
