package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/pkg/logger"
)

// EventType 表示事件类型。
type EventType string

const (
	TaskStarted    EventType = "TASK_STARTED"
	StepExecuted   EventType = "STEP_EXECUTED"
	TaskCompleted  EventType = "TASK_COMPLETED"
	ErrorOccurred  EventType = "ERROR_OCCURRED"
	AgentError     EventType = "AGENT_ERROR"
	AgentRecovered EventType = "AGENT_RECOVERED"
	AgentShutdown  EventType = "AGENT_SHUTDOWN"
	HealthCheck    EventType = "HEALTH_CHECK"
	MemoryUpdated  EventType = "MEMORY_UPDATED"
)

// Event 是总线上传递的事件，除类型外不携带身份信息。
type Event struct {
	Type    EventType
	Payload map[string]any
}

// Handler 处理单个事件。返回的错误只会被记录，不会传递给发布者。
type Handler func(ctx context.Context, event Event) error

// HandlerID 标识一次订阅，同一个函数订阅两次会得到两个不同的 ID。
type HandlerID uint64

// ErrSubscriberNotFound 表示取消订阅时找不到对应的订阅。
var ErrSubscriberNotFound = xerrors.New(xerrors.CodeNotFound, "subscriber not found")

type subscription struct {
	id      HandlerID
	handler Handler
}

// Publisher 是只需要发布能力的组件所依赖的最小接口。
type Publisher interface {
	Publish(ctx context.Context, eventType EventType, payload map[string]any)
}

// Bus 是线程安全的发布订阅分发器。
type Bus struct {
	mu     sync.Mutex
	subs   map[EventType][]subscription
	nextID atomic.Uint64
	logger *slog.Logger
}

// Option 定义 Bus 的可选配置。
type Option func(*Bus)

// WithLogger 指定处理器失败时使用的日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New 创建事件总线。
func New(opts ...Option) *Bus {
	b := &Bus{subs: make(map[EventType][]subscription)}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.logger == nil {
		b.logger = logger.Named("eventbus")
	}
	return b
}

// Subscribe 追加一个处理器，总是成功。
func (b *Bus) Subscribe(eventType EventType, handler Handler) HandlerID {
	id := HandlerID(b.nextID.Add(1))
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()
	return id
}

// Unsubscribe 移除恰好一个订阅；列表为空时整体删除该类型。
func (b *Bus) Unsubscribe(eventType EventType, id HandlerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	list, ok := b.subs[eventType]
	if !ok {
		return xerrors.Wrap(xerrors.CodeNotFound, ErrSubscriberNotFound,
			fmt.Sprintf("事件 %s 没有订阅者", eventType))
	}
	for idx, sub := range list {
		if sub.id != id {
			continue
		}
		// 复制而非原地修改，已发出的快照不受影响。
		next := make([]subscription, 0, len(list)-1)
		next = append(next, list[:idx]...)
		next = append(next, list[idx+1:]...)
		if len(next) == 0 {
			delete(b.subs, eventType)
		} else {
			b.subs[eventType] = next
		}
		return nil
	}
	return xerrors.Wrap(xerrors.CodeNotFound, ErrSubscriberNotFound,
		fmt.Sprintf("事件 %s 中不存在订阅 %d", eventType, id))
}

// Publish 在锁内取订阅快照，释放锁后按快照顺序调用处理器。
func (b *Bus) Publish(ctx context.Context, eventType EventType, payload map[string]any) {
	b.mu.Lock()
	list := b.subs[eventType]
	snapshot := make([]subscription, len(list))
	copy(snapshot, list)
	b.mu.Unlock()

	event := Event{Type: eventType, Payload: payload}
	for _, sub := range snapshot {
		b.dispatch(ctx, sub, event)
	}
}

// SubscriberCount 返回某类事件当前的订阅数量。
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[eventType])
}

func (b *Bus) dispatch(ctx context.Context, sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("事件处理器崩溃",
				slog.String("event", string(event.Type)),
				slog.Uint64("handler_id", uint64(sub.id)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Warn("事件处理器返回错误",
			slog.String("event", string(event.Type)),
			slog.Uint64("handler_id", uint64(sub.id)),
			slog.Any("error", err),
		)
	}
}

var _ Publisher = (*Bus)(nil)
