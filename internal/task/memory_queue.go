package task

import (
	"context"
	"log/slog"
	"sync"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/pkg/logger"
)

// MemoryQueue 是基于带缓冲 channel 的进程内队列，仅适用于单进程部署。
type MemoryQueue struct {
	mu     sync.RWMutex
	ch     chan string
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 投递任务，队列已满时阻塞直到 ctx 取消。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭")
	}
	select {
	case q.ch <- taskID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len 返回排队中的任务数。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Consume 消费任务直到 ctx 取消或队列关闭；处理器返回错误时任务重新入队。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	runWorkers(ctx, workerCount, q.ch, func(ctx context.Context, taskID string) {
		if err := handler(ctx, taskID); err != nil {
			logger.L().Warn("任务处理失败，重新入队",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
			// 在独立协程中入队，队列已满时不阻塞消费者。
			go func() {
				if pubErr := q.Publish(ctx, taskID); pubErr != nil {
					logger.L().Error("任务重新入队失败", slog.String("task_id", taskID), slog.Any("error", pubErr))
				}
			}()
		}
	})
	return ctx.Err()
}

// Close 关闭队列，之后的 Publish 返回 QUEUE_FAILURE。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
