package task

import (
	"context"
	"sync"
)

// 默认队列名称。
const (
	DefaultRedisQueue    = "sleepy:tasks"
	DefaultRabbitMQQueue = "sleepy.tasks"
)

// Handler 处理来自消息队列的任务 ID。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// runWorkers 启动 workers 个协程从 source 读取消息并交给 handle，
// ctx 取消或 source 关闭后等待全部协程退出。
func runWorkers[T any](ctx context.Context, workers int, source <-chan T, handle func(context.Context, T)) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item, ok := <-source:
					if !ok {
						return
					}
					handle(ctx, item)
				}
			}
		}()
	}
	wg.Wait()
}
