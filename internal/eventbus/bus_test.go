package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	xerrors "SleepyTesting/internal/errors"
)

func TestPublishFollowsRegistrationOrder(t *testing.T) {
	bus := New()
	var order []int
	for i := 1; i <= 3; i++ {
		n := i
		bus.Subscribe(TaskStarted, func(context.Context, Event) error {
			order = append(order, n)
			return nil
		})
	}

	bus.Publish(context.Background(), TaskStarted, map[string]any{"task_id": "t1"})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected delivery order: %v", order)
	}
}

func TestDuplicateSubscriptionInvokedTwice(t *testing.T) {
	bus := New()
	var calls atomic.Int32
	handler := func(context.Context, Event) error {
		calls.Add(1)
		return nil
	}
	first := bus.Subscribe(StepExecuted, handler)
	second := bus.Subscribe(StepExecuted, handler)
	if first == second {
		t.Fatalf("expected distinct handler ids")
	}

	bus.Publish(context.Background(), StepExecuted, nil)
	if calls.Load() != 2 {
		t.Fatalf("expected 2 invocations, got %d", calls.Load())
	}

	if err := bus.Unsubscribe(StepExecuted, first); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	bus.Publish(context.Background(), StepExecuted, nil)
	if calls.Load() != 3 {
		t.Fatalf("expected exactly one remaining subscription, got %d calls", calls.Load())
	}
}

func TestFailingHandlersAreIsolated(t *testing.T) {
	bus := New()
	var reached atomic.Bool
	bus.Subscribe(ErrorOccurred, func(context.Context, Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(ErrorOccurred, func(context.Context, Event) error {
		panic("handler exploded")
	})
	bus.Subscribe(ErrorOccurred, func(context.Context, Event) error {
		reached.Store(true)
		return nil
	})

	bus.Publish(context.Background(), ErrorOccurred, map[string]any{"source": "test"})

	if !reached.Load() {
		t.Fatalf("handler after failing ones was not invoked")
	}
}

func TestUnsubscribeMissLeavesTableUnchanged(t *testing.T) {
	bus := New()

	err := bus.Unsubscribe(TaskCompleted, 42)
	if !errors.Is(err, ErrSubscriberNotFound) {
		t.Fatalf("expected ErrSubscriberNotFound, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}

	id := bus.Subscribe(TaskCompleted, func(context.Context, Event) error { return nil })
	if err := bus.Unsubscribe(TaskCompleted, id+100); !errors.Is(err, ErrSubscriberNotFound) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
	if got := bus.SubscriberCount(TaskCompleted); got != 1 {
		t.Fatalf("table changed after failed unsubscribe: %d", got)
	}

	if err := bus.Unsubscribe(TaskCompleted, id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	bus.mu.Lock()
	_, present := bus.subs[TaskCompleted]
	bus.mu.Unlock()
	if present {
		t.Fatalf("empty subscriber list should be dropped")
	}
	if err := bus.Unsubscribe(TaskCompleted, id); !errors.Is(err, ErrSubscriberNotFound) {
		t.Fatalf("second unsubscribe should fail, got %v", err)
	}
}

func TestReentrantHandlersDoNotDeadlock(t *testing.T) {
	bus := New()
	var lateCalls atomic.Int32
	var selfID HandlerID
	selfID = bus.Subscribe(HealthCheck, func(ctx context.Context, e Event) error {
		// 快照之后新增的订阅不会收到本次事件。
		bus.Subscribe(HealthCheck, func(context.Context, Event) error {
			lateCalls.Add(1)
			return nil
		})
		if err := bus.Unsubscribe(HealthCheck, selfID); err != nil {
			return err
		}
		bus.Publish(ctx, MemoryUpdated, nil)
		return nil
	})

	bus.Publish(context.Background(), HealthCheck, nil)
	if lateCalls.Load() != 0 {
		t.Fatalf("handler added after snapshot was invoked")
	}

	bus.Publish(context.Background(), HealthCheck, nil)
	if lateCalls.Load() != 1 {
		t.Fatalf("expected late handler to run on next publish, got %d", lateCalls.Load())
	}
}

func TestSnapshotUnderConcurrentMutation(t *testing.T) {
	bus := New()
	var stable atomic.Int64
	bus.Subscribe(StepExecuted, func(context.Context, Event) error {
		stable.Add(1)
		return nil
	})

	const publishers = 8
	const rounds = 200
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				bus.Publish(context.Background(), StepExecuted, nil)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < rounds; j++ {
			id := bus.Subscribe(StepExecuted, func(context.Context, Event) error { return nil })
			if err := bus.Unsubscribe(StepExecuted, id); err != nil {
				t.Errorf("unsubscribe transient handler: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	if got := stable.Load(); got != publishers*rounds {
		t.Fatalf("stable subscriber missed deliveries: got %d want %d", got, publishers*rounds)
	}
	if bus.SubscriberCount(StepExecuted) != 1 {
		t.Fatalf("unexpected subscriber count: %d", bus.SubscriberCount(StepExecuted))
	}
}
