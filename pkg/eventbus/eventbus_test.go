package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	var calls int32

	for i := 0; i < 3; i++ {
		b.Subscribe("capsule.created", func(ctx context.Context, evt Event) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
	}

	evt := NewCapsuleCreated("corr-1", uuid.New(), "fact", "tester", time.Now())
	b.Publish(context.Background(), evt)

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 handler invocations, got %d", got)
	}
}

func TestPublishIsolatesHandlerFailures(t *testing.T) {
	b := New()
	var goodCalled, panicked int32

	b.Subscribe("tool.call", func(ctx context.Context, evt Event) error {
		return errors.New("boom")
	})
	b.Subscribe("tool.call", func(ctx context.Context, evt Event) error {
		panicked = 1
		panic("handler panic")
	})
	b.Subscribe("tool.call", func(ctx context.Context, evt Event) error {
		atomic.AddInt32(&goodCalled, 1)
		return nil
	})

	evt := NewToolCall("corr-2", "search", "agent-1", nil)
	b.Publish(context.Background(), evt)

	if atomic.LoadInt32(&goodCalled) != 1 {
		t.Fatal("expected the well-behaved handler to still run")
	}
	if panicked != 1 {
		t.Fatal("expected the panicking handler to have been invoked")
	}
}

func TestPublishNoSubscribersIsNoop(t *testing.T) {
	b := New()
	evt := NewCapsuleCreated("corr-3", uuid.New(), "fact", "tester", time.Now())
	b.Publish(context.Background(), evt)
}

func TestConcurrencyBudgetLimitsParallelism(t *testing.T) {
	b := New(WithConcurrency(2))
	var active, maxActive int32

	release := make(chan struct{})
	for i := 0; i < 5; i++ {
		b.Subscribe("capsule.updated", func(ctx context.Context, evt Event) error {
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&active, -1)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		b.Publish(context.Background(), CapsuleUpdatedEvent{base: base{CorrID: "corr-4"}, CapsuleID: uuid.New(), Version: 1})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	<-done

	if atomic.LoadInt32(&maxActive) > 2 {
		t.Fatalf("expected at most 2 concurrent handlers, observed %d", maxActive)
	}
}
