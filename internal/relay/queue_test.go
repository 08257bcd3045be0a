package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"
)

func TestMemoryQueueDrainsBeforeClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := NewMemoryQueue(4)
	for _, id := range []string{"a", "b", "c"} {
		if err := queue.Publish(context.Background(), id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), "d"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected closed queue, got %v", err)
	}

	var mu sync.Mutex
	var seen []string
	err := queue.Consume(context.Background(), 2, func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, id)
		return nil
	})
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("consumed %v", seen)
	}
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	queue := NewMemoryQueue(1)
	defer queue.Close()
	if err := queue.Publish(context.Background(), "a"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := queue.Publish(ctx, "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded on full queue, got %v", err)
	}
}

func TestRedisQueueDefaults(t *testing.T) {
	if _, err := NewRedisQueue(context.Background(), RedisQueueConfig{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	queue := newRedisQueue(client, RedisQueueConfig{})
	if queue.queue != "treasury:relay:jobs" || queue.processing != "treasury:relay:jobs:processing" || queue.wait != 5*time.Second {
		t.Fatalf("unexpected defaults: %q %s", queue.queue, queue.wait)
	}
}

func TestRabbitMQRequiresURL(t *testing.T) {
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
