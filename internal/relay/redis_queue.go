package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string        `json:"address"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Queue     string        `json:"queue"`
	BlockWait time.Duration `json:"block_wait" split_words:"true"`
}

// RedisQueue 是基于 list 的可靠队列：LPUSH 投递，BLMOVE 把作业移入
// processing 列表后再处理，处理完成才从 processing 中删除。进程崩溃后
// 遗留在 processing 中的作业会在下一次 Consume 时放回主队列。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	processing string
	wait       time.Duration
}

// NewRedisQueue 连接 Redis 并返回队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "treasury:relay:jobs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, processing: queue + ":processing", wait: wait}
}

// Publish 将作业投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.queue, jobID).Err(); err != nil {
		return fmt.Errorf("Redis 发布作业失败: %w", err)
	}
	return nil
}

// Consume 先回收 processing 中的遗留作业，再启动 workerCount 个消费协程。
// 任一协程出错时其余协程随之退出。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if err := q.requeueInflight(ctx); err != nil {
		return err
	}
	group, ctx := errgroup.WithContext(ctx)
	for range workerCount {
		group.Go(func() error { return q.work(ctx, handler) })
	}
	return group.Wait()
}

func (q *RedisQueue) requeueInflight(ctx context.Context) error {
	for {
		_, err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("Redis 回收处理中作业失败: %w", err)
		}
	}
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		jobID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return err
			}
			return fmt.Errorf("Redis 取作业失败: %w", err)
		}
		handlerErr := handler(ctx, jobID)
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processing, 1, jobID)
			if handlerErr != nil {
				pipe.LPush(ctx, q.queue, jobID)
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("Redis 确认作业失败: %w", err)
		}
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
