package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const rabbitConsumerTag = "treasury-relay"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete" split_words:"true"`
}

// RabbitMQQueue 使用 RabbitMQ 实现作业队列。发布与消费使用独立的
// channel，发布端开启 publisher confirm，Publish 在 broker 确认后才返回。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	publish *amqp.Channel
	consume *amqp.Channel
	queue   string
	mu      sync.Mutex
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{queue: cfg.Queue}
	if q.queue == "" {
		q.queue = "treasury.relay.jobs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	q.conn = conn
	if err := q.setup(cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(cfg RabbitMQConfig) error {
	var err error
	if q.publish, err = q.conn.Channel(); err != nil {
		return fmt.Errorf("创建 RabbitMQ 发布 channel 失败: %w", err)
	}
	if err := q.publish.Confirm(false); err != nil {
		return fmt.Errorf("开启 publisher confirm 失败: %w", err)
	}
	if _, err := q.publish.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	if q.consume, err = q.conn.Channel(); err != nil {
		return fmt.Errorf("创建 RabbitMQ 消费 channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := q.consume.Qos(cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	return nil
}

// Publish 投递作业并等待 broker 确认。
func (q *RabbitMQQueue) Publish(ctx context.Context, jobID string) error {
	if q == nil || q.publish == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	q.mu.Lock()
	confirm, err := q.publish.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(jobID),
	})
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("RabbitMQ 发布作业失败: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("RabbitMQ 拒绝作业 %s", jobID)
	}
	return nil
}

// Consume 使用手动确认模式消费，处理失败的消息重新入队。ctx 结束时
// 订阅被取消，已投递给本进程的消息处理完后才返回。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.consume == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	deliveries, err := q.consume.ConsumeWithContext(ctx, q.queue, rabbitConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for range workerCount {
		go func() {
			defer wg.Done()
			for msg := range deliveries {
				if err := handler(ctx, string(msg.Body)); err != nil {
					_ = msg.Nack(false, true)
					continue
				}
				_ = msg.Ack(false)
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrQueueClosed
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	if q.consume != nil {
		_ = q.consume.Close()
	}
	if q.publish != nil {
		_ = q.publish.Close()
	}
	return q.conn.Close()
}

var _ Queue = (*RabbitMQQueue)(nil)
