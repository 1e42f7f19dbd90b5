package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// JobHandler 任务处理函数
type JobHandler func(ctx context.Context, msg *JobMessage) error

// Consumer 分析任务消费者。多个 worker 并行消费，
// 处理失败的消息 Nack 不重入队（坏样本重试无意义）。
type Consumer struct {
	mq            *RabbitMQ
	logger        *logrus.Logger
	handler       JobHandler
	workerPool    int
	stopChan      chan struct{}
	workerWg      sync.WaitGroup
	activeWorkers int32
	mu            sync.Mutex
	running       bool
	cancelFunc    context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler JobHandler, workerPool int, logger *logrus.Logger) *Consumer {
	if workerPool <= 0 {
		workerPool = 1
	}
	return &Consumer{
		mq:         mq,
		logger:     logger,
		handler:    handler,
		workerPool: workerPool,
		stopChan:   make(chan struct{}, 1),
	}
}

// Start 启动消费者与连接监听
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Infof("Starting consumer with %d workers", c.workerPool)

	msgs, err := c.mq.Consume()
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	for i := 0; i < c.workerPool; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}

	c.mq.StartConnectionWatcher()
	go c.handleReconnect(ctx)

	c.logger.Info("Consumer started successfully")
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	c.logger.Infof("Queue worker %d started", id)

	for {
		select {
		case <-ctx.Done():
			c.logger.Infof("Queue worker %d stopped by context", id)
			return
		case <-c.stopChan:
			c.logger.Infof("Queue worker %d stopped by signal", id)
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warnf("Queue worker %d: message channel closed", id)
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	start := time.Now()

	var msg JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.WithError(err).Warn("Discarding malformed job message")
		delivery.Nack(false, false)
		return
	}

	c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"job_id":    msg.JobID,
		"source":    msg.Source,
	}).Info("Processing queued analysis job")

	if err := c.handler(ctx, &msg); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"worker_id": workerID,
			"job_id":    msg.JobID,
		}).Error("Job processing failed")
		delivery.Nack(false, false)
		return
	}

	delivery.Ack(false)
	c.logger.WithFields(logrus.Fields{
		"worker_id":   workerID,
		"job_id":      msg.JobID,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Queued analysis job completed")
}

// handleReconnect 收到重连信号后恢复消费
func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-c.mq.ReconnectSignal():
			c.logger.Warn("Reconnect signal received, re-establishing consumer")
			if err := c.mq.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect to RabbitMQ")
				continue
			}

			msgs, err := c.mq.Consume()
			if err != nil {
				c.logger.WithError(err).Error("Failed to resume consuming after reconnect")
				continue
			}
			for i := 0; i < c.workerPool; i++ {
				c.workerWg.Add(1)
				go c.worker(ctx, i, msgs)
			}
			c.logger.Info("Consumer resumed after reconnect")
		}
	}
}

// ActiveWorkers 当前活跃 worker 数
func (c *Consumer) ActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false

	close(c.stopChan)
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.workerWg.Wait()
	c.logger.Info("Consumer stopped")
}
