package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// JobMessage 异步分析任务消息。样本内容以 base64 随消息投递，
// 引擎不落盘（结果不持久化，输入也不持久化）。
type JobMessage struct {
	JobID         string `json:"job_id"`
	Source        string `json:"source"`         // 上报方标识
	ContentBase64 string `json:"content_base64"` // 样本内容
	RunSandbox    bool   `json:"run_sandbox"`
	ExtractIOCs   bool   `json:"extract_iocs"`
}

// Producer 分析任务生产者
type Producer struct {
	mq     *RabbitMQ
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq *RabbitMQ, logger *logrus.Logger) *Producer {
	return &Producer{mq: mq, logger: logger}
}

// PublishJob 发布分析任务
func (p *Producer) PublishJob(ctx context.Context, msg *JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := p.mq.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("job_id", msg.JobID).Error("Failed to publish job")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"job_id": msg.JobID,
		"source": msg.Source,
	}).Info("Analysis job published to queue")
	return nil
}

// GetQueueSize 获取队列中等待的任务数
func (p *Producer) GetQueueSize() (int, error) {
	messageCount, _, err := p.mq.GetQueueStats()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return messageCount, nil
}
