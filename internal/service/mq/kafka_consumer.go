package mq

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConsumer 实现 Consumer 接口
type KafkaConsumer struct {
	brokers []string
	groupID string
	reader  *kafka.Reader
	// redeliverAfter 处理失败后重试的最大间隔; maxRetry 为单条消息的重试总时长
	redeliverAfter time.Duration
	maxRetry       time.Duration
	log            *zap.Logger
}

// NewKafkaConsumer 创建 Kafka 消费者，redeliverAfter <= 0 时使用默认 30s
func NewKafkaConsumer(brokers []string, groupID string, redeliverAfter time.Duration, log *zap.Logger) *KafkaConsumer {
	if redeliverAfter <= 0 {
		redeliverAfter = 30 * time.Second
	}
	return &KafkaConsumer{
		brokers:        brokers,
		groupID:        groupID,
		redeliverAfter: redeliverAfter,
		maxRetry:       15 * time.Minute,
		log:            log,
	}
}

// Subscribe 订阅 Kafka 主题，阻塞直到 ctx 取消
func (c *KafkaConsumer) Subscribe(ctx context.Context, topic string, handler func(msg *Message) error) error {
	// GroupID: 同组内同一分区只会被一个消费者消费
	// StartOffset: 新组从最新位置开始，历史转账请求不重放
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.brokers,
		GroupID:     c.groupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		StartOffset: kafka.LastOffset,
	})
	defer c.reader.Close()

	c.log.Info("[Kafka MQ] 开始监听主题", zap.String("topic", topic), zap.String("group", c.groupID))

	for {
		// 1. 读取消息 (阻塞直到有消息)
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // 上下文取消，退出
			}
			c.log.Warn("[Kafka MQ] 读取消息错误", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		msg := &Message{
			ID:      strconv.Itoa(m.Partition) + "-" + strconv.FormatInt(m.Offset, 10),
			Topic:   topic,
			Key:     string(m.Key),
			Payload: m.Value,
		}

		// Kafka 不支持单条 Nack: 失败时在本分区原地退避重试，超过 maxRetry 才提交 Offset 放弃
		if err := c.process(ctx, msg, handler); err != nil {
			if ctx.Err() != nil {
				return nil // 未提交，重启后重新投递
			}
			c.log.Error("[Kafka MQ] 业务处理失败，放弃该消息", zap.String("id", msg.ID), zap.Error(err))
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.log.Warn("[Kafka MQ] 提交 Offset 失败", zap.Error(err))
		}
	}
}

// process 调用 handler，失败时按指数退避重试
func (c *KafkaConsumer) process(ctx context.Context, msg *Message, handler func(msg *Message) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(time.Second, c.redeliverAfter)
	b.MaxInterval = c.redeliverAfter
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := handler(msg); err != nil {
			c.log.Warn("[Kafka MQ] 处理失败，稍后重试", zap.String("id", msg.ID), zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(c.maxRetry))
	return err
}

// Close 关闭消费者
func (c *KafkaConsumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
