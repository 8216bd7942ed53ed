package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisProducer 实现 Producer 接口
type RedisProducer struct {
	client redis.UniversalClient
	log    *zap.Logger
}

// NewRedisProducer 创建 Redis 生产者
func NewRedisProducer(client redis.UniversalClient, log *zap.Logger) *RedisProducer {
	return &RedisProducer{
		client: client,
		log:    log,
	}
}

// Publish 发送消息到 Redis Stream
func (p *RedisProducer) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	// 使用 Redis Streams 的 XADD 命令
	// Stream Name = topic (e.g., "cosigner_events_finished")
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			"key":     key,
			"payload": payload,
		},
	}).Err()

	if err != nil {
		p.log.Error("[MQ] Publish Error", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("redis xadd error: %w", err)
	}

	return nil
}

// RedisConsumer 实现 Consumer 接口
type RedisConsumer struct {
	client redis.UniversalClient
	group  string
	name   string
	block  time.Duration
	// redeliverAfter 处理失败 (未 ACK) 的消息空闲超过该时长后被重新认领并再次处理
	redeliverAfter time.Duration
	log            *zap.Logger
}

// NewRedisConsumer 创建 Redis 消费者，redeliverAfter <= 0 时使用默认 30s
func NewRedisConsumer(client redis.UniversalClient, group, name string, redeliverAfter time.Duration, log *zap.Logger) *RedisConsumer {
	if redeliverAfter <= 0 {
		redeliverAfter = 30 * time.Second
	}
	return &RedisConsumer{
		client:         client,
		group:          group,
		name:           name,
		block:          2 * time.Second,
		redeliverAfter: redeliverAfter,
		log:            log,
	}
}

// Subscribe 订阅 Redis Stream
func (c *RedisConsumer) Subscribe(ctx context.Context, topic string, handler func(msg *Message) error) error {
	// 1. 创建 Consumer Group (如果不存在)
	// XGROUP CREATE <stream> <group> $ MKSTREAM
	err := c.client.XGroupCreateMkStream(ctx, topic, c.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("创建消费者组失败: %w", err)
	}

	c.log.Info("[Redis MQ] 开始监听主题", zap.String("topic", topic), zap.String("group", c.group))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// 2. 先认领 PEL 中空闲太久的消息 (本消费者处理失败的，或已退出的消费者遗留的)
		c.reclaim(ctx, topic, handler)

		// 3. 阻塞读取新消息
		// XREADGROUP GROUP <group> <consumer> BLOCK 2000 COUNT 1 STREAMS <topic> >
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{topic, ">"},
			Count:    1,
			Block:    c.block,
		}).Result()

		if errors.Is(err, redis.Nil) {
			continue // 超时无消息
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("[Redis MQ] 读取消息错误", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, xMessage := range stream.Messages {
				c.handle(ctx, topic, xMessage, handler)
			}
		}
	}
}

// reclaim XAUTOCLAIM 认领空闲超过 redeliverAfter 的消息。认领会刷新空闲时间，
// 仍然失败的消息在下一个 redeliverAfter 之后再次处理
func (c *RedisConsumer) reclaim(ctx context.Context, topic string, handler func(msg *Message) error) {
	start := "0-0"
	for {
		msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  c.redeliverAfter,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("[Redis MQ] 认领 pending 消息失败", zap.Error(err))
			}
			return
		}
		for _, xMessage := range msgs {
			c.log.Info("[Redis MQ] 重新处理未确认的消息", zap.String("id", xMessage.ID))
			c.handle(ctx, topic, xMessage, handler)
		}
		if next == "0-0" || next == "" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

// handle 处理一条消息，成功 (或格式错误) 时 ACK；失败的消息留在 PEL 中等待认领
func (c *RedisConsumer) handle(ctx context.Context, topic string, xMessage redis.XMessage, handler func(msg *Message) error) {
	val, ok := xMessage.Values["payload"].(string)
	if !ok {
		c.log.Warn("[Redis MQ] 消息格式错误: payload 缺失", zap.String("id", xMessage.ID))
		c.ack(ctx, topic, xMessage.ID)
		return
	}
	key, _ := xMessage.Values["key"].(string)

	msg := &Message{
		ID:      xMessage.ID,
		Topic:   topic,
		Key:     key,
		Payload: []byte(val),
	}

	if err := handler(msg); err != nil {
		c.log.Error("[Redis MQ] 消息处理失败，稍后重新投递", zap.String("id", xMessage.ID), zap.Error(err))
		return
	}
	c.ack(ctx, topic, xMessage.ID)
}

// ack 在 ctx 取消后仍需完成，否则已处理的消息会被重复投递
func (c *RedisConsumer) ack(ctx context.Context, topic, id string) {
	if err := c.client.XAck(context.WithoutCancel(ctx), topic, c.group, id).Err(); err != nil {
		c.log.Warn("[Redis MQ] ACK 失败", zap.String("id", id), zap.Error(err))
	}
}

// Close 不关闭共享的 Redis 连接，由创建方负责
func (c *RedisConsumer) Close() error {
	return nil
}
