package mq

import (
	"context"

	"gorm.io/gorm"

	"vault-cosigner/internal/model"
)

// OutboxProducer 将消息写入本地消息表，由 RelayService 异步投递到真正的 MQ
type OutboxProducer struct {
	db *gorm.DB
}

func NewOutboxProducer(db *gorm.DB) *OutboxProducer {
	return &OutboxProducer{db: db}
}

func (p *OutboxProducer) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	return model.CreateOutboxMessage(p.db.WithContext(ctx), topic, key, payload)
}
