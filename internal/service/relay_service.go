package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"vault-cosigner/internal/model"
	"vault-cosigner/internal/service/mq"
)

// RelayService 负责将本地消息表的消息搬运到 MQ
type RelayService struct {
	db       *gorm.DB
	producer mq.Producer
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewRelayService(db *gorm.DB, producer mq.Producer, log *zap.Logger) *RelayService {
	return &RelayService{
		db:       db,
		producer: producer,
		interval: 500 * time.Millisecond, // 500ms 轮询一次
		batch:    50,
		log:      log,
	}
}

// Start 阻塞运行直到 ctx 取消
func (s *RelayService) Start(ctx context.Context) {
	s.log.Info("[Relay] 启动消息中继服务")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("[Relay] 停止服务")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

// ProcessPending 投递一批 PENDING 消息，返回成功条数
func (s *RelayService) ProcessPending(ctx context.Context) int {
	var messages []model.OutboxMessage
	if err := s.db.WithContext(ctx).Where("status = ?", "PENDING").Order("id").Limit(s.batch).Find(&messages).Error; err != nil {
		s.log.Error("[Relay] 查询消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if err := s.producer.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
			s.log.Warn("[Relay] 发送消息失败", zap.Uint64("id", msg.ID), zap.Error(err))
			continue
		}

		// 只有发送成功了才更新状态 => At-least-once，消费方需幂等 (以 run_id 去重)
		if err := s.db.WithContext(ctx).Model(&msg).Update("status", "SENT").Error; err != nil {
			s.log.Error("[Relay] 更新状态失败", zap.Uint64("id", msg.ID), zap.Error(err))
			continue
		}
		sent++
	}
	if sent > 0 {
		s.log.Info("[Relay] 消息已投递", zap.Int("count", sent))
	}
	return sent
}
