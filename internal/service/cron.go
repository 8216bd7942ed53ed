package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"vault-cosigner/internal/model"
	"vault-cosigner/pkg/utils/lock"
)

// ResumeEnqueuer 将 run 放入恢复队列 (worker.Client)
type ResumeEnqueuer interface {
	EnqueueResume(ctx context.Context, runID string) error
}

// StaleRunLister 列出长时间未推进的活动 run (CosignService)
type StaleRunLister interface {
	StaleRuns(ctx context.Context, age time.Duration) ([]*model.CosignRun, error)
}

// CronService 定期扫描中断的 run 并投递恢复任务
type CronService struct {
	cron       *cron.Cron
	runs       StaleRunLister
	enqueuer   ResumeEnqueuer
	locker     lock.DistributedLock
	schedule   string
	staleAfter time.Duration
	log        *zap.Logger
}

func NewCronService(runs StaleRunLister, enqueuer ResumeEnqueuer, locker lock.DistributedLock, schedule string, staleAfter time.Duration, log *zap.Logger) *CronService {
	if locker == nil {
		locker = lock.NopLock{}
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &CronService{
		cron:       cron.New(),
		runs:       runs,
		enqueuer:   enqueuer,
		locker:     locker,
		schedule:   schedule,
		staleAfter: staleAfter,
		log:        log,
	}
}

func (s *CronService) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.SweepStaleRuns(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("Cron Service started", zap.String("schedule", s.schedule))
	return nil
}

// Stop 等待正在执行的任务结束
func (s *CronService) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("Cron Service stopped")
}

// SweepStaleRuns 返回成功投递的任务数
func (s *CronService) SweepStaleRuns(ctx context.Context) int {
	const lockKey = "cron:lock:sweep_runs"

	// 防止多实例同时扫描
	locked, err := s.locker.Acquire(ctx, lockKey, time.Minute)
	if err != nil || !locked {
		s.log.Debug("SweepStaleRuns: 获取锁失败或已有实例在运行", zap.Error(err))
		return 0
	}
	defer func() { _ = s.locker.Release(ctx, lockKey) }()

	runs, err := s.runs.StaleRuns(ctx, s.staleAfter)
	if err != nil {
		s.log.Error("查询中断的 run 失败", zap.Error(err))
		return 0
	}

	enqueued := 0
	for _, run := range runs {
		if err := s.enqueuer.EnqueueResume(ctx, run.ID); err != nil {
			s.log.Warn("投递恢复任务失败", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		s.log.Info("已投递恢复任务", zap.Int("count", enqueued))
	}
	return enqueued
}
