package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"vault-cosigner/internal/service"
	"vault-cosigner/pkg/errno"
)

// 任务类型常量
const (
	TypeResumeRun = "cosign:resume"
)

// ResumeRunPayload 恢复任务参数
type ResumeRunPayload struct {
	RunID string `json:"run_id"`
}

// ---------------------------------------------------------------------
// 1. Producer (Client) Code
// ---------------------------------------------------------------------

// NewResumeRunTask 同一 run 在队列中只保留一个任务 (TaskID 去重)
func NewResumeRunTask(runID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ResumeRunPayload{RunID: runID})
	if err != nil {
		return nil, err
	}
	// 轮询最长数分钟，超时 10 分钟，最多重试 3 次
	return asynq.NewTask(TypeResumeRun, payload,
		asynq.TaskID("resume:"+runID),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
	), nil
}

// ---------------------------------------------------------------------
// 2. Consumer (Server) Code
// ---------------------------------------------------------------------

// Resumer 按 id 继续 run (service.CosignService)
type Resumer interface {
	Resume(ctx context.Context, runID string) (*service.Result, error)
}

type ResumeHandler struct {
	runs Resumer
	log  *zap.Logger
}

func NewResumeHandler(runs Resumer, log *zap.Logger) *ResumeHandler {
	return &ResumeHandler{runs: runs, log: log}
}

// ProcessTask 实现 asynq.Handler
func (h *ResumeHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p ResumeRunPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		// JSON 解析失败，重试也没用，直接跳过 (SkipRetry)
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	h.log.Info("开始恢复 run", zap.String("run_id", p.RunID))
	res, err := h.runs.Resume(ctx, p.RunID)
	switch {
	case err == nil:
		h.log.Info("run 恢复完成", zap.String("run_id", p.RunID), zap.String("state", string(res.State)))
		return nil
	case errors.Is(err, errno.ErrRunTerminal):
		h.log.Info("run 已结束，忽略", zap.String("run_id", p.RunID))
		return nil
	case errors.Is(err, errno.ErrRunLocked), ctx.Err() != nil:
		// 其他进程正在处理，或任务超时; run 仍可恢复，交给 asynq 重试
		return err
	case errors.Is(err, errno.ErrStore) && !errors.Is(err, errno.ErrRunNotFound):
		return err
	default:
		// run 已记录为 FAILED 或不存在
		return fmt.Errorf("resume %s: %v: %w", p.RunID, err, asynq.SkipRetry)
	}
}
