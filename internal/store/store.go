package store

import (
	"context"
	"time"

	"vault-cosigner/internal/model"
)

// RunStore 持久化联签 run，所有方法失败时返回 errno.ErrStore，不存在时返回 errno.ErrRunNotFound
type RunStore interface {
	Create(ctx context.Context, run *model.CosignRun) error
	Save(ctx context.Context, run *model.CosignRun) error
	Get(ctx context.Context, id string) (*model.CosignRun, error)
	// FindActive 返回同一 fingerprint 下未结束的 run
	FindActive(ctx context.Context, fingerprint string) (*model.CosignRun, error)
	// ListActive 返回 updatedBefore 之前最后更新、仍未结束的 run，用于崩溃恢复
	ListActive(ctx context.Context, updatedBefore time.Time) ([]*model.CosignRun, error)
}
