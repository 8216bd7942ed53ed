package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"vault-cosigner/internal/model"
	"vault-cosigner/pkg/errno"
)

// SQLRunStore 基于 gorm 的 RunStore (PostgreSQL)
type SQLRunStore struct {
	db *gorm.DB
}

func NewSQLRunStore(db *gorm.DB) *SQLRunStore {
	return &SQLRunStore{db: db}
}

func (s *SQLRunStore) Create(ctx context.Context, run *model.CosignRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return errno.Wrap(errno.ErrStore, "create run", err)
	}
	return nil
}

func (s *SQLRunStore) Save(ctx context.Context, run *model.CosignRun) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return errno.Wrap(errno.ErrStore, "save run", err)
	}
	return nil
}

func (s *SQLRunStore) Get(ctx context.Context, id string) (*model.CosignRun, error) {
	var run model.CosignRun
	err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errno.Newf(errno.ErrRunNotFound, "run %s", id)
	}
	if err != nil {
		return nil, errno.Wrap(errno.ErrStore, "get run", err)
	}
	return &run, nil
}

func (s *SQLRunStore) FindActive(ctx context.Context, fingerprint string) (*model.CosignRun, error) {
	var run model.CosignRun
	err := s.db.WithContext(ctx).
		Where("fingerprint = ? AND state IN ?", fingerprint, model.ActiveStates).
		Order("created_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errno.Newf(errno.ErrRunNotFound, "no active run for %s", fingerprint)
	}
	if err != nil {
		return nil, errno.Wrap(errno.ErrStore, "find active run", err)
	}
	return &run, nil
}

func (s *SQLRunStore) ListActive(ctx context.Context, updatedBefore time.Time) ([]*model.CosignRun, error) {
	var runs []*model.CosignRun
	err := s.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", model.ActiveStates, updatedBefore).
		Order("updated_at ASC").
		Limit(100).
		Find(&runs).Error
	if err != nil {
		return nil, errno.Wrap(errno.ErrStore, "list active runs", err)
	}
	return runs, nil
}
