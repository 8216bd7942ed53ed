package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"vault-cosigner/internal/model"
	"vault-cosigner/pkg/cache"
	"vault-cosigner/pkg/errno"
)

const (
	runKeyPrefix    = "cosign:run:"
	activeKeyPrefix = "cosign:active:"
	activeSetKey    = "cosign:active_runs"
)

// activeIndex 记录未结束 run 的 id 集合
type activeIndex interface {
	Add(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Members(ctx context.Context) ([]string, error)
}

// KVRunStore 基于 cache.Cache 的 RunStore，run 以 msgpack 编码存储
type KVRunStore struct {
	kv    cache.Cache
	index activeIndex
	now   func() time.Time
}

// NewMemoryStore 单进程使用，进程退出后数据丢失
func NewMemoryStore() *KVRunStore {
	return &KVRunStore{
		kv:    cache.NewMemoryCache(0, 10*time.Minute),
		index: &memoryIndex{ids: map[string]struct{}{}},
		now:   time.Now,
	}
}

// NewRedisStore 多进程共享，活动集合使用 Redis SET
func NewRedisStore(client redis.UniversalClient) *KVRunStore {
	return &KVRunStore{
		kv:    cache.NewRedisCache(client),
		index: &redisIndex{client: client},
		now:   time.Now,
	}
}

func (s *KVRunStore) Create(ctx context.Context, run *model.CosignRun) error {
	var existing model.CosignRun
	err := s.kv.Get(ctx, runKeyPrefix+run.ID, &existing)
	if err == nil {
		return errno.Newf(errno.ErrStore, "run %s already exists", run.ID)
	}
	if !errors.Is(err, cache.ErrMiss) {
		return errno.Wrap(errno.ErrStore, "create run", err)
	}
	now := s.now()
	run.CreatedAt = now
	run.UpdatedAt = now
	return s.write(ctx, run)
}

func (s *KVRunStore) Save(ctx context.Context, run *model.CosignRun) error {
	run.UpdatedAt = s.now()
	return s.write(ctx, run)
}

func (s *KVRunStore) write(ctx context.Context, run *model.CosignRun) error {
	if err := s.kv.Set(ctx, runKeyPrefix+run.ID, run, 0); err != nil {
		return errno.Wrap(errno.ErrStore, "save run", err)
	}
	activeKey := activeKeyPrefix + run.Fingerprint
	if run.State.Terminal() {
		var current string
		err := s.kv.Get(ctx, activeKey, &current)
		if err == nil && current == run.ID {
			if err := s.kv.Delete(ctx, activeKey); err != nil {
				return errno.Wrap(errno.ErrStore, "clear active run", err)
			}
		}
		if err := s.index.Remove(ctx, run.ID); err != nil {
			return errno.Wrap(errno.ErrStore, "update active index", err)
		}
		return nil
	}
	if err := s.kv.Set(ctx, activeKey, run.ID, 0); err != nil {
		return errno.Wrap(errno.ErrStore, "mark active run", err)
	}
	if err := s.index.Add(ctx, run.ID); err != nil {
		return errno.Wrap(errno.ErrStore, "update active index", err)
	}
	return nil
}

func (s *KVRunStore) Get(ctx context.Context, id string) (*model.CosignRun, error) {
	var run model.CosignRun
	if err := s.kv.Get(ctx, runKeyPrefix+id, &run); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, errno.Newf(errno.ErrRunNotFound, "run %s", id)
		}
		return nil, errno.Wrap(errno.ErrStore, "get run", err)
	}
	return &run, nil
}

func (s *KVRunStore) FindActive(ctx context.Context, fingerprint string) (*model.CosignRun, error) {
	var id string
	if err := s.kv.Get(ctx, activeKeyPrefix+fingerprint, &id); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, errno.Newf(errno.ErrRunNotFound, "no active run for %s", fingerprint)
		}
		return nil, errno.Wrap(errno.ErrStore, "find active run", err)
	}
	run, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		return nil, errno.Newf(errno.ErrRunNotFound, "no active run for %s", fingerprint)
	}
	return run, nil
}

func (s *KVRunStore) ListActive(ctx context.Context, updatedBefore time.Time) ([]*model.CosignRun, error) {
	ids, err := s.index.Members(ctx)
	if err != nil {
		return nil, errno.Wrap(errno.ErrStore, "list active runs", err)
	}
	var out []*model.CosignRun
	for _, id := range ids {
		run, err := s.Get(ctx, id)
		if errors.Is(err, errno.ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !run.State.Terminal() && run.UpdatedAt.Before(updatedBefore) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

type memoryIndex struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (m *memoryIndex) Add(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[id] = struct{}{}
	return nil
}

func (m *memoryIndex) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, id)
	return nil
}

func (m *memoryIndex) Members(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.ids))
	for id := range m.ids {
		out = append(out, id)
	}
	return out, nil
}

type redisIndex struct {
	client redis.UniversalClient
}

func (r *redisIndex) Add(ctx context.Context, id string) error {
	return r.client.SAdd(ctx, activeSetKey, id).Err()
}

func (r *redisIndex) Remove(ctx context.Context, id string) error {
	return r.client.SRem(ctx, activeSetKey, id).Err()
}

func (r *redisIndex) Members(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, activeSetKey).Result()
}
