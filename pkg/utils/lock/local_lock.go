package lock

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LocalLock 进程内锁，用于内存存储下 worker 的并发任务。
// go-cache 的 Add 在 key 已存在且未过期时失败，等价于 SET NX
type LocalLock struct {
	c *gocache.Cache
}

func NewLocalLock() *LocalLock {
	return &LocalLock{c: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (l *LocalLock) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return l.c.Add(key, struct{}{}, ttl) == nil, nil
}

func (l *LocalLock) Release(_ context.Context, key string) error {
	l.c.Delete(key)
	return nil
}

func (l *LocalLock) Refresh(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return l.c.Replace(key, struct{}{}, ttl) == nil, nil
}
