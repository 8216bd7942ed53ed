package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DistributedLock 定义分布式锁接口
type DistributedLock interface {
	// Acquire 尝试获取锁
	// key: 锁的唯一标识
	// ttl: 锁的过期时间
	// 返回: (是否成功, error)
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release 释放锁，仅当锁仍归当前持有者所有时删除
	Release(ctx context.Context, key string) error

	// Refresh 续期，返回 false 表示锁已过期或被他人持有
	Refresh(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// 比较持有者后删除，避免误删已过期后被他人获取的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock 基于 Redis SET NX 的实现，value 为实例级 owner id
type RedisLock struct {
	client redis.UniversalClient
	owner  string
}

func NewRedisLock(client redis.UniversalClient) *RedisLock {
	return &RedisLock{client: client, owner: uuid.NewString()}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, "lock:"+key, l.owner, ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, l.client, []string{"lock:" + key}, l.owner).Err()
}

func (l *RedisLock) Refresh(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{"lock:" + key}, l.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// NopLock 单次 CLI 执行时使用，总是获取成功
type NopLock struct{}

func (NopLock) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NopLock) Release(context.Context, string) error                        { return nil }
func (NopLock) Refresh(context.Context, string, time.Duration) (bool, error) { return true, nil }
