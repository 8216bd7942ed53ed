package cache

import (
	"context"
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrMiss key 不存在或已过期
var ErrMiss = errors.New("cache miss")

// Cache 定义通用缓存接口
type Cache interface {
	// Set 设置缓存，ttl 为 0 表示不过期
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Get 获取缓存，并将结果 Unmarshal 到 target 中；不存在时返回 ErrMiss
	Get(ctx context.Context, key string, target interface{}) error
	// Delete 删除缓存
	Delete(ctx context.Context, key string) error
}

// 内存与 Redis 统一使用 msgpack 编码，保证两者行为一致 (存的是值的副本)
func encode(value interface{}) ([]byte, error) {
	return msgpack.Marshal(value)
}

func decode(data []byte, target interface{}) error {
	return msgpack.Unmarshal(data, target)
}
