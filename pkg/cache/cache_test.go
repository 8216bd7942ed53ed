package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	Name  string   `msgpack:"name"`
	Tags  []string `msgpack:"tags"`
	Count int      `msgpack:"count"`
}

func testCache(t *testing.T, c Cache) {
	ctx := context.Background()

	var got item
	assert.ErrorIs(t, c.Get(ctx, "missing", &got), ErrMiss)

	in := item{Name: "a", Tags: []string{"x"}, Count: 3}
	require.NoError(t, c.Set(ctx, "k", in, 0))
	in.Tags[0] = "mutated"

	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, item{Name: "a", Tags: []string{"x"}, Count: 3}, got)

	require.NoError(t, c.Delete(ctx, "k"))
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrMiss)
}

func TestMemoryCache(t *testing.T) {
	testCache(t, NewMemoryCache(0, time.Minute))
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	testCache(t, NewRedisCache(client))

	c := NewRedisCache(client)
	require.NoError(t, c.Set(context.Background(), "ttl", item{Name: "b"}, time.Second))
	mr.FastForward(2 * time.Second)
	var got item
	assert.ErrorIs(t, c.Get(context.Background(), "ttl", &got), ErrMiss)
}
