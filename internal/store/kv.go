package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound 键不存在
var ErrNotFound = errors.New("store: key not found")

// KV 核心用到的键值存储原语。*redis.Client 通过 redisKV 适配；
// 测试使用内存实现。
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	DecrBy(ctx context.Context, key string, n int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// redisKV 基于 go-redis 的 KV 实现
type redisKV struct {
	rdb *redis.Client
}

// DialRedis 连接 Redis 并验证连通性。token 非空时覆盖 URL 中的密码。
func DialRedis(url, token string) (KV, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if token != "" {
		opt.Password = token
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &redisKV{rdb: rdb}, nil
}

func (r *redisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (r *redisKV) Set(ctx context.Context, key, value string) error {
	return r.rdb.Set(ctx, key, value, 0).Err()
}

func (r *redisKV) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *redisKV) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return r.rdb.IncrBy(ctx, key, n).Result()
}

func (r *redisKV) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	return r.rdb.DecrBy(ctx, key, n).Result()
}

func (r *redisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, key, ttl).Err()
}
