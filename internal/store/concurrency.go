package store

import (
	"context"
	"strconv"
	"time"

	"github.com/xiaopang/relaygate/internal/metrics"
)

// 卡死槽位保护 TTL。正常请求总是显式释放；
// 进程在中继途中死亡时由过期回收。
const concurrencyTTL = 600 * time.Second

// AcquireResult 并发槽位获取结果
type AcquireResult struct {
	Allowed bool
	Current int64
}

// TryAcquire 原子获取一个并发槽位。先加一再校验，超限回滚，
// 避免先查后加的竞态。limit <= 0 表示该源禁用，不做任何变更。
func (s *Store) TryAcquire(ctx context.Context, sourceID string, limit int) (AcquireResult, error) {
	if limit <= 0 {
		return AcquireResult{Allowed: false}, nil
	}

	key := concurrencyPrefix + sourceID
	current, err := s.kv.IncrBy(ctx, key, 1)
	if err != nil {
		return AcquireResult{}, err
	}
	if current == 1 {
		if err := s.kv.Expire(ctx, key, concurrencyTTL); err != nil {
			s.log.Warn("set concurrency ttl failed", "source", sourceID, "error", err)
		}
	}
	if current > int64(limit) {
		if _, err := s.kv.DecrBy(ctx, key, 1); err != nil {
			s.log.Warn("rollback concurrency failed", "source", sourceID, "error", err)
		}
		return AcquireResult{Allowed: false, Current: current - 1}, nil
	}

	s.metrics.Inc(metrics.SlotsAcquired)
	return AcquireResult{Allowed: true, Current: current}, nil
}

// Release 释放并发槽位。尽力而为：失败只记日志，从不向上传播。
// 减到负数时防御性回写 0。
func (s *Store) Release(ctx context.Context, sourceID string) {
	key := concurrencyPrefix + sourceID
	current, err := s.kv.DecrBy(ctx, key, 1)
	if err != nil {
		s.log.Warn("release concurrency failed", "source", sourceID, "error", err)
		return
	}
	if current < 0 {
		if err := s.kv.Set(ctx, key, "0"); err != nil {
			s.log.Warn("clamp concurrency failed", "source", sourceID, "error", err)
		}
	}
	s.metrics.Inc(metrics.SlotsReleased)
}

// ReadConcurrency 读取当前并发数，不做变更
func (s *Store) ReadConcurrency(ctx context.Context, sourceID string) (int64, error) {
	raw, err := s.kv.Get(ctx, concurrencyPrefix+sourceID)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}
