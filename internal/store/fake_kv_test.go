package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// fakeKV 内存 KV，实现与 Redis 一致的语义（过期、计数器自增自减）
type fakeKV struct {
	mu     sync.Mutex
	data   map[string]string
	expiry map[string]time.Time

	// failOn 指定键的操作返回错误，用于模拟存储故障
	failOn map[string]bool
}

var errFakeKV = errors.New("fake kv failure")

func newFakeKV() *fakeKV {
	return &fakeKV{
		data:   make(map[string]string),
		expiry: make(map[string]time.Time),
		failOn: make(map[string]bool),
	}
}

func (f *fakeKV) expired(key string) bool {
	exp, ok := f.expiry[key]
	return ok && !time.Now().Before(exp)
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[key] {
		return "", errFakeKV
	}
	if f.expired(key) {
		delete(f.data, key)
		delete(f.expiry, key)
	}
	val, ok := f.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (f *fakeKV) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[key] {
		return errFakeKV
	}
	f.data[key] = value
	delete(f.expiry, key)
	return nil
}

func (f *fakeKV) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	delete(f.expiry, key)
	return nil
}

func (f *fakeKV) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[key] {
		return 0, errFakeKV
	}
	if f.expired(key) {
		delete(f.data, key)
		delete(f.expiry, key)
	}
	current, _ := strconv.ParseInt(f.data[key], 10, 64)
	current += n
	f.data[key] = strconv.FormatInt(current, 10)
	return current, nil
}

func (f *fakeKV) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	return f.IncrBy(ctx, key, -n)
}

func (f *fakeKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	f.expiry[key] = time.Now().Add(ttl)
	return nil
}

// hasExpiry 测试辅助：键是否设置了过期时间
func (f *fakeKV) hasExpiry(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.expiry[key]
	return ok
}
