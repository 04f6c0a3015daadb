package core

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/xiaopang/relaygate/internal/metrics"
	"github.com/xiaopang/relaygate/internal/model"
	"github.com/xiaopang/relaygate/internal/store"
)

// memKV 选择器测试用的内存 KV
type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]string)}
}

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return val, nil
}

func (m *memKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, _ := strconv.ParseInt(m.data[key], 10, 64)
	current += n
	m.data[key] = strconv.FormatInt(current, 10)
	return current, nil
}

func (m *memKV) DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	return m.IncrBy(ctx, key, -n)
}

func (m *memKV) Expire(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

// counter 读取并发计数，键不存在返回 0
func (m *memKV) counter(sourceID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := strconv.ParseInt(m.data["concurrency:"+sourceID], 10, 64)
	return n
}

func (m *memKV) putJSON(t *testing.T, key string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Set(context.Background(), key, string(data)); err != nil {
		t.Fatal(err)
	}
}

func newSelectorFixture(t *testing.T, kv *memKV) *Selector {
	t.Helper()
	st := store.New(kv, store.Fallbacks{}, nil, metrics.NewCollector())
	return NewSelector(st, metrics.NewCollector())
}

func seedSettings(t *testing.T, kv *memKV, concurrency int) {
	kv.putJSON(t, "__proxy_settings__", &model.Settings{
		APIURL:           "https://default.example.com",
		APIKey:           "sk-default",
		ModelDisplay:     "Display",
		ModelActual:      "m-y",
		ConcurrencyLimit: concurrency,
	})
}

func seedBackups(t *testing.T, kv *memKV, backups ...model.BackupProfile) {
	kv.putJSON(t, "__backup_profiles__", backups)
}

func activeBackup(id string, limit int) model.BackupProfile {
	return model.BackupProfile{
		Profile: model.Profile{
			ID:       id,
			Name:     id,
			APIURL:   "https://" + id + ".example.com",
			APIKey:   "sk-" + id,
			IsActive: true,
		},
		ConcurrencyLimit: limit,
	}
}

func TestSelect_DefaultFirst(t *testing.T) {
	kv := newMemKV()
	seedSettings(t, kv, 2)
	sel := newSelectorFixture(t, kv)

	src, err := sel.Select(context.Background(), &model.KeyRecord{})
	if err != nil {
		t.Fatal(err)
	}
	if src.Kind != model.SourceKindDefault || src.ConcurrencyOwnerID != "default" {
		t.Fatalf("want default source with slot, got %+v", src)
	}
	if kv.counter("default") != 1 {
		t.Fatalf("default slot not acquired: %d", kv.counter("default"))
	}
}

func TestSelect_WaterfallOrder(t *testing.T) {
	kv := newMemKV()
	seedSettings(t, kv, 1)
	seedBackups(t, kv,
		activeBackup("b1", 1),
		activeBackup("b2", 1),
		activeBackup("b3", 1),
	)
	sel := newSelectorFixture(t, kv)
	ctx := context.Background()
	rec := &model.KeyRecord{}

	// 默认打满后，新请求按顺序落到 b1
	first, _ := sel.Select(ctx, rec)
	if first.ID != "default" {
		t.Fatalf("first request must take default: %+v", first)
	}
	second, err := sel.Select(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != "b1" || second.Kind != model.SourceKindBackup {
		t.Fatalf("second request must take b1, got %+v", second)
	}

	// default 与 b1 打满后选 b2
	third, err := sel.Select(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if third.ID != "b2" {
		t.Fatalf("third request must take b2, got %+v", third)
	}
}

func TestSelect_SkipsInactiveBackups(t *testing.T) {
	kv := newMemKV()
	seedSettings(t, kv, 1)
	inactive := activeBackup("b1", 1)
	inactive.IsActive = false
	seedBackups(t, kv, inactive, activeBackup("b2", 1))
	sel := newSelectorFixture(t, kv)
	ctx := context.Background()

	sel.Select(ctx, &model.KeyRecord{}) // 占满默认源
	src, err := sel.Select(ctx, &model.KeyRecord{})
	if err != nil {
		t.Fatal(err)
	}
	if src.ID != "b2" {
		t.Fatalf("inactive backup must be skipped, got %+v", src)
	}
	if kv.counter("b1") != 0 {
		t.Fatal("inactive backup counter must stay untouched")
	}
}

func TestSelect_QueuedDefaultOverflow(t *testing.T) {
	kv := newMemKV()
	seedSettings(t, kv, 1)
	seedBackups(t, kv, activeBackup("b1", 1))
	sel := newSelectorFixture(t, kv)
	ctx := context.Background()

	sel.Select(ctx, &model.KeyRecord{}) // default
	sel.Select(ctx, &model.KeyRecord{}) // b1

	// 全部打满：排队到默认源，不占槽位
	src, err := sel.Select(ctx, &model.KeyRecord{})
	if err != nil {
		t.Fatal(err)
	}
	if src.Kind != model.SourceKindDefault || src.ConcurrencyOwnerID != "" {
		t.Fatalf("want queued default without slot, got %+v", src)
	}
	if kv.counter("default") != 1 {
		t.Fatalf("queued default must not touch the counter: %d", kv.counter("default"))
	}
}

func TestSelect_NoSourceAtAll(t *testing.T) {
	kv := newMemKV()
	sel := newSelectorFixture(t, kv)

	if _, err := sel.Select(context.Background(), &model.KeyRecord{}); err != ErrNoAvailableSource {
		t.Fatalf("want ErrNoAvailableSource, got %v", err)
	}
}

func TestSelect_PinnedProfileBypassesLedger(t *testing.T) {
	kv := newMemKV()
	seedSettings(t, kv, 1)
	kv.putJSON(t, "__api_profiles__", map[string]model.Profile{
		"p1": {
			ID:          "p1",
			APIURL:      "https://pinned.example.com",
			APIKey:      "sk-pinned",
			ModelActual: "m-x",
			IsActive:    true,
		},
	})
	sel := newSelectorFixture(t, kv)

	src, err := sel.Select(context.Background(), &model.KeyRecord{SelectedAPIProfileID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if src.Kind != model.SourceKindProfile || src.ID != "p1" {
		t.Fatalf("pinned profile not selected: %+v", src)
	}
	if src.ConcurrencyOwnerID != "" {
		t.Fatal("pinned selection must not own a slot")
	}
	// 固定选择完全不触碰任何并发计数
	if kv.counter("default") != 0 || kv.counter("p1") != 0 {
		t.Fatal("pinned selection must not touch any counter")
	}
}

func TestSelect_InactivePinnedFallsThrough(t *testing.T) {
	kv := newMemKV()
	seedSettings(t, kv, 2)
	kv.putJSON(t, "__api_profiles__", map[string]model.Profile{
		"p1": {ID: "p1", IsActive: false},
	})
	sel := newSelectorFixture(t, kv)

	src, err := sel.Select(context.Background(), &model.KeyRecord{SelectedAPIProfileID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if src.Kind != model.SourceKindDefault {
		t.Fatalf("inactive pinned profile must fall through to waterfall: %+v", src)
	}
}

func TestSelect_MissingPinnedFallsThrough(t *testing.T) {
	kv := newMemKV()
	seedSettings(t, kv, 2)
	sel := newSelectorFixture(t, kv)

	src, err := sel.Select(context.Background(), &model.KeyRecord{SelectedAPIProfileID: "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if src.Kind != model.SourceKindDefault {
		t.Fatalf("missing pinned profile must fall through: %+v", src)
	}
}
