package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xiaopang/relaygate/internal/metrics"
	"github.com/xiaopang/relaygate/internal/model"
)

func newTestStore(kv KV) *Store {
	return New(kv, Fallbacks{}, nil, metrics.NewCollector())
}

func putJSON(t *testing.T, kv *fakeKV, key string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(context.Background(), key, string(data)); err != nil {
		t.Fatal(err)
	}
}

func TestGetKey_NotFound(t *testing.T) {
	s := newTestStore(newFakeKV())
	if _, err := s.GetKey(context.Background(), "missing-token"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestGetKey_DayRollPersists(t *testing.T) {
	kv := newFakeKV()
	s := newTestStore(kv)
	ctx := context.Background()

	putJSON(t, kv, "tok", &model.KeyRecord{
		Expiry:     "2099-01-01",
		DailyLimit: 5,
		UsageToday: model.UsageToday{Date: "2020-01-01", Count: 4},
	})

	rec, err := s.GetKey(ctx, "tok")
	if err != nil {
		t.Fatal(err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	if rec.UsageToday.Date != today || rec.UsageToday.Count != 0 {
		t.Fatalf("usage not rolled: %+v", rec.UsageToday)
	}

	// 滚动必须写回
	raw, err := kv.Get(ctx, "tok")
	if err != nil {
		t.Fatal(err)
	}
	var persisted model.KeyRecord
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.UsageToday.Date != today || persisted.UsageToday.Count != 0 {
		t.Fatalf("rolled usage not persisted: %+v", persisted.UsageToday)
	}
}

func TestGetKey_SameDayNoRoll(t *testing.T) {
	kv := newFakeKV()
	s := newTestStore(kv)

	today := time.Now().UTC().Format("2006-01-02")
	putJSON(t, kv, "tok", &model.KeyRecord{
		DailyLimit: 5,
		UsageToday: model.UsageToday{Date: today, Count: 3},
	})

	rec, err := s.GetKey(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	if rec.UsageToday.Count != 3 {
		t.Fatalf("count changed on same-day read: %d", rec.UsageToday.Count)
	}
}

func TestGetKey_LegacyMigrationDefault(t *testing.T) {
	kv := newFakeKV()
	s := newTestStore(kv)
	ctx := context.Background()

	// 旧 schema：无 daily_limit
	kv.Set(ctx, "legacy", `{"is_active": true, "expiry": "2099-01-01"}`)

	rec, err := s.GetKey(ctx, "legacy")
	if err != nil {
		t.Fatal(err)
	}
	if rec.DailyLimit != 100 {
		t.Fatalf("want migrated daily_limit 100, got %d", rec.DailyLimit)
	}

	// 迁移必须写回新 schema
	raw, _ := kv.Get(ctx, "legacy")
	var persisted model.KeyRecord
	json.Unmarshal([]byte(raw), &persisted)
	if persisted.DailyLimit != 100 {
		t.Fatalf("migration not persisted: %d", persisted.DailyLimit)
	}
}

func TestGetKey_LegacyMigrationWithHint(t *testing.T) {
	kv := newFakeKV()
	s := newTestStore(kv)

	kv.Set(context.Background(), "legacy", `{"is_active": true, "max_requests": 3}`)

	rec, err := s.GetKey(context.Background(), "legacy")
	if err != nil {
		t.Fatal(err)
	}
	if rec.DailyLimit != 150 {
		t.Fatalf("want daily_limit 150 (3*50), got %d", rec.DailyLimit)
	}
}

func TestGetSettings_FallbacksApplied(t *testing.T) {
	kv := newFakeKV()
	s := New(kv, Fallbacks{APIKey: "env-key", APIURL: "https://env.example.com"}, nil, metrics.NewCollector())

	settings, err := s.GetSettings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if settings.APIKey != "env-key" {
		t.Fatalf("api key fallback not applied: %q", settings.APIKey)
	}
	if settings.APIURL != "https://env.example.com" {
		t.Fatalf("api url fallback not applied: %q", settings.APIURL)
	}
	if settings.RewriteFrom != "Claude Code" || settings.RewriteTo != "Claude Opus" {
		t.Fatalf("brand rewrite defaults not applied: %q -> %q", settings.RewriteFrom, settings.RewriteTo)
	}
}

func TestGetSettings_CacheServesStale(t *testing.T) {
	kv := newFakeKV()
	s := newTestStore(kv)
	ctx := context.Background()

	putJSON(t, kv, keySettings, &model.Settings{ModelDisplay: "v1"})
	first, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.ModelDisplay != "v1" {
		t.Fatal("unexpected settings")
	}

	// 直接改底层存储，缓存窗口内仍然读到旧值
	putJSON(t, kv, keySettings, &model.Settings{ModelDisplay: "v2"})
	second, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.ModelDisplay != "v1" {
		t.Fatalf("expected cached value, got %q", second.ModelDisplay)
	}

	// 管理面写入立即失效缓存
	if err := s.PutSettings(ctx, &model.Settings{ModelDisplay: "v3"}); err != nil {
		t.Fatal(err)
	}
	third, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if third.ModelDisplay != "v3" {
		t.Fatalf("cache not invalidated on write, got %q", third.ModelDisplay)
	}
}

func TestListBackupProfiles_PreservesOrder(t *testing.T) {
	kv := newFakeKV()
	s := newTestStore(kv)
	ctx := context.Background()

	backups := []model.BackupProfile{
		{Profile: model.Profile{ID: "b1", IsActive: true}, ConcurrencyLimit: 2},
		{Profile: model.Profile{ID: "b2", IsActive: true}, ConcurrencyLimit: 4},
		{Profile: model.Profile{ID: "b3", IsActive: false}, ConcurrencyLimit: 1},
	}
	putJSON(t, kv, keyBackups, backups)

	got, err := s.ListBackupProfiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 backups, got %d", len(got))
	}
	for i, id := range []string{"b1", "b2", "b3"} {
		if got[i].ID != id {
			t.Fatalf("order not preserved at %d: %s", i, got[i].ID)
		}
	}
}

func TestGetModelConfigs_EmptyOnError(t *testing.T) {
	kv := newFakeKV()
	kv.failOn[keySettings] = true
	s := newTestStore(kv)

	configs := s.GetModelConfigs(context.Background())
	if len(configs) != 0 {
		t.Fatalf("want empty configs on store error, got %v", configs)
	}
}

func TestListAnnouncements_EmptyOnError(t *testing.T) {
	kv := newFakeKV()
	kv.failOn[keyAnnouncements] = true
	s := newTestStore(kv)

	anns := s.ListAnnouncements(context.Background())
	if len(anns) != 0 {
		t.Fatalf("want empty announcements on store error, got %v", anns)
	}
}

func TestGetProfile(t *testing.T) {
	kv := newFakeKV()
	s := newTestStore(kv)
	ctx := context.Background()

	putJSON(t, kv, keyProfiles, map[string]model.Profile{
		"p1": {ID: "p1", Name: "primary", IsActive: true},
	})

	p, err := s.GetProfile(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "primary" {
		t.Fatalf("unexpected profile: %+v", p)
	}

	if _, err := s.GetProfile(ctx, "nope"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
