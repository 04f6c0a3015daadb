package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaopang/relaygate/internal/cache"
	"github.com/xiaopang/relaygate/internal/logger"
	"github.com/xiaopang/relaygate/internal/metrics"
	"github.com/xiaopang/relaygate/internal/model"
)

// 存储键布局
const (
	keySettings      = "__proxy_settings__"
	keyProfiles      = "__api_profiles__"
	keyBackups       = "__backup_profiles__"
	keyAnnouncements = "__announcements__"

	concurrencyPrefix = "concurrency:"
)

// 缓存 TTL
const (
	settingsCacheTTL     = 30 * time.Second
	profilesCacheTTL     = 60 * time.Second
	backupsCacheTTL      = 60 * time.Second
	modelConfigsCacheTTL = 120 * time.Second
)

// 迁移默认值
const (
	migratedDailyLimit      = 100
	migratedLimitMultiplier = 50
)

// Fallbacks 设置缺省回填（来自环境变量）
type Fallbacks struct {
	APIKey string // GlobalSettings.api_key 为空时使用
	APIURL string // GlobalSettings.api_url 为空时使用
}

// Store 远端 KV 上的类型化操作，读多写少的配置走读穿缓存
type Store struct {
	kv        KV
	fallbacks Fallbacks
	log       *logger.Logger
	metrics   *metrics.Collector

	settingsCache *cache.TTLMap[string, *model.Settings]
	profilesCache *cache.TTLMap[string, map[string]model.Profile]
	backupsCache  *cache.TTLMap[string, []model.BackupProfile]
	modelsCache   *cache.TTLMap[string, map[string]model.ModelConfig]
}

// New 创建 Store
func New(kv KV, fallbacks Fallbacks, log *logger.Logger, m *metrics.Collector) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		kv:            kv,
		fallbacks:     fallbacks,
		log:           log,
		metrics:       m,
		settingsCache: cache.NewTTLMap[string, *model.Settings](),
		profilesCache: cache.NewTTLMap[string, map[string]model.Profile](),
		backupsCache:  cache.NewTTLMap[string, []model.BackupProfile](),
		modelsCache:   cache.NewTTLMap[string, map[string]model.ModelConfig](),
	}
}

// === KeyRecord ===

// GetKey 读取 KeyRecord，同时完成旧 schema 迁移与跨日滚动，
// 发生变更时写回
func (s *Store) GetKey(ctx context.Context, token string) (*model.KeyRecord, error) {
	raw, err := s.kv.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	rec, migrated, err := decodeKeyRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("decode key record: %w", err)
	}

	rolled := rec.RollUsage(time.Now())
	if migrated || rolled {
		if err := s.PutKey(ctx, token, rec); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// decodeKeyRecord 解码 KeyRecord，并对缺失 daily_limit 的旧 schema
// 做一次性迁移：存在数字型 max_requests 提示时取其 50 倍，否则取 100
func decodeKeyRecord(raw string) (*model.KeyRecord, bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, false, err
	}

	rec := &model.KeyRecord{}
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		return nil, false, err
	}

	if _, ok := fields["daily_limit"]; ok {
		return rec, false, nil
	}

	// 旧 schema：无 daily_limit，按提示推导
	rec.DailyLimit = migratedDailyLimit
	if hint, ok := fields["max_requests"]; ok {
		var n int
		if err := json.Unmarshal(hint, &n); err == nil && n > 0 {
			rec.DailyLimit = n * migratedLimitMultiplier
		}
	}
	return rec, true, nil
}

// PutKey 写入 KeyRecord
func (s *Store) PutKey(ctx context.Context, token string, rec *model.KeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, token, string(data))
}

// DeleteKey 删除 KeyRecord
func (s *Store) DeleteKey(ctx context.Context, token string) error {
	return s.kv.Del(ctx, token)
}

// === Settings ===

// GetSettings 读取全局设置（30 秒缓存），空字段用环境回填
func (s *Store) GetSettings(ctx context.Context) (*model.Settings, error) {
	if cached, ok := s.settingsCache.Get(keySettings); ok {
		s.metrics.Inc(metrics.CacheHits)
		return cached, nil
	}
	s.metrics.Inc(metrics.CacheMisses)

	settings := &model.Settings{}
	raw, err := s.kv.Get(ctx, keySettings)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal([]byte(raw), settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}

	if settings.APIKey == "" {
		settings.APIKey = s.fallbacks.APIKey
	}
	if settings.APIURL == "" {
		settings.APIURL = s.fallbacks.APIURL
	}
	if settings.RewriteFrom == "" && settings.RewriteTo == "" {
		settings.RewriteFrom = "Claude Code"
		settings.RewriteTo = "Claude Opus"
	}

	s.settingsCache.Set(keySettings, settings, settingsCacheTTL)
	return settings, nil
}

// PutSettings 写入全局设置并失效缓存
func (s *Store) PutSettings(ctx context.Context, settings *model.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keySettings, string(data)); err != nil {
		return err
	}
	s.settingsCache.Delete(keySettings)
	s.modelsCache.Delete(keySettings)
	return nil
}

// GetModelConfigs 读取模型配置（120 秒缓存），出错返回空集合
func (s *Store) GetModelConfigs(ctx context.Context) map[string]model.ModelConfig {
	if cached, ok := s.modelsCache.Get(keySettings); ok {
		s.metrics.Inc(metrics.CacheHits)
		return cached
	}
	s.metrics.Inc(metrics.CacheMisses)

	configs := map[string]model.ModelConfig{}
	raw, err := s.kv.Get(ctx, keySettings)
	if err != nil {
		if err != ErrNotFound {
			s.log.Warn("read model configs failed", "error", err)
		}
		return configs
	}
	var settings model.Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		s.log.Warn("decode model configs failed", "error", err)
		return configs
	}
	if settings.Models != nil {
		configs = settings.Models
	}

	s.modelsCache.Set(keySettings, configs, modelConfigsCacheTTL)
	return configs
}

// === Profiles ===

// GetProfile 按 id 读取 Profile
func (s *Store) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	profiles, err := s.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	p, ok := profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// ListProfiles 列出全部 Profile（60 秒缓存）
func (s *Store) ListProfiles(ctx context.Context) (map[string]model.Profile, error) {
	if cached, ok := s.profilesCache.Get(keyProfiles); ok {
		s.metrics.Inc(metrics.CacheHits)
		return cached, nil
	}
	s.metrics.Inc(metrics.CacheMisses)

	profiles := map[string]model.Profile{}
	raw, err := s.kv.Get(ctx, keyProfiles)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal([]byte(raw), &profiles); err != nil {
			return nil, fmt.Errorf("decode profiles: %w", err)
		}
	}

	s.profilesCache.Set(keyProfiles, profiles, profilesCacheTTL)
	return profiles, nil
}

// PutProfiles 整体写入 Profile 集合并失效缓存
func (s *Store) PutProfiles(ctx context.Context, profiles map[string]model.Profile) error {
	data, err := json.Marshal(profiles)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keyProfiles, string(data)); err != nil {
		return err
	}
	s.profilesCache.Delete(keyProfiles)
	return nil
}

// ListBackupProfiles 按存储顺序列出备用后端（60 秒缓存），
// 顺序即故障转移优先级
func (s *Store) ListBackupProfiles(ctx context.Context) ([]model.BackupProfile, error) {
	if cached, ok := s.backupsCache.Get(keyBackups); ok {
		s.metrics.Inc(metrics.CacheHits)
		return cached, nil
	}
	s.metrics.Inc(metrics.CacheMisses)

	var backups []model.BackupProfile
	raw, err := s.kv.Get(ctx, keyBackups)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal([]byte(raw), &backups); err != nil {
			return nil, fmt.Errorf("decode backup profiles: %w", err)
		}
	}

	s.backupsCache.Set(keyBackups, backups, backupsCacheTTL)
	return backups, nil
}

// PutBackupProfiles 整体写入备用后端序列并失效缓存
func (s *Store) PutBackupProfiles(ctx context.Context, backups []model.BackupProfile) error {
	data, err := json.Marshal(backups)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keyBackups, string(data)); err != nil {
		return err
	}
	s.backupsCache.Delete(keyBackups)
	return nil
}

// === Announcements ===

// ListAnnouncements 读取公告，出错返回空集合
func (s *Store) ListAnnouncements(ctx context.Context) []model.Announcement {
	var anns []model.Announcement
	raw, err := s.kv.Get(ctx, keyAnnouncements)
	if err != nil {
		if err != ErrNotFound {
			s.log.Warn("read announcements failed", "error", err)
		}
		return anns
	}
	if err := json.Unmarshal([]byte(raw), &anns); err != nil {
		s.log.Warn("decode announcements failed", "error", err)
		return nil
	}
	return anns
}

// PutAnnouncements 写入公告
func (s *Store) PutAnnouncements(ctx context.Context, anns []model.Announcement) error {
	data, err := json.Marshal(anns)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, keyAnnouncements, string(data))
}

// InvalidateCaches 清空全部读穿缓存
func (s *Store) InvalidateCaches() {
	s.settingsCache.Purge()
	s.profilesCache.Purge()
	s.backupsCache.Purge()
	s.modelsCache.Purge()
}
