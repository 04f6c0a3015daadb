package core

import (
	"context"
	"errors"

	"github.com/xiaopang/relaygate/internal/metrics"
	"github.com/xiaopang/relaygate/internal/model"
	"github.com/xiaopang/relaygate/internal/store"
)

// 错误定义
var (
	ErrNoAvailableSource = errors.New("no available source")
	ErrModelMismatch     = errors.New("model mismatch")
)

// 并发上限默认值
const (
	DefaultConcurrencyLimit = 100 // 默认源
	BackupConcurrencyLimit  = 10  // 备用源
)

// DefaultSourceID 默认源的并发计数 ID
const DefaultSourceID = "default"

// Selector 瀑布式源选择器：
// 用户指定 Profile → 默认源 → 备用源（按存储顺序）→ 排队默认源
type Selector struct {
	store   *store.Store
	metrics *metrics.Collector
}

// NewSelector 创建选择器
func NewSelector(s *store.Store, m *metrics.Collector) *Selector {
	return &Selector{store: s, metrics: m}
}

// Select 为请求选择上游源。返回的 ActiveSource.ConcurrencyOwnerID
// 指明请求结束时要释放槽位的源；为空表示未占用槽位。
func (s *Selector) Select(ctx context.Context, rec *model.KeyRecord) (*model.ActiveSource, error) {
	// 用户固定选择的 Profile 绕过并发账本，隐式在后端排队
	if rec.SelectedAPIProfileID != "" {
		profile, err := s.store.GetProfile(ctx, rec.SelectedAPIProfileID)
		if err == nil && profile.IsActive {
			return &model.ActiveSource{
				ID:                           profile.ID,
				Kind:                         model.SourceKindProfile,
				APIURL:                       profile.APIURL,
				APIKey:                       profile.APIKey,
				ModelActual:                  profile.ModelActual,
				SystemPromptFormat:           profile.SystemPromptFormat,
				DisableSystemPromptInjection: profile.DisableSystemPromptInjection,
			}, nil
		}
		if err != nil && err != store.ErrNotFound {
			return nil, err
		}
		// Profile 缺失或停用，落入瀑布
	}

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	hasDefault := settings.APIURL != ""

	// 默认源
	if hasDefault {
		limit := settings.ConcurrencyLimit
		if limit == 0 {
			limit = DefaultConcurrencyLimit
		}
		acquired, err := s.store.TryAcquire(ctx, DefaultSourceID, limit)
		if err != nil {
			return nil, err
		}
		if acquired.Allowed {
			return defaultSource(settings, DefaultSourceID), nil
		}
	}

	// 备用源，严格按存储顺序
	backups, err := s.store.ListBackupProfiles(ctx)
	if err != nil {
		return nil, err
	}
	for _, backup := range backups {
		if !backup.IsActive {
			continue
		}
		limit := backup.ConcurrencyLimit
		if limit == 0 {
			limit = BackupConcurrencyLimit
		}
		acquired, err := s.store.TryAcquire(ctx, backup.ID, limit)
		if err != nil {
			return nil, err
		}
		if acquired.Allowed {
			return &model.ActiveSource{
				ID:                           backup.ID,
				Kind:                         model.SourceKindBackup,
				APIURL:                       backup.APIURL,
				APIKey:                       backup.APIKey,
				ModelActual:                  backup.ModelActual,
				SystemPromptFormat:           backup.SystemPromptFormat,
				DisableSystemPromptInjection: backup.DisableSystemPromptInjection,
				ConcurrencyOwnerID:           backup.ID,
			}, nil
		}
	}

	// 全部打满时排队到默认源：不占槽位，仍然转发，由上游自行消化
	if hasDefault {
		s.metrics.Inc(metrics.QueuedDefaultRelay)
		return defaultSource(settings, ""), nil
	}

	return nil, ErrNoAvailableSource
}

func defaultSource(settings *model.Settings, ownerID string) *model.ActiveSource {
	return &model.ActiveSource{
		ID:                 DefaultSourceID,
		Kind:               model.SourceKindDefault,
		APIURL:             settings.APIURL,
		APIKey:             settings.APIKey,
		SystemPromptFormat: settings.SystemPromptFormat,
		ConcurrencyOwnerID: ownerID,
	}
}
