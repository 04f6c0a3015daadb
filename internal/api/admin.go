package api

import (
	"crypto/subtle"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xiaopang/relaygate/internal/config"
	"github.com/xiaopang/relaygate/internal/core"
	"github.com/xiaopang/relaygate/internal/metrics"
	"github.com/xiaopang/relaygate/internal/model"
	"github.com/xiaopang/relaygate/internal/store"
)

// 管理端 JWT 有效期
const adminTokenTTL = 24 * time.Hour

// AdminHandler 管理 API 处理器。所有实体归管理面负责创建销毁，
// 每次变更都会失效核心的读穿缓存。
type AdminHandler struct {
	store   *store.Store
	logdb   *store.LogDB
	metrics *metrics.Collector
	cfg     *config.Config
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(s *store.Store, logdb *store.LogDB, m *metrics.Collector, cfg *config.Config) *AdminHandler {
	return &AdminHandler{store: s, logdb: logdb, metrics: m, cfg: cfg}
}

func (h *AdminHandler) badRequest(c *gin.Context, msg string) {
	c.JSON(400, model.ErrorResponse{
		Error:         model.ErrKindInvalidModel,
		Message:       msg,
		CorrelationID: correlationID(c),
		Type:          "invalid_request_error",
	})
}

func (h *AdminHandler) internal(c *gin.Context, err error) {
	c.JSON(500, model.ErrorResponse{
		Error:         model.ErrKindInternal,
		Message:       err.Error(),
		CorrelationID: correlationID(c),
	})
}

func (h *AdminHandler) notFound(c *gin.Context, msg string) {
	c.JSON(404, model.ErrorResponse{
		Error:         "Not found",
		Message:       msg,
		CorrelationID: correlationID(c),
	})
}

// === 认证 ===

// Login 管理端登录，校验密钥并签发 JWT
func (h *AdminHandler) Login(c *gin.Context) {
	var req struct {
		Secret string `json:"secret"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request: "+err.Error())
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.cfg.Server.AdminSecret)) != 1 {
		c.JSON(401, model.ErrorResponse{
			Error:         model.ErrKindInvalidKey,
			Message:       "Invalid admin secret",
			CorrelationID: correlationID(c),
		})
		return
	}

	token, err := IssueAdminToken(h.cfg.Server.AdminSecret, adminTokenTTL)
	if err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(200, gin.H{"token": token, "expires_in": int(adminTokenTTL.Seconds())})
}

// === Profile 管理 ===

// ListProfiles 列出全部 Profile（脱敏）
func (h *AdminHandler) ListProfiles(c *gin.Context) {
	profiles, err := h.store.ListProfiles(c.Request.Context())
	if err != nil {
		h.internal(c, err)
		return
	}
	resp := make([]model.Profile, 0, len(profiles))
	for _, p := range profiles {
		resp = append(resp, p.ToResponse())
	}
	c.JSON(200, gin.H{"data": resp})
}

// CreateProfile 创建 Profile
func (h *AdminHandler) CreateProfile(c *gin.Context) {
	var p model.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		h.badRequest(c, "Invalid request: "+err.Error())
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	ctx := c.Request.Context()
	profiles, err := h.store.ListProfiles(ctx)
	if err != nil {
		h.internal(c, err)
		return
	}
	profiles[p.ID] = p
	if err := h.store.PutProfiles(ctx, profiles); err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(201, gin.H{"data": p.ToResponse()})
}

// UpdateProfile 更新 Profile
func (h *AdminHandler) UpdateProfile(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	profiles, err := h.store.ListProfiles(ctx)
	if err != nil {
		h.internal(c, err)
		return
	}
	existing, ok := profiles[id]
	if !ok {
		h.notFound(c, "Profile not found")
		return
	}

	var p model.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		h.badRequest(c, "Invalid request: "+err.Error())
		return
	}
	p.ID = id
	// 未提供 API Key 时保留原值
	if p.APIKey == "" {
		p.APIKey = existing.APIKey
	}

	profiles[id] = p
	if err := h.store.PutProfiles(ctx, profiles); err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(200, gin.H{"data": p.ToResponse()})
}

// DeleteProfile 删除 Profile
func (h *AdminHandler) DeleteProfile(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	profiles, err := h.store.ListProfiles(ctx)
	if err != nil {
		h.internal(c, err)
		return
	}
	if _, ok := profiles[id]; !ok {
		h.notFound(c, "Profile not found")
		return
	}
	delete(profiles, id)
	if err := h.store.PutProfiles(ctx, profiles); err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(200, gin.H{"message": "Profile deleted"})
}

// === 备用后端管理 ===

// ListBackupProfiles 按优先级顺序列出备用后端
func (h *AdminHandler) ListBackupProfiles(c *gin.Context) {
	backups, err := h.store.ListBackupProfiles(c.Request.Context())
	if err != nil {
		h.internal(c, err)
		return
	}
	resp := make([]model.BackupProfile, 0, len(backups))
	for _, b := range backups {
		masked := b
		masked.Profile = b.Profile.ToResponse()
		resp = append(resp, masked)
	}
	c.JSON(200, gin.H{"data": resp})
}

// ReplaceBackupProfiles 整体替换备用后端序列，顺序即故障转移优先级
func (h *AdminHandler) ReplaceBackupProfiles(c *gin.Context) {
	var backups []model.BackupProfile
	if err := c.ShouldBindJSON(&backups); err != nil {
		h.badRequest(c, "Invalid request: "+err.Error())
		return
	}
	for i := range backups {
		if backups[i].ID == "" {
			backups[i].ID = uuid.NewString()
		}
	}
	if err := h.store.PutBackupProfiles(c.Request.Context(), backups); err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(200, gin.H{"data": backups})
}

// === 全局设置 ===

// GetSettings 读取全局设置
func (h *AdminHandler) GetSettings(c *gin.Context) {
	settings, err := h.store.GetSettings(c.Request.Context())
	if err != nil {
		h.internal(c, err)
		return
	}
	masked := *settings
	if masked.APIKey != "" {
		masked.APIKey = "****"
	}
	c.JSON(200, gin.H{"data": masked})
}

// UpdateSettings 写入全局设置，模型提示词超长截断
func (h *AdminHandler) UpdateSettings(c *gin.Context) {
	var settings model.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		h.badRequest(c, "Invalid request: "+err.Error())
		return
	}

	if len(settings.SystemPrompt) > model.MaxSystemPromptLen {
		settings.SystemPrompt = settings.SystemPrompt[:model.MaxSystemPromptLen]
	}
	for id, cfg := range settings.Models {
		if len(cfg.SystemPrompt) > model.MaxSystemPromptLen {
			cfg.SystemPrompt = cfg.SystemPrompt[:model.MaxSystemPromptLen]
			settings.Models[id] = cfg
		}
	}

	if err := h.store.PutSettings(c.Request.Context(), &settings); err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(200, gin.H{"message": "Settings updated"})
}

// GetModelConfigs 列出模型配置
func (h *AdminHandler) GetModelConfigs(c *gin.Context) {
	c.JSON(200, gin.H{"data": h.store.GetModelConfigs(c.Request.Context())})
}

// === 公告 ===

// ListAnnouncements 管理端列出全部公告
func (h *AdminHandler) ListAnnouncements(c *gin.Context) {
	c.JSON(200, gin.H{"data": h.store.ListAnnouncements(c.Request.Context())})
}

// ReplaceAnnouncements 整体替换公告
func (h *AdminHandler) ReplaceAnnouncements(c *gin.Context) {
	var anns []model.Announcement
	if err := c.ShouldBindJSON(&anns); err != nil {
		h.badRequest(c, "Invalid request: "+err.Error())
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for i := range anns {
		if anns[i].ID == "" {
			anns[i].ID = uuid.NewString()
			anns[i].CreatedAt = now
		}
		anns[i].UpdatedAt = now
	}
	if err := h.store.PutAnnouncements(c.Request.Context(), anns); err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(200, gin.H{"data": anns})
}

// ActiveAnnouncements 对外公开的公告列表，只返回当前可见的
func (h *AdminHandler) ActiveAnnouncements(c *gin.Context) {
	now := time.Now()
	var visible []model.Announcement
	for _, a := range h.store.ListAnnouncements(c.Request.Context()) {
		if a.IsVisible(now) {
			visible = append(visible, a)
		}
	}
	c.JSON(200, gin.H{"data": visible})
}

// === Key 管理 ===

// CreateKey 创建调用方 API Key
func (h *AdminHandler) CreateKey(c *gin.Context) {
	var req struct {
		Token      string `json:"token"`
		Expiry     string `json:"expiry"`
		DailyLimit int    `json:"daily_limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request: "+err.Error())
		return
	}
	if req.DailyLimit <= 0 {
		h.badRequest(c, "daily_limit must be positive")
		return
	}
	if req.Token == "" {
		req.Token = core.GenerateToken()
	}

	rec := &model.KeyRecord{
		Expiry:     req.Expiry,
		DailyLimit: req.DailyLimit,
		UsageToday: model.UsageToday{
			Date: time.Now().UTC().Format("2006-01-02"),
		},
	}
	if err := h.store.PutKey(c.Request.Context(), req.Token, rec); err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(201, gin.H{"token": req.Token, "data": rec})
}

// GetKey 读取 KeyRecord
func (h *AdminHandler) GetKey(c *gin.Context) {
	token := c.Param("token")
	rec, err := h.store.GetKey(c.Request.Context(), token)
	if err == store.ErrNotFound {
		h.notFound(c, "Key not found")
		return
	}
	if err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(200, gin.H{"data": rec})
}

// UpdateKey 更新 KeyRecord 的管理面字段
func (h *AdminHandler) UpdateKey(c *gin.Context) {
	token := c.Param("token")
	ctx := c.Request.Context()

	rec, err := h.store.GetKey(ctx, token)
	if err == store.ErrNotFound {
		h.notFound(c, "Key not found")
		return
	}
	if err != nil {
		h.internal(c, err)
		return
	}

	var req struct {
		Expiry               *string `json:"expiry"`
		DailyLimit           *int    `json:"daily_limit"`
		SelectedModel        *string `json:"selected_model"`
		SelectedAPIProfileID *string `json:"selected_api_profile_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "Invalid request: "+err.Error())
		return
	}

	if req.Expiry != nil {
		rec.Expiry = *req.Expiry
	}
	if req.DailyLimit != nil {
		if *req.DailyLimit <= 0 {
			h.badRequest(c, "daily_limit must be positive")
			return
		}
		rec.DailyLimit = *req.DailyLimit
	}
	if req.SelectedModel != nil {
		rec.SelectedModel = *req.SelectedModel
	}
	if req.SelectedAPIProfileID != nil {
		rec.SelectedAPIProfileID = *req.SelectedAPIProfileID
	}

	if err := h.store.PutKey(ctx, token, rec); err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(200, gin.H{"data": rec})
}

// DeleteKey 删除 KeyRecord
func (h *AdminHandler) DeleteKey(c *gin.Context) {
	token := c.Param("token")
	if err := h.store.DeleteKey(c.Request.Context(), token); err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(200, gin.H{"message": "Key deleted"})
}

// === 运行状态 ===

// GetLogs 查询请求日志
func (h *AdminHandler) GetLogs(c *gin.Context) {
	var query model.LogQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.badRequest(c, "Invalid query: "+err.Error())
		return
	}
	logs, err := h.logdb.QueryLogs(&query)
	if err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(200, gin.H{"data": logs})
}

// GetStats 查询统计
func (h *AdminHandler) GetStats(c *gin.Context) {
	days := 7
	daily, err := h.logdb.GetDailyStats(days)
	if err != nil {
		h.internal(c, err)
		return
	}
	sources, err := h.logdb.GetSourceStats(days)
	if err != nil {
		h.internal(c, err)
		return
	}
	c.JSON(200, gin.H{"daily": daily, "sources": sources})
}

// GetMetrics 进程内指标快照
func (h *AdminHandler) GetMetrics(c *gin.Context) {
	c.JSON(200, gin.H{"data": h.metrics.Snapshot()})
}

// GetConcurrency 读取各源当前并发数
func (h *AdminHandler) GetConcurrency(c *gin.Context) {
	ctx := c.Request.Context()
	result := gin.H{}

	if n, err := h.store.ReadConcurrency(ctx, core.DefaultSourceID); err == nil {
		result[core.DefaultSourceID] = n
	}
	backups, err := h.store.ListBackupProfiles(ctx)
	if err == nil {
		for _, b := range backups {
			if n, err := h.store.ReadConcurrency(ctx, b.ID); err == nil {
				result[b.ID] = n
			}
		}
	}
	c.JSON(200, gin.H{"data": result})
}
