package api

import (
	"github.com/gin-gonic/gin"
	"github.com/xiaopang/relaygate/internal/config"
)

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, relay *RelayHandler, admin *AdminHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(CorrelationMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 调度引擎：所有 /v1/* 进入中继管线，方法校验在处理器内完成
	r.Any("/v1/*path", relay.Handle)

	// 公开端点：直接挂在引擎上，不经过管理端认证
	r.GET("/api/announcements", admin.ActiveAnnouncements)
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// 登录不走 JWT
	r.POST("/api/auth/login", admin.Login)

	// 管理 API
	api := r.Group("/api")
	api.Use(AdminAuthMiddleware(cfg.Server.AdminSecret))
	{
		api.GET("/profiles", admin.ListProfiles)
		api.POST("/profiles", admin.CreateProfile)
		api.PUT("/profiles/:id", admin.UpdateProfile)
		api.DELETE("/profiles/:id", admin.DeleteProfile)

		api.GET("/backup-profiles", admin.ListBackupProfiles)
		api.PUT("/backup-profiles", admin.ReplaceBackupProfiles)

		api.GET("/settings", admin.GetSettings)
		api.PUT("/settings", admin.UpdateSettings)
		api.GET("/models", admin.GetModelConfigs)

		api.GET("/admin/announcements", admin.ListAnnouncements)
		api.PUT("/admin/announcements", admin.ReplaceAnnouncements)

		api.POST("/keys", admin.CreateKey)
		api.GET("/keys/:token", admin.GetKey)
		api.PUT("/keys/:token", admin.UpdateKey)
		api.DELETE("/keys/:token", admin.DeleteKey)

		api.GET("/logs", admin.GetLogs)
		api.GET("/stats", admin.GetStats)
		api.GET("/metrics", admin.GetMetrics)
		api.GET("/concurrency", admin.GetConcurrency)
	}

	return r
}
