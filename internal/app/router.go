package app

import (
	"time"
	"training_portal_backend/internal/config"
	"training_portal_backend/internal/middleware"
	"training_portal_backend/internal/model"
	"training_portal_backend/pkg/monitoring"
	"training_portal_backend/pkg/security"

	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	router.GET("/api/health", c.health.HealthCheck)

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg.JWT.Secret))
	{
		a.registerLearnerRoutes(authGroup, c, cfg)
	}

	// 3. 管理员相关接口
	a.registerAdminRoutes(router, c, cfg)
}

func (a *App) registerLearnerRoutes(group *gin.RouterGroup, c *controllers, cfg *config.Config) {
	achievements := group.Group("/achievements")
	{
		achievements.GET("", c.achievement.ListAchievements)
		achievements.GET("/:id/preview", c.achievement.PreviewAchievement)
		// 全量扫描开销较大，按用户单独限流
		achievements.POST("/scan",
			security.RateLimiter("scan", cfg.RateLimit.ScanPerMinute, time.Minute, security.ByUser),
			c.achievement.Scan)
	}

	modules := group.Group("/modules")
	{
		modules.POST("/:id/enroll", c.learning.Enroll)
		modules.POST("/:id/progress", c.learning.UpdateProgress)
		modules.POST("/:id/rating", c.learning.RateModule)
	}

	activity := group.Group("/activity")
	{
		activity.POST("/login", c.learning.RecordLogin)
		activity.POST("/social", c.learning.RecordSocial)
	}
}

func (a *App) registerAdminRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	admin := router.Group("/api/admin")
	admin.Use(middleware.AuthMiddleware(cfg.JWT.Secret), middleware.RoleMiddleware(model.Admin))
	{
		achievements := admin.Group("/achievements")
		achievements.GET("", c.content.ListAchievements)
		achievements.POST("", c.content.CreateAchievement)
		achievements.PUT("/:id", c.content.UpdateAchievement)
		achievements.PATCH("/:id/status", c.content.SetAchievementStatus)
		achievements.POST("/:id/icon", c.content.UploadIcon)
		achievements.POST("/series", c.content.LinkSeries)
		achievements.POST("/reconcile", c.content.Reconcile)
		achievements.POST("/recompute", c.content.RecomputeRatios)
	}
}
