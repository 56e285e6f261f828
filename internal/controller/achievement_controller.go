package controller

import (
	"math"
	"strconv"
	"training_portal_backend/internal/service"
	"training_portal_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type AchievementController struct {
	AchievementService *service.AchievementService
}

func NewAchievementController(achievementService *service.AchievementService) *AchievementController {
	return &AchievementController{AchievementService: achievementService}
}

// @Summary 成就列表
// @Description 当前用户可见的成就及进度，按等级和稀有度排序
// @Tags 成就系统
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/achievements [get]
func (c *AchievementController) ListAchievements(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	views, err := c.AchievementService.ListForUser(ctx.Request.Context(), user.UserID)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, views)
}

// @Summary 成就进度预览
// @Description 计算当前用户在某个成就上的进度，不写入任何数据
// @Tags 成就系统
// @Produce json
// @Security BearerAuth
// @Param id path int true "成就ID"
// @Param customValue query number false "custom 类型条件的取值"
// @Success 200 {object} util.Response
// @Router /api/achievements/{id}/preview [get]
func (c *AchievementController) PreviewAchievement(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	id, err := util.ParseID(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "Invalid achievement ID")
		return
	}

	var extra *service.CriteriaExtra
	if raw := ctx.Query("customValue"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			util.BadRequest(ctx, "Invalid customValue")
			return
		}
		extra = &service.CriteriaExtra{CustomValue: v}
	}

	result, err := c.AchievementService.CheckCriteria(ctx.Request.Context(), user.UserID, id, extra)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, result)
}

// @Summary 触发成就扫描
// @Description 对当前用户评估全部活跃成就，返回新解锁的成就
// @Tags 成就系统
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/achievements/scan [post]
func (c *AchievementController) Scan(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	report, err := c.AchievementService.ScanForUser(ctx.Request.Context(), user.UserID)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, report)
}
