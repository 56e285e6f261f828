package controller

import (
	"time"
	"training_portal_backend/internal/service"
	"training_portal_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type ProgressController struct {
	ProgressService *service.ProgressService
	ActivityService *service.ActivityService
}

func NewProgressController(progressService *service.ProgressService, activityService *service.ActivityService) *ProgressController {
	return &ProgressController{
		ProgressService: progressService,
		ActivityService: activityService,
	}
}

// @Summary 报名模块
// @Tags 学习进度
// @Produce json
// @Security BearerAuth
// @Param id path int true "模块ID"
// @Success 200 {object} util.Response
// @Router /api/modules/{id}/enroll [post]
func (c *ProgressController) Enroll(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	moduleID, err := util.ParseID(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "Invalid module ID")
		return
	}

	enrollment, err := c.ProgressService.Enroll(ctx.Request.Context(), user.UserID, moduleID)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, enrollment)
}

// @Summary 更新学习进度
// @Description 完成章节或上报进度，完成模块后会触发成就扫描
// @Tags 学习进度
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "模块ID"
// @Param body body service.ProgressUpdate true "进度"
// @Success 200 {object} util.Response
// @Router /api/modules/{id}/progress [post]
func (c *ProgressController) UpdateProgress(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	moduleID, err := util.ParseID(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "Invalid module ID")
		return
	}

	var req service.ProgressUpdate
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	outcome, err := c.ProgressService.UpdateProgress(ctx.Request.Context(), user.UserID, moduleID, req)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, outcome)
}

type rateRequest struct {
	Rating int `json:"rating" binding:"required"`
}

// @Summary 模块评分
// @Tags 学习进度
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "模块ID"
// @Success 200 {object} util.Response
// @Router /api/modules/{id}/rating [post]
func (c *ProgressController) RateModule(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	moduleID, err := util.ParseID(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "Invalid module ID")
		return
	}

	var req rateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	report, err := c.ProgressService.RateModule(ctx.Request.Context(), user.UserID, moduleID, req.Rating)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"achievements": report})
}

// @Summary 记录登录
// @Description 更新登录次数和连续学习天数
// @Tags 用户活动
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/activity/login [post]
func (c *ProgressController) RecordLogin(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	outcome, err := c.ActivityService.RecordLogin(ctx.Request.Context(), user.UserID, time.Now())
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, outcome)
}

type socialRequest struct {
	Action service.SocialAction `json:"action" binding:"required"`
}

// @Summary 记录社交行为
// @Description action: friend_added / team_joined / team_contribution / help_given
// @Tags 用户活动
// @Accept json
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/activity/social [post]
func (c *ProgressController) RecordSocial(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	var req socialRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	outcome, err := c.ActivityService.RecordSocialAction(ctx.Request.Context(), user.UserID, req.Action)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, outcome)
}
