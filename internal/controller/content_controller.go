package controller

import (
	"training_portal_backend/internal/service"
	"training_portal_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// ContentController 成就目录管理，仅管理员可用
type ContentController struct {
	CatalogService   *service.CatalogService
	StatsUpdater     *service.AggregateStatsUpdater
	ReconcileService *service.ReconcileService
}

func NewContentController(
	catalogService *service.CatalogService,
	statsUpdater *service.AggregateStatsUpdater,
	reconcileService *service.ReconcileService,
) *ContentController {
	return &ContentController{
		CatalogService:   catalogService,
		StatsUpdater:     statsUpdater,
		ReconcileService: reconcileService,
	}
}

// @Summary 成就目录
// @Tags 成就管理
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/admin/achievements [get]
func (c *ContentController) ListAchievements(ctx *gin.Context) {
	achievements, err := c.CatalogService.List(ctx.Request.Context())
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, achievements)
}

// @Summary 创建成就
// @Tags 成就管理
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body service.AchievementInput true "成就"
// @Success 201 {object} util.Response
// @Router /api/admin/achievements [post]
func (c *ContentController) CreateAchievement(ctx *gin.Context) {
	var req service.AchievementInput
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	achievement, err := c.CatalogService.Create(ctx.Request.Context(), req)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Created(ctx, achievement)
}

// @Summary 更新成就
// @Tags 成就管理
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "成就ID"
// @Success 200 {object} util.Response
// @Router /api/admin/achievements/{id} [put]
func (c *ContentController) UpdateAchievement(ctx *gin.Context) {
	id, err := util.ParseID(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "Invalid achievement ID")
		return
	}

	var req service.AchievementInput
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	achievement, err := c.CatalogService.Update(ctx.Request.Context(), id, req)
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, achievement)
}

type statusRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// @Summary 启用/停用成就
// @Tags 成就管理
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "成就ID"
// @Success 200 {object} util.Response
// @Router /api/admin/achievements/{id}/status [patch]
func (c *ContentController) SetAchievementStatus(ctx *gin.Context) {
	id, err := util.ParseID(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "Invalid achievement ID")
		return
	}

	var req statusRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	if err := c.CatalogService.SetActive(ctx.Request.Context(), id, *req.Active); err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"id": id, "active": *req.Active})
}

// @Summary 上传成就徽章
// @Tags 成就管理
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param id path int true "成就ID"
// @Param file formData file true "图标文件"
// @Success 200 {object} util.Response
// @Router /api/admin/achievements/{id}/icon [post]
func (c *ContentController) UploadIcon(ctx *gin.Context) {
	id, err := util.ParseID(ctx.Param("id"))
	if err != nil {
		util.BadRequest(ctx, "Invalid achievement ID")
		return
	}

	file, err := ctx.FormFile("file")
	if err != nil {
		util.BadRequest(ctx, "No file uploaded")
		return
	}
	src, err := file.Open()
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	defer src.Close()

	url, err := c.CatalogService.UploadIcon(ctx.Request.Context(), id, file.Filename, src, file.Size,
		file.Header.Get("Content-Type"))
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"icon": url})
}

type seriesRequest struct {
	PreviousID uint `json:"previousId" binding:"required"`
	NextID     uint `json:"nextId" binding:"required"`
}

// @Summary 链接成就系列
// @Tags 成就管理
// @Accept json
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/admin/achievements/series [post]
func (c *ContentController) LinkSeries(ctx *gin.Context) {
	var req seriesRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	if err := c.CatalogService.LinkSeries(ctx.Request.Context(), req.PreviousID, req.NextID); err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, req)
}

// @Summary 对账
// @Description 补齐未计入的解锁并重新推导解锁总数
// @Tags 成就管理
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/admin/achievements/reconcile [post]
func (c *ContentController) Reconcile(ctx *gin.Context) {
	report, err := c.ReconcileService.Reconcile(ctx.Request.Context())
	if err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, report)
}

// @Summary 重算统计比率
// @Tags 成就管理
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response
// @Router /api/admin/achievements/recompute [post]
func (c *ContentController) RecomputeRatios(ctx *gin.Context) {
	if err := c.StatsUpdater.RecomputeRatios(ctx.Request.Context()); err != nil {
		util.HandleError(ctx, err)
		return
	}
	util.Success(ctx, nil)
}
