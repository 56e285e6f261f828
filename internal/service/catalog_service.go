package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"training_portal_backend/internal/model"
	"training_portal_backend/internal/repository"
	"training_portal_backend/internal/util"
	"training_portal_backend/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CatalogService 管理员维护成就目录
type CatalogService struct {
	AchievementRepo *repository.AchievementRepository
	Catalog         *CatalogCache
	Storage         StorageProvider
}

func NewCatalogService(achievementRepo *repository.AchievementRepository, catalog *CatalogCache, storage StorageProvider) *CatalogService {
	return &CatalogService{
		AchievementRepo: achievementRepo,
		Catalog:         catalog,
		Storage:         storage,
	}
}

type AchievementInput struct {
	Title       string                    `json:"title" binding:"required"`
	Description string                    `json:"description"`
	Category    model.AchievementCategory `json:"category" binding:"required"`
	Type        model.AchievementType     `json:"type"`
	Tier        model.AchievementTier     `json:"tier"`
	Rarity      model.AchievementRarity   `json:"rarity"`
	Criteria    model.AchievementCriteria `json:"criteria"`
	Rewards     model.AchievementRewards  `json:"rewards"`
	SeriesName  string                    `json:"seriesName"`
	SeriesOrder int                       `json:"seriesOrder"`
	IsActive    *bool                     `json:"isActive"`
	IsSecret    bool                      `json:"isSecret"`
	IsLimited   bool                      `json:"isLimited"`
	MaxUnlocks  int64                     `json:"maxUnlocks"`
}

func (in *AchievementInput) normalize() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", util.ErrInvalidCriteria)
	}
	if !in.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", util.ErrInvalidCriteria, in.Category)
	}
	switch in.Type {
	case "":
		in.Type = model.AchievementIndividual
	case model.AchievementIndividual, model.AchievementTeam, model.AchievementGlobal:
	default:
		return fmt.Errorf("%w: unknown type %q", util.ErrInvalidCriteria, in.Type)
	}
	if in.Tier == "" {
		in.Tier = model.TierBronze
	}
	if in.Tier.Rank() == 0 {
		return fmt.Errorf("%w: unknown tier %q", util.ErrInvalidCriteria, in.Tier)
	}
	if in.Rarity == "" {
		in.Rarity = model.RarityCommon
	}
	if in.Rarity.Rank() == 0 {
		return fmt.Errorf("%w: unknown rarity %q", util.ErrInvalidCriteria, in.Rarity)
	}
	if in.Criteria.Timeframe == "" {
		in.Criteria.Timeframe = model.TimeframeAllTime
	}
	if err := ValidateCriteria(in.Criteria); err != nil {
		return err
	}

	r := in.Rewards
	if r.Points < 0 || r.Tokens < 0 || (r.XP != nil && *r.XP < 0) || (r.Coins != nil && *r.Coins < 0) {
		return fmt.Errorf("%w: rewards must not be negative", util.ErrInvalidCriteria)
	}
	for _, item := range r.Items {
		if item.Code == "" || item.Quantity <= 0 {
			return fmt.Errorf("%w: item grants need a code and a positive quantity", util.ErrInvalidCriteria)
		}
	}
	if in.IsLimited && in.MaxUnlocks <= 0 {
		return fmt.Errorf("%w: limited achievements need maxUnlocks > 0", util.ErrInvalidCriteria)
	}
	return nil
}

func (in *AchievementInput) apply(a *model.Achievement) {
	a.Title = strings.TrimSpace(in.Title)
	a.Description = in.Description
	a.Category = in.Category
	a.Type = in.Type
	a.Tier = in.Tier
	a.Rarity = in.Rarity
	a.Criteria = in.Criteria
	a.Rewards = in.Rewards
	// 未提供时保留 LinkSeries 写入的系列信息
	if in.SeriesName != "" {
		a.SeriesName = in.SeriesName
	}
	if in.SeriesOrder != 0 {
		a.SeriesOrder = in.SeriesOrder
	}
	if in.IsActive != nil {
		a.IsActive = *in.IsActive
	}
	a.IsSecret = in.IsSecret
	a.IsLimited = in.IsLimited
	a.MaxUnlocks = in.MaxUnlocks
	if !in.IsLimited {
		a.MaxUnlocks = 0
	}
}

func (s *CatalogService) find(ctx context.Context, id uint) (*model.Achievement, error) {
	achievement, err := s.AchievementRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrAchievementNotFound
		}
		return nil, err
	}
	return achievement, nil
}

func (s *CatalogService) List(ctx context.Context) ([]model.Achievement, error) {
	return s.AchievementRepo.ListAll(ctx)
}

// Create 未指定 isActive 时默认启用
func (s *CatalogService) Create(ctx context.Context, in AchievementInput) (*model.Achievement, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	achievement := &model.Achievement{IsActive: true}
	in.apply(achievement)
	if err := s.AchievementRepo.Create(ctx, achievement); err != nil {
		return nil, err
	}
	s.Catalog.Invalidate(ctx)
	logger.Log.Info("Achievement created", zap.Uint("achievementID", achievement.ID), zap.String("title", achievement.Title))
	return achievement, nil
}

// Update 不修改统计、图标和系列指针
func (s *CatalogService) Update(ctx context.Context, id uint, in AchievementInput) (*model.Achievement, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	achievement, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	in.apply(achievement)
	if err := s.AchievementRepo.Save(ctx, achievement); err != nil {
		return nil, err
	}
	s.Catalog.Invalidate(ctx)
	return achievement, nil
}

func (s *CatalogService) SetActive(ctx context.Context, id uint, active bool) error {
	if err := s.AchievementRepo.SetActive(ctx, id, active); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrAchievementNotFound
		}
		return err
	}
	s.Catalog.Invalidate(ctx)
	return nil
}

// LinkSeries 将 next 接在 prev 之后，不允许覆盖已有链接或形成环
func (s *CatalogService) LinkSeries(ctx context.Context, prevID, nextID uint) error {
	if prevID == nextID {
		return fmt.Errorf("%w: an achievement cannot follow itself", util.ErrInvalidSeries)
	}
	prev, err := s.find(ctx, prevID)
	if err != nil {
		return err
	}
	next, err := s.find(ctx, nextID)
	if err != nil {
		return err
	}
	if prev.NextAchievementID != nil && *prev.NextAchievementID != nextID {
		return fmt.Errorf("%w: achievement %d already has a successor", util.ErrInvalidSeries, prevID)
	}
	if next.PreviousAchievementID != nil && *next.PreviousAchievementID != prevID {
		return fmt.Errorf("%w: achievement %d already has a predecessor", util.ErrInvalidSeries, nextID)
	}

	// 沿 next 的后继链查找，遇到 prev 说明会形成环
	seen := map[uint]bool{nextID: true}
	for cur := next.NextAchievementID; cur != nil; {
		if *cur == prevID {
			return fmt.Errorf("%w: link would create a cycle", util.ErrInvalidSeries)
		}
		if seen[*cur] {
			break
		}
		seen[*cur] = true
		a, err := s.find(ctx, *cur)
		if err != nil {
			if errors.Is(err, util.ErrAchievementNotFound) {
				break
			}
			return err
		}
		cur = a.NextAchievementID
	}

	if prev.SeriesName == "" {
		prev.SeriesName = fmt.Sprintf("series-%d", prev.ID)
		if err := s.AchievementRepo.Save(ctx, prev); err != nil {
			return err
		}
	}
	next.SeriesName = prev.SeriesName
	if next.SeriesOrder <= prev.SeriesOrder {
		next.SeriesOrder = prev.SeriesOrder + 1
	}
	if err := s.AchievementRepo.LinkSeries(ctx, prev, next); err != nil {
		return err
	}
	s.Catalog.Invalidate(ctx)
	return nil
}

// UploadIcon 上传徽章图标并更新成就
func (s *CatalogService) UploadIcon(ctx context.Context, id uint, filename string, reader io.Reader, size int64, contentType string) (string, error) {
	if size <= 0 || size > util.MaxIconSizeBytes {
		return "", fmt.Errorf("%w: size must be between 1 byte and %d bytes", util.ErrInvalidIcon, util.MaxIconSizeBytes)
	}
	if !util.IsImage(contentType) {
		return "", fmt.Errorf("%w: content type %q is not an image", util.ErrInvalidIcon, contentType)
	}
	if _, err := s.find(ctx, id); err != nil {
		return "", err
	}
	key, err := iconKey(id, uuid.NewString(), filename)
	if err != nil {
		return "", err
	}
	reader, contentType, err = util.SniffImage(reader)
	if err != nil {
		return "", err
	}

	url, err := s.Storage.Put(ctx, key, reader, size, contentType)
	if err != nil {
		return "", err
	}
	if err := s.AchievementRepo.UpdateIcon(ctx, id, url); err != nil {
		if derr := s.Storage.Delete(ctx, key); derr != nil {
			logger.Log.Warn("Failed to remove orphaned icon", zap.String("key", key), zap.Error(derr))
		}
		return "", err
	}
	s.Catalog.Invalidate(ctx)
	return url, nil
}
