package service

import (
	"context"
	"math"
	"time"
	"training_portal_backend/internal/model"
	"training_portal_backend/internal/repository"
	"training_portal_backend/pkg/logger"
	"training_portal_backend/pkg/tracing"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AggregateStatsUpdater 维护成就和模块的全局统计。
// 同步路径只做 O(1) 计数，比率由 RecomputeRatios 定期重算。
type AggregateStatsUpdater struct {
	DB              *gorm.DB
	AchievementRepo *repository.AchievementRepository
	UserAchRepo     *repository.UserAchievementRepository
	ModuleRepo      *repository.ModuleRepository
	UserRepo        *repository.UserRepository
	Settings        *EngineSettings
}

func NewAggregateStatsUpdater(
	db *gorm.DB,
	achievementRepo *repository.AchievementRepository,
	userAchRepo *repository.UserAchievementRepository,
	moduleRepo *repository.ModuleRepository,
	userRepo *repository.UserRepository,
	settings *EngineSettings,
) *AggregateStatsUpdater {
	return &AggregateStatsUpdater{
		DB:              db,
		AchievementRepo: achievementRepo,
		UserAchRepo:     userAchRepo,
		ModuleRepo:      moduleRepo,
		UserRepo:        userRepo,
		Settings:        settings,
	}
}

// RecordUnlock 在给定事务内记录一次解锁。
// 限量成就在同一条 UPDATE 中检查容量，返回 false 表示名额已满。
func (s *AggregateStatsUpdater) RecordUnlock(ctx context.Context, tx *gorm.DB, achievement *model.Achievement, at time.Time) (bool, error) {
	rows, err := s.AchievementRepo.WithTx(tx).IncrementUnlocked(ctx, achievement.ID, at, achievement.IsLimited)
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *AggregateStatsUpdater) RecordEnrollment(ctx context.Context, tx *gorm.DB, moduleID uint) error {
	return s.ModuleRepo.WithTx(tx).IncrementEnrollment(ctx, moduleID)
}

// RecordCompletion module 为完成前读取的记录，返回写入的平均完成时间
func (s *AggregateStatsUpdater) RecordCompletion(ctx context.Context, tx *gorm.DB, module *model.LearningModule, minutes int) (int, error) {
	avg := SmoothCompletionTime(module.Stats.AverageCompletionTime, minutes, module.Stats.CompletionCount,
		s.Settings.Get().LegacyCompletionSmoothing)
	if err := s.ModuleRepo.WithTx(tx).RecordCompletion(ctx, module.ID, avg); err != nil {
		return 0, err
	}
	return avg, nil
}

// RecordRating oldRating 为 0 表示首次评分
func (s *AggregateStatsUpdater) RecordRating(ctx context.Context, tx *gorm.DB, moduleID uint, oldRating, newRating int) error {
	countDelta := 0
	if oldRating == 0 {
		countDelta = 1
	}
	return s.ModuleRepo.WithTx(tx).RecordRating(ctx, moduleID, newRating-oldRating, countDelta)
}

// SmoothCompletionTime legacy 为 true 时沿用 round((avg+sample)/2)，
// 否则按已有样本数计算真实的滑动平均
func SmoothCompletionTime(avg, sample int, count int64, legacy bool) int {
	if legacy {
		return int(math.Round(float64(avg+sample) / 2))
	}
	if count <= 0 {
		return sample
	}
	return int(math.Round((float64(avg)*float64(count) + float64(sample)) / float64(count+1)))
}

// RecomputeRatios 后台任务：解锁率、平均解锁耗时（小时）以及模块通过率
func (s *AggregateStatsUpdater) RecomputeRatios(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "AggregateStatsUpdater.RecomputeRatios")
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	eligible, err := s.UserRepo.CountEligible(ctx)
	if err != nil {
		return err
	}

	achievements, err := s.AchievementRepo.ListAll(ctx)
	if err != nil {
		return err
	}

	timings, err := s.UserAchRepo.UnlockTimings(ctx)
	if err != nil {
		return err
	}
	hours := make(map[uint]float64)
	samples := make(map[uint]int)
	for _, t := range timings {
		hours[t.AchievementID] += t.UnlockedAt.Sub(t.UserCreatedAt).Hours()
		samples[t.AchievementID]++
	}

	for _, a := range achievements {
		rate := 0.0
		if eligible > 0 {
			rate = float64(a.Stats.TotalUnlocked) / float64(eligible) * 100
		}
		avgHours := 0.0
		if n := samples[a.ID]; n > 0 {
			avgHours = hours[a.ID] / float64(n)
		}
		if err = s.AchievementRepo.UpdateRatios(ctx, a.ID, rate, avgHours); err != nil {
			return err
		}
	}

	if err = s.ModuleRepo.RecomputeSuccessRates(ctx); err != nil {
		return err
	}

	logger.Log.Info("Recomputed achievement ratios",
		zap.Int("achievements", len(achievements)),
		zap.Int64("eligibleUsers", eligible))
	return nil
}
