package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"training_portal_backend/internal/model"
	"training_portal_backend/internal/repository"
	"training_portal_backend/internal/util"
	"training_portal_backend/pkg/logger"
	"training_portal_backend/pkg/monitoring"
	"training_portal_backend/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AwardReason string

const (
	ReasonInProgress       AwardReason = "in_progress"
	ReasonUnlocked         AwardReason = "unlocked"
	ReasonAlreadyUnlocked  AwardReason = "already_unlocked"
	ReasonCapacityExceeded AwardReason = "capacity_exceeded"
)

// AwardResult Awarded 和 NewlyUnlocked 只在本次调用完成首次解锁时为 true
type AwardResult struct {
	Awarded       bool        `json:"awarded"`
	NewlyUnlocked bool        `json:"newlyUnlocked"`
	Progress      int         `json:"progress"`
	Reason        AwardReason `json:"reason"`
	UnlockedAt    *time.Time  `json:"unlockedAt,omitempty"`
}

// RewardLedger 成就发放事务：同一 (用户, 成就) 的奖励只会入账一次
type RewardLedger struct {
	DB              *gorm.DB
	UserRepo        *repository.UserRepository
	AchievementRepo *repository.AchievementRepository
	UserAchRepo     *repository.UserAchievementRepository
	Stats           *AggregateStatsUpdater
	Locker          UserLocker
	Settings        *EngineSettings
	Clock           func() time.Time
}

func NewRewardLedger(
	db *gorm.DB,
	userRepo *repository.UserRepository,
	achievementRepo *repository.AchievementRepository,
	userAchRepo *repository.UserAchievementRepository,
	stats *AggregateStatsUpdater,
	locker UserLocker,
	settings *EngineSettings,
) *RewardLedger {
	return &RewardLedger{
		DB:              db,
		UserRepo:        userRepo,
		AchievementRepo: achievementRepo,
		UserAchRepo:     userAchRepo,
		Stats:           stats,
		Locker:          locker,
		Settings:        settings,
		Clock:           time.Now,
	}
}

var errCapacityReached = errors.New("capacity reached during award")

// Award 在用户锁内执行发放，写冲突时用最新数据重试一次
func (l *RewardLedger) Award(ctx context.Context, userID, achievementID uint, progress ProgressResult) (*AwardResult, error) {
	ctx, span := tracing.StartSpan(ctx, "RewardLedger.Award",
		attribute.Int64("user.id", int64(userID)),
		attribute.Int64("achievement.id", int64(achievementID)))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	unlock, err := l.Locker.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	achievement, err := l.loadAchievement(ctx, achievementID)
	if err != nil {
		return nil, err
	}
	if _, err = l.UserRepo.FindByID(ctx, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = util.ErrUserNotFound
		}
		return nil, err
	}

	result, err := l.award(ctx, userID, achievement, progress)
	if errors.Is(err, util.ErrPersistenceConflict) {
		logger.Log.Warn("Award conflicted, retrying once",
			zap.Uint("userID", userID),
			zap.Uint("achievementID", achievementID),
			zap.Error(err))
		if achievement, err = l.loadAchievement(ctx, achievementID); err != nil {
			return nil, err
		}
		result, err = l.award(ctx, userID, achievement, progress)
	}
	if err != nil {
		return nil, err
	}

	monitoring.AchievementAwards.WithLabelValues(string(result.Reason)).Inc()
	return result, nil
}

func (l *RewardLedger) loadAchievement(ctx context.Context, achievementID uint) (*model.Achievement, error) {
	achievement, err := l.AchievementRepo.FindByID(ctx, achievementID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrAchievementNotFound
		}
		return nil, err
	}
	if !achievement.IsActive {
		return nil, util.ErrAchievementInactive
	}
	return achievement, nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func (l *RewardLedger) award(ctx context.Context, userID uint, achievement *model.Achievement, progress ProgressResult) (*AwardResult, error) {
	percent := clampPercent(progress.ProgressPercent)
	now := l.Clock()

	// 限量成就总是在单个事务内完成，容量检查与计数在同一条语句中
	singleTx := l.Settings.Get().CrossEntityTx || achievement.IsLimited

	result := &AwardResult{Progress: percent, Reason: ReasonInProgress}
	var entryID uint

	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := l.recordProgress(ctx, tx, userID, achievement.ID, percent)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		result.Progress = entry.Progress

		if entry.Unlocked() {
			result.Reason = ReasonAlreadyUnlocked
			result.UnlockedAt = entry.UnlockedAt
			return nil
		}
		if !progress.MeetsThreshold {
			return nil
		}
		if achievement.AtCapacity() {
			result.Reason = ReasonCapacityExceeded
			return nil
		}

		rows, err := l.UserAchRepo.WithTx(tx).MarkUnlocked(ctx, entry.ID, now, achievement.Tier)
		if err != nil {
			return err
		}
		if rows == 0 {
			result.Reason = ReasonAlreadyUnlocked
			return nil
		}

		if err := l.creditRewards(ctx, tx, userID, achievement); err != nil {
			return err
		}

		if singleTx {
			ok, err := l.Stats.RecordUnlock(ctx, tx, achievement, now)
			if err != nil {
				return err
			}
			if !ok {
				return errCapacityReached
			}
			if _, err := l.UserAchRepo.WithTx(tx).MarkAggregated(ctx, entry.ID, now); err != nil {
				return err
			}
		}

		entryID = entry.ID
		result.Awarded = true
		result.NewlyUnlocked = true
		result.Progress = 100
		result.Reason = ReasonUnlocked
		result.UnlockedAt = &now
		return nil
	})

	if errors.Is(err, errCapacityReached) {
		return l.recordCapacityExceeded(ctx, userID, achievement.ID, percent)
	}
	if err != nil {
		return nil, translateAwardError(err)
	}

	if result.NewlyUnlocked && !singleTx {
		l.aggregateAfterCommit(ctx, userID, achievement, entryID, now)
	}
	return result, nil
}

// recordProgress 读取或创建解锁记录并抬高进度。进度为 0 且没有记录时返回 nil
func (l *RewardLedger) recordProgress(ctx context.Context, tx *gorm.DB, userID, achievementID uint, percent int) (*model.UserAchievement, error) {
	repo := l.UserAchRepo.WithTx(tx)
	entry, err := repo.Find(ctx, userID, achievementID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if entry == nil {
		if percent <= 0 {
			return nil, nil
		}
		entry = &model.UserAchievement{
			UserID:        userID,
			AchievementID: achievementID,
			Progress:      percent,
		}
		if err := repo.Create(ctx, entry); err != nil {
			return nil, err
		}
		return entry, nil
	}

	if !entry.Unlocked() && percent > entry.Progress {
		if err := repo.RaiseProgress(ctx, entry.ID, percent); err != nil {
			return nil, err
		}
		entry.Progress = percent
	}
	return entry, nil
}

func (l *RewardLedger) creditRewards(ctx context.Context, tx *gorm.DB, userID uint, achievement *model.Achievement) error {
	rewards := achievement.Rewards
	credit := repository.RewardCredit{
		Points: rewards.Points,
		XP:     rewards.EffectiveXP(),
		Coins:  rewards.EffectiveCoins(),
		Tokens: rewards.Tokens,
	}
	if err := l.UserRepo.WithTx(tx).CreditRewards(ctx, userID, credit); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrUserNotFound
		}
		return err
	}

	for _, item := range rewards.Items {
		if item.Code == "" || item.Quantity <= 0 {
			continue
		}
		grant := &model.UserItem{
			UserID:        userID,
			AchievementID: achievement.ID,
			Code:          item.Code,
			Quantity:      item.Quantity,
		}
		if err := tx.WithContext(ctx).Create(grant).Error; err != nil {
			return err
		}
	}

	if rewards.HasSpecialUnlock() {
		special := &model.UserSpecialUnlock{
			UserID:        userID,
			AchievementID: achievement.ID,
			Title:         rewards.SpecialTitle,
			Description:   rewards.SpecialDescription,
			Features:      rewards.SpecialFeatures,
		}
		if err := tx.WithContext(ctx).Create(special).Error; err != nil {
			return err
		}
	}
	return nil
}

// recordCapacityExceeded 发放事务已回滚，单独保存进度
func (l *RewardLedger) recordCapacityExceeded(ctx context.Context, userID, achievementID uint, percent int) (*AwardResult, error) {
	result := &AwardResult{Progress: percent, Reason: ReasonCapacityExceeded}
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := l.recordProgress(ctx, tx, userID, achievementID, percent)
		if err != nil {
			return err
		}
		if entry != nil {
			result.Progress = entry.Progress
		}
		return nil
	})
	if err != nil {
		return nil, translateAwardError(err)
	}
	logger.Log.Info("Limited achievement at capacity",
		zap.Uint("userID", userID),
		zap.Uint("achievementID", achievementID))
	return result, nil
}

// aggregateAfterCommit 用户侧已提交，再更新成就侧。失败时保留 aggregated_at 为空，由对账任务修复
func (l *RewardLedger) aggregateAfterCommit(ctx context.Context, userID uint, achievement *model.Achievement, entryID uint, at time.Time) {
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先标记再计数；对账任务已经处理过的记录不再重复计数
		rows, err := l.UserAchRepo.WithTx(tx).MarkAggregated(ctx, entryID, at)
		if err != nil || rows == 0 {
			return err
		}
		ok, err := l.Stats.RecordUnlock(ctx, tx, achievement, at)
		if err != nil {
			return err
		}
		if !ok {
			return util.ErrAchievementNotFound
		}
		return nil
	})
	if err != nil {
		monitoring.PartialCommits.Inc()
		logger.Log.Error("Partial commit",
			zap.Uint("userID", userID),
			zap.Uint("achievementID", achievement.ID),
			zap.Time("unlockedAt", at),
			zap.Error(fmt.Errorf("%w: %v", util.ErrPartialCommit, err)))
	}
}

// translateAwardError 唯一键冲突、死锁等写冲突统一映射为 ErrPersistenceConflict
func translateAwardError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", util.ErrPersistenceConflict, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "could not serialize") ||
		strings.Contains(msg, "unique constraint") {
		return fmt.Errorf("%w: %v", util.ErrPersistenceConflict, err)
	}
	return err
}
