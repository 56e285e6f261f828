package repository

import (
	"context"
	"time"
	"training_portal_backend/internal/model"

	"gorm.io/gorm"
)

type AchievementRepository struct {
	DB *gorm.DB
}

func NewAchievementRepository(db *gorm.DB) *AchievementRepository {
	return &AchievementRepository{DB: db}
}

func (r *AchievementRepository) WithTx(tx *gorm.DB) *AchievementRepository {
	return &AchievementRepository{DB: tx}
}

func (r *AchievementRepository) Create(ctx context.Context, achievement *model.Achievement) error {
	return r.DB.WithContext(ctx).Create(achievement).Error
}

// Save 管理员编辑，不会覆盖统计字段
func (r *AchievementRepository) Save(ctx context.Context, achievement *model.Achievement) error {
	return r.DB.WithContext(ctx).Omit("stats_total_unlocked", "stats_unlock_rate", "stats_average_time_to_unlock",
		"stats_first_unlocked_at", "stats_last_unlocked_at").Save(achievement).Error
}

func (r *AchievementRepository) FindByID(ctx context.Context, id uint) (*model.Achievement, error) {
	var achievement model.Achievement
	err := r.DB.WithContext(ctx).First(&achievement, id).Error
	if err != nil {
		return nil, err
	}
	return &achievement, nil
}

// ListActive 系列成员按顺序排在后继之前
func (r *AchievementRepository) ListActive(ctx context.Context) ([]model.Achievement, error) {
	var achievements []model.Achievement
	err := r.DB.WithContext(ctx).
		Where("is_active = ?", true).
		Order("series_order ASC").
		Order("id ASC").
		Find(&achievements).Error
	return achievements, err
}

func (r *AchievementRepository) ListAll(ctx context.Context) ([]model.Achievement, error) {
	var achievements []model.Achievement
	err := r.DB.WithContext(ctx).Order("id ASC").Find(&achievements).Error
	return achievements, err
}

func (r *AchievementRepository) SetActive(ctx context.Context, id uint, active bool) error {
	result := r.DB.WithContext(ctx).Model(&model.Achievement{}).Where("id = ?", id).Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *AchievementRepository) UpdateIcon(ctx context.Context, id uint, icon string) error {
	return r.DB.WithContext(ctx).Model(&model.Achievement{}).Where("id = ?", id).Update("icon", icon).Error
}

// LinkSeries 同时写入前后两端的指针，后继继承系列名
func (r *AchievementRepository) LinkSeries(ctx context.Context, prev, next *model.Achievement) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Achievement{}).Where("id = ?", prev.ID).
			Update("next_achievement_id", next.ID).Error; err != nil {
			return err
		}
		return tx.Model(&model.Achievement{}).Where("id = ?", next.ID).
			Updates(map[string]interface{}{
				"previous_achievement_id": prev.ID,
				"series_name":             next.SeriesName,
				"series_order":            next.SeriesOrder,
			}).Error
	})
}

// IncrementUnlocked 解锁计数 +1 并更新首次/最近解锁时间，对账补记较早的解锁时保持 first <= last。
// enforceCapacity 为 true 时只在未达上限时更新，返回受影响行数供调用方判断。
func (r *AchievementRepository) IncrementUnlocked(ctx context.Context, id uint, at time.Time, enforceCapacity bool) (int64, error) {
	query := r.DB.WithContext(ctx).Model(&model.Achievement{}).Where("id = ?", id)
	if enforceCapacity {
		query = query.Where("(is_limited = ? OR stats_total_unlocked < max_unlocks)", false)
	}
	result := query.Updates(map[string]interface{}{
		"stats_total_unlocked":    gorm.Expr("stats_total_unlocked + 1"),
		"stats_first_unlocked_at": gorm.Expr("CASE WHEN stats_first_unlocked_at IS NULL OR stats_first_unlocked_at > ? THEN ? ELSE stats_first_unlocked_at END", at, at),
		"stats_last_unlocked_at":  gorm.Expr("CASE WHEN stats_last_unlocked_at IS NULL OR stats_last_unlocked_at < ? THEN ? ELSE stats_last_unlocked_at END", at, at),
	})
	return result.RowsAffected, result.Error
}

// RaiseTotalUnlocked 对账修复，只允许计数上升
func (r *AchievementRepository) RaiseTotalUnlocked(ctx context.Context, id uint, total int64) (int64, error) {
	result := r.DB.WithContext(ctx).Model(&model.Achievement{}).
		Where("id = ? AND stats_total_unlocked < ?", id, total).
		Update("stats_total_unlocked", total)
	return result.RowsAffected, result.Error
}

func (r *AchievementRepository) UpdateRatios(ctx context.Context, id uint, unlockRate, avgHours float64) error {
	return r.DB.WithContext(ctx).Model(&model.Achievement{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"stats_unlock_rate":            unlockRate,
			"stats_average_time_to_unlock": avgHours,
		}).Error
}

type UserAchievementRepository struct {
	DB *gorm.DB
}

func NewUserAchievementRepository(db *gorm.DB) *UserAchievementRepository {
	return &UserAchievementRepository{DB: db}
}

func (r *UserAchievementRepository) WithTx(tx *gorm.DB) *UserAchievementRepository {
	return &UserAchievementRepository{DB: tx}
}

func (r *UserAchievementRepository) Find(ctx context.Context, userID, achievementID uint) (*model.UserAchievement, error) {
	var entry model.UserAchievement
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND achievement_id = ?", userID, achievementID).
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *UserAchievementRepository) Create(ctx context.Context, entry *model.UserAchievement) error {
	return r.DB.WithContext(ctx).Create(entry).Error
}

// RaiseProgress 进度只增不减
func (r *UserAchievementRepository) RaiseProgress(ctx context.Context, id uint, progress int) error {
	return r.DB.WithContext(ctx).Model(&model.UserAchievement{}).
		Where("id = ? AND progress < ?", id, progress).
		Update("progress", progress).Error
}

// MarkUnlocked 仅当 unlocked_at 仍为空时写入，返回 0 表示已被其他请求解锁
func (r *UserAchievementRepository) MarkUnlocked(ctx context.Context, id uint, at time.Time, tier model.AchievementTier) (int64, error) {
	result := r.DB.WithContext(ctx).Model(&model.UserAchievement{}).
		Where("id = ? AND unlocked_at IS NULL", id).
		Updates(map[string]interface{}{
			"unlocked_at": at,
			"progress":    100,
			"tier":        tier,
		})
	return result.RowsAffected, result.Error
}

func (r *UserAchievementRepository) MarkAggregated(ctx context.Context, id uint, at time.Time) (int64, error) {
	result := r.DB.WithContext(ctx).Model(&model.UserAchievement{}).
		Where("id = ? AND aggregated_at IS NULL", id).
		Update("aggregated_at", at)
	return result.RowsAffected, result.Error
}

func (r *UserAchievementRepository) ListByUser(ctx context.Context, userID uint) ([]model.UserAchievement, error) {
	var entries []model.UserAchievement
	err := r.DB.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&entries).Error
	return entries, err
}

// PendingAggregation 已解锁但成就侧统计尚未计入的记录
func (r *UserAchievementRepository) PendingAggregation(ctx context.Context, limit int) ([]model.UserAchievement, error) {
	var entries []model.UserAchievement
	err := r.DB.WithContext(ctx).
		Where("unlocked_at IS NOT NULL AND aggregated_at IS NULL").
		Order("unlocked_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

type unlockCount struct {
	AchievementID uint
	Total         int64
}

// CountUnlockedByAchievement 从用户解锁记录重新推导各成就的解锁数
func (r *UserAchievementRepository) CountUnlockedByAchievement(ctx context.Context) (map[uint]int64, error) {
	var rows []unlockCount
	err := r.DB.WithContext(ctx).Model(&model.UserAchievement{}).
		Select("achievement_id, COUNT(*) AS total").
		Where("unlocked_at IS NOT NULL").
		Group("achievement_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[uint]int64, len(rows))
	for _, row := range rows {
		counts[row.AchievementID] = row.Total
	}
	return counts, nil
}

// UnlockTiming 解锁时间与用户注册时间，用于计算平均解锁耗时
type UnlockTiming struct {
	AchievementID uint
	UnlockedAt    time.Time
	UserCreatedAt time.Time
}

func (r *UserAchievementRepository) UnlockTimings(ctx context.Context) ([]UnlockTiming, error) {
	var rows []UnlockTiming
	err := r.DB.WithContext(ctx).
		Table("user_achievements").
		Select("user_achievements.achievement_id AS achievement_id, user_achievements.unlocked_at AS unlocked_at, users.created_at AS user_created_at").
		Joins("JOIN users ON users.id = user_achievements.user_id").
		Where("user_achievements.unlocked_at IS NOT NULL AND user_achievements.deleted_at IS NULL").
		Scan(&rows).Error
	return rows, err
}
