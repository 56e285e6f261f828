package repository

import (
	"context"
	"time"
	"training_portal_backend/internal/model"

	"gorm.io/gorm"
)

type UserRepository struct {
	DB *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{DB: db}
}

// WithTx 返回绑定到事务的副本
func (r *UserRepository) WithTx(tx *gorm.DB) *UserRepository {
	return &UserRepository{DB: tx}
}

func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	return r.DB.WithContext(ctx).Create(user).Error
}

func (r *UserRepository) FindByID(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	err := r.DB.WithContext(ctx).First(&user, id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// LoadSnapshot 读取用户统计及已完成模块，作为一次评估的输入
func (r *UserRepository) LoadSnapshot(ctx context.Context, userID uint) (*model.StatsSnapshot, error) {
	user, err := r.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	var completions []model.ModuleCompletion
	err = r.DB.WithContext(ctx).
		Table("enrollments").
		Select("enrollments.module_id AS module_id, learning_modules.category AS category, enrollments.completed_at AS completed_at").
		Joins("JOIN learning_modules ON learning_modules.id = enrollments.module_id").
		Where("enrollments.user_id = ? AND enrollments.completed_at IS NOT NULL AND enrollments.deleted_at IS NULL", userID).
		Scan(&completions).Error
	if err != nil {
		return nil, err
	}

	return &model.StatsSnapshot{
		UserID:      user.ID,
		Stats:       user.Stats,
		Completions: completions,
		TakenAt:     time.Now(),
	}, nil
}

// RewardCredit 一次成就奖励的增量
type RewardCredit struct {
	Points int
	XP     int
	Coins  int
	Tokens int
}

// CreditRewards 原子地增加账本和统计，避免读-改-写
func (r *UserRepository) CreditRewards(ctx context.Context, userID uint, credit RewardCredit) error {
	result := r.DB.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"xp":                         gorm.Expr("xp + ?", credit.XP),
			"points":                     gorm.Expr("points + ?", credit.Points),
			"coins":                      gorm.Expr("coins + ?", credit.Coins),
			"tokens":                     gorm.Expr("tokens + ?", credit.Tokens),
			"stat_total_points":          gorm.Expr("stat_total_points + ?", credit.Points),
			"stat_achievements_unlocked": gorm.Expr("stat_achievements_unlocked + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// IncrementStat 对单个统计列做增量更新，column 由调用方从白名单传入
func (r *UserRepository) IncrementStat(ctx context.Context, userID uint, column string, delta int) error {
	result := r.DB.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Update(column, gorm.Expr(column+" + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *UserRepository) RecordLogin(ctx context.Context, userID uint, streak int, at time.Time) error {
	return r.DB.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"stat_login_count": gorm.Expr("stat_login_count + 1"),
			"stat_streak":      streak,
			"last_login_at":    at,
		}).Error
}

// ModuleCompletionCredit 首次完成模块时用户侧的变化
type ModuleCompletionCredit struct {
	Points                int
	Perfect               bool
	AverageCompletionTime int
}

func (r *UserRepository) ApplyModuleCompletion(ctx context.Context, userID uint, credit ModuleCompletionCredit) error {
	updates := map[string]interface{}{
		"stat_modules_completed":        gorm.Expr("stat_modules_completed + 1"),
		"points":                        gorm.Expr("points + ?", credit.Points),
		"stat_total_points":             gorm.Expr("stat_total_points + ?", credit.Points),
		"stat_average_completion_time": credit.AverageCompletionTime,
	}
	if credit.Perfect {
		updates["stat_perfect_scores"] = gorm.Expr("stat_perfect_scores + 1")
	}
	return r.DB.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).Updates(updates).Error
}

func (r *UserRepository) UpdateAverageRating(ctx context.Context, userID uint, avg float64) error {
	return r.DB.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Update("stat_average_rating", avg).Error
}

// CountEligible 参与成就统计的用户数
func (r *UserRepository) CountEligible(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&model.User{}).Where("disabled = ?", false).Count(&count).Error
	return count, err
}
