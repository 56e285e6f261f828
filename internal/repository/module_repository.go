package repository

import (
	"context"
	"database/sql"
	"training_portal_backend/internal/model"

	"gorm.io/gorm"
)

type ModuleRepository struct {
	DB *gorm.DB
}

func NewModuleRepository(db *gorm.DB) *ModuleRepository {
	return &ModuleRepository{DB: db}
}

func (r *ModuleRepository) WithTx(tx *gorm.DB) *ModuleRepository {
	return &ModuleRepository{DB: tx}
}

func (r *ModuleRepository) Create(ctx context.Context, module *model.LearningModule) error {
	return r.DB.WithContext(ctx).Create(module).Error
}

func (r *ModuleRepository) FindByID(ctx context.Context, id uint) (*model.LearningModule, error) {
	var module model.LearningModule
	err := r.DB.WithContext(ctx).First(&module, id).Error
	if err != nil {
		return nil, err
	}
	return &module, nil
}

func (r *ModuleRepository) IncrementEnrollment(ctx context.Context, id uint) error {
	return r.DB.WithContext(ctx).Model(&model.LearningModule{}).
		Where("id = ?", id).
		Update("stats_enrollment_count", gorm.Expr("stats_enrollment_count + 1")).Error
}

func (r *ModuleRepository) RecordCompletion(ctx context.Context, id uint, averageCompletionTime int) error {
	return r.DB.WithContext(ctx).Model(&model.LearningModule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"stats_completion_count":        gorm.Expr("stats_completion_count + 1"),
			"stats_average_completion_time": averageCompletionTime,
		}).Error
}

// RecordRating 维护评分累计值，平均分由累计值得出
func (r *ModuleRepository) RecordRating(ctx context.Context, id uint, sumDelta, countDelta int) error {
	db := r.DB.WithContext(ctx)
	err := db.Model(&model.LearningModule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"stats_rating_sum":   gorm.Expr("stats_rating_sum + ?", sumDelta),
			"stats_rating_count": gorm.Expr("stats_rating_count + ?", countDelta),
		}).Error
	if err != nil {
		return err
	}
	return db.Model(&model.LearningModule{}).
		Where("id = ? AND stats_rating_count > 0", id).
		Update("stats_average_rating", gorm.Expr("stats_rating_sum * 1.0 / stats_rating_count")).Error
}

// RecomputeSuccessRates 完成数 / 报名数，百分比
func (r *ModuleRepository) RecomputeSuccessRates(ctx context.Context) error {
	return r.DB.WithContext(ctx).Model(&model.LearningModule{}).
		Where("stats_enrollment_count > 0").
		Update("stats_success_rate", gorm.Expr("stats_completion_count * 100.0 / stats_enrollment_count")).Error
}

type EnrollmentRepository struct {
	DB *gorm.DB
}

func NewEnrollmentRepository(db *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{DB: db}
}

func (r *EnrollmentRepository) WithTx(tx *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{DB: tx}
}

func (r *EnrollmentRepository) Find(ctx context.Context, userID, moduleID uint) (*model.Enrollment, error) {
	var enrollment model.Enrollment
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND module_id = ?", userID, moduleID).
		First(&enrollment).Error
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *model.Enrollment) error {
	return r.DB.WithContext(ctx).Create(enrollment).Error
}

func (r *EnrollmentRepository) Save(ctx context.Context, enrollment *model.Enrollment) error {
	return r.DB.WithContext(ctx).Save(enrollment).Error
}

// MarkCompleted completed_at 只写一次，返回 0 表示已完成过
func (r *EnrollmentRepository) MarkCompleted(ctx context.Context, id uint, enrollment *model.Enrollment) (int64, error) {
	result := r.DB.WithContext(ctx).Model(&model.Enrollment{}).
		Where("id = ? AND completed_at IS NULL", id).
		Updates(map[string]interface{}{
			"completed_at": enrollment.CompletedAt,
			"progress":     100,
		})
	return result.RowsAffected, result.Error
}

// AverageRatingGiven 用户给出的评分均值
func (r *EnrollmentRepository) AverageRatingGiven(ctx context.Context, userID uint) (float64, error) {
	var avg sql.NullFloat64
	err := r.DB.WithContext(ctx).Model(&model.Enrollment{}).
		Select("AVG(rating)").
		Where("user_id = ? AND rating > 0", userID).
		Row().Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}
