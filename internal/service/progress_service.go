package service

import (
	"context"
	"errors"
	"time"
	"training_portal_backend/internal/model"
	"training_portal_backend/internal/repository"
	"training_portal_backend/internal/util"
	"training_portal_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProgressService 维护学习记录，并在统计变化后触发成就扫描
type ProgressService struct {
	DB             *gorm.DB
	UserRepo       *repository.UserRepository
	ModuleRepo     *repository.ModuleRepository
	EnrollmentRepo *repository.EnrollmentRepository
	Stats          *AggregateStatsUpdater
	Achievements   *AchievementService
	Locker         UserLocker
	Settings       *EngineSettings
	Clock          func() time.Time
}

func NewProgressService(
	db *gorm.DB,
	userRepo *repository.UserRepository,
	moduleRepo *repository.ModuleRepository,
	enrollmentRepo *repository.EnrollmentRepository,
	stats *AggregateStatsUpdater,
	achievements *AchievementService,
	locker UserLocker,
	settings *EngineSettings,
) *ProgressService {
	return &ProgressService{
		DB:             db,
		UserRepo:       userRepo,
		ModuleRepo:     moduleRepo,
		EnrollmentRepo: enrollmentRepo,
		Stats:          stats,
		Achievements:   achievements,
		Locker:         locker,
		Settings:       settings,
		Clock:          time.Now,
	}
}

type ProgressUpdate struct {
	ChapterID uint `json:"chapterId"`
	Progress  *int `json:"progress"`
	TimeSpent int  `json:"timeSpent"` // 本次学习时长，分钟
	Score     *int `json:"score"`
}

func (u ProgressUpdate) validate() error {
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 100) {
		return util.ErrInvalidProgress
	}
	if u.Score != nil && (*u.Score < 0 || *u.Score > 100) {
		return util.ErrInvalidProgress
	}
	if u.TimeSpent < 0 {
		return util.ErrInvalidProgress
	}
	return nil
}

type ProgressOutcome struct {
	Enrollment      *model.Enrollment `json:"enrollment"`
	ModuleCompleted bool              `json:"moduleCompleted"`
	Achievements    *ScanReport       `json:"achievements,omitempty"`
}

func (s *ProgressService) findModule(ctx context.Context, moduleID uint) (*model.LearningModule, error) {
	module, err := s.ModuleRepo.FindByID(ctx, moduleID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrModuleNotFound
		}
		return nil, err
	}
	return module, nil
}

// Enroll 重复报名返回已有记录
func (s *ProgressService) Enroll(ctx context.Context, userID, moduleID uint) (*model.Enrollment, error) {
	if _, err := s.findModule(ctx, moduleID); err != nil {
		return nil, err
	}
	if _, err := s.UserRepo.FindByID(ctx, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrUserNotFound
		}
		return nil, err
	}

	unlock, err := s.Locker.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var enrollment *model.Enrollment
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.EnrollmentRepo.WithTx(tx)
		existing, err := repo.Find(ctx, userID, moduleID)
		if err == nil {
			enrollment = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := s.Clock()
		enrollment = &model.Enrollment{
			UserID:         userID,
			ModuleID:       moduleID,
			EnrolledAt:     now,
			LastAccessedAt: now,
		}
		if err := repo.Create(ctx, enrollment); err != nil {
			return err
		}
		return s.Stats.RecordEnrollment(ctx, tx, moduleID)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// 其他实例已创建
		return s.EnrollmentRepo.Find(ctx, userID, moduleID)
	}
	if err != nil {
		return nil, err
	}
	return enrollment, nil
}

// UpdateProgress 记录章节完成和学习时长。进度只增不减，首次达到 100 时记为完成并更新用户与模块统计
func (s *ProgressService) UpdateProgress(ctx context.Context, userID, moduleID uint, update ProgressUpdate) (*ProgressOutcome, error) {
	if err := update.validate(); err != nil {
		return nil, err
	}
	module, err := s.findModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}

	outcome, err := s.applyProgress(ctx, userID, module, update)
	if err != nil {
		return nil, err
	}

	outcome.Achievements = s.scan(ctx, userID)
	return outcome, nil
}

func (s *ProgressService) applyProgress(ctx context.Context, userID uint, module *model.LearningModule, update ProgressUpdate) (*ProgressOutcome, error) {
	unlock, err := s.Locker.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	outcome := &ProgressOutcome{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.EnrollmentRepo.WithTx(tx)
		enrollment, err := repo.Find(ctx, userID, module.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return util.ErrNotEnrolled
			}
			return err
		}

		if update.ChapterID > 0 && !enrollment.HasChapter(update.ChapterID) {
			enrollment.CompletedChapters = append(enrollment.CompletedChapters, update.ChapterID)
		}
		progress := enrollment.Progress
		if module.ChapterCount > 0 {
			derived := len(enrollment.CompletedChapters) * 100 / module.ChapterCount
			if derived > 100 {
				derived = 100
			}
			if derived > progress {
				progress = derived
			}
		}
		if update.Progress != nil && *update.Progress > progress {
			progress = *update.Progress
		}
		if update.Score != nil && *update.Score > enrollment.BestScore {
			enrollment.BestScore = *update.Score
		}
		enrollment.Progress = progress
		enrollment.TimeSpent += update.TimeSpent
		enrollment.LastAccessedAt = s.Clock()
		if err := repo.Save(ctx, enrollment); err != nil {
			return err
		}
		outcome.Enrollment = enrollment

		if progress < 100 || enrollment.CompletedAt != nil {
			return nil
		}
		completedAt := s.Clock()
		enrollment.CompletedAt = &completedAt
		rows, err := repo.MarkCompleted(ctx, enrollment.ID, enrollment)
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil
		}
		outcome.ModuleCompleted = true
		return s.recordCompletion(ctx, tx, userID, module, enrollment)
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *ProgressService) recordCompletion(ctx context.Context, tx *gorm.DB, userID uint, module *model.LearningModule, enrollment *model.Enrollment) error {
	if _, err := s.Stats.RecordCompletion(ctx, tx, module, enrollment.TimeSpent); err != nil {
		return err
	}

	user, err := s.UserRepo.WithTx(tx).FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrUserNotFound
		}
		return err
	}
	avg := SmoothCompletionTime(user.Stats.AverageCompletionTime, enrollment.TimeSpent,
		int64(user.Stats.ModulesCompleted), s.Settings.Get().LegacyCompletionSmoothing)
	credit := repository.ModuleCompletionCredit{
		Points:                module.Points,
		Perfect:               enrollment.BestScore == 100,
		AverageCompletionTime: avg,
	}
	return s.UserRepo.WithTx(tx).ApplyModuleCompletion(ctx, userID, credit)
}

// RateModule 评分 1-5，可以修改已有评分
func (s *ProgressService) RateModule(ctx context.Context, userID, moduleID uint, rating int) (*ScanReport, error) {
	if rating < 1 || rating > 5 {
		return nil, util.ErrInvalidRating
	}
	if _, err := s.findModule(ctx, moduleID); err != nil {
		return nil, err
	}

	if err := s.applyRating(ctx, userID, moduleID, rating); err != nil {
		return nil, err
	}
	return s.scan(ctx, userID), nil
}

func (s *ProgressService) applyRating(ctx context.Context, userID, moduleID uint, rating int) error {
	unlock, err := s.Locker.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.EnrollmentRepo.WithTx(tx)
		enrollment, err := repo.Find(ctx, userID, moduleID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return util.ErrNotEnrolled
			}
			return err
		}
		old := enrollment.Rating
		if old == rating {
			return nil
		}
		enrollment.Rating = rating
		if err := repo.Save(ctx, enrollment); err != nil {
			return err
		}
		if err := s.Stats.RecordRating(ctx, tx, moduleID, old, rating); err != nil {
			return err
		}
		avg, err := repo.AverageRatingGiven(ctx, userID)
		if err != nil {
			return err
		}
		return s.UserRepo.WithTx(tx).UpdateAverageRating(ctx, userID, avg)
	})
}

// scan 统计已提交，扫描失败只记录日志
func (s *ProgressService) scan(ctx context.Context, userID uint) *ScanReport {
	report, err := s.Achievements.ScanForUser(ctx, userID)
	if err != nil {
		logger.Log.Error("Achievement scan after progress update failed",
			zap.Uint("userID", userID),
			zap.Error(err))
		return nil
	}
	return report
}
