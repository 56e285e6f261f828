package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
	"training_portal_backend/internal/model"
	"training_portal_backend/internal/repository"
	"training_portal_backend/internal/util"
	"training_portal_backend/pkg/logger"
	"training_portal_backend/pkg/monitoring"
	"training_portal_backend/pkg/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AchievementService struct {
	UserRepo        *repository.UserRepository
	AchievementRepo *repository.AchievementRepository
	UserAchRepo     *repository.UserAchievementRepository
	Catalog         *CatalogCache
	Ledger          *RewardLedger
	Notifier        Notifier
	Settings        *EngineSettings
}

func NewAchievementService(
	userRepo *repository.UserRepository,
	achievementRepo *repository.AchievementRepository,
	userAchRepo *repository.UserAchievementRepository,
	catalog *CatalogCache,
	ledger *RewardLedger,
	notifier Notifier,
	settings *EngineSettings,
) *AchievementService {
	return &AchievementService{
		UserRepo:        userRepo,
		AchievementRepo: achievementRepo,
		UserAchRepo:     userAchRepo,
		Catalog:         catalog,
		Ledger:          ledger,
		Notifier:        notifier,
		Settings:        settings,
	}
}

type NewlyUnlocked struct {
	Achievement     model.Achievement `json:"achievement"`
	ProgressPercent int               `json:"progressPercent"`
}

// 扫描失败分类，同时作为监控标签
const (
	FailureValidation = "validation"
	FailureNotFound   = "not_found"
	FailureConflict   = "conflict"
	FailureTimeout    = "timeout"
	FailurePanic      = "panic"
	FailureError      = "error"
)

type ScanFailure struct {
	AchievementID uint   `json:"achievementId"`
	Kind          string `json:"kind"`
	Error         string `json:"error"`
}

// ScanReport 单个成就失败不会中断扫描，失败项记录在 Failures 中
type ScanReport struct {
	ScanID   string          `json:"scanId"`
	UserID   uint            `json:"userId"`
	Unlocked []NewlyUnlocked `json:"unlocked"`
	Failures []ScanFailure   `json:"failures,omitempty"`
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// ScanForUser 对用户评估全部活跃成就，返回本次新解锁的成就
func (s *AchievementService) ScanForUser(ctx context.Context, userID uint) (*ScanReport, error) {
	ctx, span := tracing.StartSpan(ctx, "AchievementService.ScanForUser", attribute.Int64("user.id", int64(userID)))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	start := time.Now()
	defer func() { monitoring.AchievementScanDuration.Observe(time.Since(start).Seconds()) }()

	report := &ScanReport{ScanID: uuid.NewString(), UserID: userID, Unlocked: []NewlyUnlocked{}}

	snapshot, err := s.UserRepo.LoadSnapshot(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = util.ErrUserNotFound
		}
		return nil, err
	}

	catalog, err := s.Catalog.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := s.UserAchRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	unlocked := make(map[uint]bool, len(entries))
	for _, e := range entries {
		unlocked[e.AchievementID] = e.Unlocked()
	}

	// 前置成就已停用或删除时不再阻塞后续成就
	active := make(map[uint]bool, len(catalog))
	for _, a := range catalog {
		active[a.ID] = true
	}

	timeout := s.Settings.Get().AchievementTimeout
	for _, achievement := range orderForScan(catalog) {
		achievement := achievement
		if unlocked[achievement.ID] {
			continue
		}
		if prev := achievement.PreviousAchievementID; prev != nil && active[*prev] && !unlocked[*prev] {
			continue
		}

		if verr := ValidateCriteria(achievement.Criteria); verr != nil {
			logger.Log.Warn("Skipping achievement with invalid criteria",
				zap.String("scanID", report.ScanID),
				zap.Uint("achievementID", achievement.ID),
				zap.Error(verr))
			s.recordFailure(report, achievement.ID, FailureValidation, verr)
			continue
		}

		var result *AwardResult
		gerr := guard(ctx, timeout, func(ctx context.Context) error {
			progress := EvaluateCriteria(achievement.Criteria, snapshot, nil)
			if progress.ProgressPercent <= 0 {
				return nil
			}
			r, err := s.Ledger.Award(ctx, userID, achievement.ID, progress)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		if gerr != nil {
			s.recordFailure(report, achievement.ID, classifyScanError(gerr), gerr)
			continue
		}

		if result != nil && result.NewlyUnlocked {
			unlocked[achievement.ID] = true
			report.Unlocked = append(report.Unlocked, NewlyUnlocked{
				Achievement:     achievement,
				ProgressPercent: result.Progress,
			})
		}
	}

	// 所有发放事务均已提交
	for i := range report.Unlocked {
		a := &report.Unlocked[i].Achievement
		s.Notifier.Notify(userID, unlockEvent(a, report.Unlocked[i].ProgressPercent))
		if a.NextAchievementID != nil {
			s.Notifier.Notify(userID, seriesEvent(a))
		}
	}

	if len(report.Unlocked) > 0 || len(report.Failures) > 0 {
		logger.Log.Info("Achievement scan finished",
			zap.String("scanID", report.ScanID),
			zap.Uint("userID", userID),
			zap.Int("unlocked", len(report.Unlocked)),
			zap.Int("failures", len(report.Failures)))
	}
	return report, nil
}

func (s *AchievementService) recordFailure(report *ScanReport, achievementID uint, kind string, err error) {
	monitoring.AchievementScanFailures.WithLabelValues(kind).Inc()
	report.Failures = append(report.Failures, ScanFailure{
		AchievementID: achievementID,
		Kind:          kind,
		Error:         err.Error(),
	})
	if kind != FailureNotFound && kind != FailureValidation {
		logger.Log.Error("Achievement processing failed",
			zap.String("scanID", report.ScanID),
			zap.Uint("userID", report.UserID),
			zap.Uint("achievementID", achievementID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

func classifyScanError(err error) string {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return FailurePanic
	case errors.Is(err, util.ErrScanTimeout):
		return FailureTimeout
	case errors.Is(err, util.ErrAchievementNotFound),
		errors.Is(err, util.ErrAchievementInactive),
		errors.Is(err, util.ErrUserNotFound):
		return FailureNotFound
	case errors.Is(err, util.ErrPersistenceConflict):
		return FailureConflict
	}
	return FailureError
}

// guard 为单个成就设置超时并捕获 panic
func guard(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &panicError{value: r}
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", util.ErrScanTimeout, timeout)
	}
}

// orderForScan 按 (series_order, id) 排序，并保证系列成员排在前驱之后
func orderForScan(catalog []model.Achievement) []model.Achievement {
	sorted := append([]model.Achievement(nil), catalog...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SeriesOrder != sorted[j].SeriesOrder {
			return sorted[i].SeriesOrder < sorted[j].SeriesOrder
		}
		return sorted[i].ID < sorted[j].ID
	})

	present := make(map[uint]bool, len(sorted))
	for _, a := range sorted {
		present[a.ID] = true
	}

	ordered := make([]model.Achievement, 0, len(sorted))
	emitted := make(map[uint]bool, len(sorted))
	pending := sorted
	for len(pending) > 0 {
		var next []model.Achievement
		for _, a := range pending {
			prev := a.PreviousAchievementID
			if prev == nil || !present[*prev] || emitted[*prev] {
				ordered = append(ordered, a)
				emitted[a.ID] = true
				continue
			}
			next = append(next, a)
		}
		if len(next) == len(pending) {
			// 环形链接，按原顺序输出
			ordered = append(ordered, next...)
			break
		}
		pending = next
	}
	return ordered
}

// CheckCriteria 预览用户在某个成就上的进度，不做任何写入
func (s *AchievementService) CheckCriteria(ctx context.Context, userID, achievementID uint, extra *CriteriaExtra) (*ProgressResult, error) {
	achievement, err := s.AchievementRepo.FindByID(ctx, achievementID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrAchievementNotFound
		}
		return nil, err
	}
	snapshot, err := s.UserRepo.LoadSnapshot(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrUserNotFound
		}
		return nil, err
	}
	result := EvaluateCriteria(achievement.Criteria, snapshot, extra)
	return &result, nil
}

type AchievementView struct {
	model.Achievement
	Progress   int        `json:"progress"`
	Unlocked   bool       `json:"unlocked"`
	UnlockedAt *time.Time `json:"unlockedAt,omitempty"`
}

// ListForUser 展示用目录：隐藏成就只有在有人解锁过或本人已解锁时可见，按等级、稀有度排序
func (s *AchievementService) ListForUser(ctx context.Context, userID uint) ([]AchievementView, error) {
	catalog, err := s.Catalog.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.UserAchRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	byAchievement := make(map[uint]model.UserAchievement, len(entries))
	for _, e := range entries {
		byAchievement[e.AchievementID] = e
	}

	views := make([]AchievementView, 0, len(catalog))
	for _, a := range catalog {
		entry, hasEntry := byAchievement[a.ID]
		ownUnlock := hasEntry && entry.Unlocked()
		if a.IsSecret && a.Stats.TotalUnlocked == 0 && !ownUnlock {
			continue
		}
		view := AchievementView{Achievement: a}
		if hasEntry {
			view.Progress = entry.Progress
			view.Unlocked = ownUnlock
			view.UnlockedAt = entry.UnlockedAt
		}
		views = append(views, view)
	}

	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i].Achievement, views[j].Achievement
		if a.Tier.Rank() != b.Tier.Rank() {
			return a.Tier.Rank() < b.Tier.Rank()
		}
		if a.Rarity.Rank() != b.Rarity.Rank() {
			return a.Rarity.Rank() < b.Rarity.Rank()
		}
		return a.ID < b.ID
	})
	return views, nil
}
