package service

import (
	"context"
	"errors"
	"time"
	"training_portal_backend/internal/repository"
	"training_portal_backend/pkg/logger"
	"training_portal_backend/pkg/monitoring"
	"training_portal_backend/pkg/tracing"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reconcileBatchSize = 500

var errAggregateRejected = errors.New("aggregation rejected by capacity")

type ReconcileReport struct {
	AppliedAggregations int    `json:"appliedAggregations"`
	RepairedCounts      int    `json:"repairedCounts"`
	Unresolved          []uint `json:"unresolved,omitempty"`
}

func (r *ReconcileReport) addUnresolved(achievementID uint) {
	for _, id := range r.Unresolved {
		if id == achievementID {
			return
		}
	}
	r.Unresolved = append(r.Unresolved, achievementID)
}

// ReconcileService 修复用户侧已提交、成就侧未计入的解锁
type ReconcileService struct {
	DB              *gorm.DB
	AchievementRepo *repository.AchievementRepository
	UserAchRepo     *repository.UserAchievementRepository
	Stats           *AggregateStatsUpdater
}

func NewReconcileService(
	db *gorm.DB,
	achievementRepo *repository.AchievementRepository,
	userAchRepo *repository.UserAchievementRepository,
	stats *AggregateStatsUpdater,
) *ReconcileService {
	return &ReconcileService{
		DB:              db,
		AchievementRepo: achievementRepo,
		UserAchRepo:     userAchRepo,
		Stats:           stats,
	}
}

// Reconcile 先补齐待计入的解锁，再用解锁记录重新推导 totalUnlocked。
// 推导值小于已存值时无法自动修复，记录错误并通过指标告警。
func (s *ReconcileService) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	ctx, span := tracing.StartSpan(ctx, "ReconcileService.Reconcile")
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	report := &ReconcileReport{}
	if err = s.applyPending(ctx, report); err != nil {
		return nil, err
	}

	derived, err := s.UserAchRepo.CountUnlockedByAchievement(ctx)
	if err != nil {
		return nil, err
	}
	achievements, err := s.AchievementRepo.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	for _, a := range achievements {
		count := derived[a.ID]
		switch {
		case a.IsLimited && count > a.MaxUnlocks:
			// 解锁记录已超过名额，不能把计数抬到上限之外
			report.addUnresolved(a.ID)
			logger.Log.Error("Limited achievement has more unlocks than its capacity",
				zap.Uint("achievementID", a.ID),
				zap.Int64("maxUnlocks", a.MaxUnlocks),
				zap.Int64("derived", count))
		case count > a.Stats.TotalUnlocked:
			var rows int64
			rows, err = s.AchievementRepo.RaiseTotalUnlocked(ctx, a.ID, count)
			if err != nil {
				return nil, err
			}
			if rows > 0 {
				report.RepairedCounts++
				monitoring.ReconcileRepairs.Inc()
				logger.Log.Warn("Repaired achievement unlock count",
					zap.Uint("achievementID", a.ID),
					zap.Int64("stored", a.Stats.TotalUnlocked),
					zap.Int64("derived", count))
			}
		case count < a.Stats.TotalUnlocked:
			report.addUnresolved(a.ID)
			logger.Log.Error("Achievement unlock count exceeds unlock entries",
				zap.Uint("achievementID", a.ID),
				zap.Int64("stored", a.Stats.TotalUnlocked),
				zap.Int64("derived", count))
		}
	}

	monitoring.ReconcileUnresolved.Set(float64(len(report.Unresolved)))
	if report.AppliedAggregations > 0 || report.RepairedCounts > 0 {
		logger.Log.Info("Reconciliation finished",
			zap.Int("applied", report.AppliedAggregations),
			zap.Int("repaired", report.RepairedCounts),
			zap.Int("unresolved", len(report.Unresolved)))
	}
	return report, nil
}

func (s *ReconcileService) applyPending(ctx context.Context, report *ReconcileReport) error {
	for {
		pending, err := s.UserAchRepo.PendingAggregation(ctx, reconcileBatchSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		applied, rejected := 0, 0
		for _, entry := range pending {
			achievement, err := s.AchievementRepo.FindByID(ctx, entry.AchievementID)
			if err != nil {
				// 成就已删除，不再计入，直接标记
				if errors.Is(err, gorm.ErrRecordNotFound) {
					if _, err := s.UserAchRepo.MarkAggregated(ctx, entry.ID, time.Now()); err != nil {
						return err
					}
					continue
				}
				return err
			}

			err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				rows, err := s.UserAchRepo.WithTx(tx).MarkAggregated(ctx, entry.ID, time.Now())
				if err != nil || rows == 0 {
					return err
				}
				ok, err := s.Stats.RecordUnlock(ctx, tx, achievement, *entry.UnlockedAt)
				if err != nil {
					return err
				}
				if !ok {
					// 限量成就名额已满，回滚标记，留给人工处理
					return errAggregateRejected
				}
				applied++
				return nil
			})
			if errors.Is(err, errAggregateRejected) {
				logger.Log.Error("Pending aggregation rejected by capacity",
					zap.Uint("userID", entry.UserID),
					zap.Uint("achievementID", entry.AchievementID),
					zap.Int64("maxUnlocks", achievement.MaxUnlocks))
				report.addUnresolved(entry.AchievementID)
				rejected++
				continue
			}
			if err != nil {
				return err
			}
		}
		report.AppliedAggregations += applied
		// 被拒绝的记录仍处于待计入状态，整批都被拒绝时停止，避免重复读取同一批
		if len(pending) < reconcileBatchSize || rejected == len(pending) {
			return nil
		}
	}
}
