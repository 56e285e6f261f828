package service

import (
	"context"
	"errors"
	"math"
	"time"
	"training_portal_backend/internal/repository"
	"training_portal_backend/internal/util"
	"training_portal_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type SocialAction string

const (
	ActionFriendAdded      SocialAction = "friend_added"
	ActionTeamJoined       SocialAction = "team_joined"
	ActionTeamContribution SocialAction = "team_contribution"
	ActionHelpGiven        SocialAction = "help_given"
)

// 社交事件对应的统计列
var socialActionColumns = map[SocialAction]string{
	ActionFriendAdded:      "stat_friends_count",
	ActionTeamJoined:       "stat_teams_count",
	ActionTeamContribution: "stat_team_contributions",
	ActionHelpGiven:        "stat_help_given",
}

// ActivityService 登录与社交事件，更新统计后触发成就扫描
type ActivityService struct {
	DB           *gorm.DB
	UserRepo     *repository.UserRepository
	Achievements *AchievementService
	Locker       UserLocker
}

func NewActivityService(db *gorm.DB, userRepo *repository.UserRepository, achievements *AchievementService, locker UserLocker) *ActivityService {
	return &ActivityService{
		DB:           db,
		UserRepo:     userRepo,
		Achievements: achievements,
		Locker:       locker,
	}
}

type ActivityOutcome struct {
	Streak       int         `json:"streak,omitempty"`
	Achievements *ScanReport `json:"achievements,omitempty"`
}

// NextStreak 同一天不变，隔天 +1，否则重新从 1 开始
func NextStreak(current int, lastLogin *time.Time, at time.Time) int {
	if lastLogin == nil || current <= 0 {
		return 1
	}
	last := lastLogin.In(at.Location())
	lastDay := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, at.Location())
	today := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	days := int(math.Round(today.Sub(lastDay).Hours() / 24))
	switch {
	case days <= 0:
		return current
	case days == 1:
		return current + 1
	}
	return 1
}

func (s *ActivityService) RecordLogin(ctx context.Context, userID uint, at time.Time) (*ActivityOutcome, error) {
	streak, err := s.applyLogin(ctx, userID, at)
	if err != nil {
		return nil, err
	}
	return &ActivityOutcome{Streak: streak, Achievements: s.scan(ctx, userID)}, nil
}

func (s *ActivityService) applyLogin(ctx context.Context, userID uint, at time.Time) (int, error) {
	unlock, err := s.Locker.Lock(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var streak int
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.UserRepo.WithTx(tx)
		user, err := repo.FindByID(ctx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return util.ErrUserNotFound
			}
			return err
		}
		streak = NextStreak(user.Stats.Streak, user.LastLoginAt, at)
		return repo.RecordLogin(ctx, userID, streak, at)
	})
	return streak, err
}

func (s *ActivityService) RecordSocialAction(ctx context.Context, userID uint, action SocialAction) (*ActivityOutcome, error) {
	column, ok := socialActionColumns[action]
	if !ok {
		return nil, util.ErrUnknownAction
	}
	if err := s.UserRepo.IncrementStat(ctx, userID, column, 1); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrUserNotFound
		}
		return nil, err
	}
	return &ActivityOutcome{Achievements: s.scan(ctx, userID)}, nil
}

func (s *ActivityService) scan(ctx context.Context, userID uint) *ScanReport {
	report, err := s.Achievements.ScanForUser(ctx, userID)
	if err != nil {
		logger.Log.Error("Achievement scan after activity failed",
			zap.Uint("userID", userID),
			zap.Error(err))
		return nil
	}
	return report
}
