package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"training_portal_backend/internal/config"
	"training_portal_backend/internal/model"
	"training_portal_backend/internal/repository"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbCounter int64

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("file:service_test_%d?mode=memory&cache=shared", atomic.AddInt64(&dbCounter, 1))
	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库只有一个连接，事务内必须使用 tx
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	return db
}

type sentEvent struct {
	UserID uint
	Event  NotificationEvent
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (n *recordingNotifier) Notify(userID uint, event NotificationEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{UserID: userID, Event: event})
}

func (n *recordingNotifier) sent() []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentEvent(nil), n.events...)
}

type testEnv struct {
	db           *gorm.DB
	settings     *EngineSettings
	users        *repository.UserRepository
	modules      *repository.ModuleRepository
	enrollments  *repository.EnrollmentRepository
	achievements *repository.AchievementRepository
	userAchs     *repository.UserAchievementRepository
	stats        *AggregateStatsUpdater
	ledger       *RewardLedger
	catalog      *CatalogCache
	notifier     *recordingNotifier
	scanner      *AchievementService
	progress     *ProgressService
	activity     *ActivityService
	reconcile    *ReconcileService
}

func newTestEnv(t *testing.T, tweaks ...func(cfg *config.EngineConfig)) *testEnv {
	t.Helper()
	cfg := config.DefaultEngineConfig()
	for _, tweak := range tweaks {
		tweak(&cfg)
	}

	db := setupTestDB(t)
	env := &testEnv{
		db:           db,
		settings:     NewEngineSettings(cfg),
		users:        repository.NewUserRepository(db),
		modules:      repository.NewModuleRepository(db),
		enrollments:  repository.NewEnrollmentRepository(db),
		achievements: repository.NewAchievementRepository(db),
		userAchs:     repository.NewUserAchievementRepository(db),
		notifier:     &recordingNotifier{},
	}
	locker := NewUserLock(nil, cfg.LockTTL, cfg.LockWait)
	env.stats = NewAggregateStatsUpdater(db, env.achievements, env.userAchs, env.modules, env.users, env.settings)
	env.ledger = NewRewardLedger(db, env.users, env.achievements, env.userAchs, env.stats, locker, env.settings)
	env.catalog = NewCatalogCache(env.achievements, nil, env.settings)
	env.scanner = NewAchievementService(env.users, env.achievements, env.userAchs, env.catalog, env.ledger, env.notifier, env.settings)
	env.progress = NewProgressService(db, env.users, env.modules, env.enrollments, env.stats, env.scanner, locker, env.settings)
	env.activity = NewActivityService(db, env.users, env.scanner, locker)
	env.reconcile = NewReconcileService(db, env.achievements, env.userAchs, env.stats)
	return env
}

func (e *testEnv) createUser(t *testing.T, email string, stats model.UserStatistics) *model.User {
	t.Helper()
	user := &model.User{Name: email, Email: email, Role: model.Learner, Stats: stats}
	require.NoError(t, e.users.Create(context.Background(), user))
	return user
}

func (e *testEnv) setStat(t *testing.T, userID uint, column string, value int) {
	t.Helper()
	require.NoError(t, e.db.Model(&model.User{}).Where("id = ?", userID).Update(column, value).Error)
}

func newAchievement(title string, kind model.CriteriaKind, target int) *model.Achievement {
	return &model.Achievement{
		Title:    title,
		Category: model.CategoryLearning,
		Type:     model.AchievementIndividual,
		Tier:     model.TierBronze,
		Rarity:   model.RarityCommon,
		Criteria: model.AchievementCriteria{
			Kind:      kind,
			Target:    target,
			Timeframe: model.TimeframeAllTime,
		},
		Rewards:  model.AchievementRewards{Points: 100},
		IsActive: true,
	}
}

func (e *testEnv) createAchievement(t *testing.T, a *model.Achievement) *model.Achievement {
	t.Helper()
	require.NoError(t, e.achievements.Create(context.Background(), a))
	return a
}

func (e *testEnv) reloadUser(t *testing.T, id uint) *model.User {
	t.Helper()
	user, err := e.users.FindByID(context.Background(), id)
	require.NoError(t, err)
	return user
}

func (e *testEnv) reloadAchievement(t *testing.T, id uint) *model.Achievement {
	t.Helper()
	a, err := e.achievements.FindByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
