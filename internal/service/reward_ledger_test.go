package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"training_portal_backend/internal/config"
	"training_portal_backend/internal/model"
	"training_portal_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func evaluateFor(t *testing.T, env *testEnv, userID uint, a *model.Achievement) ProgressResult {
	t.Helper()
	snapshot, err := env.users.LoadSnapshot(context.Background(), userID)
	require.NoError(t, err)
	return EvaluateCriteria(a.Criteria, snapshot, nil)
}

func TestAward_UnlocksAndCreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "ada@example.com", model.UserStatistics{ModulesCompleted: 3})
	a := env.createAchievement(t, newAchievement("Five modules", model.CriteriaModulesCompleted, 5))

	// 未达标：只记录进度
	result, err := env.ledger.Award(ctx, user.ID, a.ID, evaluateFor(t, env, user.ID, a))
	require.NoError(t, err)
	assert.False(t, result.Awarded)
	assert.Equal(t, ReasonInProgress, result.Reason)
	assert.Equal(t, 60, result.Progress)

	env.setStat(t, user.ID, "stat_modules_completed", 5)
	result, err = env.ledger.Award(ctx, user.ID, a.ID, evaluateFor(t, env, user.ID, a))
	require.NoError(t, err)
	assert.True(t, result.Awarded)
	assert.True(t, result.NewlyUnlocked)
	assert.Equal(t, ReasonUnlocked, result.Reason)
	assert.Equal(t, 100, result.Progress)
	require.NotNil(t, result.UnlockedAt)

	entry, err := env.userAchs.Find(ctx, user.ID, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, entry.UnlockedAt)
	assert.NotNil(t, entry.AggregatedAt)
	assert.Equal(t, 100, entry.Progress)
	assert.Equal(t, model.TierBronze, entry.Tier)

	stored := env.reloadAchievement(t, a.ID)
	assert.Equal(t, int64(1), stored.Stats.TotalUnlocked)
	assert.NotNil(t, stored.Stats.FirstUnlockedAt)
	assert.NotNil(t, stored.Stats.LastUnlockedAt)

	credited := env.reloadUser(t, user.ID)
	assert.Equal(t, 100, credited.Points)
	assert.Equal(t, 200, credited.XP)
	assert.Equal(t, 10, credited.Coins)
	assert.Equal(t, 100, credited.Stats.TotalPoints)
	assert.Equal(t, 1, credited.Stats.AchievementsUnlocked)

	// 再次发放：进度保持 100，不重复入账
	env.setStat(t, user.ID, "stat_modules_completed", 7)
	result, err = env.ledger.Award(ctx, user.ID, a.ID, evaluateFor(t, env, user.ID, a))
	require.NoError(t, err)
	assert.False(t, result.Awarded)
	assert.Equal(t, ReasonAlreadyUnlocked, result.Reason)
	assert.Equal(t, 100, result.Progress)

	assert.Equal(t, int64(1), env.reloadAchievement(t, a.ID).Stats.TotalUnlocked)
	again := env.reloadUser(t, user.ID)
	assert.Equal(t, 100, again.Points)
	assert.Equal(t, 200, again.XP)
	assert.Equal(t, 1, again.Stats.AchievementsUnlocked)
}

func TestAward_ProgressNeverDecreases(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "grace@example.com", model.UserStatistics{})
	a := env.createAchievement(t, newAchievement("Ten logins", model.CriteriaLoginCount, 10))

	_, err := env.ledger.Award(ctx, user.ID, a.ID, ProgressResult{ProgressPercent: 70, Target: 10})
	require.NoError(t, err)

	result, err := env.ledger.Award(ctx, user.ID, a.ID, ProgressResult{ProgressPercent: 30, Target: 10})
	require.NoError(t, err)
	assert.Equal(t, 70, result.Progress)

	entry, err := env.userAchs.Find(ctx, user.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, entry.Progress)
	assert.Nil(t, entry.UnlockedAt)
}

func TestAward_ZeroProgressCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "zero@example.com", model.UserStatistics{})
	a := env.createAchievement(t, newAchievement("Friends", model.CriteriaFriendsCount, 3))

	result, err := env.ledger.Award(ctx, user.ID, a.ID, ProgressResult{Target: 3})
	require.NoError(t, err)
	assert.Equal(t, ReasonInProgress, result.Reason)

	_, err = env.userAchs.Find(ctx, user.ID, a.ID)
	assert.Error(t, err)
}

func TestAward_ConcurrentCallsCreditOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "race@example.com", model.UserStatistics{LoginCount: 5})
	a := env.createAchievement(t, newAchievement("Five logins", model.CriteriaLoginCount, 5))
	progress := evaluateFor(t, env, user.ID, a)
	require.True(t, progress.MeetsThreshold)

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	awarded := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.ledger.Award(ctx, user.ID, a.ID, progress)
			if !assert.NoError(t, err) {
				return
			}
			if result.Awarded {
				mu.Lock()
				awarded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, awarded)
	assert.Equal(t, 100, env.reloadUser(t, user.ID).Points)
	assert.Equal(t, int64(1), env.reloadAchievement(t, a.ID).Stats.TotalUnlocked)
}

func TestAward_LimitedCapacity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.createUser(t, "first@example.com", model.UserStatistics{HelpGiven: 5})
	second := env.createUser(t, "second@example.com", model.UserStatistics{HelpGiven: 5})

	limited := newAchievement("Founding mentor", model.CriteriaHelpGiven, 5)
	limited.IsLimited = true
	limited.MaxUnlocks = 1
	env.createAchievement(t, limited)

	result, err := env.ledger.Award(ctx, first.ID, limited.ID, evaluateFor(t, env, first.ID, limited))
	require.NoError(t, err)
	assert.True(t, result.Awarded)

	result, err = env.ledger.Award(ctx, second.ID, limited.ID, evaluateFor(t, env, second.ID, limited))
	require.NoError(t, err)
	assert.False(t, result.Awarded)
	assert.Equal(t, ReasonCapacityExceeded, result.Reason)
	assert.Equal(t, 100, result.Progress)

	entry, err := env.userAchs.Find(ctx, second.ID, limited.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, entry.Progress)
	assert.Nil(t, entry.UnlockedAt)

	assert.Equal(t, int64(1), env.reloadAchievement(t, limited.ID).Stats.TotalUnlocked)
	assert.Equal(t, 0, env.reloadUser(t, second.ID).Points)
}

func TestRecordUnlock_EnforcesCapacityInUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	limited := newAchievement("Only one", model.CriteriaHelpGiven, 5)
	limited.IsLimited = true
	limited.MaxUnlocks = 1
	env.createAchievement(t, limited)

	ok, err := env.stats.RecordUnlock(ctx, env.db, limited, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	// limited 仍是读取时的旧数据，容量由 UPDATE 条件判断
	ok, err = env.stats.RecordUnlock(ctx, env.db, limited, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), env.reloadAchievement(t, limited.ID).Stats.TotalUnlocked)

	open := env.createAchievement(t, newAchievement("Unlimited", model.CriteriaHelpGiven, 5))
	for i := 0; i < 3; i++ {
		ok, err = env.stats.RecordUnlock(ctx, env.db, open, time.Now())
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, int64(3), env.reloadAchievement(t, open.ID).Stats.TotalUnlocked)
}

func TestAward_GrantsItemsAndSpecialUnlocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "items@example.com", model.UserStatistics{PerfectScores: 1})

	xp := 5
	a := newAchievement("Flawless", model.CriteriaPerfectScores, 1)
	a.Rewards = model.AchievementRewards{
		Points:             40,
		XP:                 &xp,
		Tokens:             2,
		Items:              []model.RewardItem{{Code: "badge-frame", Quantity: 1}, {Code: "hint", Quantity: 3}},
		SpecialTitle:       "Perfectionist",
		SpecialDescription: "Scored 100 on a module",
		SpecialFeatures:    []string{"gold-name"},
	}
	env.createAchievement(t, a)

	result, err := env.ledger.Award(ctx, user.ID, a.ID, evaluateFor(t, env, user.ID, a))
	require.NoError(t, err)
	require.True(t, result.Awarded)

	credited := env.reloadUser(t, user.ID)
	assert.Equal(t, 40, credited.Points)
	assert.Equal(t, 5, credited.XP)
	assert.Equal(t, 4, credited.Coins)
	assert.Equal(t, 2, credited.Tokens)

	var items []model.UserItem
	require.NoError(t, env.db.Where("user_id = ?", user.ID).Order("id").Find(&items).Error)
	require.Len(t, items, 2)
	assert.Equal(t, "hint", items[1].Code)
	assert.Equal(t, 3, items[1].Quantity)

	var special model.UserSpecialUnlock
	require.NoError(t, env.db.Where("user_id = ? AND achievement_id = ?", user.ID, a.ID).First(&special).Error)
	assert.Equal(t, "Perfectionist", special.Title)
	assert.Equal(t, []string{"gold-name"}, []string(special.Features))
}

func TestAward_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "errs@example.com", model.UserStatistics{})
	inactive := newAchievement("Retired", model.CriteriaLoginCount, 1)
	inactive.IsActive = false
	env.createAchievement(t, inactive)
	active := env.createAchievement(t, newAchievement("Active", model.CriteriaLoginCount, 1))

	_, err := env.ledger.Award(ctx, user.ID, 9999, ProgressResult{ProgressPercent: 100, MeetsThreshold: true})
	assert.ErrorIs(t, err, util.ErrAchievementNotFound)

	_, err = env.ledger.Award(ctx, user.ID, inactive.ID, ProgressResult{ProgressPercent: 100, MeetsThreshold: true})
	assert.ErrorIs(t, err, util.ErrAchievementInactive)

	_, err = env.ledger.Award(ctx, 9999, active.ID, ProgressResult{ProgressPercent: 100, MeetsThreshold: true})
	assert.ErrorIs(t, err, util.ErrUserNotFound)
}

func TestAward_SplitTransactionLeavesAggregationPending(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.EngineConfig) { cfg.CrossEntityTx = false })
	ctx := context.Background()
	user := env.createUser(t, "split@example.com", model.UserStatistics{LoginCount: 2})
	a := env.createAchievement(t, newAchievement("Two logins", model.CriteriaLoginCount, 2))

	failAggregates(t, env)

	result, err := env.ledger.Award(ctx, user.ID, a.ID, evaluateFor(t, env, user.ID, a))
	require.NoError(t, err)
	assert.True(t, result.Awarded)

	// 用户侧已提交，成就侧未计入
	assert.Equal(t, 100, env.reloadUser(t, user.ID).Points)
	assert.Equal(t, int64(0), env.reloadAchievement(t, a.ID).Stats.TotalUnlocked)

	entry, err := env.userAchs.Find(ctx, user.ID, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, entry.UnlockedAt)
	assert.Nil(t, entry.AggregatedAt)
}

func TestAward_SplitTransactionAggregatesAfterCommit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.EngineConfig) { cfg.CrossEntityTx = false })
	ctx := context.Background()
	user := env.createUser(t, "after@example.com", model.UserStatistics{LoginCount: 2})
	a := env.createAchievement(t, newAchievement("Two logins", model.CriteriaLoginCount, 2))

	result, err := env.ledger.Award(ctx, user.ID, a.ID, evaluateFor(t, env, user.ID, a))
	require.NoError(t, err)
	assert.True(t, result.Awarded)
	assert.Equal(t, int64(1), env.reloadAchievement(t, a.ID).Stats.TotalUnlocked)

	entry, err := env.userAchs.Find(ctx, user.ID, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, entry.AggregatedAt)
}

func TestAggregateAfterCommit_SkipsEntryAlreadyReconciled(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.EngineConfig) { cfg.CrossEntityTx = false })
	ctx := context.Background()
	user := env.createUser(t, "late@example.com", model.UserStatistics{LoginCount: 2})
	a := env.createAchievement(t, newAchievement("Two logins", model.CriteriaLoginCount, 2))

	failAggregates(t, env)
	result, err := env.ledger.Award(ctx, user.ID, a.ID, evaluateFor(t, env, user.ID, a))
	require.NoError(t, err)
	require.True(t, result.Awarded)
	restoreAggregates(t, env)

	report, err := env.reconcile.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.AppliedAggregations)

	// 发放后的聚合步骤晚于对账执行，不能再计一次
	entry, err := env.userAchs.Find(ctx, user.ID, a.ID)
	require.NoError(t, err)
	require.NotNil(t, entry.UnlockedAt)
	env.ledger.aggregateAfterCommit(ctx, user.ID, env.reloadAchievement(t, a.ID), entry.ID, *entry.UnlockedAt)

	assert.Equal(t, int64(1), env.reloadAchievement(t, a.ID).Stats.TotalUnlocked)

	report, err = env.reconcile.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.AppliedAggregations)
	assert.Empty(t, report.Unresolved)
}

func TestAward_RetriesOnceOnWriteConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "retry@example.com", model.UserStatistics{LoginCount: 3})
	a := env.createAchievement(t, newAchievement("Three logins", model.CriteriaLoginCount, 3))
	failed := failCredits(t, env, 1, errors.New("database is locked"))

	result, err := env.ledger.Award(ctx, user.ID, a.ID, evaluateFor(t, env, user.ID, a))
	require.NoError(t, err)
	assert.True(t, result.Awarded)
	assert.Equal(t, int32(1), failed.Load())

	assert.Equal(t, 100, env.reloadUser(t, user.ID).Points)
	assert.Equal(t, int64(1), env.reloadAchievement(t, a.ID).Stats.TotalUnlocked)
}

func TestAward_SecondConflictIsReturned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "conflict@example.com", model.UserStatistics{LoginCount: 3})
	a := env.createAchievement(t, newAchievement("Three logins", model.CriteriaLoginCount, 3))
	failed := failCredits(t, env, 2, gorm.ErrDuplicatedKey)

	_, err := env.ledger.Award(ctx, user.ID, a.ID, evaluateFor(t, env, user.ID, a))
	assert.ErrorIs(t, err, util.ErrPersistenceConflict)
	assert.Equal(t, int32(2), failed.Load())

	// 两次尝试都已回滚
	assert.Zero(t, env.reloadUser(t, user.ID).Points)
	assert.Equal(t, int64(0), env.reloadAchievement(t, a.ID).Stats.TotalUnlocked)
	_, err = env.userAchs.Find(ctx, user.ID, a.ID)
	assert.Error(t, err)
}

func TestTranslateAwardError(t *testing.T) {
	conflicts := []error{
		gorm.ErrDuplicatedKey,
		errors.New("Error 1213: Deadlock found when trying to get lock"),
		errors.New("database is locked"),
		errors.New("ERROR: could not serialize access due to concurrent update"),
		errors.New("UNIQUE constraint failed: user_achievements.user_id"),
	}
	for _, err := range conflicts {
		assert.ErrorIs(t, translateAwardError(err), util.ErrPersistenceConflict, err.Error())
	}

	other := errors.New("disk full")
	assert.Same(t, other, translateAwardError(other))
	assert.NotErrorIs(t, translateAwardError(util.ErrUserNotFound), util.ErrPersistenceConflict)
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, uint) (func(), error) { return func() {}, nil }

func TestAward_ConcurrentCallsCreditOnceWithoutLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "nolock@example.com", model.UserStatistics{LoginCount: 5})
	a := env.createAchievement(t, newAchievement("Five logins", model.CriteriaLoginCount, 5))
	progress := evaluateFor(t, env, user.ID, a)
	require.True(t, progress.MeetsThreshold)

	// 没有用户锁时只能依靠条件更新防止重复发放
	ledger := NewRewardLedger(env.db, env.users, env.achievements, env.userAchs, env.stats, noopLocker{}, env.settings)

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	awarded := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := ledger.Award(ctx, user.ID, a.ID, progress)
			if errors.Is(err, util.ErrPersistenceConflict) {
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			if result.Awarded {
				mu.Lock()
				awarded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, awarded)
	assert.Equal(t, 100, env.reloadUser(t, user.ID).Points)
	assert.Equal(t, 1, env.reloadUser(t, user.ID).Stats.AchievementsUnlocked)
	assert.Equal(t, int64(1), env.reloadAchievement(t, a.ID).Stats.TotalUnlocked)
}

func TestAward_UsesClock(t *testing.T) {
	env := newTestEnv(t)
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	env.ledger.Clock = fixedClock(at)
	user := env.createUser(t, "clock@example.com", model.UserStatistics{LoginCount: 1})
	a := env.createAchievement(t, newAchievement("First login", model.CriteriaLoginCount, 1))

	result, err := env.ledger.Award(context.Background(), user.ID, a.ID, evaluateFor(t, env, user.ID, a))
	require.NoError(t, err)
	require.NotNil(t, result.UnlockedAt)
	assert.True(t, result.UnlockedAt.Equal(at))
}

// failAggregates 让成就表的 UPDATE 失败，模拟成就侧写入故障
func failAggregates(t *testing.T, env *testEnv) {
	t.Helper()
	const name = "test:fail_achievement_updates"
	err := env.db.Callback().Update().Before("gorm:update").Register(name, func(db *gorm.DB) {
		if db.Statement.Table == "achievements" {
			db.AddError(errors.New("injected aggregate failure"))
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.db.Callback().Update().Remove(name) })
}

func restoreAggregates(t *testing.T, env *testEnv) {
	t.Helper()
	require.NoError(t, env.db.Callback().Update().Remove("test:fail_achievement_updates"))
}

// failCredits 让用户奖励写入的前 times 次返回 err
func failCredits(t *testing.T, env *testEnv, times int32, err error) *atomic.Int32 {
	t.Helper()
	const name = "test:fail_user_credits"
	var failed atomic.Int32
	cbErr := env.db.Callback().Update().Before("gorm:update").Register(name, func(db *gorm.DB) {
		if db.Statement.Table != "users" {
			return
		}
		if failed.Load() < times {
			failed.Add(1)
			db.AddError(err)
		}
	})
	require.NoError(t, cbErr)
	t.Cleanup(func() { _ = env.db.Callback().Update().Remove(name) })
	return &failed
}
