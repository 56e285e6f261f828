package service

import (
	"context"
	"errors"
	"testing"
	"time"
	"training_portal_backend/internal/model"
	"training_portal_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unlockedIDs(report *ScanReport) []uint {
	ids := make([]uint, 0, len(report.Unlocked))
	for _, u := range report.Unlocked {
		ids = append(ids, u.Achievement.ID)
	}
	return ids
}

func TestScanForUser_UnlocksQualifyingAchievements(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "scan@example.com", model.UserStatistics{LoginCount: 12, FriendsCount: 1})
	logins := env.createAchievement(t, newAchievement("Ten logins", model.CriteriaLoginCount, 10))
	friends := env.createAchievement(t, newAchievement("Five friends", model.CriteriaFriendsCount, 5))
	untouched := env.createAchievement(t, newAchievement("Helper", model.CriteriaHelpGiven, 3))

	report, err := env.scanner.ScanForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, report.ScanID)
	assert.Equal(t, []uint{logins.ID}, unlockedIDs(report))
	assert.Empty(t, report.Failures)

	entry, err := env.userAchs.Find(ctx, user.ID, friends.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, entry.Progress)

	_, err = env.userAchs.Find(ctx, user.ID, untouched.ID)
	assert.Error(t, err)

	events := env.notifier.sent()
	require.Len(t, events, 1)
	assert.Equal(t, model.NotificationAchievementUnlocked, events[0].Event.Type)
	assert.Equal(t, user.ID, events[0].UserID)

	// 第二次扫描没有新解锁，也不再通知
	report, err = env.scanner.ScanForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, report.Unlocked)
	assert.Len(t, env.notifier.sent(), 1)
}

func TestScanForUser_InvalidCriteriaIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "isolated@example.com", model.UserStatistics{LoginCount: 3})
	broken := env.createAchievement(t, newAchievement("Broken", "not_a_kind", 1))
	good := env.createAchievement(t, newAchievement("Three logins", model.CriteriaLoginCount, 3))

	report, err := env.scanner.ScanForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{good.ID}, unlockedIDs(report))
	require.Len(t, report.Failures, 1)
	assert.Equal(t, broken.ID, report.Failures[0].AchievementID)
	assert.Equal(t, FailureValidation, report.Failures[0].Kind)
}

func TestScanForUser_SeriesUnlocksInOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "series@example.com", model.UserStatistics{TotalPoints: 1000})

	// 后继先创建，ID 更小
	gold := newAchievement("Points III", model.CriteriaTotalPoints, 1000)
	gold.SeriesOrder = 3
	env.createAchievement(t, gold)
	bronze := newAchievement("Points I", model.CriteriaTotalPoints, 100)
	bronze.SeriesOrder = 1
	env.createAchievement(t, bronze)
	silver := newAchievement("Points II", model.CriteriaTotalPoints, 500)
	silver.SeriesOrder = 2
	env.createAchievement(t, silver)

	catalog := &CatalogService{AchievementRepo: env.achievements, Catalog: env.catalog}
	require.NoError(t, catalog.LinkSeries(ctx, bronze.ID, silver.ID))
	require.NoError(t, catalog.LinkSeries(ctx, silver.ID, gold.ID))

	report, err := env.scanner.ScanForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{bronze.ID, silver.ID, gold.ID}, unlockedIDs(report))

	var seriesEvents int
	for _, e := range env.notifier.sent() {
		if e.Event.Type == model.NotificationSeriesAdvanced {
			seriesEvents++
		}
	}
	assert.Equal(t, 2, seriesEvents)
}

func TestScanForUser_SuccessorWaitsForPredecessor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "gated@example.com", model.UserStatistics{TotalPoints: 600, LoginCount: 1})

	first := env.createAchievement(t, newAchievement("Ten logins", model.CriteriaLoginCount, 10))
	second := env.createAchievement(t, newAchievement("Points", model.CriteriaTotalPoints, 500))
	catalog := &CatalogService{AchievementRepo: env.achievements, Catalog: env.catalog}
	require.NoError(t, catalog.LinkSeries(ctx, first.ID, second.ID))

	report, err := env.scanner.ScanForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, report.Unlocked)

	// 后继成就没有任何进度记录
	_, err = env.userAchs.Find(ctx, user.ID, second.ID)
	assert.Error(t, err)
}

func TestScanForUser_InactivePredecessorDoesNotBlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "retired@example.com", model.UserStatistics{TotalPoints: 600, LoginCount: 1})

	bronze := env.createAchievement(t, newAchievement("Ten logins", model.CriteriaLoginCount, 10))
	silver := env.createAchievement(t, newAchievement("Points", model.CriteriaTotalPoints, 500))
	catalog := &CatalogService{AchievementRepo: env.achievements, Catalog: env.catalog}
	require.NoError(t, catalog.LinkSeries(ctx, bronze.ID, silver.ID))
	require.NoError(t, catalog.SetActive(ctx, bronze.ID, false))

	report, err := env.scanner.ScanForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{silver.ID}, unlockedIDs(report))
	assert.Empty(t, report.Failures)
}

func TestScanForUser_WriteConflictIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "locked@example.com", model.UserStatistics{LoginCount: 5, FriendsCount: 2})
	first := env.createAchievement(t, newAchievement("Five logins", model.CriteriaLoginCount, 5))
	second := env.createAchievement(t, newAchievement("Two friends", model.CriteriaFriendsCount, 2))

	// 第一个成就的发放及其重试都遇到锁冲突
	failCredits(t, env, 2, errors.New("database is locked"))

	report, err := env.scanner.ScanForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{second.ID}, unlockedIDs(report))
	require.Len(t, report.Failures, 1)
	assert.Equal(t, first.ID, report.Failures[0].AchievementID)
	assert.Equal(t, FailureConflict, report.Failures[0].Kind)

	// 下次扫描重新发放
	report, err = env.scanner.ScanForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{first.ID}, unlockedIDs(report))
	assert.Equal(t, 200, env.reloadUser(t, user.ID).Points)
}

func TestScanForUser_UnknownUser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.scanner.ScanForUser(context.Background(), 404)
	assert.ErrorIs(t, err, util.ErrUserNotFound)
}

func TestScanForUser_InactiveAchievementsIgnored(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "inactive@example.com", model.UserStatistics{LoginCount: 10})
	a := newAchievement("Retired", model.CriteriaLoginCount, 1)
	a.IsActive = false
	env.createAchievement(t, a)

	report, err := env.scanner.ScanForUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Empty(t, report.Unlocked)
	assert.Empty(t, report.Failures)
}

func TestOrderForScan(t *testing.T) {
	prev := uint(5)
	catalog := []model.Achievement{
		{BaseModel: model.BaseModel{ID: 2}, SeriesOrder: 0, PreviousAchievementID: &prev},
		{BaseModel: model.BaseModel{ID: 9}, SeriesOrder: 0},
		{BaseModel: model.BaseModel{ID: 5}, SeriesOrder: 1},
		{BaseModel: model.BaseModel{ID: 1}, SeriesOrder: 0},
	}

	ordered := orderForScan(catalog)
	ids := make([]uint, 0, len(ordered))
	for _, a := range ordered {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []uint{1, 9, 5, 2}, ids)
	// 入参不被修改
	assert.Equal(t, uint(2), catalog[0].ID)
}

func TestOrderForScan_Cycle(t *testing.T) {
	a, b := uint(1), uint(2)
	catalog := []model.Achievement{
		{BaseModel: model.BaseModel{ID: 1}, PreviousAchievementID: &b},
		{BaseModel: model.BaseModel{ID: 2}, PreviousAchievementID: &a},
	}
	assert.Len(t, orderForScan(catalog), 2)
}

func TestGuard(t *testing.T) {
	ctx := context.Background()

	err := guard(ctx, time.Second, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)

	sentinel := errors.New("boom")
	err = guard(ctx, time.Second, func(ctx context.Context) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	err = guard(ctx, 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, util.ErrScanTimeout)
	assert.Equal(t, FailureTimeout, classifyScanError(err))

	err = guard(ctx, time.Second, func(ctx context.Context) error { panic("bad criteria") })
	require.Error(t, err)
	assert.Equal(t, FailurePanic, classifyScanError(err))
	assert.Contains(t, err.Error(), "bad criteria")
}

func TestClassifyScanError(t *testing.T) {
	assert.Equal(t, FailureNotFound, classifyScanError(util.ErrAchievementInactive))
	assert.Equal(t, FailureConflict, classifyScanError(translateAwardError(errors.New("database is locked"))))
	assert.Equal(t, FailureError, classifyScanError(errors.New("disk full")))
}

func TestCheckCriteria_DoesNotWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "preview@example.com", model.UserStatistics{LoginCount: 4})
	a := env.createAchievement(t, newAchievement("Eight logins", model.CriteriaLoginCount, 8))

	result, err := env.scanner.CheckCriteria(ctx, user.ID, a.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 50, result.ProgressPercent)
	assert.False(t, result.MeetsThreshold)

	_, err = env.userAchs.Find(ctx, user.ID, a.ID)
	assert.Error(t, err)

	custom := env.createAchievement(t, newAchievement("Custom", model.CriteriaCustom, 10))
	result, err = env.scanner.CheckCriteria(ctx, user.ID, custom.ID, &CriteriaExtra{CustomValue: 10})
	require.NoError(t, err)
	assert.True(t, result.MeetsThreshold)

	_, err = env.scanner.CheckCriteria(ctx, user.ID, 9999, nil)
	assert.ErrorIs(t, err, util.ErrAchievementNotFound)
}

func TestListForUser_SecretsAndOrdering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	viewer := env.createUser(t, "viewer@example.com", model.UserStatistics{LoginCount: 1})

	gold := newAchievement("Gold", model.CriteriaLoginCount, 100)
	gold.Tier = model.TierGold
	env.createAchievement(t, gold)

	rareBronze := newAchievement("Rare bronze", model.CriteriaLoginCount, 50)
	rareBronze.Rarity = model.RarityRare
	env.createAchievement(t, rareBronze)

	commonBronze := env.createAchievement(t, newAchievement("Common bronze", model.CriteriaLoginCount, 10))

	hidden := newAchievement("Hidden", model.CriteriaLoginCount, 1000)
	hidden.IsSecret = true
	env.createAchievement(t, hidden)

	discovered := newAchievement("Discovered", model.CriteriaHelpGiven, 1000)
	discovered.IsSecret = true
	env.createAchievement(t, discovered)
	_, err := env.stats.RecordUnlock(ctx, env.db, discovered, time.Now())
	require.NoError(t, err)

	own := newAchievement("Own secret", model.CriteriaLoginCount, 1)
	own.IsSecret = true
	own.Tier = model.TierDiamond
	env.createAchievement(t, own)
	_, err = env.ledger.Award(ctx, viewer.ID, own.ID, evaluateFor(t, env, viewer.ID, own))
	require.NoError(t, err)

	views, err := env.scanner.ListForUser(ctx, viewer.ID)
	require.NoError(t, err)

	ids := make([]uint, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	assert.Equal(t, []uint{commonBronze.ID, discovered.ID, rareBronze.ID, gold.ID, own.ID}, ids)

	last := views[len(views)-1]
	assert.True(t, last.Unlocked)
	assert.Equal(t, 100, last.Progress)
	assert.NotContains(t, ids, hidden.ID)
}
