package service

import (
	"context"
	"testing"
	"time"
	"training_portal_backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmoothCompletionTime(t *testing.T) {
	// 旧算法：与样本数无关
	assert.Equal(t, 30, SmoothCompletionTime(0, 60, 0, true))
	assert.Equal(t, 45, SmoothCompletionTime(30, 60, 5, true))
	assert.Equal(t, 23, SmoothCompletionTime(15, 30, 1, true))

	assert.Equal(t, 60, SmoothCompletionTime(0, 60, 0, false))
	assert.Equal(t, 35, SmoothCompletionTime(30, 60, 5, false))
	assert.Equal(t, 20, SmoothCompletionTime(10, 30, 1, false))
}

func TestRecomputeRatios(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.createAchievement(t, newAchievement("Half of everyone", model.CriteriaLoginCount, 1))
	env.createAchievement(t, newAchievement("Nobody", model.CriteriaHelpGiven, 100))

	u1 := env.createUser(t, "ratio1@example.com", model.UserStatistics{LoginCount: 1})
	env.createUser(t, "ratio2@example.com", model.UserStatistics{})
	disabled := env.createUser(t, "ratio3@example.com", model.UserStatistics{})
	require.NoError(t, env.db.Model(&model.User{}).Where("id = ?", disabled.ID).Update("disabled", true).Error)

	// 注册 48 小时后解锁
	env.ledger.Clock = fixedClock(u1.CreatedAt.Add(48 * time.Hour))
	result, err := env.ledger.Award(ctx, u1.ID, a.ID, evaluateFor(t, env, u1.ID, a))
	require.NoError(t, err)
	require.True(t, result.Awarded)

	module := &model.LearningModule{Title: "Rates", Category: "ops"}
	require.NoError(t, env.modules.Create(ctx, module))
	require.NoError(t, env.db.Model(module).Updates(map[string]interface{}{
		"stats_enrollment_count": 4,
		"stats_completion_count": 1,
	}).Error)

	require.NoError(t, env.stats.RecomputeRatios(ctx))

	stored := env.reloadAchievement(t, a.ID)
	assert.InDelta(t, 50.0, stored.Stats.UnlockRate, 0.0001)
	assert.InDelta(t, 48.0, stored.Stats.AverageTimeToUnlock, 0.01)

	storedModule, err := env.modules.FindByID(ctx, module.ID)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, storedModule.Stats.SuccessRate, 0.0001)
}

func TestEngineSettings_Update(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.settings.Get()
	assert.True(t, cfg.LegacyCompletionSmoothing)

	cfg.LegacyCompletionSmoothing = false
	cfg.AchievementTimeout = 5 * time.Second
	env.settings.Update(cfg)

	assert.False(t, env.settings.Get().LegacyCompletionSmoothing)
	assert.Equal(t, 5*time.Second, env.settings.Get().AchievementTimeout)
}
