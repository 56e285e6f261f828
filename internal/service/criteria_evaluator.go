package service

import (
	"fmt"
	"math"
	"training_portal_backend/internal/model"
	"training_portal_backend/internal/util"
)

// ProgressResult 单个成就条件的评估结果
type ProgressResult struct {
	MeetsThreshold  bool    `json:"meetsThreshold"`
	ProgressPercent int     `json:"progressPercent"`
	CurrentValue    float64 `json:"currentValue"`
	Target          int     `json:"target"`
}

// CriteriaExtra custom 类型条件的唯一扩展点，由调用方提供数值
type CriteriaExtra struct {
	CustomValue float64 `json:"customValue"`
}

// EvaluateCriteria 纯函数：只读取 criteria、快照和 extra，不访问存储和时钟
func EvaluateCriteria(criteria model.AchievementCriteria, snapshot *model.StatsSnapshot, extra *CriteriaExtra) ProgressResult {
	result := ProgressResult{Target: criteria.Target}
	if criteria.Target <= 0 || snapshot == nil {
		return result
	}

	current, ok := currentValue(criteria, snapshot, extra)
	// NaN 与 ±Inf 既不能判定达成，也无法 JSON 编码
	if !ok || math.IsNaN(current) || math.IsInf(current, 0) {
		return result
	}

	result.CurrentValue = current
	result.ProgressPercent = progressPercent(current, criteria.Target)
	result.MeetsThreshold = current >= float64(criteria.Target)
	return result
}

func progressPercent(current float64, target int) int {
	percent := int(math.Round(current / float64(target) * 100))
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

// currentValue 每种条件读取的统计量，新增 CriteriaKind 必须在这里处理
func currentValue(criteria model.AchievementCriteria, snapshot *model.StatsSnapshot, extra *CriteriaExtra) (float64, bool) {
	stats := snapshot.Stats
	switch criteria.Kind {
	case model.CriteriaModulesCompleted:
		return modulesCompleted(criteria, snapshot), true
	case model.CriteriaTotalPoints:
		return float64(stats.TotalPoints), true
	case model.CriteriaStreakDays:
		return float64(stats.Streak), true
	case model.CriteriaLoginCount:
		return float64(stats.LoginCount), true
	case model.CriteriaFriendsCount:
		return float64(stats.FriendsCount), true
	case model.CriteriaTeamsJoined:
		return float64(stats.TeamsCount), true
	case model.CriteriaSocialInteractions:
		return float64(stats.FriendsCount + stats.TeamsCount), true
	case model.CriteriaTeamContributions:
		return float64(stats.TeamContributions), true
	case model.CriteriaPerfectScores:
		return float64(stats.PerfectScores), true
	case model.CriteriaHelpGiven:
		return float64(stats.HelpGiven), true
	case model.CriteriaAverageRating:
		return stats.AverageRating, true
	case model.CriteriaAchievementsUnlocked:
		return float64(stats.AchievementsUnlocked), true
	case model.CriteriaCustom:
		if extra == nil {
			return 0, true
		}
		return extra.CustomValue, true
	}
	return 0, false
}

// modulesCompleted 无范围且 all_time 时直接使用计数器，否则按已完成模块明细过滤
func modulesCompleted(criteria model.AchievementCriteria, snapshot *model.StatsSnapshot) float64 {
	since := criteria.Timeframe.Since(snapshot.TakenAt)
	if len(criteria.ModuleIDs) == 0 && len(criteria.Categories) == 0 && since.IsZero() {
		return float64(snapshot.Stats.ModulesCompleted)
	}

	moduleIDs := make(map[uint]struct{}, len(criteria.ModuleIDs))
	for _, id := range criteria.ModuleIDs {
		moduleIDs[id] = struct{}{}
	}
	categories := make(map[string]struct{}, len(criteria.Categories))
	for _, c := range criteria.Categories {
		categories[c] = struct{}{}
	}

	count := 0
	for _, completion := range snapshot.Completions {
		if len(moduleIDs) > 0 {
			if _, ok := moduleIDs[completion.ModuleID]; !ok {
				continue
			}
		}
		if len(categories) > 0 {
			if _, ok := categories[completion.Category]; !ok {
				continue
			}
		}
		if !since.IsZero() && completion.CompletedAt.Before(since) {
			continue
		}
		count++
	}
	return float64(count)
}

func knownCriteriaKind(kind model.CriteriaKind) bool {
	for _, k := range model.AllCriteriaKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func knownTimeframe(tf model.Timeframe) bool {
	switch tf {
	case "", model.TimeframeDaily, model.TimeframeWeekly, model.TimeframeMonthly,
		model.TimeframeYearly, model.TimeframeAllTime:
		return true
	}
	return false
}

// ValidateCriteria 录入目录和扫描时使用，返回包装后的 ErrInvalidCriteria
func ValidateCriteria(criteria model.AchievementCriteria) error {
	if !knownCriteriaKind(criteria.Kind) {
		return fmt.Errorf("%w: unknown kind %q", util.ErrInvalidCriteria, criteria.Kind)
	}
	if criteria.Target <= 0 {
		return fmt.Errorf("%w: target must be positive, got %d", util.ErrInvalidCriteria, criteria.Target)
	}
	if !knownTimeframe(criteria.Timeframe) {
		return fmt.Errorf("%w: unknown timeframe %q", util.ErrInvalidCriteria, criteria.Timeframe)
	}
	if criteria.Kind != model.CriteriaModulesCompleted && (len(criteria.ModuleIDs) > 0 || len(criteria.Categories) > 0) {
		return fmt.Errorf("%w: scope only applies to %s", util.ErrInvalidCriteria, model.CriteriaModulesCompleted)
	}
	return nil
}

