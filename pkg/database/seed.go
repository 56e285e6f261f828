package database

import (
	"log"
	"training_portal_backend/internal/model"

	"gorm.io/gorm"
)

func intPtr(v int) *int { return &v }

func defaultAchievement(title, desc string, category model.AchievementCategory, tier model.AchievementTier,
	rarity model.AchievementRarity, kind model.CriteriaKind, target, points int) model.Achievement {
	return model.Achievement{
		Title:       title,
		Description: desc,
		Category:    category,
		Type:        model.AchievementIndividual,
		Tier:        tier,
		Rarity:      rarity,
		Criteria: model.AchievementCriteria{
			Kind:      kind,
			Target:    target,
			Timeframe: model.TimeframeAllTime,
		},
		Rewards:  model.AchievementRewards{Points: points},
		IsActive: true,
	}
}

// SeedAchievements 成就表为空时写入默认目录，包含一个铜/银/金系列
func SeedAchievements(db *gorm.DB) error {
	var count int64
	if err := db.Model(&model.Achievement{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return db.Transaction(func(tx *gorm.DB) error {
		series := []model.Achievement{
			defaultAchievement("Module Explorer", "Complete 5 learning modules", model.CategoryLearning,
				model.TierBronze, model.RarityCommon, model.CriteriaModulesCompleted, 5, 50),
			defaultAchievement("Module Expert", "Complete 15 learning modules", model.CategoryLearning,
				model.TierSilver, model.RarityRare, model.CriteriaModulesCompleted, 15, 150),
			defaultAchievement("Module Master", "Complete 40 learning modules", model.CategoryLearning,
				model.TierGold, model.RarityEpic, model.CriteriaModulesCompleted, 40, 400),
		}
		for i := range series {
			series[i].SeriesName = "module-completion"
			series[i].SeriesOrder = i + 1
			if err := tx.Create(&series[i]).Error; err != nil {
				return err
			}
		}
		for i := range series {
			updates := map[string]interface{}{}
			if i > 0 {
				updates["previous_achievement_id"] = series[i-1].ID
			}
			if i < len(series)-1 {
				updates["next_achievement_id"] = series[i+1].ID
			}
			if err := tx.Model(&series[i]).Updates(updates).Error; err != nil {
				return err
			}
		}

		others := []model.Achievement{
			defaultAchievement("Consistent Learner", "Keep a 7 day learning streak", model.CategoryEngagement,
				model.TierSilver, model.RarityUncommon, model.CriteriaStreakDays, 7, 70),
			defaultAchievement("Team Player", "Join teams and connect with colleagues", model.CategorySocial,
				model.TierBronze, model.RarityCommon, model.CriteriaSocialInteractions, 5, 30),
			defaultAchievement("Perfectionist", "Finish 3 modules with a perfect score", model.CategoryMastery,
				model.TierGold, model.RarityRare, model.CriteriaPerfectScores, 3, 120),
			defaultAchievement("Mentor", "Help colleagues 10 times", model.CategoryLeadership,
				model.TierPlatinum, model.RarityEpic, model.CriteriaHelpGiven, 10, 200),
		}
		pioneer := defaultAchievement("Pioneer", "One of the first 100 learners to complete a module", model.CategorySpecial,
			model.TierDiamond, model.RarityMythic, model.CriteriaModulesCompleted, 1, 100)
		pioneer.IsLimited = true
		pioneer.MaxUnlocks = 100
		pioneer.IsSecret = true
		pioneer.Rewards.Tokens = 1
		pioneer.Rewards.XP = intPtr(500)
		pioneer.Rewards.SpecialTitle = "Pioneer"
		pioneer.Rewards.SpecialDescription = "Early adopter of the training portal"
		others = append(others, pioneer)

		if err := tx.Create(&others).Error; err != nil {
			return err
		}

		log.Printf("Seeded %d default achievements", len(series)+len(others))
		return nil
	})
}
