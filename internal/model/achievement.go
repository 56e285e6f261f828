package model

import (
	"time"

	"gorm.io/datatypes"
)

type AchievementCategory string

const (
	CategoryLearning   AchievementCategory = "learning"
	CategorySocial     AchievementCategory = "social"
	CategoryProgress   AchievementCategory = "progress"
	CategoryLeadership AchievementCategory = "leadership"
	CategoryEngagement AchievementCategory = "engagement"
	CategoryMastery    AchievementCategory = "mastery"
	CategorySpecial    AchievementCategory = "special"
)

func (c AchievementCategory) Valid() bool {
	switch c {
	case CategoryLearning, CategorySocial, CategoryProgress, CategoryLeadership,
		CategoryEngagement, CategoryMastery, CategorySpecial:
		return true
	}
	return false
}

type AchievementType string

const (
	AchievementIndividual AchievementType = "individual"
	AchievementTeam       AchievementType = "team"
	AchievementGlobal     AchievementType = "global"
)

// AchievementTier 等级，按 Rank 排序
type AchievementTier string

const (
	TierBronze   AchievementTier = "bronze"
	TierSilver   AchievementTier = "silver"
	TierGold     AchievementTier = "gold"
	TierPlatinum AchievementTier = "platinum"
	TierDiamond  AchievementTier = "diamond"
)

var tierRanks = map[AchievementTier]int{
	TierBronze:   1,
	TierSilver:   2,
	TierGold:     3,
	TierPlatinum: 4,
	TierDiamond:  5,
}

// Rank 未知等级返回 0
func (t AchievementTier) Rank() int {
	return tierRanks[t]
}

type AchievementRarity string

const (
	RarityCommon    AchievementRarity = "common"
	RarityUncommon  AchievementRarity = "uncommon"
	RarityRare      AchievementRarity = "rare"
	RarityEpic      AchievementRarity = "epic"
	RarityLegendary AchievementRarity = "legendary"
	RarityMythic    AchievementRarity = "mythic"
)

var rarityRanks = map[AchievementRarity]int{
	RarityCommon:    1,
	RarityUncommon:  2,
	RarityRare:      3,
	RarityEpic:      4,
	RarityLegendary: 5,
	RarityMythic:    6,
}

func (r AchievementRarity) Rank() int {
	return rarityRanks[r]
}

type Timeframe string

const (
	TimeframeDaily   Timeframe = "daily"
	TimeframeWeekly  Timeframe = "weekly"
	TimeframeMonthly Timeframe = "monthly"
	TimeframeYearly  Timeframe = "yearly"
	TimeframeAllTime Timeframe = "all_time"
)

// Since 返回统计窗口的起点，all_time 返回零值
func (t Timeframe) Since(now time.Time) time.Time {
	switch t {
	case TimeframeDaily:
		return now.AddDate(0, 0, -1)
	case TimeframeWeekly:
		return now.AddDate(0, 0, -7)
	case TimeframeMonthly:
		return now.AddDate(0, -1, 0)
	case TimeframeYearly:
		return now.AddDate(-1, 0, 0)
	}
	return time.Time{}
}

// CriteriaKind 成就条件类型，新增类型时需要同步 AllCriteriaKinds 和评估器
type CriteriaKind string

const (
	CriteriaModulesCompleted     CriteriaKind = "modules_completed"
	CriteriaTotalPoints          CriteriaKind = "total_points"
	CriteriaStreakDays           CriteriaKind = "streak_days"
	CriteriaLoginCount           CriteriaKind = "login_count"
	CriteriaFriendsCount         CriteriaKind = "friends_count"
	CriteriaTeamsJoined          CriteriaKind = "teams_joined"
	CriteriaSocialInteractions   CriteriaKind = "social_interactions"
	CriteriaTeamContributions    CriteriaKind = "team_contributions"
	CriteriaPerfectScores        CriteriaKind = "perfect_scores"
	CriteriaHelpGiven            CriteriaKind = "help_given"
	CriteriaAverageRating        CriteriaKind = "average_rating"
	CriteriaAchievementsUnlocked CriteriaKind = "achievements_unlocked"
	CriteriaCustom               CriteriaKind = "custom"
)

var AllCriteriaKinds = []CriteriaKind{
	CriteriaModulesCompleted,
	CriteriaTotalPoints,
	CriteriaStreakDays,
	CriteriaLoginCount,
	CriteriaFriendsCount,
	CriteriaTeamsJoined,
	CriteriaSocialInteractions,
	CriteriaTeamContributions,
	CriteriaPerfectScores,
	CriteriaHelpGiven,
	CriteriaAverageRating,
	CriteriaAchievementsUnlocked,
	CriteriaCustom,
}

type AchievementCriteria struct {
	Kind       CriteriaKind                `gorm:"size:40;not null" json:"kind"`
	Target     int                         `gorm:"not null" json:"target"`
	Timeframe  Timeframe                   `gorm:"size:20;default:'all_time'" json:"timeframe"`
	ModuleIDs  datatypes.JSONSlice[uint]   `json:"moduleIds,omitempty"`
	Categories datatypes.JSONSlice[string] `json:"categories,omitempty"`
}

type RewardItem struct {
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
}

type AchievementRewards struct {
	Points int  `gorm:"default:0" json:"points"`
	XP     *int `json:"xp,omitempty"`
	Coins  *int `json:"coins,omitempty"`
	Tokens int  `gorm:"default:0" json:"tokens"`

	Items datatypes.JSONSlice[RewardItem] `json:"items,omitempty"`

	SpecialTitle       string                      `gorm:"size:100" json:"specialTitle,omitempty"`
	SpecialDescription string                      `gorm:"size:255" json:"specialDescription,omitempty"`
	SpecialFeatures    datatypes.JSONSlice[string] `json:"specialFeatures,omitempty"`
}

// EffectiveXP 未显式配置时为 2 倍积分
func (r AchievementRewards) EffectiveXP() int {
	if r.XP != nil {
		return *r.XP
	}
	return r.Points * 2
}

// EffectiveCoins 未显式配置时为 积分/10 向下取整
func (r AchievementRewards) EffectiveCoins() int {
	if r.Coins != nil {
		return *r.Coins
	}
	return r.Points / 10
}

func (r AchievementRewards) HasSpecialUnlock() bool {
	return r.SpecialTitle != "" || len(r.SpecialFeatures) > 0
}

// AchievementStats 全局统计，只能由统计更新器写入
type AchievementStats struct {
	TotalUnlocked       int64      `gorm:"default:0" json:"totalUnlocked"`
	UnlockRate          float64    `gorm:"default:0" json:"unlockRate"`
	AverageTimeToUnlock float64    `gorm:"default:0" json:"averageTimeToUnlock"` // 小时
	FirstUnlockedAt     *time.Time `json:"firstUnlockedAt,omitempty"`
	LastUnlockedAt      *time.Time `json:"lastUnlockedAt,omitempty"`
}

type Achievement struct {
	BaseModel
	Title       string              `gorm:"size:100;not null" json:"title"`
	Description string              `gorm:"type:text" json:"description"`
	Icon        string              `gorm:"size:255" json:"icon"`
	Category    AchievementCategory `gorm:"size:20;index;not null" json:"category"`
	Type        AchievementType     `gorm:"size:20;default:'individual'" json:"type"`
	Tier        AchievementTier     `gorm:"size:20;default:'bronze'" json:"tier"`
	Rarity      AchievementRarity   `gorm:"size:20;default:'common'" json:"rarity"`

	Criteria AchievementCriteria `gorm:"embedded;embeddedPrefix:criteria_" json:"criteria"`
	Rewards  AchievementRewards  `gorm:"embedded;embeddedPrefix:reward_" json:"rewards"`

	SeriesName            string `gorm:"size:100;index" json:"seriesName,omitempty"`
	SeriesOrder           int    `gorm:"default:0" json:"seriesOrder"`
	PreviousAchievementID *uint  `gorm:"index" json:"previousAchievementId,omitempty"`
	NextAchievementID     *uint  `json:"nextAchievementId,omitempty"`

	IsActive   bool  `gorm:"index" json:"isActive"`
	IsSecret   bool  `gorm:"default:false" json:"isSecret"`
	IsLimited  bool  `gorm:"default:false" json:"isLimited"`
	MaxUnlocks int64 `gorm:"default:0" json:"maxUnlocks"`

	Stats AchievementStats `gorm:"embedded;embeddedPrefix:stats_" json:"stats"`
}

func (Achievement) TableName() string {
	return "achievements"
}

// AtCapacity 限量成就是否已达上限
func (a *Achievement) AtCapacity() bool {
	return a.IsLimited && a.Stats.TotalUnlocked >= a.MaxUnlocks
}

// UserAchievement 用户成就解锁记录，(user_id, achievement_id) 唯一
type UserAchievement struct {
	BaseModel
	UserID        uint            `gorm:"index:idx_user_achievement,unique;not null" json:"userId"`
	AchievementID uint            `gorm:"index:idx_user_achievement,unique;index;not null" json:"achievementId"`
	Progress      int             `gorm:"default:0" json:"progress"`
	Tier          AchievementTier `gorm:"size:20" json:"tier,omitempty"`
	UnlockedAt    *time.Time      `gorm:"index" json:"unlockedAt,omitempty"`
	// AggregatedAt 成就侧统计已计入本次解锁的时间，为空表示待对账
	AggregatedAt *time.Time `json:"-"`
}

func (UserAchievement) TableName() string {
	return "user_achievements"
}

func (ua *UserAchievement) Unlocked() bool {
	return ua.UnlockedAt != nil
}

type UserItem struct {
	BaseModel
	UserID        uint   `gorm:"index;not null" json:"userId"`
	AchievementID uint   `gorm:"index" json:"achievementId"`
	Code          string `gorm:"size:64;not null" json:"code"`
	Quantity      int    `gorm:"default:1" json:"quantity"`
}

func (UserItem) TableName() string {
	return "user_items"
}

// UserSpecialUnlock 一次性特殊解锁（称号 / 功能开关）
type UserSpecialUnlock struct {
	BaseModel
	UserID        uint                        `gorm:"index:idx_user_special,unique;not null" json:"userId"`
	AchievementID uint                        `gorm:"index:idx_user_special,unique;not null" json:"achievementId"`
	Title         string                      `gorm:"size:100" json:"title"`
	Description   string                      `gorm:"size:255" json:"description"`
	Features      datatypes.JSONSlice[string] `json:"features"`
}

func (UserSpecialUnlock) TableName() string {
	return "user_special_unlocks"
}
