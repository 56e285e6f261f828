package model

import (
	"time"
)

type UserRole string

const (
	Learner    UserRole = "learner"
	Instructor UserRole = "instructor"
	Admin      UserRole = "admin"
)

// UserStatistics 成就评估使用的统计快照，随学习/登录/社交事件更新
type UserStatistics struct {
	ModulesCompleted      int     `gorm:"default:0" json:"modulesCompleted"`
	TotalPoints           int     `gorm:"default:0" json:"totalPoints"`
	Streak                int     `gorm:"default:0" json:"streak"`
	LoginCount            int     `gorm:"default:0" json:"loginCount"`
	FriendsCount          int     `gorm:"default:0" json:"friendsCount"`
	TeamsCount            int     `gorm:"default:0" json:"teamsCount"`
	TeamContributions     int     `gorm:"default:0" json:"teamContributions"`
	PerfectScores         int     `gorm:"default:0" json:"perfectScores"`
	AverageCompletionTime int     `gorm:"default:0" json:"averageCompletionTime"` // 分钟
	HelpGiven             int     `gorm:"default:0" json:"helpGiven"`
	AverageRating         float64 `gorm:"default:0" json:"averageRating"`
	AchievementsUnlocked  int     `gorm:"default:0" json:"achievementsUnlocked"`
}

// swagger:model User
type User struct {
	BaseModel
	Name     string   `gorm:"size:100;not null" json:"name"`
	Email    string   `gorm:"size:100;unique;not null" json:"email"`
	Role     UserRole `gorm:"size:20;default:'learner'" json:"role"`
	Disabled bool     `gorm:"default:false" json:"disabled"`

	// 货币账本，只由奖励发放和进度事件修改
	XP     int `gorm:"default:0" json:"xp"`
	Points int `gorm:"default:0" json:"points"`
	Coins  int `gorm:"default:0" json:"coins"`
	Tokens int `gorm:"default:0" json:"tokens"`

	Stats UserStatistics `gorm:"embedded;embeddedPrefix:stat_" json:"stats"`

	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

func (User) TableName() string {
	return "users"
}
