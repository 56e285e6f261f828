package model

import (
	"time"

	"gorm.io/datatypes"
)

// ModuleStats 内容统计：同步维护 O(1) 计数，比率由后台任务重算
type ModuleStats struct {
	EnrollmentCount       int64   `gorm:"default:0" json:"enrollmentCount"`
	CompletionCount       int64   `gorm:"default:0" json:"completionCount"`
	RatingSum             int64   `gorm:"default:0" json:"-"`
	RatingCount           int64   `gorm:"default:0" json:"ratingCount"`
	AverageRating         float64 `gorm:"default:0" json:"averageRating"`
	AverageCompletionTime int     `gorm:"default:0" json:"averageCompletionTime"` // 分钟
	SuccessRate           float64 `gorm:"default:0" json:"successRate"`
}

type LearningModule struct {
	BaseModel
	Title        string `gorm:"size:255;not null" json:"title"`
	Description  string `gorm:"type:text" json:"description"`
	Category     string `gorm:"size:64;index" json:"category"`
	ChapterCount int    `gorm:"default:0" json:"chapterCount"`
	Points       int    `gorm:"default:0" json:"points"` // 完成模块获得的积分
	Published    bool   `gorm:"default:false" json:"published"`

	Stats ModuleStats `gorm:"embedded;embeddedPrefix:stats_" json:"stats"`
}

func (LearningModule) TableName() string {
	return "learning_modules"
}

// Enrollment 用户对单个模块的学习记录，(user_id, module_id) 唯一
type Enrollment struct {
	BaseModel
	UserID            uint                      `gorm:"index:idx_user_module,unique;not null" json:"userId"`
	ModuleID          uint                      `gorm:"index:idx_user_module,unique;index;not null" json:"moduleId"`
	Progress          int                       `gorm:"default:0" json:"progress"`
	CompletedChapters datatypes.JSONSlice[uint] `json:"completedChapters"`
	TimeSpent         int                       `gorm:"default:0" json:"timeSpent"` // 分钟
	BestScore         int                       `gorm:"default:0" json:"bestScore"`
	Rating            int                       `gorm:"default:0" json:"rating"`
	EnrolledAt        time.Time                 `json:"enrolledAt"`
	LastAccessedAt    time.Time                 `json:"lastAccessedAt"`
	CompletedAt       *time.Time                `json:"completedAt,omitempty"`
}

func (Enrollment) TableName() string {
	return "enrollments"
}

func (e *Enrollment) HasChapter(chapterID uint) bool {
	for _, id := range e.CompletedChapters {
		if id == chapterID {
			return true
		}
	}
	return false
}
