package model

import "time"

// ModuleCompletion 已完成模块，用于带范围/时间窗口的条件
type ModuleCompletion struct {
	ModuleID    uint      `json:"moduleId"`
	Category    string    `json:"category"`
	CompletedAt time.Time `json:"completedAt"`
}

// StatsSnapshot 某一时刻用户统计的只读副本，评估器只读取它
type StatsSnapshot struct {
	UserID      uint               `json:"userId"`
	Stats       UserStatistics     `json:"stats"`
	Completions []ModuleCompletion `json:"completions,omitempty"`
	TakenAt     time.Time          `json:"takenAt"`
}
