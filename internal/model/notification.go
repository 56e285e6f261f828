package model

import (
	"time"

	"gorm.io/datatypes"
)

type NotificationType string

const (
	NotificationAchievementUnlocked NotificationType = "achievement_unlocked"
	NotificationSeriesAdvanced      NotificationType = "series_advanced"
)

// Notification 奖励相关的事件记录，投递由外部系统负责
type Notification struct {
	ID        string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    uint              `gorm:"index;not null" json:"userId"`
	Type      NotificationType  `gorm:"size:40;not null" json:"type"`
	Title     string            `gorm:"size:255" json:"title"`
	Body      string            `gorm:"type:text" json:"body"`
	Data      datatypes.JSONMap `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (Notification) TableName() string {
	return "notifications"
}
