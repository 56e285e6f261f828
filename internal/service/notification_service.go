package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"training_portal_backend/internal/model"
	"training_portal_backend/pkg/logger"
	"training_portal_backend/pkg/monitoring"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Notifier 奖励相关事件的异步通知，失败不影响发放结果
type Notifier interface {
	Notify(userID uint, event NotificationEvent)
}

type NotificationEvent struct {
	Type  model.NotificationType
	Title string
	Body  string
	Data  map[string]interface{}
}

type dispatchJob struct {
	UserID uint
	Event  NotificationEvent
}

// NotificationDispatcher 持久化通知并发布到 Redis，实际投递由外部系统订阅完成
type NotificationDispatcher struct {
	db       *gorm.DB
	redis    *redis.Client
	workers  int
	jobQueue chan *dispatchJob
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewNotificationDispatcher(db *gorm.DB, client *redis.Client, workers, queueSize int) *NotificationDispatcher {
	d := &NotificationDispatcher{
		db:       db,
		redis:    client,
		workers:  workers,
		jobQueue: make(chan *dispatchJob, queueSize),
		stopChan: make(chan struct{}),
	}
	d.startWorkers()
	return d
}

func (d *NotificationDispatcher) startWorkers() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

func (d *NotificationDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.jobQueue:
			d.process(job)
		case <-d.stopChan:
			// 退出前处理完已入队的任务
			for {
				select {
				case job := <-d.jobQueue:
					d.process(job)
				default:
					return
				}
			}
		}
	}
}

// Notify 不阻塞调用方，队列满时丢弃
func (d *NotificationDispatcher) Notify(userID uint, event NotificationEvent) {
	select {
	case <-d.stopChan:
		monitoring.NotificationsDropped.Inc()
		return
	default:
	}

	select {
	case d.jobQueue <- &dispatchJob{UserID: userID, Event: event}:
	default:
		monitoring.NotificationsDropped.Inc()
		logger.Log.Warn("Notification queue full, dropping event",
			zap.Uint("userID", userID),
			zap.String("type", string(event.Type)))
	}
}

func (d *NotificationDispatcher) process(job *dispatchJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notification := &model.Notification{
		ID:        uuid.NewString(),
		UserID:    job.UserID,
		Type:      job.Event.Type,
		Title:     job.Event.Title,
		Body:      job.Event.Body,
		Data:      datatypes.JSONMap(job.Event.Data),
		CreatedAt: time.Now(),
	}
	if err := d.db.WithContext(ctx).Create(notification).Error; err != nil {
		monitoring.NotificationsDropped.Inc()
		logger.Log.Error("Failed to persist notification",
			zap.Uint("userID", job.UserID),
			zap.Error(err))
		return
	}

	if d.redis == nil {
		return
	}
	payload, err := json.Marshal(notification)
	if err != nil {
		logger.Log.Error("Failed to encode notification", zap.String("id", notification.ID), zap.Error(err))
		return
	}
	channel := fmt.Sprintf("notifications:user:%d", job.UserID)
	if err := d.redis.Publish(ctx, channel, payload).Err(); err != nil {
		logger.Log.Warn("Failed to publish notification",
			zap.String("id", notification.ID),
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// Stop 停止接收新任务并等待 worker 退出
func (d *NotificationDispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	d.wg.Wait()
}

func unlockEvent(achievement *model.Achievement, progress int) NotificationEvent {
	data := map[string]interface{}{
		"achievementId": achievement.ID,
		"tier":          string(achievement.Tier),
		"rarity":        string(achievement.Rarity),
		"points":        achievement.Rewards.Points,
		"progress":      progress,
	}
	return NotificationEvent{
		Type:  model.NotificationAchievementUnlocked,
		Title: "Achievement unlocked: " + achievement.Title,
		Body:  achievement.Description,
		Data:  data,
	}
}

func seriesEvent(achievement *model.Achievement) NotificationEvent {
	return NotificationEvent{
		Type:  model.NotificationSeriesAdvanced,
		Title: "Next in series: " + achievement.SeriesName,
		Body:  fmt.Sprintf("Unlocking %s opened the next achievement in the series", achievement.Title),
		Data: map[string]interface{}{
			"achievementId":     achievement.ID,
			"nextAchievementId": *achievement.NextAchievementID,
			"seriesName":        achievement.SeriesName,
		},
	}
}
