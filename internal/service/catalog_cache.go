package service

import (
	"context"
	"encoding/json"
	"training_portal_backend/internal/model"
	"training_portal_backend/internal/repository"
	"training_portal_backend/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const activeCatalogKey = "achievements:catalog:active"

// CatalogCache 活跃成就目录缓存。Redis 未启用时直接读库
type CatalogCache struct {
	Repo     *repository.AchievementRepository
	Redis    *redis.Client
	Settings *EngineSettings
	group    singleflight.Group
}

func NewCatalogCache(repo *repository.AchievementRepository, client *redis.Client, settings *EngineSettings) *CatalogCache {
	return &CatalogCache{Repo: repo, Redis: client, Settings: settings}
}

// ListActive 返回副本，调用方可以自行排序
func (c *CatalogCache) ListActive(ctx context.Context) ([]model.Achievement, error) {
	if c.Redis == nil {
		return c.Repo.ListActive(ctx)
	}

	val, err := c.Redis.Get(ctx, activeCatalogKey).Result()
	if err == nil {
		var cached []model.Achievement
		if err := json.Unmarshal([]byte(val), &cached); err == nil {
			return cached, nil
		}
		logger.Log.Warn("Discarding malformed catalog cache entry")
	} else if err != redis.Nil {
		logger.Log.Warn("Catalog cache read failed", zap.Error(err))
	}

	v, err, _ := c.group.Do(activeCatalogKey, func() (interface{}, error) {
		achievements, err := c.Repo.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(achievements); err == nil {
			if err := c.Redis.Set(ctx, activeCatalogKey, data, c.Settings.Get().CatalogCacheTTL).Err(); err != nil {
				logger.Log.Warn("Catalog cache write failed", zap.Error(err))
			}
		}
		return achievements, nil
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]model.Achievement)
	return append([]model.Achievement(nil), shared...), nil
}

// Invalidate 目录变更后调用
func (c *CatalogCache) Invalidate(ctx context.Context) {
	if c.Redis == nil {
		return
	}
	if err := c.Redis.Del(ctx, activeCatalogKey).Err(); err != nil {
		logger.Log.Warn("Catalog cache invalidation failed", zap.Error(err))
	}
}
