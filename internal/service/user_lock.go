package service

import (
	"context"
	"fmt"
	"sync"
	"time"
	"training_portal_backend/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UserLocker 按用户串行化奖励发放
type UserLocker interface {
	Lock(ctx context.Context, userID uint) (unlock func(), err error)
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uint]*refMutex)}
}

func (k *keyedMutex) lock(userID uint) func() {
	k.mu.Lock()
	m, ok := k.locks[userID]
	if !ok {
		m = &refMutex{}
		k.locks[userID] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, userID)
		}
		k.mu.Unlock()
	}
}

// unlockScript 只删除自己持有的锁
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// UserLock 进程内互斥锁，配置 Redis 时再叠加一把分布式锁，用于多实例部署
type UserLock struct {
	local *keyedMutex
	redis *redis.Client
	ttl   time.Duration
	wait  time.Duration
}

func NewUserLock(client *redis.Client, ttl, wait time.Duration) *UserLock {
	return &UserLock{
		local: newKeyedMutex(),
		redis: client,
		ttl:   ttl,
		wait:  wait,
	}
}

func (l *UserLock) Lock(ctx context.Context, userID uint) (func(), error) {
	unlockLocal := l.local.lock(userID)
	if l.redis == nil {
		return unlockLocal, nil
	}

	key := fmt.Sprintf("lock:achievement:user:%d", userID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire user lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			unlockLocal()
			return nil, fmt.Errorf("acquire user lock %d: timed out after %s", userID, l.wait)
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}

	return func() {
		// 使用独立的 context，请求取消后仍需释放锁
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := unlockScript.Run(releaseCtx, l.redis, []string{key}, token).Err(); err != nil {
			logger.Log.Warn("Failed to release user lock", zap.Uint("userID", userID), zap.Error(err))
		}
		unlockLocal()
	}, nil
}
