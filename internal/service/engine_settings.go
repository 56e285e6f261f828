package service

import (
	"sync"
	"training_portal_backend/internal/config"
)

// EngineSettings 运行时可热更新的引擎参数
type EngineSettings struct {
	mu  sync.RWMutex
	cfg config.EngineConfig
}

func NewEngineSettings(cfg config.EngineConfig) *EngineSettings {
	return &EngineSettings{cfg: cfg}
}

func (s *EngineSettings) Get() config.EngineConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *EngineSettings) Update(cfg config.EngineConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}
