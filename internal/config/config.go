package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Storage   StorageConfig
	Tracing   TracingConfig `mapstructure:"tracing"`
	Redis     RedisConfig
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Log       LogConfig       `mapstructure:"log"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	MigrateOnly   bool `mapstructure:"-"`
	ReconcileOnly bool `mapstructure:"-"`
}

type ServerConfig struct {
	Port        string
	Mode        string
	WatchConfig bool `mapstructure:"watch_config"`
}

type DatabaseConfig struct {
	Driver    string
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool   `mapstructure:"parse_time"`
	SSLMode   string `mapstructure:"ssl_mode"`
	Path      string // sqlite 文件路径
	LogLevel  string `mapstructure:"log_level"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type StorageConfig struct {
	Type          string `mapstructure:"type"`
	LocalPath     string `mapstructure:"local_path"`
	MinioEndpoint string `mapstructure:"minio_endpoint"`
	MinioAccessID string `mapstructure:"minio_access_key"`
	MinioSecret   string `mapstructure:"minio_secret_key"`
	MinioBucket   string `mapstructure:"minio_bucket"`
	MinioSecure   bool   `mapstructure:"minio_secure"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig file 为空时只输出到控制台
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
	ScanPerMinute int `mapstructure:"scan_per_minute"`
}

// EngineConfig 成就引擎参数，支持热更新
type EngineConfig struct {
	// 单个成就评估+发放的超时
	AchievementTimeout time.Duration `mapstructure:"achievement_timeout"`
	// 用户侧与成就侧更新是否放在同一事务
	CrossEntityTx bool `mapstructure:"cross_entity_tx"`
	// 平均完成时间沿用 (old+new)/2 的旧算法
	LegacyCompletionSmoothing bool          `mapstructure:"legacy_completion_smoothing"`
	RecomputeInterval         time.Duration `mapstructure:"recompute_interval"`
	LockTTL                   time.Duration `mapstructure:"lock_ttl"`
	LockWait                  time.Duration `mapstructure:"lock_wait"`
	CatalogCacheTTL           time.Duration `mapstructure:"catalog_cache_ttl"`
	NotificationWorkers       int           `mapstructure:"notification_workers"`
	NotificationQueueSize     int           `mapstructure:"notification_queue_size"`
}

// DefaultEngineConfig 配置文件缺省时使用
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		AchievementTimeout:        2 * time.Second,
		CrossEntityTx:             true,
		LegacyCompletionSmoothing: true,
		RecomputeInterval:         15 * time.Minute,
		LockTTL:                   10 * time.Second,
		LockWait:                  3 * time.Second,
		CatalogCacheTTL:           5 * time.Minute,
		NotificationWorkers:       4,
		NotificationQueueSize:     256,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.parse_time", true)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "uploads")
	v.SetDefault("rate_limit.max_requests", 6000)
	v.SetDefault("rate_limit.window_minutes", 1)
	v.SetDefault("rate_limit.scan_per_minute", 6)
	v.SetDefault("log.file", "logs/app.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	d := DefaultEngineConfig()
	v.SetDefault("engine.achievement_timeout", d.AchievementTimeout)
	v.SetDefault("engine.cross_entity_tx", d.CrossEntityTx)
	v.SetDefault("engine.legacy_completion_smoothing", d.LegacyCompletionSmoothing)
	v.SetDefault("engine.recompute_interval", d.RecomputeInterval)
	v.SetDefault("engine.lock_ttl", d.LockTTL)
	v.SetDefault("engine.lock_wait", d.LockWait)
	v.SetDefault("engine.catalog_cache_ttl", d.CatalogCacheTTL)
	v.SetDefault("engine.notification_workers", d.NotificationWorkers)
	v.SetDefault("engine.notification_queue_size", d.NotificationQueueSize)
}

func LoadConfig(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("TRAINING_PORTAL")
	v.AutomaticEnv()
	setDefaults(v)

	// Database
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")

	// JWT
	v.BindEnv("jwt.secret", "JWT_SECRET")

	// Redis
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	v.BindEnv("server.mode", "SERVER_MODE")
	v.BindEnv("log.level", "LOG_LEVEL")

	// Storage
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.minio_endpoint", "MINIO_ENDPOINT")
	v.BindEnv("storage.minio_access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("storage.minio_secret_key", "MINIO_SECRET_KEY")
	v.BindEnv("storage.minio_bucket", "MINIO_BUCKET")

	// Tracing
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Storage.Type == "local" {
		if _, err := os.Stat(cfg.Storage.LocalPath); os.IsNotExist(err) {
			os.MkdirAll(cfg.Storage.LocalPath, 0755)
		}
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	// 生产环境校验 JWT Secret 强度
	if c.Server.Mode == "release" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT secret is too short (%d chars), must be at least 32 characters in release mode", len(c.JWT.Secret))
	}

	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Engine.AchievementTimeout <= 0 {
		return fmt.Errorf("engine.achievement_timeout must be positive")
	}
	if c.Engine.RecomputeInterval <= 0 {
		return fmt.Errorf("engine.recompute_interval must be positive")
	}
	if c.Engine.NotificationWorkers <= 0 {
		c.Engine.NotificationWorkers = 1
	}
	if c.Engine.NotificationQueueSize <= 0 {
		c.Engine.NotificationQueueSize = 1
	}
	return nil
}
