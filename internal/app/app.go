package app

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"training_portal_backend/internal/config"
	"training_portal_backend/internal/controller"
	"training_portal_backend/internal/repository"
	"training_portal_backend/internal/service"
	"training_portal_backend/internal/util"
	"training_portal_backend/pkg/configwatcher"
	"training_portal_backend/pkg/database"
	"training_portal_backend/pkg/logger"
	"training_portal_backend/pkg/monitoring"
	"training_portal_backend/pkg/security"
	"training_portal_backend/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const configDir = "configs"

type App struct {
	Config          *config.Config
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	tracer          *sdktrace.TracerProvider
	cancel          context.CancelFunc
	configCallbacks []func(*config.Config)
}

type repositories struct {
	user            *repository.UserRepository
	module          *repository.ModuleRepository
	enrollment      *repository.EnrollmentRepository
	achievement     *repository.AchievementRepository
	userAchievement *repository.UserAchievementRepository
}

type services struct {
	settings    *service.EngineSettings
	notifier    *service.NotificationDispatcher
	stats       *service.AggregateStatsUpdater
	ledger      *service.RewardLedger
	achievement *service.AchievementService
	progress    *service.ProgressService
	activity    *service.ActivityService
	catalog     *service.CatalogService
	reconcile   *service.ReconcileService
}

type controllers struct {
	achievement *controller.AchievementController
	learning    *controller.ProgressController
	content     *controller.ContentController
	health      *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		user:            repository.NewUserRepository(db),
		module:          repository.NewModuleRepository(db),
		enrollment:      repository.NewEnrollmentRepository(db),
		achievement:     repository.NewAchievementRepository(db),
		userAchievement: repository.NewUserAchievementRepository(db),
	}
}

func buildServices(repos *repositories, cfg *config.Config, db *gorm.DB, rdb *redis.Client) *services {
	s := &services{}
	s.settings = service.NewEngineSettings(cfg.Engine)
	s.notifier = service.NewNotificationDispatcher(db, rdb, cfg.Engine.NotificationWorkers, cfg.Engine.NotificationQueueSize)

	locker := service.NewUserLock(rdb, cfg.Engine.LockTTL, cfg.Engine.LockWait)
	catalogCache := service.NewCatalogCache(repos.achievement, rdb, s.settings)

	s.stats = service.NewAggregateStatsUpdater(db, repos.achievement, repos.userAchievement, repos.module, repos.user, s.settings)
	s.ledger = service.NewRewardLedger(db, repos.user, repos.achievement, repos.userAchievement, s.stats, locker, s.settings)
	s.achievement = service.NewAchievementService(repos.user, repos.achievement, repos.userAchievement,
		catalogCache, s.ledger, s.notifier, s.settings)
	s.progress = service.NewProgressService(db, repos.user, repos.module, repos.enrollment, s.stats, s.achievement, locker, s.settings)
	s.activity = service.NewActivityService(db, repos.user, s.achievement, locker)
	s.catalog = service.NewCatalogService(repos.achievement, catalogCache, service.NewStorageProvider(&cfg.Storage))
	s.reconcile = service.NewReconcileService(db, repos.achievement, repos.userAchievement, s.stats)
	return s
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		achievement: controller.NewAchievementController(s.achievement),
		learning:    controller.NewProgressController(s.progress, s.activity),
		content:     controller.NewContentController(s.catalog, s.stats, s.reconcile),
		health:      controller.NewHealthController(db, rdb),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	router.Use(security.RateLimiter("global", cfg.RateLimit.MaxRequests,
		time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute, security.ByClientIP))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// startBackgroundTasks 定期重算比率并对账，延迟不影响正确性
func (a *App) startBackgroundTasks(ctx context.Context, s *services) {
	go func() {
		ticker := time.NewTicker(s.settings.Get().RecomputeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.reconcile.Reconcile(ctx); err != nil {
					logger.Log.Error("Reconciliation failed", zap.Error(err))
				}
				if err := s.stats.RecomputeRatios(ctx); err != nil {
					logger.Log.Error("Ratio recompute failed", zap.Error(err))
				}
				ticker.Reset(s.settings.Get().RecomputeInterval)
			}
		}
	}()
}

func (a *App) watchConfig(ctx context.Context) {
	if !a.Config.Server.WatchConfig {
		return
	}
	a.RegisterConfigCallback(func(cfg *config.Config) {
		logger.SetLevel(cfg)
		a.services.settings.Update(cfg.Engine)
		logger.Log.Info("Engine settings updated",
			zap.Duration("achievementTimeout", cfg.Engine.AchievementTimeout),
			zap.Bool("crossEntityTx", cfg.Engine.CrossEntityTx),
			zap.Bool("legacyCompletionSmoothing", cfg.Engine.LegacyCompletionSmoothing))
	})
	err := configwatcher.WatchConfig(ctx, configDir, func(cfg *config.Config) {
		for _, cb := range a.configCallbacks {
			cb(cfg)
		}
	})
	if err != nil {
		logger.Log.Error("Failed to watch config", zap.Error(err))
	}
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	app := &App{
		Config: cfg,
		DB:     db,
	}
	if cfg.MigrateOnly {
		return app
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
		log.Fatalf("Failed to initialize redis: %v", err)
	}
	app.Redis = rdb

	// 监控初始化
	monitoring.Init()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("training-portal", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	repos := app.initRepositories(db)
	app.services = buildServices(repos, cfg, db, rdb)
	if cfg.ReconcileOnly {
		return app
	}

	controllers := app.initControllers(app.services, db, rdb)

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	app.Router = router

	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, controllers, cfg)

	if cfg.Storage.Type == util.StorageLocal {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.startBackgroundTasks(ctx, app.services)
	app.watchConfig(ctx)

	return app
}

// ReconcileOnce -reconcile 模式：执行一次对账后退出
func (a *App) ReconcileOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	defer a.shutdownServices()

	report, err := a.services.reconcile.Reconcile(ctx)
	if err != nil {
		return err
	}
	logger.Log.Info("Reconciliation complete",
		zap.Int("applied", report.AppliedAggregations),
		zap.Int("repaired", report.RepairedCounts),
		zap.Uints("unresolved", report.Unresolved))
	return nil
}

func (a *App) shutdownServices() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.services != nil {
		a.services.notifier.Stop()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	// 启动服务器
	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}

	// 请求处理完后再停止通知队列，保证已入队的通知被写入
	a.shutdownServices()
	logger.Log.Info("Server exiting")
}
