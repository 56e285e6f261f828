// @title Training Portal 后端 API
// @version 1.0
// @description 培训门户的学习进度与成就服务。

// @host localhost:8080
// @BasePath /api
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

package main

import (
	"flag"
	"log"
	"training_portal_backend/internal/app"
	"training_portal_backend/internal/config"
	"training_portal_backend/pkg/logger"
)

func main() {
	// 命令行参数
	migrateOnly := flag.Bool("migrate-only", false, "只执行数据库迁移，完成后退出")
	reconcile := flag.Bool("reconcile", false, "执行一次成就统计对账，完成后退出")
	flag.Parse()

	cfg, err := config.LoadConfig("configs")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cfg.MigrateOnly = *migrateOnly
	cfg.ReconcileOnly = *reconcile

	application := app.NewApp(cfg)
	defer logger.Log.Sync()

	// 迁移完成后直接退出
	if *migrateOnly {
		log.Println("数据库迁移完成，退出程序")
		return
	}

	if *reconcile {
		if err := application.ReconcileOnce(); err != nil {
			log.Fatalf("Reconciliation failed: %v", err)
		}
		return
	}

	application.Run()
}
